package codec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	es "github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/codec"
	"github.com/terraskye/eventcore/fixtures"
)

type pointerEvent struct {
	Name string `json:"name"`
}

func (*pointerEvent) EventType() string { return "PointerEvent" }

func newRegistry() *es.Registry {
	r := es.NewRegistry()
	fixtures.RegisterCartEvents(r)
	r.RegisterByType(func() es.Event { return &pointerEvent{} })
	r.Register("ValueFactory", func() es.Event { return fixtures.TestEvent{Type: "ValueFactory"} })
	return r
}

func TestJSON_RoundTrip(t *testing.T) {
	c := codec.NewJSON(newRegistry())

	tests := []struct {
		name string
		in   es.Event
		want es.Event
	}{
		{
			name: "value event registered by pointer comes back as value",
			in:   fixtures.ItemAdded{CartID: "cart-1", SKU: "sku-1", Quantity: 2},
			want: fixtures.ItemAdded{CartID: "cart-1", SKU: "sku-1", Quantity: 2},
		},
		{
			name: "pointer-only event stays a pointer",
			in:   &pointerEvent{Name: "x"},
			want: &pointerEvent{Name: "x"},
		},
		{
			name: "value factory",
			in:   fixtures.TestEvent{Type: "ValueFactory", Data: "d"},
			want: fixtures.TestEvent{Type: "ValueFactory", Data: "d"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, data, err := c.Marshal(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.in.EventType(), typ)

			out, err := c.Unmarshal(typ, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestJSON_Unregistered(t *testing.T) {
	_, err := codec.NewJSON(newRegistry()).Unmarshal("Nope", []byte(`{}`))
	require.ErrorIs(t, err, es.ErrEventNotRegistered)

	ev, err := codec.NewJSON(newRegistry(), codec.WithRawFallback()).Unmarshal("Nope", []byte(`{"a":1}`))
	require.NoError(t, err)
	raw, ok := ev.(codec.RawEvent)
	require.True(t, ok)
	assert.Equal(t, "Nope", raw.EventType())
	assert.JSONEq(t, `{"a":1}`, string(raw.Data))

	_, data, err := codec.NewJSON(nil).Marshal(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))
}

func TestJSON_BadPayload(t *testing.T) {
	_, err := codec.NewJSON(newRegistry()).Unmarshal("ItemAdded", []byte(`{"quantity":"many"}`))
	require.Error(t, err)
}

func TestMetadata(t *testing.T) {
	data, err := codec.MarshalMetadata(nil)
	require.NoError(t, err)
	assert.Nil(t, data)

	md, err := codec.UnmarshalMetadata(nil)
	require.NoError(t, err)
	assert.Empty(t, md)

	data, err = codec.MarshalMetadata(map[string]any{es.MetadataCorrelationID: "c-1"})
	require.NoError(t, err)
	md, err = codec.UnmarshalMetadata(data)
	require.NoError(t, err)
	assert.Equal(t, "c-1", md[es.MetadataCorrelationID])
}
