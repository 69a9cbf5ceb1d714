package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/terraskye/eventcore"
)

func useSQLite(t *testing.T) {
	t.Helper()
	t.Setenv("EVENTCTL_STORE_DRIVER", "sqlite")
	t.Setenv("EVENTCTL_STORE_DSN", filepath.Join(t.TempDir(), "events.db"))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"append", "read", "version", "tail", "relay"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	output := cmd.PersistentFlags().Lookup("output")
	require.NotNil(t, output)
	assert.Equal(t, "json", output.DefValue)
}

func TestParseExpected(t *testing.T) {
	tests := []struct {
		in   string
		want eventcore.StreamState
	}{
		{"any", eventcore.Any{}},
		{"no-stream", eventcore.NoStream{}},
		{"exists", eventcore.StreamExists{}},
		{"7", eventcore.Revision(7)},
	}
	for _, tt := range tests {
		got, err := ParseExpected(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseExpected("seven")
	require.ErrorIs(t, err, eventcore.ErrInvalidRevision)
}

func TestAppendReadVersion(t *testing.T) {
	useSQLite(t)

	out, err := execute(t, "append", "cart-1", "--type", "CartCreated", "--data", `{"cart_id":"cart-1"}`, "--expected", "no-stream", "--correlation-id", "corr-1")
	require.NoError(t, err)
	var res AppendResultView
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, uint64(1), res.Version)
	assert.Equal(t, uint64(1), res.GlobalVersion)

	_, err = execute(t, "append", "cart-1", "--type", "ItemAdded", "--data", `{"sku":"a","quantity":2}`, "--expected", "1", "--metadata", "user=alice")
	require.NoError(t, err)

	_, err = execute(t, "append", "cart-1", "--type", "ItemAdded", "--expected", "1")
	require.ErrorIs(t, err, eventcore.ErrConcurrencyConflict)

	out, err = execute(t, "read", "cart-1", "-o", "yaml")
	require.NoError(t, err)
	dec := yaml.NewDecoder(strings.NewReader(out))
	var views []EnvelopeView
	for {
		var v EnvelopeView
		if err := dec.Decode(&v); err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		views = append(views, v)
	}
	require.Len(t, views, 2)
	assert.Equal(t, "CartCreated", views[0].EventType)
	assert.Equal(t, "corr-1", views[0].Metadata[eventcore.MetadataCorrelationID])
	assert.Equal(t, "ItemAdded", views[1].EventType)
	assert.Equal(t, "alice", views[1].Metadata["user"])
	assert.Equal(t, map[string]any{"sku": "a", "quantity": 2}, views[1].Data)

	out, err = execute(t, "version", "cart-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"stream_id":"cart-1","version":2}`, out)

	out, err = execute(t, "version", "cart-404")
	require.NoError(t, err)
	assert.JSONEq(t, `{"stream_id":"cart-404","version":0}`, out)
}

func TestReadAllAndTail(t *testing.T) {
	useSQLite(t)
	for _, stream := range []string{"a", "b", "a"} {
		_, err := execute(t, "append", stream, "--type", "Touched")
		require.NoError(t, err)
	}

	out, err := execute(t, "read", "--all", "--from", "2")
	require.NoError(t, err)
	dec := json.NewDecoder(strings.NewReader(out))
	var positions []uint64
	for dec.More() {
		var v EnvelopeView
		require.NoError(t, dec.Decode(&v))
		positions = append(positions, v.GlobalVersion)
	}
	assert.Equal(t, []uint64{2, 3}, positions)

	out, err = execute(t, "tail", "--stream", "a", "--limit", "2")
	require.NoError(t, err)
	dec = json.NewDecoder(strings.NewReader(out))
	var streams []string
	for dec.More() {
		var v EnvelopeView
		require.NoError(t, dec.Decode(&v))
		streams = append(streams, v.StreamID)
	}
	assert.Equal(t, []string{"a", "a"}, streams)
}

func TestTailFollowsOtherWriters(t *testing.T) {
	useSQLite(t)
	t.Setenv("EVENTCTL_BUS_FOLLOW", "20ms")
	_, err := execute(t, "append", "a", "--type", "Touched")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		cmd := NewRootCommand()
		cmd.SetOut(&out)
		cmd.SetErr(io.Discard)
		cmd.SetArgs([]string{"tail", "--from-checkpoint", "1", "--limit", "1"})
		done <- cmd.ExecuteContext(ctx)
	}()

	// The append opens its own store, as another process would.
	time.Sleep(100 * time.Millisecond)
	_, err = execute(t, "append", "b", "--type", "Touched")
	require.NoError(t, err)

	require.NoError(t, <-done)
	var v EnvelopeView
	require.NoError(t, json.Unmarshal(out.Bytes(), &v))
	assert.Equal(t, "b", v.StreamID)
	assert.Equal(t, uint64(2), v.GlobalVersion)
}

func TestInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "bad output", args: []string{"version", "s", "-o", "xml"}},
		{name: "bad json", args: []string{"append", "s", "--type", "T", "--data", "{"}},
		{name: "bad expected", args: []string{"append", "s", "--type", "T", "--expected", "x"}},
		{name: "read without stream", args: []string{"read"}},
		{name: "tail conflicting start", args: []string{"tail", "--from-now", "--from-checkpoint", "3"}},
		{name: "relay unknown target", args: []string{"relay", "--to", "carrier-pigeon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
		})
	}
}
