package eventcore

import "reflect"

// TypeName returns the Go type name of v without pointer indirection, for
// example "fixtures.ItemAdded".
func TypeName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return "<nil>"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.String()
}

// eventTypeOf returns EventType() of the concrete event type T without
// needing a value of it.
func eventTypeOf[T Event]() (string, bool) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	switch t.Kind() {
	case reflect.Interface:
		return "", false
	case reflect.Pointer:
		ev, ok := reflect.New(t.Elem()).Interface().(T)
		if !ok {
			return "", false
		}
		return ev.EventType(), true
	default:
		var zero T
		return zero.EventType(), true
	}
}
