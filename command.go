package eventcore

// Command is an intent to change one aggregate.
type Command interface {
	AggregateID() string
}
