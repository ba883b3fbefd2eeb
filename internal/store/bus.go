package store

// MessageBus publishes fire-and-forget events to the message broker.
type MessageBus interface {
	Publish(topic string, data []byte) error
}
