package domain

// Subscription is a channel-backed stream of T with an explicit teardown hook.
type Subscription[T any] struct {
	Stream      chan T
	Unsubscribe func()
	Topic       string
}
