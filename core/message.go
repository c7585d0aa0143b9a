package core

import "time"

// MessageKind distinguishes payload messages from the shutdown variant.
type MessageKind uint8

const (
	MessagePayload MessageKind = iota
	MessageShutdown
)

// Message is the envelope carried by every pipeline queue.
type Message[T any] struct {
	Kind    MessageKind
	Payload T
}

// NewMessage wraps a payload.
func NewMessage[T any](payload T) Message[T] {
	return Message[T]{Kind: MessagePayload, Payload: payload}
}

// Shutdown returns the shutdown variant for a queue of T.
func Shutdown[T any]() Message[T] {
	return Message[T]{Kind: MessageShutdown}
}

// IsShutdown reports whether m is the shutdown variant.
func (m Message[T]) IsShutdown() bool {
	return m.Kind == MessageShutdown
}

// InterventionCommand asks the intervention daemon to run Name with Argument.
type InterventionCommand struct {
	Name     string    `json:"name" msgpack:"name"`
	Argument string    `json:"argument" msgpack:"argument"`
	RuleID   uint32    `json:"rule_id" msgpack:"rule_id"`
	EventID  string    `json:"event_id" msgpack:"event_id"`
	Issued   time.Time `json:"issued" msgpack:"issued"`
}

// Clock is the time source of the engine and the state flusher.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }
