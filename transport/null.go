package transport

import "context"

// NullSender accepts every message and transmits nothing. It stands in for
// the sending half of a receive-only relay.
type NullSender[T any] struct{}

func (NullSender[T]) Initialize(context.Context) error { return nil }

func (NullSender[T]) Send(context.Context, string, T) bool { return true }

func (NullSender[T]) Close() error { return nil }

// NullReceiver never invokes its callback. It stands in for the receiving
// half of a send-only relay.
type NullReceiver[T any] struct{}

func (NullReceiver[T]) Initialize(context.Context) error { return nil }

func (NullReceiver[T]) SetCallback(string, Callback[T]) {}

func (NullReceiver[T]) Close() error { return nil }

// IsNull reports whether v is one of the null transport variants.
func IsNull[T any](v any) bool {
	switch v.(type) {
	case NullSender[T], *NullSender[T], NullReceiver[T], *NullReceiver[T]:
		return true
	default:
		return false
	}
}

var (
	_ Sender[int]   = NullSender[int]{}
	_ Receiver[int] = NullReceiver[int]{}
)
