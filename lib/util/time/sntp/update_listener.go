package sntp

import "time"

// OffsetListener receives the clock offset after every successful sync.
// monotonic.Clock implements it.
type OffsetListener interface {
	SetOffset(offset time.Duration)
}
