package generation

import "sync/atomic"

// CancelFlag is a set-once-read-many cancellation signal. The zero value is
// ready to use and may be shared between the generating goroutine and any
// number of cancelling goroutines.
type CancelFlag struct {
	set atomic.Bool
}

// Cancel raises the flag.
func (f *CancelFlag) Cancel() {
	if f != nil {
		f.set.Store(true)
	}
}

// Cancelled reports whether the flag has been raised.
func (f *CancelFlag) Cancelled() bool {
	return f != nil && f.set.Load()
}

// Reset lowers the flag before a new turn.
func (f *CancelFlag) Reset() {
	if f != nil {
		f.set.Store(false)
	}
}
