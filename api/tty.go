package api

// TTY is the line discipline side of a device, as seen by the driver.
type TTY interface {
	Index() int
	// Throttled reports whether the reader asked the driver to stop
	// delivering bytes.
	Throttled() bool
	// PrepareFlip returns a staging buffer of at most n bytes. An empty
	// result means no staging space is available right now.
	PrepareFlip(n int) []byte
	// InsertBreak queues an out-of-band break marker.
	InsertBreak()
	// Push delivers everything staged since the last push.
	Push()
	// WakeupWriters wakes writers waiting for output room.
	WakeupWriters()
}
