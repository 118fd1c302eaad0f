// Package api defines the contracts between the smd-tty driver core and its
// collaborators: the shared-memory transport, the subsystem lifecycle
// service and the line discipline.
package api

import "fmt"

// Edge identifies the remote processor on the other end of a channel.
type Edge uint32

const (
	EdgeAppsModem Edge = iota
	EdgeAppsQ6
	EdgeAppsDSPS
	EdgeAppsWCNSS
)

func (e Edge) String() string {
	switch e {
	case EdgeAppsModem:
		return "apps-modem"
	case EdgeAppsQ6:
		return "apps-q6"
	case EdgeAppsDSPS:
		return "apps-dsps"
	case EdgeAppsWCNSS:
		return "apps-wcnss"
	}
	return fmt.Sprintf("edge(%d)", uint32(e))
}

// Subsystem returns the name of the peripheral that must be running for a
// channel on this edge to open, or "" when the edge needs none.
func (e Edge) Subsystem() string {
	switch e {
	case EdgeAppsModem:
		return "modem"
	case EdgeAppsQ6:
		return "adsp"
	case EdgeAppsDSPS:
		return "dsps"
	case EdgeAppsWCNSS:
		return "wcnss"
	}
	return ""
}

// Event is a notification delivered by the transport.
type Event uint32

const (
	// EventData means bytes became readable or write space was freed.
	EventData Event = iota + 1
	// EventOpen means the remote side acknowledged the channel.
	EventOpen
	// EventClose means the remote side went away.
	EventClose
	// EventReopenReady means the remote side finished tearing the channel
	// down and a new open will succeed. Only sent by transports that
	// implement ReopenReadyNotifier.
	EventReopenReady
)

func (e Event) String() string {
	switch e {
	case EventData:
		return "DATA"
	case EventOpen:
		return "OPEN"
	case EventClose:
		return "CLOSE"
	case EventReopenReady:
		return "REOPEN_READY"
	}
	return fmt.Sprintf("event(%d)", uint32(e))
}

// NotifyFunc receives transport events. It runs in the transport's
// notification context and must not block.
type NotifyFunc func(ev Event)

// Signal bits, laid out like the Linux TIOCM bits.
const (
	SignalLE  uint32 = 0x001
	SignalDTR uint32 = 0x002
	SignalRTS uint32 = 0x004
	SignalST  uint32 = 0x008
	SignalSR  uint32 = 0x010
	SignalCTS uint32 = 0x020
	SignalCD  uint32 = 0x040
	SignalRI  uint32 = 0x080
	SignalDSR uint32 = 0x100
	// SignalOut1 is set while the remote side is in reset.
	SignalOut1 uint32 = 0x2000
	// SignalOut2 is set once after every reset state change.
	SignalOut2 uint32 = 0x4000
)

// Channel is an open shared-memory channel.
type Channel interface {
	Name() string
	// Read copies up to len(p) readable bytes into p.
	Read(p []byte) int
	// Write copies as much of p as fits and returns the count.
	Write(p []byte) int
	ReadAvail() int
	WriteAvail() int
	// EnableReadIntr asks for an EventData when the remote consumes
	// data, freeing write space.
	EnableReadIntr()
	DisableReadIntr()
	Signals() uint32
	SetSignals(set, clear uint32) error
	Close() error
}

// Transport opens named channels on an edge.
type Transport interface {
	Open(name string, edge Edge, notify NotifyFunc) (Channel, error)
}

// ReopenReadyNotifier is implemented by channels whose transport
// distinguishes "closing" from "fully closed" and will deliver
// EventReopenReady.
type ReopenReadyNotifier interface {
	ReopenReady() bool
}
