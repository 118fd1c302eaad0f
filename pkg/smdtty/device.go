package smdtty

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/srediag/smd-tty/api"
	"github.com/srediag/smd-tty/pkg/transport"
	"github.com/srediag/smd-tty/pkg/wakelock"
)

// Synthetic line bits reported by Tiocmget next to the remote's lines.
const (
	// SignalInReset is set while the remote side is down.
	SignalInReset = api.SignalOut1
	// SignalResetUpdated is set once after every reset state change.
	SignalResetUpdated = api.SignalOut2
)

type ttyRef struct{ api.TTY }

// Device is the per-index driver state.
type Device struct {
	d    *Driver
	conf ChannelConfig

	// resetMu guards the link state flags.
	resetMu        sync.Mutex
	isOpen         bool
	inReset        bool
	inResetUpdated bool
	breakPending   bool
	remoteReady    bool
	reopenSeq      uint64

	// raMu guards the wake hints.
	raMu     sync.Mutex
	wakeLock *wakelock.Lock
	raLock   *wakelock.Lock

	openWait atomic.Uint32

	ch  atomic.Pointer[transport.Handle]
	tty atomic.Pointer[ttyRef]

	// written under the driver lock
	active atomic.Bool
	pil    api.Ref

	allocated *completion
	opened    *waitQueue
	pump      *tasklet
	retry     *retryTimer
}

func newDevice(d *Driver, conf ChannelConfig) *Device {
	dv := &Device{
		d:         d,
		conf:      conf,
		allocated: newCompletion(),
		opened:    newWaitQueue(),
	}
	dv.openWait.Store(conf.OpenWait)
	dv.pump = newTasklet(d.pool, dv.read)
	dv.retry = newRetryTimer(d.conf.RetryDelay, dv.retryPump)
	return dv
}

func (dv *Device) Index() int            { return dv.conf.Index }
func (dv *Device) Config() ChannelConfig { return dv.conf }
func (dv *Device) PortName() string      { return dv.conf.PortName }

// OpenWait is the open_timeout in OpenWaitUnit. It is read once at the
// start of each activation.
func (dv *Device) OpenWait() uint32     { return dv.openWait.Load() }
func (dv *Device) SetOpenWait(w uint32) { dv.openWait.Store(w) }

// IsOpen reports whether the remote acknowledged the channel and it has not
// closed since.
func (dv *Device) IsOpen() bool {
	dv.resetMu.Lock()
	defer dv.resetMu.Unlock()
	return dv.isOpen
}

// InReset reports whether the remote side is down.
func (dv *Device) InReset() bool {
	dv.resetMu.Lock()
	defer dv.resetMu.Unlock()
	return dv.inReset
}

// Active reports whether the device is between activation and shutdown.
func (dv *Device) Active() bool { return dv.active.Load() }

// linkState is the part of the link flags an activation may change before
// it succeeds. Callers hold resetMu.
type linkState struct {
	isOpen, inReset, inResetUpdated, breakPending bool
}

func (dv *Device) linkState() linkState {
	return linkState{dv.isOpen, dv.inReset, dv.inResetUpdated, dv.breakPending}
}

func (dv *Device) restoreLinkState(st linkState) {
	dv.isOpen = st.isOpen
	dv.inReset = st.inReset
	dv.inResetUpdated = st.inResetUpdated
	dv.breakPending = st.breakPending
}

func (dv *Device) loadTTY() api.TTY {
	if r := dv.tty.Load(); r != nil {
		return r.TTY
	}
	return nil
}

func (dv *Device) remoteReadyNow() bool {
	dv.resetMu.Lock()
	defer dv.resetMu.Unlock()
	return dv.remoteReady
}

// notify is the transport event callback. It never blocks.
func (dv *Device) notify(ev api.Event) {
	switch ev {
	case api.EventData:
		if !dv.IsOpen() {
			return
		}
		ch := dv.ch.Load()
		if ch.WriteAvail() > 0 {
			ch.DisableReadIntr()
			if t := dv.loadTTY(); t != nil {
				t.WakeupWriters()
			}
		}
		dv.raMu.Lock()
		if ch.ReadAvail() > 0 {
			if dv.raLock != nil {
				dv.raLock.Lock()
			}
			dv.pump.schedule()
		}
		dv.raMu.Unlock()

	case api.EventOpen:
		dv.resetMu.Lock()
		dv.inReset = false
		dv.inResetUpdated = true
		dv.isOpen = true
		dv.breakPending = false
		dv.resetMu.Unlock()
		dv.opened.wake()
		internalLogger.Debugf("%s: remote open", dv.conf.PortName)

	case api.EventClose:
		dv.resetMu.Lock()
		dv.inReset = true
		dv.inResetUpdated = true
		dv.isOpen = false
		dv.breakPending = true
		dv.resetMu.Unlock()
		dv.opened.wake()
		internalLogger.Infof("%s: remote closed", dv.conf.PortName)
		dv.pump.schedule()
		if dv.conf.Loopback {
			dv.d.rearmLoopback(dv.conf.Edge.Subsystem())
		}

	case api.EventReopenReady:
		dv.resetMu.Lock()
		dv.inReset = true
		dv.inResetUpdated = true
		dv.isOpen = false
		dv.reopenSeq++
		dv.resetMu.Unlock()
		dv.opened.wake()
		internalLogger.Debugf("%s: reopen ready", dv.conf.PortName)

	default:
		internalLogger.Warnf("%s: unknown event %d", dv.conf.PortName, ev)
	}
}

// read is the deferred read pump.
func (dv *Device) read() {
	t := dv.loadTTY()
	ch := dv.ch.Load()
	if t == nil || ch == nil {
		return
	}
	port := dv.conf.PortName
	for {
		dv.resetMu.Lock()
		inReset, brk := dv.inReset, dv.breakPending
		if inReset {
			dv.breakPending = false
		}
		dv.resetMu.Unlock()
		if inReset {
			if brk {
				t.InsertBreak()
				t.Push()
				dv.d.metrics.breaks.WithLabelValues(port).Inc()
			}
			break
		}

		if t.Throttled() {
			break
		}

		dv.raMu.Lock()
		avail := ch.ReadAvail()
		if avail == 0 {
			if dv.raLock != nil {
				dv.raLock.Unlock()
			}
			dv.raMu.Unlock()
			break
		}
		dv.raMu.Unlock()

		avail = min(avail, dv.d.conf.MaxChunk)
		buf := t.PrepareFlip(avail)
		if len(buf) == 0 {
			dv.retry.arm()
			dv.d.metrics.retries.WithLabelValues(port).Inc()
			return
		}

		if n := ch.Read(buf); n != len(buf) {
			internalLogger.Errorf("%s: possible buffer mismatch, read %d of %d", port, n, len(buf))
			dv.d.metrics.shortReads.WithLabelValues(port).Inc()
		}
		dv.raMu.Lock()
		if dv.wakeLock != nil {
			dv.wakeLock.LockTimeout(dv.d.conf.WakeHintTimeout)
		}
		dv.raMu.Unlock()
		t.Push()
		dv.d.metrics.rxBytes.WithLabelValues(port).Add(float64(len(buf)))
	}
	t.WakeupWriters()
}

func (dv *Device) retryPump() {
	if dv.IsOpen() {
		dv.pump.schedule()
	}
}

// Write forwards up to the channel's free space and never blocks. With no
// space it arms the space notification and accepts nothing.
func (dv *Device) Write(p []byte) (int, error) {
	if dv.InReset() {
		return 0, ErrNetworkReset
	}
	ch := dv.ch.Load()
	if ch == nil {
		return 0, ErrNotOpen
	}
	avail := ch.WriteAvail()
	if avail == 0 {
		ch.EnableReadIntr()
		// space freed before the notification was armed raises nothing
		if avail = ch.WriteAvail(); avail == 0 {
			return 0, nil
		}
	}
	n := min(len(p), avail)
	internalLogger.Tracef("%s: write %d bytes", dv.conf.PortName, n)
	n = ch.Write(p[:n])
	dv.d.metrics.txBytes.WithLabelValues(dv.conf.PortName).Add(float64(n))
	return n, nil
}

// WriteRoom is the channel's free space.
func (dv *Device) WriteRoom() int {
	return dv.ch.Load().WriteAvail()
}

// CharsInBuffer is the number of bytes waiting in the channel.
func (dv *Device) CharsInBuffer() int {
	return dv.ch.Load().ReadAvail()
}

// Unthrottle resumes the pump after the reader drained the port.
func (dv *Device) Unthrottle() {
	if dv.IsOpen() {
		dv.pump.schedule()
	}
}

// Tiocmget returns the remote lines with SignalInReset and a one-shot
// SignalResetUpdated.
func (dv *Device) Tiocmget() uint32 {
	bits := dv.ch.Load().Signals()
	dv.resetMu.Lock()
	defer dv.resetMu.Unlock()
	if dv.inReset {
		bits |= SignalInReset
	}
	if dv.inResetUpdated {
		bits |= SignalResetUpdated
		dv.inResetUpdated = false
	}
	internalLogger.Tracef("%s: tiocm %#x", dv.conf.PortName, bits)
	return bits
}

func (dv *Device) Tiocmset(set, clear uint32) error {
	if dv.InReset() {
		return ErrNetworkReset
	}
	ch := dv.ch.Load()
	if ch == nil {
		return ErrNotOpen
	}
	if err := ch.SetSignals(set, clear); err != nil {
		return fmt.Errorf("%s: set signals: %w", dv.conf.PortName, err)
	}
	return nil
}

// Activate and Shutdown make a Device usable as tty.Ops.
func (dv *Device) Activate(ctx context.Context, t api.TTY) error {
	return dv.d.Activate(ctx, dv.conf.Index, t)
}

func (dv *Device) Shutdown(ctx context.Context) error {
	return dv.d.Shutdown(ctx, dv.conf.Index)
}

// initDeferred sets up the pump and the wake hints.
func (dv *Device) initDeferred() {
	dv.pump.enable()
	dv.raMu.Lock()
	dv.wakeLock = dv.d.wakeLocks.Init(dv.conf.PortName)
	dv.raLock = dv.d.wakeLocks.Init(fmt.Sprintf("SMD_TTY_%s_RA", dv.conf.PortName))
	dv.raMu.Unlock()
}

// releaseDeferred stops the pump and destroys the wake hints.
func (dv *Device) releaseDeferred() {
	dv.pump.kill()
	dv.raMu.Lock()
	if dv.wakeLock != nil {
		dv.wakeLock.Destroy()
		dv.wakeLock = nil
	}
	if dv.raLock != nil {
		dv.raLock.Destroy()
		dv.raLock = nil
	}
	dv.raMu.Unlock()
}
