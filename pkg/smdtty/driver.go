// Package smdtty exposes shared-memory channels to remote subsystems as
// serial devices.
//
// A Driver owns one Device per configured index. Activation brings the
// remote subsystem up, waits for the channel to be allocated and opened by
// the remote, and shutdown undoes it. Transport events drive a deferred
// read pump that moves channel bytes into the device's port in bounded
// chunks, backing off when the port has no staging space.
package smdtty

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"

	"github.com/srediag/smd-tty/api"
	"github.com/srediag/smd-tty/internal/logger"
	"github.com/srediag/smd-tty/pkg/transport"
	"github.com/srediag/smd-tty/pkg/wakelock"
)

var internalLogger = logger.New("smdtty", nil)

// Driver is the set of devices sharing one transport and one subsystem
// service.
type Driver struct {
	conf   Config
	tr     *transport.Adapter
	subsys api.Subsystem

	// mu serializes every activation and shutdown.
	mu      sync.Mutex
	devices [MaxDevices]*Device

	pool      *ants.Pool
	wakeLocks *wakelock.Manager
	metrics   *metrics
	tracer    trace.Tracer

	ctx         context.Context
	cancel      context.CancelFunc
	rearmMu     sync.Mutex
	rearmTimer  *time.Timer
	rearmActive atomic.Bool
	closed      atomic.Bool
}

func New(conf Config, tr api.Transport, subsys api.Subsystem) (*Driver, error) {
	if err := VerifyConfig(conf); err != nil {
		return nil, err
	}
	if tr == nil || subsys == nil {
		return nil, fmt.Errorf("%w: transport and subsystem service are required", ErrInvalidArgument)
	}
	reg := conf.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m, err := newMetrics(reg, conf.Meter)
	if err != nil {
		return nil, fmt.Errorf("smdtty: metrics: %w", err)
	}
	pool, err := ants.NewPool(conf.PoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("smdtty: pump pool: %w", err)
	}
	tracer := conf.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("smdtty")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		conf:      conf,
		tr:        transport.NewAdapter(tr),
		subsys:    subsys,
		pool:      pool,
		wakeLocks: wakelock.NewManager(),
		metrics:   m,
		tracer:    tracer,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, c := range conf.Channels {
		d.devices[c.Index] = newDevice(d, c)
	}
	return d, nil
}

// Device returns the device at index.
func (d *Driver) Device(index int) (*Device, error) {
	if index < 0 || index >= MaxDevices || d.devices[index] == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchDevice, index)
	}
	return d.devices[index], nil
}

// Devices returns the configured devices in index order.
func (d *Driver) Devices() []*Device {
	var out []*Device
	for _, dv := range d.devices {
		if dv != nil {
			out = append(out, dv)
		}
	}
	return out
}

// OpenHandles is the number of transport channels currently open.
func (d *Driver) OpenHandles() int64 { return d.tr.OpenHandles() }

// WakeLocks is the wake hint registry of the driver.
func (d *Driver) WakeLocks() *wakelock.Manager { return d.wakeLocks }

// Activate brings device index up for t. Every failure leaves the device as
// it was before the call.
func (d *Driver) Activate(ctx context.Context, index int, t api.TTY) (err error) {
	dv, err := d.Device(index)
	if err != nil {
		return err
	}
	if d.closed.Load() {
		return ErrDriverClosed
	}
	port := dv.conf.PortName
	ctx, span := d.tracer.Start(ctx, "smdtty.Activate", trace.WithAttributes(
		attribute.Int("index", index),
		attribute.String("port", port),
	))
	defer func() {
		d.metrics.activated(ctx, port, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	d.mu.Lock()
	defer d.mu.Unlock()
	// Close may have run while this call waited for mu
	if d.closed.Load() {
		return ErrDriverClosed
	}
	if dv.active.Load() {
		return fmt.Errorf("%w: %s", ErrAlreadyActive, port)
	}
	wait := time.Duration(dv.openWait.Load()) * d.conf.OpenWaitUnit
	dv.tty.Store(&ttyRef{t})
	defer func() {
		if err != nil {
			dv.tty.Store(nil)
		}
	}()

	peripheral := dv.conf.Edge.Subsystem()
	pil, err := d.subsys.Get(peripheral)
	if err != nil {
		internalLogger.Infof("%s: subsystem get failed for %s: %v", port, peripheral, err)
		// throttles retries from the opener
		_ = sleepCtx(ctx, wait)
		return fmt.Errorf("%w: %s: %w", ErrSubsystemUnavailable, peripheral, err)
	}
	defer func() {
		if err != nil {
			d.subsys.Put(pil)
		}
	}()

	if dv.conf.Loopback {
		if err := d.loopbackBringUp(ctx, peripheral); err != nil {
			return err
		}
	}

	if wait > 0 {
		if err := dv.allocated.wait(ctx, wait); err != nil {
			internalLogger.Infof("%s: waiting for channel allocation: %v", port, err)
			if errors.Is(err, errWaitTimeout) {
				return fmt.Errorf("%w: %s", ErrChannelAllocationTimeout, port)
			}
			return err
		}
		if dv.conf.WaitRemoteReady {
			internalLogger.Infof("%s: checking remote ready status", port)
			if err := dv.opened.wait(ctx, d.conf.RemoteReadyWait, dv.remoteReadyNow); err != nil {
				internalLogger.Errorf("%s: remote not ready: %v", port, err)
				if errors.Is(err, errWaitTimeout) {
					return fmt.Errorf("%w: %s remote not ready", ErrChannelAllocationTimeout, port)
				}
				return err
			}
		}
	}

	dv.resetMu.Lock()
	pre := dv.linkState()
	dv.resetMu.Unlock()

	dv.initDeferred()
	h, err := d.tr.Open(port, dv.conf.Edge, dv.notify)
	if err != nil {
		internalLogger.Infof("%s: open failed: %v", port, err)
		dv.releaseDeferred()
		return fmt.Errorf("%w: %w", ErrTransportOpenFailed, err)
	}
	dv.ch.Store(h)

	if err := dv.opened.wait(ctx, d.conf.OpenAckTimeout, dv.IsOpen); err != nil {
		internalLogger.Infof("%s: wait for remote open failed: %v", port, err)
		_ = h.Close()
		dv.ch.Store(nil)
		dv.releaseDeferred()
		dv.resetMu.Lock()
		dv.restoreLinkState(pre)
		dv.resetMu.Unlock()
		if errors.Is(err, errWaitTimeout) {
			return fmt.Errorf("%w: %s", ErrRemoteOpenTimeout, port)
		}
		return err
	}

	h.DisableReadIntr()
	dv.pil = pil
	dv.active.Store(true)
	d.metrics.openDevices.Inc()
	internalLogger.Infof("%s: opened", port)

	// bytes that arrived before the open completed raise no further event
	dv.raMu.Lock()
	if h.ReadAvail() > 0 {
		dv.raLock.Lock()
		dv.pump.schedule()
	}
	dv.raMu.Unlock()
	return nil
}

// Shutdown tears device index down. Waiting for the remote to finish its
// close is bounded and never fails the shutdown.
func (d *Driver) Shutdown(ctx context.Context, index int) error {
	dv, err := d.Device(index)
	if err != nil {
		return err
	}
	port := dv.conf.PortName
	ctx, span := d.tracer.Start(ctx, "smdtty.Shutdown", trace.WithAttributes(
		attribute.Int("index", index),
		attribute.String("port", port),
	))
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()
	if !dv.active.Load() {
		return nil
	}

	dv.resetMu.Lock()
	dv.isOpen = false
	seq := dv.reopenSeq
	dv.resetMu.Unlock()

	dv.releaseDeferred()
	dv.tty.Store(nil)
	dv.retry.cancel()

	h := dv.ch.Load()
	reopenReady := h.ReopenReady()
	if err := h.Close(); err != nil {
		internalLogger.Warnf("%s: close: %v", port, err)
	}
	if reopenReady {
		internalLogger.Infof("%s: waiting for the remote to close", port)
		err := dv.opened.wait(ctx, d.conf.ShutdownWait, func() bool {
			dv.resetMu.Lock()
			defer dv.resetMu.Unlock()
			return dv.reopenSeq != seq
		})
		if err != nil {
			internalLogger.Errorf("%s: waiting for close: %v, next open may fail", port, err)
			span.RecordError(err)
		}
	}

	dv.ch.Store(nil)
	d.subsys.Put(dv.pil)
	dv.pil = nil
	dv.active.Store(false)
	d.metrics.openDevices.Dec()
	internalLogger.Infof("%s: closed", port)
	return nil
}

// Probe is the platform registration hook: the remote registered devName
// on edge. It completes the allocation wait of the matching device.
func (d *Driver) Probe(devName string, edge api.Edge) error {
	for _, dv := range d.devices {
		if dv == nil || dv.conf.Edge != edge || dv.conf.devName() != devName {
			continue
		}
		dv.allocated.complete()
		if dv.conf.WaitRemoteReady {
			dv.resetMu.Lock()
			dv.remoteReady = true
			dv.resetMu.Unlock()
			dv.opened.wake()
			internalLogger.Infof("%s: remote ready", dv.conf.PortName)
		}
		return nil
	}
	internalLogger.Errorf("unknown device %q on %s", devName, edge)
	return fmt.Errorf("%w: %q on %s", ErrNoSuchDevice, devName, edge)
}

// ShowOpenTimeout renders the open_timeout attribute of index.
func (d *Driver) ShowOpenTimeout(index int) (string, error) {
	dv, err := d.Device(index)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d\n", dv.openWait.Load()), nil
}

// StoreOpenTimeout parses a decimal open_timeout for index and returns the
// number of bytes consumed.
func (d *Driver) StoreOpenTimeout(index int, buf string) (int, error) {
	dv, err := d.Device(index)
	if err != nil {
		return 0, err
	}
	w, err := strconv.ParseUint(strings.TrimSpace(buf), 10, 32)
	if err != nil {
		internalLogger.Infof("unable to convert %q to an int", buf)
		return 0, fmt.Errorf("%w: open_timeout %q", ErrInvalidArgument, buf)
	}
	dv.openWait.Store(uint32(w))
	return len(buf), nil
}

// loopbackBringUp waits for the remote's shared memory to come up and asks
// it to serve the loopback channel.
func (d *Driver) loopbackBringUp(ctx context.Context, peripheral string) error {
	if !d.subsys.Initialized(peripheral) {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 10 * time.Millisecond
		b.MaxInterval = 200 * time.Millisecond
		b.MaxElapsedTime = d.conf.LoopbackReadyWait
		err := backoff.Retry(func() error {
			if d.subsys.Initialized(peripheral) {
				return nil
			}
			return errors.New("not initialized")
		}, backoff.WithContext(b, ctx))
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		}
		if err != nil {
			internalLogger.Warnf("%s not initialized after %s", peripheral, d.conf.LoopbackReadyWait)
		}
	}
	if err := d.subsys.RequestLoopback(peripheral); err != nil {
		internalLogger.Errorf("%s: loopback request: %v", peripheral, err)
	}
	if err := sleepCtx(ctx, d.conf.LoopbackSettle); err != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	return nil
}

// rearmLoopback requests the loopback service again once the restarted
// remote is initialized. A pending re-arm absorbs further calls.
func (d *Driver) rearmLoopback(peripheral string) {
	if d.closed.Load() || !d.rearmActive.CompareAndSwap(false, true) {
		return
	}
	d.rearmMu.Lock()
	defer d.rearmMu.Unlock()
	d.rearmTimer = time.AfterFunc(d.conf.LoopbackRearm, func() {
		defer d.rearmActive.Store(false)
		b := backoff.WithContext(backoff.NewConstantBackOff(d.conf.LoopbackRearm), d.ctx)
		err := backoff.RetryNotify(func() error {
			if !d.subsys.Initialized(peripheral) {
				return errors.New("remote not initialized")
			}
			return d.subsys.RequestLoopback(peripheral)
		}, b, func(err error, next time.Duration) {
			internalLogger.Debugf("loopback re-arm on %s: %v, next try in %s", peripheral, err, next)
		})
		if err != nil {
			internalLogger.Warnf("loopback re-arm on %s abandoned: %v", peripheral, err)
		}
	})
}

// Close shuts every active device down and stops the driver.
func (d *Driver) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return ErrDriverClosed
	}
	var errs error
	for _, dv := range d.Devices() {
		errs = multierr.Append(errs, d.Shutdown(context.Background(), dv.conf.Index))
	}
	d.cancel()
	d.rearmMu.Lock()
	if d.rearmTimer != nil {
		d.rearmTimer.Stop()
	}
	d.rearmMu.Unlock()
	d.pool.Release()
	return errs
}
