// Package health exposes liveness and readiness of a driver over HTTP.
package health

import (
	"errors"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/smd-tty/pkg/smdtty"
)

var (
	ErrNotActive = errors.New("health: device not active")
	ErrInReset   = errors.New("health: remote in reset")
	ErrUnknown   = errors.New("health: unknown port")
)

// Options configures the checks.
type Options struct {
	// MaxGoroutines fails liveness above this count. Zero disables the check.
	MaxGoroutines int
	// Ports must be open and out of reset for readiness.
	Ports []string
	// CheckTimeout bounds every readiness check.
	CheckTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxGoroutines: 4096,
		CheckTimeout:  time.Second,
	}
}

// Devices is the part of a driver the checks need.
type Devices interface {
	Devices() []*smdtty.Device
}

// NewHandler returns a handler serving /live and /ready for d.
func NewHandler(d Devices, opts Options) (healthcheck.Handler, error) {
	h := healthcheck.NewHandler()
	if opts.MaxGoroutines > 0 {
		h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(opts.MaxGoroutines))
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = DefaultOptions().CheckTimeout
	}
	for _, port := range opts.Ports {
		dv := lookup(d, port)
		if dv == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknown, port)
		}
		h.AddReadinessCheck("port-"+port, healthcheck.Timeout(DeviceCheck(dv), opts.CheckTimeout))
	}
	return h, nil
}

// DeviceCheck fails while dv is inactive or its remote is in reset.
func DeviceCheck(dv *smdtty.Device) healthcheck.Check {
	return func() error {
		if !dv.Active() {
			return fmt.Errorf("%w: %s", ErrNotActive, dv.PortName())
		}
		if dv.InReset() || !dv.IsOpen() {
			return fmt.Errorf("%w: %s", ErrInReset, dv.PortName())
		}
		return nil
	}
}

func lookup(d Devices, port string) *smdtty.Device {
	for _, dv := range d.Devices() {
		if dv.PortName() == port {
			return dv
		}
	}
	return nil
}
