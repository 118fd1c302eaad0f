package smdtty

import "errors"

// ErrInterrupted is returned together with the context error that cut a
// wait short.
var (
	ErrNoSuchDevice             = errors.New("smdtty: no such device")
	ErrSubsystemUnavailable     = errors.New("smdtty: subsystem unavailable")
	ErrChannelAllocationTimeout = errors.New("smdtty: timed out waiting for channel allocation")
	ErrRemoteOpenTimeout        = errors.New("smdtty: timed out waiting for remote open")
	ErrInterrupted              = errors.New("smdtty: interrupted")
	ErrNetworkReset             = errors.New("smdtty: remote subsystem reset")
	ErrTransportOpenFailed      = errors.New("smdtty: transport open failed")
	ErrNotOpen                  = errors.New("smdtty: device not open")
	ErrAlreadyActive            = errors.New("smdtty: device already active")
	ErrInvalidArgument          = errors.New("smdtty: invalid argument")
	ErrInvalidConfig            = errors.New("smdtty: invalid config")
	ErrDriverClosed             = errors.New("smdtty: driver closed")

	errWaitTimeout = errors.New("smdtty: wait timed out")
)
