// Package errdefs defines the error kinds surfaced by an experiment run.
// Errors are wrapped with fmt.Errorf("%w: ...") and matched with errors.Is.
package errdefs

import "errors"

var (
	// ErrConfiguration marks malformed parameters. Raised before any external
	// resource is touched.
	ErrConfiguration = errors.New("configuration error")
	// ErrEmulation marks an emulator that rejected or could not build the topology.
	ErrEmulation = errors.New("emulation error")
	// ErrControllerUnreachable marks a control-plane agent that did not accept
	// a connection in time.
	ErrControllerUnreachable = errors.New("controller unreachable")
	// ErrConvergenceTimeout marks a network that never became ready.
	ErrConvergenceTimeout = errors.New("convergence timeout")
	// ErrTrialFailure marks a traffic trial whose tool failed or whose report
	// could not be parsed.
	ErrTrialFailure = errors.New("trial failure")
	// ErrPersistence marks a result store write failure.
	ErrPersistence = errors.New("persistence error")
)
