// Package motion contains the interface for a force-limited linear motor
// and a simulated stage that satisfies it.
package motion

import (
	"context"
	"errors"
)

// ErrNotHomed is returned by drives that must be homed before moving
var ErrNotHomed = errors.New("motor not homed")

// Motor describes a linear actuator pressing on the cell.  Positions are in
// mm, forces in N.  Every call is bounded by ctx.
type Motor interface {
	// MoveTo moves to an absolute position.  It returns once the move is
	// commanded, not when it completes.
	MoveTo(ctx context.Context, pos float64) error

	// SetForceLimit sets the drive's own force ceiling
	SetForceLimit(ctx context.Context, newtons float64) error

	// SendCommand applies one control output, a relative position
	// increment in mm
	SendCommand(ctx context.Context, delta float64) error

	// Stop commands the motor to neutral, holding position
	Stop(ctx context.Context) error

	// Position returns the current position
	Position(ctx context.Context) (float64, error)
}

// Homer is implemented by motors that can seek their reference position
type Homer interface {
	Home(ctx context.Context) error
}
