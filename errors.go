//////////////////////////////////////////////////////////////////////////////
//
// Stream errors
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package camstream

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/lanikai/camstream/internal/bufpool"
)

var (
	// Construction failed; nothing was left allocated.
	ErrAllocation = errors.New("camstream: allocation failed")

	// The driver refused to enable frame delivery.
	ErrPortEnable = errors.New("camstream: failed to enable output port")

	// The driver reported a fatal error and the stream was stopped.
	ErrDriverFault = errors.New("camstream: driver fault")

	// The consumer asked for a frame without returning the previous one.
	ErrAlreadyCheckedOut = errors.New("camstream: return the previous frame first")

	// Nothing has been published since the last checkout (or since start).
	ErrNoFrameAvailable = errors.New("camstream: no frame available")

	// No frame arrived within the watchdog timeout and the stream was stopped.
	ErrStallDetected = errors.New("camstream: stall detected")

	ErrNotStarted = errors.New("camstream: stream not started")
	ErrDestroyed  = errors.New("camstream: stream destroyed")

	ErrBuffersOutstanding = bufpool.ErrBuffersOutstanding
)

// DriverError describes a failed driver operation.
type DriverError struct {
	Op     string // "enable", "fault" or "close"
	Driver string
	Err    error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("camstream: %s %s: %v", e.Op, e.Driver, e.Err)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the sentinel for the failed operation.
func (e *DriverError) Is(target error) bool {
	switch e.Op {
	case "enable":
		return target == ErrPortEnable
	case "fault":
		return target == ErrDriverFault
	}
	return false
}
