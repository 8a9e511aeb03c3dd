package driver

import "github.com/pkg/errors"

var (
	ErrNotEnabled     = errors.New("driver: output not enabled")
	ErrAlreadyEnabled = errors.New("driver: output already enabled")
	ErrInterrupted    = errors.New("driver: capture interrupted")
	ErrUnknownSource  = errors.New("driver: source type not registered")
)
