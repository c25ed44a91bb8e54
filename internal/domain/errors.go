package domain

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrTargetNotFound  = errors.New("target not found")
	ErrMaxSessions     = errors.New("max sessions reached")
	ErrMaxTargets      = errors.New("max targets reached")
	ErrLinkFailed      = errors.New("failed to link")
)

var (
	ErrInvalidFormat  = errors.New("invalid format")
	ErrUnknownCommand = errors.New("unknown command")
)

var (
	// ErrFanoutBusy is returned when a fan-out point is destroyed while
	// outputs are still attached to it.
	ErrFanoutBusy    = errors.New("fan-out point still has attached outputs")
	ErrElementClosed = errors.New("graph element closed")
	ErrPathReleased  = errors.New("data path released")
	ErrNotAttached   = errors.New("output not attached")
)
