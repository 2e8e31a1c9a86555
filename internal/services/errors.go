package services

import "errors"

var (
	// ErrSessionCreateFailed covers spawn, attach and startup failures
	ErrSessionCreateFailed = errors.New("failed to create terminal session")
	// ErrSessionNotFound is returned for operations on an unknown session id
	ErrSessionNotFound = errors.New("terminal session not found")
	// ErrTerminalNotActive is returned by write and resize outside the active state
	ErrTerminalNotActive = errors.New("terminal is not active")
	// ErrSystemOverload is returned when the pool is at capacity
	ErrSystemOverload = errors.New("too many terminal sessions")
	// ErrInvalidSessionName is returned for names rejected at the boundary
	ErrInvalidSessionName = errors.New("invalid session name")
	// ErrConnectionNotFound is returned for operations on an unregistered connection
	ErrConnectionNotFound = errors.New("connection not found")
)
