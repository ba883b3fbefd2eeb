package durable

import "errors"

var (
	// ErrAlreadyStarted is returned by Start on an object that is not in the
	// Created state.
	ErrAlreadyStarted = errors.New("durable: object already started")

	// ErrNotRunning is returned when an operation requires a running object.
	ErrNotRunning = errors.New("durable: object not running")

	// ErrStateConflict is returned by a sink when the persisted version does
	// not match the expected one (concurrent writer detected).
	ErrStateConflict = errors.New("durable: state version conflict")
)
