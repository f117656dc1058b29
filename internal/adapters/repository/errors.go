package repository

import "errors"

// Sentinel kinds for store errors.
var (
	// ErrPersistence wraps every failure of the underlying engine.
	ErrPersistence = errors.New("persistence failure")
	// ErrNotFound means the identity has no stored history.
	ErrNotFound = errors.New("no stored history")
	// ErrCapacity means the tracked set is full of pinned members.
	ErrCapacity = errors.New("tracked set capacity reached")
	// ErrNoChange is returned by update functions to skip the write.
	ErrNoChange = errors.New("no change")
	// ErrClosed is returned by backends after Close.
	ErrClosed = errors.New("store closed")
)
