package engine

import "errors"

var (
	ErrDisabled = errors.New("render pool disabled")
	ErrStopped  = errors.New("render pool stopped")
	ErrNilTask  = errors.New("task has no run func")
)
