package scheduler

import "errors"

var (
	// ErrQueueFull is returned when a dispatch is rejected because the
	// context's queue is full (drop=new policy).
	ErrQueueFull = errors.New("context dispatch queue is full")

	// ErrQueueDropped is returned when a queued dispatch is evicted to
	// make room (drop=old policy).
	ErrQueueDropped = errors.New("dispatch dropped from queue")
)
