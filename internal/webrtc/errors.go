package webrtc

import "errors"

var (
	// ErrQueueStopped is returned by every task that was pending or running
	// when its TaskQueue was stopped. Operations racing a transport shutdown
	// surface this error.
	ErrQueueStopped = errors.New("task queue stopped")

	// ErrQueueAlreadyStopped is returned by TaskQueue.Stop on the second call.
	ErrQueueAlreadyStopped = errors.New("task queue already stopped")

	ErrAlreadyLoaded   = errors.New("device already loaded")
	ErrNotLoaded       = errors.New("device not loaded")
	ErrTransportClosed = errors.New("transport closed")
	ErrProducerClosed  = errors.New("producer closed")
	ErrConsumerClosed  = errors.New("consumer closed")
	ErrWrongDirection  = errors.New("operation not allowed on this transport direction")
	ErrNoHandler       = errors.New("no handler registered")
)
