// Package media publishes local tracks as producers and subscribes to remote
// producers as consumers. Neither side ever fails a call: every error is
// absorbed into a degraded outcome plus a diagnostic notification.
package media

import (
	"context"
	"time"

	"github.com/1ureka/rtcall/internal/events"
	"github.com/1ureka/rtcall/internal/failure"
	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/recovery"
)

// DefaultTimeout bounds a single produce or consume.
const DefaultTimeout = 8 * time.Second

// Failure reasons carried by producer and consumer diagnostics.
const (
	ReasonCleanup      = "cleanup-in-progress"
	ReasonPending      = "consume-in-flight"
	ReasonTimeout      = "timeout"
	ReasonQueueStopped = "queue-stopped"
	ReasonNoTransport  = "no-transport"
	ReasonNoSignal     = "no-signal"
	ReasonNoDevice     = "device-unavailable"
	ReasonUnknown      = "unknown"
)

// Signal is the part of the signaling client media needs.
type Signal interface {
	Connected() bool
	Request(ctx context.Context, op protocol.Op, params, result interface{}) error
	Notify(ctx context.Context, op protocol.Op, params interface{}) error
}

// reason names why an operation failed. A running cleanup wins over the
// error itself, since it is what caused it.
func reason(store *recovery.Store, err error) string {
	if store.Flag(recovery.FlagCleanupInProgress) {
		return ReasonCleanup
	}
	switch failure.Classify(err) {
	case failure.KindRace:
		return ReasonQueueStopped
	case failure.KindTimeout:
		return ReasonTimeout
	}
	return ReasonUnknown
}

func diag(bus *events.Bus, scope, message string, fields map[string]any) {
	bus.Emit(events.Diagnostic, events.Diag{Scope: scope, Message: message, Fields: fields})
}

// notify sends a fire-and-forget message with a short deadline of its own,
// detached from ctx so it still goes out while the caller is being torn down.
func notify(signal Signal, op protocol.Op, params interface{}) error {
	if !signal.Connected() {
		return failure.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return signal.Notify(ctx, op, params)
}
