package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/1ureka/rtcall/internal/events"
	"github.com/1ureka/rtcall/internal/failure"
	"github.com/1ureka/rtcall/internal/media"
	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/recovery"
	"github.com/1ureka/rtcall/internal/signaling"
	"github.com/1ureka/rtcall/internal/util"
	"github.com/1ureka/rtcall/internal/webrtc"
)

var jlog = util.Scoped("join")

// errUnreachable marks a signaling connection that could not be opened,
// which no join retry can fix.
var errUnreachable = errors.New("signaling unreachable")

// join runs the join sequence with bounded retries. It reports whether the
// call ended up joined; an error is returned only when the call cannot work
// at all. Exhausted retries end in a degraded call, not an error.
func (c *Call) join(ctx context.Context, roomID string) (bool, error) {
	attempts := c.opts.JoinAttempts
	if attempts < 1 {
		attempts = 1
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = c.opts.JoinBackoff
	ebo.MaxElapsedTime = 0

	var tried int
	var fatal, raced error
	err := backoff.Retry(func() error {
		tried++
		err := c.joinOnce(ctx, roomID)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}

		kind := failure.Classify(err)
		jlog.Warn("attempt %d/%d failed (%s): %v", tried, attempts, kind, err)
		c.store.Record(recovery.EntryError, "join attempt %d: %v", tried, err)

		switch {
		case kind == failure.KindRace:
			raced = err
			return backoff.Permanent(err)
		case errors.Is(err, errUnreachable), errors.Is(err, failure.ErrDeviceUnavailable):
			fatal = err
			return backoff.Permanent(err)
		case kind == failure.KindAuth:
			c.creds.Refresh()
			return err
		case !kind.Retryable():
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(attempts-1)), ctx))

	switch {
	case err == nil:
		return true, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case fatal != nil:
		return false, fatal
	case raced != nil:
		return c.recoverFromRace(ctx, roomID, raced), nil
	}

	jlog.Error("giving up on %s after %d attempts: %v", roomID, tried, err)
	c.bus.Emit(events.ConnectionFailed, events.ConnectionFailure{RoomID: roomID, Attempts: tried, Err: err})
	return false, nil
}

// joinOnce walks the happy path from an idle session to a joined call. A
// cancelled ctx stops it at the next step.
func (c *Call) joinOnce(ctx context.Context, roomID string) error {
	// ── 1. Signaling channel ───────────────────────────────────────────
	ch, err := c.signal.Connect(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", errUnreachable, err)
	}
	if err := c.advance(ctx, PhaseConnected); err != nil {
		return err
	}
	c.state.SetConn(ch)

	// ── 2. Room and router capabilities ────────────────────────────────
	caps, err := c.joinRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if err := c.advance(ctx, PhaseCapabilitiesReceived); err != nil {
		return err
	}

	// ── 3. Negotiation device ──────────────────────────────────────────
	if _, err := c.devices.Load(caps); err != nil {
		return fmt.Errorf("%w: %w", failure.ErrDeviceUnavailable, err)
	}
	if err := c.advance(ctx, PhaseDeviceReady); err != nil {
		return err
	}

	// ── 4. Transports, send first ──────────────────────────────────────
	if _, err := c.transports.CreateSend(ctx, roomID); err != nil {
		return err
	}
	if _, err := c.transports.CreateRecv(ctx, roomID); err != nil {
		return err
	}
	if err := c.advance(ctx, PhaseTransportsReady); err != nil {
		return err
	}

	// ── 5. Local media ─────────────────────────────────────────────────
	if published := c.producers.PublishStream(ctx, c.state.LocalStream()); media.Races(published) {
		return fmt.Errorf("publish: %w", webrtc.ErrQueueStopped)
	}
	if err := c.advance(ctx, PhaseMediaPublished); err != nil {
		return err
	}

	// ── 6. Existing remote producers ───────────────────────────────────
	for _, s := range c.consumers.ConsumeAll(ctx, c.existingProducers(ctx, roomID)) {
		if failure.IsRace(s.Err) {
			return fmt.Errorf("consume %s: %w", s.ProducerID, s.Err)
		}
	}
	if err := c.advance(ctx, PhaseProducersConsumed); err != nil {
		return err
	}

	// ── 7. Done ────────────────────────────────────────────────────────
	c.finishJoining(ctx, roomID, false)
	return nil
}

// advance moves the join to p unless it was aborted meanwhile.
func (c *Call) advance(ctx context.Context, p Phase) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("before %s: %w", p, err)
	}
	c.setPhase(p)
	return nil
}

// joinRoom asks to join roomID. A missing room is looked up or recreated and
// a permission error is answered with an explicit joinCall; either way the
// request is sent once more.
func (c *Call) joinRoom(ctx context.Context, roomID string) (protocol.RtpCapabilities, error) {
	req := protocol.JoinRoomRequest{
		RoomID:   roomID,
		UserID:   c.userID(),
		CallID:   c.opts.CallID,
		TargetID: c.opts.TargetID,
	}

	resp, err := signaling.Call[protocol.JoinRoomResponse](ctx, c.signal, protocol.OpJoinRoom, req)
	if err == nil {
		return resp.RtpCapabilities, nil
	}

	switch failure.Classify(err) {
	case failure.KindNotFound:
		if !c.restoreRoom(ctx, roomID) {
			return protocol.RtpCapabilities{}, err
		}
	case failure.KindPermission:
		c.joinCall(ctx, roomID)
	default:
		return protocol.RtpCapabilities{}, err
	}

	resp, err = signaling.Call[protocol.JoinRoomResponse](ctx, c.signal, protocol.OpJoinRoom, req)
	if err != nil {
		return protocol.RtpCapabilities{}, err
	}
	return resp.RtpCapabilities, nil
}

// restoreRoom reports whether roomID should be joinable now, either because
// a call is still active there or because it was created again.
func (c *Call) restoreRoom(ctx context.Context, roomID string) bool {
	active, err := signaling.Call[protocol.ActiveCallResponse](ctx, c.signal, protocol.OpGetActiveCall, protocol.ActiveCallRequest{RoomID: roomID})
	if err == nil && active.Active {
		jlog.Info("room %s has active call %s", roomID, active.CallID)
		return true
	}
	if err != nil {
		jlog.Debug("getActiveCall: %v", err)
	}

	if err := c.signal.Request(ctx, protocol.OpCreateRoom, protocol.CreateRoomRequest{RoomID: roomID, UserID: c.userID()}, nil); err != nil {
		jlog.Warn("recreate room %s: %v", roomID, err)
		return false
	}
	jlog.Info("recreated room %s", roomID)
	c.bus.Emit(events.Diagnostic, events.Diag{Scope: "join", Message: "room recreated", Fields: map[string]any{"roomId": roomID}})
	return true
}

func (c *Call) joinCall(ctx context.Context, roomID string) {
	req := protocol.JoinCallRequest{CallID: c.opts.CallID, RoomID: roomID, UserID: c.userID()}
	if err := c.signal.Request(ctx, protocol.OpJoinCall, req, nil); err != nil {
		jlog.Warn("joinCall: %v", err)
	}
}

// existingProducers lists the room's producers. Failing to get them is not
// fatal: the join continues without them and newProducer pushes catch up.
func (c *Call) existingProducers(ctx context.Context, roomID string) []protocol.ProducerInfo {
	ctx, cancel := context.WithTimeout(ctx, c.opts.GetProducersTimeout)
	defer cancel()

	resp, err := signaling.Call[protocol.GetProducersResponse](ctx, c.signal, protocol.OpGetProducers, protocol.GetProducersRequest{RoomID: roomID})
	if err != nil {
		jlog.Warn("getProducers: %v", err)
		c.bus.Emit(events.Diagnostic, events.Diag{Scope: "join", Message: "existing producers unavailable", Fields: map[string]any{"error": err.Error()}})
		return nil
	}
	jlog.Debug("%d existing producers", len(resp.Producers))
	return resp.Producers
}

func (c *Call) finishJoining(ctx context.Context, roomID string, recovered bool) {
	if err := c.signal.Notify(ctx, protocol.OpFinishJoining, protocol.RoomRef{RoomID: roomID}); err != nil {
		jlog.Warn("finishJoining: %v", err)
	}

	c.setPhase(PhaseJoined)
	c.store.Record(recovery.EntryJoin, "joined %s", roomID)

	joined := events.Joined{RoomID: roomID}
	c.bus.Emit(events.CallJoined, joined)
	c.bus.Emit(events.RoomJoined, joined)
	c.bus.Emit(events.CallConnected, events.Connected{RoomID: roomID, Recovered: recovered})
	jlog.Success("joined %s", roomID)
}

// recoverFromRace handles a join that lost against a task queue shutdown:
// tear everything down, let it settle, then announce the call as connected.
// Repeats within the throttle window are ignored.
func (c *Call) recoverFromRace(ctx context.Context, roomID string, cause error) bool {
	rlog := util.Scoped("recovery")

	if c.store.FlagWithin(recovery.FlagRaceRecovered, c.opts.RaceThrottle) {
		rlog.Debug("handled moments ago, ignoring: %v", cause)
		c.bus.Emit(events.Diagnostic, events.Diag{Scope: "recovery", Message: "throttled", Fields: map[string]any{"roomId": roomID}})
		return false
	}
	c.store.SetFlag(recovery.FlagRaceRecovered)
	c.store.SetFlag(recovery.FlagQueueStoppedRecently)
	c.store.Record(recovery.EntryRecovery, "queue stopped while joining %s", roomID)
	util.Stats.AddRecovery()

	rlog.Warn("queue stopped during join, recovering: %v", cause)
	c.bus.Emit(events.Diagnostic, events.Diag{Scope: "recovery", Message: "queue-stopped race", Fields: map[string]any{"roomId": roomID}})

	if err := c.teardown(ctx); err != nil {
		rlog.Debug("cleanup: %v", err)
	}

	select {
	case <-time.After(c.opts.RaceSettle):
	case <-ctx.Done():
		return false
	}

	ch, err := c.signal.Connect(ctx)
	if err != nil {
		rlog.Warn("reconnect after recovery: %v", err)
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	c.state.SetRoomID(roomID)
	c.state.SetConn(ch)
	c.finishJoining(ctx, roomID, true)
	return true
}

func (c *Call) userID() string {
	if c.opts.UserID != "" {
		return c.opts.UserID
	}
	if a, ok := c.store.CachedAuth(); ok {
		return a.UserID
	}
	return ""
}
