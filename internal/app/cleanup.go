package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/recovery"
	"github.com/1ureka/rtcall/internal/session"
	"github.com/1ureka/rtcall/internal/util"
	"github.com/1ureka/rtcall/internal/webrtc"
)

var xlog = util.Scoped("cleanup")

// Cleanup releases everything the session holds and leaves it empty. It is
// safe to call at any time and from several goroutines; concurrent calls
// share one teardown. A join still in progress is aborted, and whatever it
// builds afterwards is released by that join itself. The returned error only
// reports what could not be released cleanly, the state is emptied
// regardless.
func (c *Call) Cleanup(ctx context.Context) error {
	if c.abortJoin() {
		xlog.Info("aborting the join in progress")
	}
	return c.teardown(ctx)
}

// teardown is Cleanup without touching a running join, for the join's own
// use.
func (c *Call) teardown(ctx context.Context) error {
	_, err, shared := c.cleanups.Do("cleanup", func() (any, error) {
		return nil, c.cleanup(context.WithoutCancel(ctx))
	})
	if shared {
		xlog.Debug("joined a teardown already in progress")
	}
	return err
}

func (c *Call) cleanup(ctx context.Context) (err error) {
	c.store.SetFlag(recovery.FlagCleanupInProgress)
	defer c.store.ClearFlag(recovery.FlagCleanupInProgress)

	started := time.Now()
	// Ownership moves here at once; anything stored from now on is swept
	// by the final reset below.
	res := c.state.Reset()

	var errs []error
	step := func(name string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				errs = append(errs, fmt.Errorf("%s: panic: %v", name, r))
			}
		}()
		if err := fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	defer func() {
		if r := recover(); r != nil {
			errs = append(errs, fmt.Errorf("panic: %v", r))
		}

		// The reset always runs, whatever happened above.
		if late := c.state.Reset(); !late.Empty() {
			xlog.Warn("session was repopulated during teardown, releasing it too")
			c.release(late, step)
		}
		c.transports.Reset()
		c.setPhase(PhaseIdle)
		util.Stats.AddCleanup()

		err = errors.Join(errs...)
		if err != nil {
			xlog.Warn("done in %s with errors: %v", time.Since(started).Round(time.Millisecond), err)
			c.store.Record(recovery.EntryError, "cleanup: %v", err)
			return
		}
		xlog.Debug("done in %s", time.Since(started).Round(time.Millisecond))
	}()

	// ── a. Task queues ─────────────────────────────────────────────────
	step("queues", func() error { return c.transports.StopQueues(c.opts.QueueDrain, res.Send, res.Recv) })

	// ── b. Signaling channel ───────────────────────────────────────────
	if res.Conn != nil || c.signal.Connected() {
		step("signaling", func() error {
			if c.opts.CleanupSettle > 0 {
				time.Sleep(c.opts.CleanupSettle)
			}
			return c.signal.Disconnect(ctx)
		})
	}

	// ── c-e. Local media, producers and consumers, transports ─────────
	c.release(res, step)

	// ── g. Heartbeat ───────────────────────────────────────────────────
	step("heartbeat", func() error {
		c.signal.StopHeartbeat()
		return nil
	})

	n := len(res.Producers) + len(res.Consumers)
	if res.Send != nil || res.Recv != nil || n > 0 {
		xlog.Info("released %d producers/consumers, transports %s",
			n, transportSummary(res.Send, res.Recv))
	}
	return nil
}

// release stops and closes every resource in res, each as its own step.
func (c *Call) release(res session.Resources, step func(string, func() error)) {
	if res.Local != nil {
		step("local media", res.Local.Stop)
	}
	for _, p := range res.Producers {
		step("producer "+p.ID(), func() error { return closeIgnoring(p.Close, webrtc.ErrProducerClosed) })
	}
	for _, cons := range res.Consumers {
		step("consumer "+cons.ID(), func() error { return closeIgnoring(cons.Close, webrtc.ErrConsumerClosed) })
	}
	step("send transport", func() error { return c.transports.SafeClose(res.Send) })
	step("recv transport", func() error { return c.transports.SafeClose(res.Recv) })
}

func closeIgnoring(closeFn func() error, ignore error) error {
	if err := closeFn(); err != nil && !errors.Is(err, ignore) {
		return err
	}
	return nil
}

func transportSummary(send, recv webrtc.Transport) string {
	name := func(dir protocol.Direction, t webrtc.Transport) string {
		if t == nil {
			return string(dir) + "=none"
		}
		return string(dir) + "=" + t.ID()
	}
	return name(protocol.DirectionSend, send) + " " + name(protocol.DirectionRecv, recv)
}
