package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide call counter.
var Stats = &stats{}

type stats struct {
	Producers       atomic.Int64 // producers created since process start
	Consumers       atomic.Int64 // consumers created since process start
	Reconnects      atomic.Int64 // signaling reconnections (automatic or manual)
	Recoveries      atomic.Int64 // queue-stopped race recoveries that actually ran
	Cleanups        atomic.Int64 // cleanup passes that actually ran
	RequestFailures atomic.Int64 // signaling requests that errored or timed out
	SyntheticIDs    atomic.Int64 // placeholder ids handed out instead of server ids
}

func (s *stats) AddProducer()       { s.Producers.Add(1) }
func (s *stats) AddConsumer()       { s.Consumers.Add(1) }
func (s *stats) AddReconnect()      { s.Reconnects.Add(1) }
func (s *stats) AddRecovery()       { s.Recoveries.Add(1) }
func (s *stats) AddCleanup()        { s.Cleanups.Add(1) }
func (s *stats) AddRequestFailure() { s.RequestFailures.Add(1) }
func (s *stats) AddSynthetic()      { s.SyntheticIDs.Add(1) }

// snapshot is a point-in-time copy of every counter.
type snapshot struct {
	producers, consumers, reconnects, recoveries, failures int64
}

func (s *stats) snapshot() snapshot {
	return snapshot{
		producers:  s.Producers.Load(),
		consumers:  s.Consumers.Load(),
		reconnects: s.Reconnects.Load(),
		recoveries: s.Recoveries.Load(),
		failures:   s.RequestFailures.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs call statistics
// every 10 seconds when something changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := Stats.snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(cur, prev))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns the totals with the delta since the previous report,
// for example: "Producers: 2 (+1) | Consumers: 3 (+3) | Reconnects: 0 | Recoveries: 0 | Failed requests: 1".
func formatStats(cur, prev snapshot) string {
	return fmt.Sprintf("Producers: %s | Consumers: %s | Reconnects: %s | Recoveries: %s | Failed requests: %s",
		formatCounter(cur.producers, prev.producers),
		formatCounter(cur.consumers, prev.consumers),
		formatCounter(cur.reconnects, prev.reconnects),
		formatCounter(cur.recoveries, prev.recoveries),
		formatCounter(cur.failures, prev.failures),
	)
}

func formatCounter(cur, prev int64) string {
	if d := cur - prev; d > 0 {
		return fmt.Sprintf("%d (+%d)", cur, d)
	}
	return fmt.Sprintf("%d", cur)
}
