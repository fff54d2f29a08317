// rtcall: CLI entry point.
//
// Joins a call room through the signaling server, publishes the local
// microphone (and camera when asked) and receives every remote participant.
//
// It can be launched interactively (no -room flag) or non-interactively via
// CLI flags (-room, -video, -config, -server).
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/rtcall/internal/app"
	"github.com/1ureka/rtcall/internal/auth"
	"github.com/1ureka/rtcall/internal/capture"
	"github.com/1ureka/rtcall/internal/config"
	"github.com/1ureka/rtcall/internal/events"
	"github.com/1ureka/rtcall/internal/metrics"
	"github.com/1ureka/rtcall/internal/recovery"
	"github.com/1ureka/rtcall/internal/signaling"
	"github.com/1ureka/rtcall/internal/util"
	"github.com/1ureka/rtcall/internal/webrtc"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "Path to a YAML config file")
	roomFlag := flag.String("room", "", "Room id to join")
	videoFlag := flag.Bool("video", false, "Publish the camera as well as the microphone")
	serverFlag := flag.String("server", "", "Signaling server URL (overrides server_url)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	pterm.Info.Println(fmt.Sprintf("rtcall — v%s", version))
	pterm.Println()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *debugMode || cfg.Debug {
		util.EnableDebug()
	}
	if *serverFlag != "" {
		cfg.ServerURL = *serverFlag
	}

	roomID, video := *roomFlag, *videoFlag
	if roomID == "" {
		// No -room flag → interactive mode.
		roomID, video = askRoom(), askVideo()
	}

	if err := run(ctx, cfg, roomID, video); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("call closed")
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg *config.Config, roomID string, video bool) error {
	store, err := openStore(cfg.StorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewBus()
	creds := auth.NewProvider(cfg.AuthOptions(), store)
	client := signaling.New(cfg.SignalingOptions(), creds, store, bus)

	deps := app.Deps{
		Signal:  client,
		Creds:   creds,
		Store:   store,
		Bus:     bus,
		Devices: webrtc.NewDeviceFactory(cfg.PionICEServers()),
	}
	if src, err := capture.NewDeviceSource(); err != nil {
		util.LogWarning("local capture unavailable, joining receive-only: %v", err)
	} else {
		deps.Capturer = capture.New(src)
	}

	call := app.New(cfg.CallOptions(), deps)
	defer subscribeUI(bus)()

	if cfg.MetricsAddr != "" {
		m := metrics.New(call, bus)
		defer m.Close()
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
				util.LogWarning("metrics server: %v", err)
			}
		}()
	}

	util.StartStatsReporter(ctx)

	if err := call.Initialize(ctx, roomID, video); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, app.ErrJoinAborted) {
			util.LogInfo("join cancelled")
			return nil
		}
		return fmt.Errorf("failed to start call: %w", err)
	}
	util.LogSuccess("in room %s | [m] mute  [c] camera  [q] hang up", roomID)

	console(ctx, call)

	// The root context may already be cancelled; hang up on a fresh one.
	endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := call.End(endCtx); err != nil {
		util.LogDebug("end: %v", err)
	}
	return nil
}

// console reads single-letter commands from stdin until q or Ctrl+C.
func console(ctx context.Context, call *app.Call) {
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return
			}
			switch strings.ToLower(line) {
			case "m":
				if call.ToggleMute() {
					util.LogInfo("microphone muted")
				} else {
					util.LogInfo("microphone live")
				}
			case "c":
				if call.ToggleCamera() {
					util.LogInfo("camera on")
				} else {
					util.LogInfo("camera off")
				}
			case "q":
				return
			case "":
			default:
				util.LogWarning("unknown command %q", line)
			}
		}
	}
}

// subscribeUI prints the notifications a user cares about.
func subscribeUI(bus *events.Bus) (unsubscribe func()) {
	var stops []func()
	on := func(name events.Name, fn func(events.Event)) {
		stops = append(stops, bus.Subscribe(name, fn))
	}

	on(events.RemoteStreamAdded, func(ev events.Event) {
		s := ev.Payload.(events.StreamAdded)
		util.LogSuccess("receiving %s from producer %s", s.Kind, s.ProducerID)
	})
	on(events.RemoteStreamRemoved, func(ev events.Event) {
		s := ev.Payload.(events.StreamGone)
		util.LogInfo("%s from producer %s stopped", s.Kind, s.ProducerID)
	})
	on(events.ParticipantJoined, func(ev events.Event) {
		util.LogInfo("%s joined", ev.Payload.(events.Participant).UserID)
	})
	on(events.ParticipantLeft, func(ev events.Event) {
		util.LogInfo("%s left", ev.Payload.(events.Participant).UserID)
	})
	on(events.NoVideoAvailable, func(events.Event) {
		util.LogWarning("no camera available")
	})
	on(events.ConnectionFailed, func(events.Event) {
		util.LogWarning("media could not be fully negotiated, the call may be one-way")
	})
	on(events.CallError, func(ev events.Event) {
		f := ev.Payload.(events.Failure)
		util.LogError("%s (%s)", f.Message, f.Code)
	})
	on(events.CallEnded, func(ev events.Event) {
		util.LogInfo("call ended (%s)", ev.Payload.(events.Ended).Reason)
	})

	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func openStore(path string) (*recovery.Store, error) {
	if path == "" {
		return recovery.New(0), nil
	}
	store, err := recovery.Open(path, 0)
	if err != nil {
		return nil, fmt.Errorf("open recovery store: %w", err)
	}
	if roomID := store.RoomID(); roomID != "" {
		util.LogInfo("last room was %s", roomID)
	}
	return store, nil
}

// askRoom prompts for a room id until a non-empty one is entered.
func askRoom() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Room id").
			Show()

		if room := strings.TrimSpace(raw); room != "" {
			pterm.Println()
			return room
		}

		util.LogWarning("room id cannot be empty")
		pterm.Println()
	}
}

func askVideo() bool {
	ok, _ := pterm.DefaultInteractiveConfirm.
		WithDefaultText("Publish camera?").
		Show()
	pterm.Println()
	return ok
}
