package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenWhispr/openwhispr/internal/bus"
	"github.com/OpenWhispr/openwhispr/internal/calendar"
	"github.com/OpenWhispr/openwhispr/internal/detect"
	"github.com/OpenWhispr/openwhispr/internal/logger"
	"github.com/OpenWhispr/openwhispr/internal/notify"
	"github.com/OpenWhispr/openwhispr/internal/scheduler"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the meeting watch daemon",
	Long: `Run the long-lived daemon: periodic calendar sync, timed meeting
notifications, and meeting detection via process and audio signals.

The daemon survives suspend/resume (missed meeting starts fire on wake)
and re-syncs on SIGUSR1, which a desktop focus hook can send.

Intended to run as a systemd user service.`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	broadcast := bus.New()
	auth := calendar.NewAuthorizer(st, broadcast)
	if !auth.ConnectionStatus().Connected {
		return fmt.Errorf("not connected; run 'openwhisprd connect' first")
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var bridge notify.Bridge = notify.NoopBridge{}
	if cfg.Notifications.Enabled {
		bridge = notify.Connect("openwhisprd")
	}
	defer func() {
		if err := bridge.Close(); err != nil {
			logger.Warn("failed to close notification bridge", "error", err)
		}
	}()

	service, err := calendar.NewSyncService(ctx, auth)
	if err != nil {
		return fmt.Errorf("failed to build calendar client: %w", err)
	}
	engine := calendar.NewSyncEngine(st, service, broadcast,
		calendar.WithSyncWindow(cfg.Calendar.SyncWindow()),
	)

	sched := scheduler.New(st, bridge, broadcast,
		scheduler.WithLookahead(cfg.Calendar.Lookahead()),
	)
	engine.OnSynced = sched.RescheduleNext

	// Wake and focus handlers request syncs out of band; a buffered slot
	// coalesces bursts into one pass.
	syncRequests := make(chan struct{}, 1)
	sched.SetSyncRequester(func() {
		select {
		case syncRequests <- struct{}{}:
		default:
		}
	})

	arbiter := detect.NewArbiter(st, sched, bridge, broadcast,
		detect.WithCooldown(cfg.Detection.Cooldown()),
		detect.WithImminentWindow(cfg.Detection.ImminentWindow()),
	)
	arbiter.OnStartRecording = func(det detect.Detection) {
		if det.Subject != nil {
			logger.Info("recording requested", "detection_id", det.ID, "meeting", det.Subject.GetShortSummary(), "url", det.Subject.MeetingURL)
		} else {
			logger.Info("recording requested", "detection_id", det.ID, "trigger", det.Payload)
		}
	}

	arbiter.RegisterSource(detect.NewProcessDetector(arbiter.Signals(), cfg.Detection.ProcessNames,
		detect.WithProcessInterval(cfg.Detection.PollInterval()),
	), cfg.Detection.ProcessDetection)
	arbiter.RegisterSource(detect.NewAudioDetector(arbiter.Signals(),
		detect.WithAudioInterval(cfg.Detection.PollInterval()),
		detect.WithAudioSustain(cfg.Detection.AudioSustain()),
	), cfg.Detection.AudioDetection)
	go arbiter.Run(ctx)

	wake := scheduler.NewWakeMonitor(sched.OnWake)
	wake.Start()
	defer wake.Stop()

	focus := make(chan os.Signal, 1)
	signal.Notify(focus, syscall.SIGUSR1)
	defer signal.Stop(focus)
	go func() {
		for range focus {
			logger.Debug("focus refresh signalled")
			sched.OnFocusRefresh()
		}
	}()

	logger.Info("openwhisprd watching",
		"sync_interval", cfg.Calendar.SyncInterval(),
		"lookahead", cfg.Calendar.Lookahead(),
		"process_detection", cfg.Detection.ProcessDetection,
		"audio_detection", cfg.Detection.AudioDetection,
	)

	// Initial pass before settling into the periodic loop.
	if _, err := engine.FetchCalendars(ctx); err != nil {
		logger.Warn("initial calendar list fetch failed", "error", err)
	}
	if err := engine.SyncAll(ctx); err != nil {
		logger.Warn("initial sync failed", "error", err)
	}
	sched.RescheduleNext()

	ticker := time.NewTicker(cfg.Calendar.SyncInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := engine.SyncAll(ctx); err != nil {
				logger.Warn("periodic sync failed", "error", err)
			}
		case <-syncRequests:
			if err := engine.SyncAll(ctx); err != nil {
				logger.Warn("requested sync failed", "error", err)
			}
		case <-ctx.Done():
			logger.Info("shutting down")
			sched.Reset()
			return nil
		}
	}
}
