package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/FrameGrab/internal/api"
	"github.com/bryanchriswhite/FrameGrab/internal/config"
	"github.com/bryanchriswhite/FrameGrab/internal/device/simdriver"
	"github.com/bryanchriswhite/FrameGrab/internal/frame"
	"github.com/bryanchriswhite/FrameGrab/internal/handoff"
	"github.com/bryanchriswhite/FrameGrab/internal/logger"
	"github.com/bryanchriswhite/FrameGrab/internal/output"
	"github.com/bryanchriswhite/FrameGrab/internal/recovery"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start streaming from the camera",
	Long: `Open the configured camera, start acquisition and serve the live preview,
status API and snapshot trigger over HTTP.

The camera is watched for disconnects; when it comes back it is reopened
with the same configuration profile. With the sim driver, SIGUSR1 toggles a
simulated unplug to exercise recovery.`,
	Example: `  # Start with the simulated camera on the default port (8080)
  framegrab serve

  # Start on a custom port with debug logging
  framegrab serve --port 9090 --log-level debug

  # Use a GStreamer source
  FRAMEGRAB_DEVICE_DRIVER=gst framegrab serve

  # Save a frame while running
  curl -X POST 'http://localhost:8080/api/save?wait=true'`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	log := logger.WithComponent("serve")
	log.Info().
		Str("path", configMgr.GetConfigPath()).
		Str("driver", cfg.Device.Driver).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	drv, err := newDriver(cfg)
	if err != nil {
		return err
	}

	settings := cfg.DeviceSettings()
	rc, err := recovery.New(drv, recovery.Options{
		Identity:     settings.Identity,
		Config:       settings,
		ProfilePath:  cfg.Device.ProfilePath,
		PollInterval: cfg.ReconnectPollInterval(),
		PullTimeout:  cfg.PullTimeout(),
		PoolSize:     cfg.BufferPoolSize,
	})
	if err != nil {
		return err
	}
	defer rc.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start camera: %w", err)
	}

	h := handoff.New(rc.Pool())

	stream := output.NewMJPEGOutput(output.Config{FPS: cfg.DisplayFPS, Quality: cfg.JPEGQuality})
	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start MJPEG output: %w", err)
	}
	defer stream.Stop()

	saver := output.NewFileSaver(cfg.SaveDir)
	poller := output.NewPoller(h, output.PollerOptions{
		Output: stream,
		Saver:  saver,
		FPS:    cfg.DisplayFPS,
		Lines:  statusLines(rc),
	})
	poller.SetOverlay(cfg.DisplayOverlay)
	if err := poller.Start(ctx); err != nil {
		return err
	}
	defer poller.Stop()

	// Settings that can change without reopening the camera
	configMgr.Watch(func(c *config.Config) {
		logger.SetLevel(c.LogLevel)
		poller.SetFPS(c.DisplayFPS)
		poller.SetOverlay(c.DisplayOverlay)
	})

	server := api.NewServer(api.Deps{
		Recovery: rc,
		Handoff:  h,
		Poller:   poller,
		Saver:    saver,
		Stream:   stream,
		Config:   configMgr,
	})

	wg := conc.NewWaitGroup()
	defer wg.Wait()

	serveErr := make(chan error, 1)
	wg.Go(func() { serveErr <- server.Start(cfg.ServerPort) })

	if sim, ok := drv.(*simdriver.Driver); ok {
		wg.Go(func() { toggleOnSignal(ctx, sim) })
	}

	log.Info().
		Str("preview", fmt.Sprintf("http://localhost:%d/", cfg.ServerPort)).
		Str("api", fmt.Sprintf("http://localhost:%d/api", cfg.ServerPort)).
		Msg("FrameGrab is running, press Ctrl+C to stop")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stop()
		if err != nil {
			return err
		}
	}

	log.Info().Msg("Shutting down gracefully...")
	stop()

	// End open MJPEG streams first so the server can drain
	stream.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server did not shut down cleanly")
	}
	poller.Stop()
	rc.Shutdown()
	return nil
}

// statusLines stamps frame number and device state onto the preview
func statusLines(rc *recovery.Controller) output.LinesFunc {
	return func(f *frame.ConvertedFrame) []string {
		st := rc.Status()
		lines := []string{
			fmt.Sprintf("#%d  %dx%d %s", f.SourceID, f.Width, f.Height, f.Layout),
			fmt.Sprintf("%s  reconnects %d  dropped %d",
				strings.ToUpper(st.State.String()), st.Reconnects, rc.Pool().Dropped()),
		}
		return lines
	}
}

// toggleOnSignal unplugs and replugs the simulated camera on SIGUSR1
func toggleOnSignal(ctx context.Context, sim *simdriver.Driver) {
	ids, err := sim.Enumerate()
	if err != nil || len(ids) == 0 {
		return
	}
	id := ids[0]

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	defer signal.Stop(sig)

	log := logger.WithComponent("serve")
	plugged := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			if plugged {
				sim.Unplug(id.Serial)
				log.Warn().Str("device", id.String()).Msg("Simulated unplug")
			} else {
				sim.Plug(id)
				log.Info().Str("device", id.String()).Msg("Simulated replug")
			}
			plugged = !plugged
		}
	}
}
