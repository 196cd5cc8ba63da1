package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/offsync/internal/connectivity"
	"github.com/marcus/offsync/internal/output"
	offsync "github.com/marcus/offsync/internal/sync"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Drain the outbox on start, on reconnect and on every tick",
	Long: `Runs in the foreground until interrupted. The server is probed every
probe_interval; a drain runs at start, whenever the server becomes reachable
again, every tick_interval and on SIGHUP.`,
	GroupID: "core",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w, closeLog := watchLogWriter()
		defer closeLog()

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))

		a, err := openApp(logger)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// SIGHUP requests an immediate drain.
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					a.monitor.Notify(connectivity.TriggerManual)
				}
			}
		}()

		logger.Info("watching", "storage", a.storage)
		err = a.monitor.Run(ctx, drainOnTrigger(a.engine, logger))
		logger.Info("watch stopped")
		return err
	},
}

// drainOnTrigger returns the monitor callback that runs one drain pass.
func drainOnTrigger(engine *offsync.Engine, logger *slog.Logger) func(context.Context, connectivity.Trigger) {
	return func(ctx context.Context, t connectivity.Trigger) {
		res, err := engine.Drain(ctx)
		if err != nil {
			logger.Error("drain", "trigger", t, "err", err)
			return
		}
		if res.Blocked != nil {
			logger.Warn("drain blocked", "trigger", t, "synced", res.Synced, "remaining", res.Remaining, "err", res.Blocked)
			return
		}
		logger.Debug("drain", "trigger", t, "synced", res.Synced, "remaining", res.Remaining, "skipped", res.Skipped)
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
