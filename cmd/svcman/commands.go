package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/svcman/internal/log"
	"github.com/CZERTAINLY/svcman/internal/manager"
	"github.com/CZERTAINLY/svcman/internal/paths"
)

const (
	progressEvery   = 250 * time.Millisecond
	shutdownTimeout = 30 * time.Second
)

var downloadCmd = &cobra.Command{
	Use:   "download ID...",
	Short: "download binaries of services which are not installed yet",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doDownload,
}

var runCmd = &cobra.Command{
	Use:   "run ID",
	Short: "run a service in foreground until it exits or svcman is interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

var logsCmd = &cobra.Command{
	Use:   "logs ID",
	Short: "print the log of a service",
	Args:  cobra.ExactArgs(1),
	RunE:  doLogs,
}

var deleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "delete the binary of a service",
	Args:  cobra.ExactArgs(1),
	RunE:  doDelete,
}

var statusCmd = &cobra.Command{
	Use:   "status [ID...]",
	Short: "print status of services as JSON, all configured ones by default",
	RunE:  doStatus,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "keep configured services installed and autostarted, expose metrics",
	Args:  cobra.NoArgs,
	RunE:  doServe,
}

// newManager builds the application state, the commands are its only users.
func newManager(opts ...manager.Option) *manager.Manager {
	return manager.New(config, paths.FromConfig(config), opts...)
}

func cmdContext(cmd *cobra.Command) context.Context {
	attrs := slog.Group("svcman",
		slog.String("cmd", cmd.Name()),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(cmd.Context(), attrs)
}

// closeManager stops what is still running. It does not use the command
// context, which is already cancelled on interrupt.
func closeManager(ctx context.Context, m *manager.Manager) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		slog.ErrorContext(ctx, "stopping services failed", "error", err)
	}
}

func doDownload(cmd *cobra.Command, ids []string) error {
	ctx := cmdContext(cmd)
	m := newManager()
	defer closeManager(ctx, m)

	done := make(chan error, 1)
	go func() {
		done <- m.DownloadServices(ctx, ids)
	}()

	ticker := time.NewTicker(progressEvery)
	defer ticker.Stop()
	out := cmd.OutOrStdout()
	for {
		select {
		case err := <-done:
			printProgress(out, m, ids)
			return err
		case <-ticker.C:
			printProgress(out, m, ids)
		}
	}
}

func printProgress(out io.Writer, m *manager.Manager, ids []string) {
	for _, id := range ids {
		p, err := m.DownloadProgress(id)
		if err != nil {
			continue
		}
		_, _ = fmt.Fprintf(out, "%s\t%5.1f%%\n", id, p)
	}
}

func doRun(cmd *cobra.Command, args []string) error {
	id := args[0]
	ctx := cmdContext(cmd)
	m := newManager()
	defer closeManager(ctx, m)

	if err := m.Run(ctx, id); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "interrupted: stopping service", "service_id", id)
	case <-m.Wait(id):
		slog.InfoContext(ctx, "service exited", "service_id", id)
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return m.Stop(stopCtx, id)
}

func doLogs(cmd *cobra.Command, args []string) error {
	id := args[0]
	ctx := cmdContext(cmd)
	m := newManager()
	defer closeManager(ctx, m)

	if flagFollow {
		return m.FollowLogs(ctx, id, cmd.OutOrStdout())
	}
	logs, err := m.ShowLogs(id)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), logs)
	return err
}

func doDelete(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	m := newManager()
	defer closeManager(ctx, m)
	return m.DeleteService(ctx, args[0])
}

func doStatus(cmd *cobra.Command, ids []string) error {
	ctx := cmdContext(cmd)
	m := newManager()
	defer closeManager(ctx, m)

	if len(ids) == 0 {
		ids = config.ServiceIDs()
	}
	statuses := make([]manager.Status, 0, len(ids))
	for _, id := range ids {
		st, err := m.Status(id)
		if err != nil {
			return err
		}
		statuses = append(statuses, st)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(statuses)
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := newManager(manager.WithRegisterer(reg))
	defer closeManager(ctx, m)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.Serve(ctx)
	})

	if addr := config.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.InfoContext(ctx, "serving metrics", "addr", addr)
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("metrics endpoint: %w", err)
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
