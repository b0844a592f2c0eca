// Package manager is the application state of svcman. A Manager owns the
// download tracker, the downloader, the process supervisor and the storage
// accessors, and exposes the operations the CLI calls.
package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CZERTAINLY/svcman/internal/download"
	"github.com/CZERTAINLY/svcman/internal/log"
	"github.com/CZERTAINLY/svcman/internal/metrics"
	"github.com/CZERTAINLY/svcman/internal/model"
	"github.com/CZERTAINLY/svcman/internal/paths"
	"github.com/CZERTAINLY/svcman/internal/service"
	"github.com/CZERTAINLY/svcman/internal/storage"
)

type Manager struct {
	cfg        model.Config
	resolver   paths.Resolver
	tracker    *download.Tracker
	downloader *download.Manager
	supervisor *service.Supervisor
	logs       storage.Logs
	binaries   storage.Binaries
	metrics    *metrics.Metrics
}

type options struct {
	registerer   prometheus.Registerer
	downloadOpts []download.Option
	serviceOpts  []service.Option
}

type Option func(*options)

// WithRegisterer registers metrics in reg instead of a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithDownloadOptions are applied after the ones derived from the config.
func WithDownloadOptions(opts ...download.Option) Option {
	return func(o *options) {
		o.downloadOpts = append(o.downloadOpts, opts...)
	}
}

// WithSupervisorOptions are applied after the ones derived from the config.
func WithSupervisorOptions(opts ...service.Option) Option {
	return func(o *options) {
		o.serviceOpts = append(o.serviceOpts, opts...)
	}
}

func New(cfg model.Config, resolver paths.Resolver, opts ...Option) *Manager {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	m := metrics.New(o.registerer)
	tracker := download.NewTracker()

	dlOpts := append(download.FromConfig(cfg.Download), download.WithRecorder(m))
	dlOpts = append(dlOpts, o.downloadOpts...)

	svcOpts := []service.Option{
		service.WithStopTimeout(cfg.Process.StopTimeoutDuration()),
		service.WithRecorder(m),
	}
	svcOpts = append(svcOpts, o.serviceOpts...)

	return &Manager{
		cfg:        cfg,
		resolver:   resolver,
		tracker:    tracker,
		downloader: download.NewManager(resolver, tracker, cfg.Download.BaseURL, dlOpts...),
		supervisor: service.NewSupervisor(svcOpts...),
		logs:       storage.NewLogs(resolver),
		binaries:   storage.NewBinaries(resolver),
		metrics:    m,
	}
}

func (m *Manager) Metrics() *metrics.Metrics {
	return m.metrics
}

// DownloadServices fetches every missing binary of ids. The first failure
// aborts the batch.
func (m *Manager) DownloadServices(ctx context.Context, ids []string) error {
	return m.downloader.DownloadServices(ctx, ids)
}

func (m *Manager) DownloadProgress(id string) (float64, error) {
	return m.downloader.DownloadProgress(id)
}

// Run starts the installed binary of id.
func (m *Manager) Run(ctx context.Context, id string) error {
	if err := model.CheckID("run", id); err != nil {
		return err
	}
	bin, err := paths.BinaryPath(m.resolver, id)
	if err != nil {
		return err
	}
	logPath, err := paths.LogPath(m.resolver, id)
	if err != nil {
		return err
	}
	return m.supervisor.Run(ctx, id, bin, logPath)
}

func (m *Manager) Stop(ctx context.Context, id string) error {
	return m.supervisor.Stop(ctx, id)
}

// Wait returns a channel closed when the process of id exits, or nil when id
// is not running.
func (m *Manager) Wait(id string) <-chan struct{} {
	p, ok := m.supervisor.Process(id)
	if !ok {
		return nil
	}
	return p.Done()
}

func (m *Manager) ShowLogs(id string) (string, error) {
	return m.logs.Read(id)
}

func (m *Manager) FollowLogs(ctx context.Context, id string, w io.Writer) error {
	return m.logs.Follow(ctx, id, w)
}

// DeleteService removes the binary of id. It refuses to do so while the
// service runs or while its binary is being downloaded. Logs are kept.
func (m *Manager) DeleteService(ctx context.Context, id string) error {
	const op = "delete"
	if err := model.CheckID(op, id); err != nil {
		return err
	}
	ctx = log.ServiceAttrs(ctx, id)
	if m.supervisor.Running(id) {
		return model.Errorf(model.KindConflict, op, id, "service is running")
	}
	if m.tracker.Downloading(id) {
		return model.Errorf(model.KindConflict, op, id, "download in progress")
	}
	if err := m.binaries.Remove(id); err != nil {
		return err
	}
	m.tracker.Forget(id)
	slog.InfoContext(ctx, "service binary deleted")
	return nil
}

// Status is a combined view of one service.
type Status struct {
	ID        string           `json:"id"`
	Installed bool             `json:"installed"`
	Download  *download.Status `json:"download,omitempty"`
	Process   *service.Info    `json:"process,omitempty"`
}

func (m *Manager) Status(id string) (Status, error) {
	if err := model.CheckID("status", id); err != nil {
		return Status{}, err
	}
	installed, err := m.binaries.Exists(id)
	if err != nil {
		return Status{}, err
	}
	st := Status{ID: id, Installed: installed}
	if ds, ok := m.tracker.Status(id); ok {
		st.Download = &ds
	}
	for _, info := range m.supervisor.List() {
		if info.ID == id {
			st.Process = &info
			break
		}
	}
	return st, nil
}

// Processes lists registered processes.
func (m *Manager) Processes() []service.Info {
	return m.supervisor.List()
}

// Sync downloads every configured service and starts the ones marked as
// autostart which are not running. A failed download does not prevent
// autostart of services that are already installed.
func (m *Manager) Sync(ctx context.Context) error {
	slog.DebugContext(ctx, "sync started", "services", len(m.cfg.Services))
	var errs []error
	if err := m.DownloadServices(ctx, m.cfg.ServiceIDs()); err != nil {
		slog.ErrorContext(ctx, "sync: download failed", "error", err)
		errs = append(errs, err)
	}
	for _, svc := range m.cfg.Services {
		if !svc.Autostart || m.supervisor.Running(svc.ID) {
			continue
		}
		installed, err := m.binaries.Exists(svc.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !installed {
			continue
		}
		if err := m.Run(ctx, svc.ID); err != nil {
			slog.ErrorContext(log.ServiceAttrs(ctx, svc.ID), "sync: autostart failed", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops all running services and releases the HTTP client.
func (m *Manager) Close(ctx context.Context) error {
	err := m.supervisor.StopAll(ctx)
	m.downloader.Close()
	if err == nil {
		m.supervisor.Wait()
	}
	return err
}
