// Package download fetches service binaries from the binary source.
//
// DownloadServices processes ids one after another. For every id it
//   - skips when the binary already exists,
//   - skips when another caller is downloading the same id (Tracker.Begin),
//   - streams <base_url>/<id>.bin into a pending file next to the binary,
//     updating the tracker after each chunk,
//   - marks the file executable and renames it into place.
//
// The first failure aborts the batch. A failed download never leaves a file
// at the final path, so existence of the binary is the "is installed" signal.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/renameio/v2"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/CZERTAINLY/svcman/internal/log"
	"github.com/CZERTAINLY/svcman/internal/model"
	"github.com/CZERTAINLY/svcman/internal/paths"
)

const (
	// ExecMode is the mode of a completely downloaded binary.
	ExecMode  = 0o755
	chunkSize = 32 * 1024
	binSuffix = ".bin"
	op        = "download"
)

// ErrIdleTimeout is the cause of a download aborted because no data arrived
// within the idle timeout.
var ErrIdleTimeout = errors.New("no data received within idle timeout")

// Recorder observes downloads, metrics.Metrics implements it.
type Recorder interface {
	DownloadSkipped(id, reason string)
	DownloadStarted(id string)
	DownloadBytes(id string, n int)
	DownloadFinished(id string, err error)
}

type nopRecorder struct{}

func (nopRecorder) DownloadSkipped(string, string) {}
func (nopRecorder) DownloadStarted(string)         {}
func (nopRecorder) DownloadBytes(string, int)      {}
func (nopRecorder) DownloadFinished(string, error) {}

type Manager struct {
	resolver    paths.Resolver
	tracker     *Tracker
	baseURL     string
	client      *resty.Client
	retries     int
	idleTimeout time.Duration
	limiter     *rate.Limiter
	recorder    Recorder
}

type Option func(*Manager)

// WithIdleTimeout sets the maximum wait for response headers and for every
// following chunk of the body.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

// WithRateLimit caps the download bandwidth in bytes per second, 0 means unlimited.
func WithRateLimit(bytesPerSecond int) Option {
	return func(m *Manager) {
		if bytesPerSecond <= 0 {
			m.limiter = nil
			return
		}
		m.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), chunkSize)
	}
}

// WithRetries sets how many times a failed request is retried before the
// download fails. The default 0 surfaces the first failure.
func WithRetries(n int) Option {
	return func(m *Manager) {
		m.retries = max(n, 0)
	}
}

func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// FromConfig translates the download section of cfg into options.
func FromConfig(cfg model.Download) []Option {
	return []Option{
		WithIdleTimeout(cfg.IdleTimeoutDuration()),
		WithRateLimit(cfg.RateLimit),
		WithRetries(cfg.Retries),
	}
}

func NewManager(resolver paths.Resolver, tracker *Tracker, baseURL string, opts ...Option) *Manager {
	m := &Manager{
		resolver:    resolver,
		tracker:     tracker,
		baseURL:     strings.TrimRight(baseURL, "/"),
		idleTimeout: model.DefaultIdleTimeout,
		recorder:    nopRecorder{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.client = newClient(m.retries)
	return m
}

func newClient(retries int) *resty.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retries
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = slog.Default()

	client := resty.New()
	client.
		SetTransport(retryClient.StandardClient().Transport).
		SetHeader("User-Agent", "svcman/0").
		// transparent gzip would hide Content-Length
		SetHeader("Accept-Encoding", "identity").
		SetLogger(restyLogger{})
	return client
}

// Tracker returns the tracker shared with other callers.
func (m *Manager) Tracker() *Tracker {
	return m.tracker
}

// DownloadProgress returns the progress of the last download of id.
func (m *Manager) DownloadProgress(id string) (float64, error) {
	if err := model.CheckID("progress", id); err != nil {
		return 0, err
	}
	return m.tracker.Progress(id)
}

// DownloadServices fetches every missing binary of ids, in order.
func (m *Manager) DownloadServices(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := model.CheckID(op, id); err != nil {
			return err
		}
		if err := m.downloadOne(log.ServiceAttrs(ctx, id), id); err != nil {
			return err
		}
	}
	return nil
}

// Close releases idle connections of the HTTP client.
func (m *Manager) Close() {
	m.client.GetClient().CloseIdleConnections()
}

func (m *Manager) downloadOne(ctx context.Context, id string) error {
	path, err := paths.BinaryPath(m.resolver, id)
	if err != nil {
		return err
	}

	_, err = os.Stat(path)
	switch {
	case err == nil:
		slog.DebugContext(ctx, "binary exists: skipping download", "path", path)
		m.recorder.DownloadSkipped(id, "installed")
		return nil
	case !errors.Is(err, os.ErrNotExist):
		return model.NewError(model.KindIO, op, id, err)
	}

	if !m.tracker.Begin(id) {
		slog.DebugContext(ctx, "download in progress: skipping")
		m.recorder.DownloadSkipped(id, "in_progress")
		return nil
	}

	m.recorder.DownloadStarted(id)
	started := time.Now()
	err = m.fetch(ctx, id, path)
	m.tracker.Finish(id, err)
	m.recorder.DownloadFinished(id, err)
	if err != nil {
		slog.ErrorContext(ctx, "download failed", "error", err)
		return err
	}
	slog.InfoContext(ctx, "binary downloaded", "path", path, "took", time.Since(started))
	return nil
}

func (m *Manager) fetch(parent context.Context, id, path string) error {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	idle := time.AfterFunc(m.idleTimeout, func() { cancel(ErrIdleTimeout) })
	defer idle.Stop()

	url := m.baseURL + "/" + id + binSuffix
	slog.DebugContext(ctx, "downloading", "url", url)
	resp, err := m.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return model.NewError(model.KindNetwork, op, id, fmt.Errorf("GET %s: %w", url, causeOr(ctx, err)))
	}
	body := resp.RawBody()
	defer func() {
		_ = body.Close()
	}()

	if !resp.IsSuccess() {
		return model.Errorf(model.KindNetwork, op, id, "GET %s: unexpected status %d", url, resp.StatusCode())
	}
	total := resp.RawResponse.ContentLength
	if total < 0 {
		return model.Errorf(model.KindNetwork, op, id, "GET %s: server did not report content length", url)
	}

	pf, err := renameio.NewPendingFile(path, renameio.WithTempDir(filepath.Dir(path)))
	if err != nil {
		return model.NewError(model.KindIO, op, id, fmt.Errorf("creating %s: %w", path, err))
	}
	defer func() {
		_ = pf.Cleanup()
	}()

	if total == 0 {
		m.tracker.Update(id, 100)
	}

	buf := make([]byte, chunkSize)
	var received int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			idle.Reset(m.idleTimeout)
			if m.limiter != nil {
				if err := m.limiter.WaitN(ctx, n); err != nil {
					return model.NewError(model.KindNetwork, op, id, causeOr(ctx, err))
				}
				idle.Reset(m.idleTimeout)
			}
			if _, err := pf.Write(buf[:n]); err != nil {
				return model.NewError(model.KindIO, op, id, fmt.Errorf("writing %s: %w", path, err))
			}
			received += int64(n)
			m.tracker.Update(id, float64(received)/float64(total)*100)
			m.recorder.DownloadBytes(id, n)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return model.NewError(model.KindNetwork, op, id, fmt.Errorf("reading body: %w", causeOr(ctx, rerr)))
		}
	}
	if received != total {
		return model.Errorf(model.KindNetwork, op, id, "short body: got %d of %d bytes", received, total)
	}

	if err := pf.Chmod(ExecMode); err != nil {
		return model.NewError(model.KindIO, op, id, fmt.Errorf("setting execute permission: %w", err))
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return model.NewError(model.KindIO, op, id, fmt.Errorf("replacing %s: %w", path, err))
	}
	return nil
}

// causeOr prefers the cancellation cause of ctx, so an idle timeout is not
// reported as a bare "context canceled".
func causeOr(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
		return fmt.Errorf("%w: %w", cause, err)
	}
	return err
}

type restyLogger struct{}

func (restyLogger) Errorf(format string, v ...any) {
	slog.Error("resty: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (restyLogger) Warnf(format string, v ...any) {
	slog.Warn("resty: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (restyLogger) Debugf(format string, v ...any) {
	slog.Debug("resty: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}
