package download_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/svcman/internal/download"
	"github.com/CZERTAINLY/svcman/internal/model"
	"github.com/CZERTAINLY/svcman/internal/paths"
	"github.com/stretchr/testify/require"
)

// binServer serves <id>.bin from files with a correct Content-Length.
type binServer struct {
	*httptest.Server
	hits  atomic.Int32
	files map[string][]byte
	// gate, when not nil, blocks every response until closed
	gate    chan struct{}
	entered chan string
}

func newBinServer(t *testing.T, files map[string][]byte, gate chan struct{}) *binServer {
	t.Helper()
	s := &binServer{files: files, gate: gate, entered: make(chan string, 16)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".bin")
		s.entered <- id
		if s.gate != nil {
			<-s.gate
		}
		body, ok := s.files[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	t.Cleanup(s.Close)
	return s
}

func newManager(t *testing.T, baseURL string, opts ...download.Option) (*download.Manager, paths.Dirs) {
	t.Helper()
	dirs := paths.New("ns", t.TempDir())
	m := download.NewManager(dirs, download.NewTracker(), baseURL, opts...)
	t.Cleanup(m.Close)
	return m, dirs
}

func binaryPath(t *testing.T, dirs paths.Dirs, id string) string {
	t.Helper()
	p, err := paths.BinaryPath(dirs, id)
	require.NoError(t, err)
	return p
}

func TestDownloadServices(t *testing.T) {
	t.Parallel()
	body := []byte("0123456789")
	srv := newBinServer(t, map[string][]byte{"svc-a": body}, nil)
	m, dirs := newManager(t, srv.URL)

	err := m.DownloadServices(t.Context(), []string{"svc-a"})
	require.NoError(t, err)

	path := binaryPath(t, dirs, "svc-a")
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, body, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(download.ExecMode), info.Mode().Perm())
	require.NotZero(t, info.Mode().Perm()&0o111)

	p, err := m.DownloadProgress("svc-a")
	require.NoError(t, err)
	require.InDelta(t, 100.0, p, 1e-9)
	s, ok := m.Tracker().Status("svc-a")
	require.True(t, ok)
	require.False(t, s.Downloading)

	// no temporary files are left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestDownloadServices_Idempotent(t *testing.T) {
	t.Parallel()
	srv := newBinServer(t, map[string][]byte{"svc-a": []byte("abc")}, nil)
	m, _ := newManager(t, srv.URL)

	require.NoError(t, m.DownloadServices(t.Context(), []string{"svc-a"}))
	require.NoError(t, m.DownloadServices(t.Context(), []string{"svc-a"}))
	require.Equal(t, int32(1), srv.hits.Load())
}

func TestDownloadServices_InFlight(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	srv := newBinServer(t, map[string][]byte{"svc-a": []byte("abcdef")}, gate)
	m, dirs := newManager(t, srv.URL)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for range 2 {
		wg.Go(func() {
			errs <- m.DownloadServices(t.Context(), []string{"svc-a"})
		})
	}

	// one caller reached the server, the other one must skip without it
	require.Equal(t, "svc-a", <-srv.entered)
	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("second caller did not skip the in-flight download")
	}
	close(gate)
	wg.Wait()
	require.NoError(t, <-errs)

	require.Equal(t, int32(1), srv.hits.Load())
	require.FileExists(t, binaryPath(t, dirs, "svc-a"))
}

// progressRecorder samples the tracker after every chunk.
type progressRecorder struct {
	tracker *download.Tracker
	samples []float64
	bytes   int
	started int
	skipped []string
	errs    []error
}

func (r *progressRecorder) DownloadSkipped(_, reason string) {
	r.skipped = append(r.skipped, reason)
}

func (r *progressRecorder) DownloadStarted(string) {
	r.started++
}

func (r *progressRecorder) DownloadFinished(_ string, err error) {
	r.errs = append(r.errs, err)
}

func (r *progressRecorder) DownloadBytes(id string, n int) {
	r.bytes += n
	s, _ := r.tracker.Status(id)
	r.samples = append(r.samples, s.Progress)
}

func TestDownloadServices_ProgressMonotonic(t *testing.T) {
	t.Parallel()
	const chunks = 8
	chunk := bytes.Repeat([]byte{'x'}, 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(chunks*len(chunk)))
		for range chunks {
			_, _ = w.Write(chunk)
			w.(http.Flusher).Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
	t.Cleanup(srv.Close)

	tracker := download.NewTracker()
	rec := &progressRecorder{tracker: tracker}
	dirs := paths.New("ns", t.TempDir())
	m := download.NewManager(dirs, tracker, srv.URL, download.WithRecorder(rec))
	t.Cleanup(m.Close)

	require.NoError(t, m.DownloadServices(t.Context(), []string{"svc-a"}))
	require.Equal(t, 1, rec.started)
	require.Equal(t, chunks*len(chunk), rec.bytes)
	require.NotEmpty(t, rec.samples)
	prev := 0.0
	for _, p := range rec.samples {
		require.GreaterOrEqual(t, p, prev)
		require.GreaterOrEqual(t, p, 0.0)
		require.LessOrEqual(t, p, 100.0)
		prev = p
	}
	require.InDelta(t, 100.0, rec.samples[len(rec.samples)-1], 1e-9)
	require.Equal(t, []error{nil}, rec.errs)

	require.NoError(t, m.DownloadServices(t.Context(), []string{"svc-a"}))
	require.Equal(t, []string{"installed"}, rec.skipped)
}

func TestDownloadServices_NoContentLength(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// flushing before the body forces chunked encoding
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte("abc"))
	}))
	t.Cleanup(srv.Close)
	m, dirs := newManager(t, srv.URL)

	err := m.DownloadServices(t.Context(), []string{"svc-a"})
	require.Error(t, err)
	require.ErrorIs(t, err, model.ErrNetwork)
	require.Contains(t, err.Error(), "content length")
	require.NoFileExists(t, binaryPath(t, dirs, "svc-a"))

	s, ok := m.Tracker().Status("svc-a")
	require.True(t, ok)
	require.False(t, s.Downloading)
	require.NotEmpty(t, s.Err)
}

func TestDownloadServices_AbortsBatch(t *testing.T) {
	t.Parallel()
	srv := newBinServer(t, map[string][]byte{
		"svc-a": []byte("a"),
		"svc-c": []byte("c"),
	}, nil)
	m, dirs := newManager(t, srv.URL)

	err := m.DownloadServices(t.Context(), []string{"svc-a", "svc-b", "svc-c"})
	require.Error(t, err)
	require.ErrorIs(t, err, model.ErrNetwork)
	require.Equal(t, "svc-b", err.(*model.Error).ID)

	require.FileExists(t, binaryPath(t, dirs, "svc-a"))
	require.NoFileExists(t, binaryPath(t, dirs, "svc-b"))
	require.NoFileExists(t, binaryPath(t, dirs, "svc-c"))
	require.Equal(t, int32(2), srv.hits.Load())

	_, err = m.DownloadProgress("svc-c")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestDownloadServices_IdleTimeout(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte("0123456789"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	m, dirs := newManager(t, srv.URL, download.WithIdleTimeout(100*time.Millisecond))

	err := m.DownloadServices(t.Context(), []string{"svc-a"})
	require.Error(t, err)
	require.ErrorIs(t, err, model.ErrNetwork)
	require.ErrorIs(t, err, download.ErrIdleTimeout)
	require.NoFileExists(t, binaryPath(t, dirs, "svc-a"))

	p, err := m.DownloadProgress("svc-a")
	require.NoError(t, err)
	require.InDelta(t, 10.0, p, 1e-9)
}

func TestDownloadServices_RateLimit(t *testing.T) {
	t.Parallel()
	body := bytes.Repeat([]byte{'r'}, 64*1024)
	srv := newBinServer(t, map[string][]byte{"svc-a": body}, nil)
	// burst covers the first chunk, the second one waits ~0.5s
	m, dirs := newManager(t, srv.URL, download.WithRateLimit(64*1024))

	start := time.Now()
	require.NoError(t, m.DownloadServices(t.Context(), []string{"svc-a"}))
	require.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	require.FileExists(t, binaryPath(t, dirs, "svc-a"))
}

func TestDownloadServices_EmptyBody(t *testing.T) {
	t.Parallel()
	srv := newBinServer(t, map[string][]byte{"svc-a": {}}, nil)
	m, dirs := newManager(t, srv.URL)

	require.NoError(t, m.DownloadServices(t.Context(), []string{"svc-a"}))
	require.FileExists(t, binaryPath(t, dirs, "svc-a"))
	p, err := m.DownloadProgress("svc-a")
	require.NoError(t, err)
	require.Equal(t, 100.0, p)
}

func TestDownloadServices_InvalidID(t *testing.T) {
	t.Parallel()
	srv := newBinServer(t, map[string][]byte{}, nil)
	m, _ := newManager(t, srv.URL)

	for _, id := range []string{"../escape", "", "a/b"} {
		err := m.DownloadServices(t.Context(), []string{id})
		require.ErrorIs(t, err, model.ErrInvalid)
		_, err = m.DownloadProgress(id)
		require.ErrorIs(t, err, model.ErrInvalid)
	}
	require.Zero(t, srv.hits.Load())
}
