package storage_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/svcman/internal/model"
	"github.com/CZERTAINLY/svcman/internal/paths"
	"github.com/CZERTAINLY/svcman/internal/storage"
)

func newDirs(t *testing.T) paths.Dirs {
	t.Helper()
	return paths.New("ns", t.TempDir())
}

func writeLog(t *testing.T, dirs paths.Dirs, id, content string, flag int) {
	t.Helper()
	path, err := paths.LogPath(dirs, id)
	require.NoError(t, err)
	f, err := os.OpenFile(path, flag|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestLogsRead(t *testing.T) {
	t.Parallel()
	dirs := newDirs(t)
	logs := storage.NewLogs(dirs)

	_, err := logs.Read("svc-a")
	require.ErrorIs(t, err, model.ErrNotFound)

	writeLog(t, dirs, "svc-a", "hello\n", os.O_TRUNC)
	got, err := logs.Read("svc-a")
	require.NoError(t, err)
	require.Equal(t, "hello\n", got)

	_, err = logs.Read("../svc-a")
	require.ErrorIs(t, err, model.ErrInvalid)
}

// syncBuffer is written by Follow and read by the test.
type syncBuffer struct {
	mx  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.String()
}

func TestLogsFollow(t *testing.T) {
	t.Parallel()
	dirs := newDirs(t)
	logs := storage.NewLogs(dirs)
	writeLog(t, dirs, "svc-a", "one\n", os.O_TRUNC)

	ctx, cancel := context.WithCancel(t.Context())
	var out syncBuffer
	errs := make(chan error, 1)
	go func() {
		errs <- logs.Follow(ctx, "svc-a", &out)
	}()

	require.Eventually(t, func() bool {
		return out.String() == "one\n"
	}, 5*time.Second, 10*time.Millisecond)

	writeLog(t, dirs, "svc-a", "two\n", os.O_APPEND)
	require.Eventually(t, func() bool {
		return out.String() == "one\ntwo\n"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errs)
}

func TestLogsFollow_WaitsForLog(t *testing.T) {
	t.Parallel()
	dirs := newDirs(t)
	logs := storage.NewLogs(dirs)

	ctx, cancel := context.WithCancel(t.Context())
	var out syncBuffer
	errs := make(chan error, 1)
	go func() {
		errs <- logs.Follow(ctx, "svc-b", &out)
	}()

	// give the watcher time to be registered
	require.Eventually(t, func() bool {
		writeLog(t, dirs, "svc-b", "x", os.O_APPEND)
		return out.String() != ""
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-errs)
}

func TestBinaries(t *testing.T) {
	t.Parallel()
	dirs := newDirs(t)
	bins := storage.NewBinaries(dirs)

	ok, err := bins.Exists("svc-a")
	require.NoError(t, err)
	require.False(t, ok)
	require.ErrorIs(t, bins.Remove("svc-a"), model.ErrNotFound)

	path, err := paths.BinaryPath(dirs, "svc-a")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("bin"), 0o755))

	ok, err = bins.Exists("svc-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, bins.Remove("svc-a"))
	require.NoFileExists(t, path)

	// logs are not touched
	logsDir, err := dirs.LogsDir()
	require.NoError(t, err)
	require.DirExists(t, logsDir)

	require.ErrorIs(t, bins.Remove(filepath.Join("..", "logs")), model.ErrInvalid)
}
