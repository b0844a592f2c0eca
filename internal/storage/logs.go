// Package storage reads service logs and removes service binaries.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/CZERTAINLY/svcman/internal/log"
	"github.com/CZERTAINLY/svcman/internal/model"
	"github.com/CZERTAINLY/svcman/internal/paths"
)

const (
	opLogs   = "logs"
	opFollow = "follow"
)

type Logs struct {
	resolver paths.Resolver
}

func NewLogs(r paths.Resolver) Logs {
	return Logs{resolver: r}
}

// Read returns the whole log of id.
func (l Logs) Read(id string) (string, error) {
	if err := model.CheckID(opLogs, id); err != nil {
		return "", err
	}
	path, err := paths.LogPath(l.resolver, id)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", model.Errorf(model.KindNotFound, opLogs, id, "no log file")
		}
		return "", model.NewError(model.KindIO, opLogs, id, err)
	}
	return string(b), nil
}

// Follow writes the log of id to w and keeps writing what gets appended
// until ctx is done. A log that does not exist yet is waited for.
func (l Logs) Follow(ctx context.Context, id string, w io.Writer) error {
	if err := model.CheckID(opFollow, id); err != nil {
		return err
	}
	path, err := paths.LogPath(l.resolver, id)
	if err != nil {
		return err
	}
	ctx = log.ServiceAttrs(ctx, id)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return model.NewError(model.KindIO, opFollow, id, fmt.Errorf("creating watcher: %w", err))
	}
	defer func() {
		_ = watcher.Close()
	}()
	// the directory survives removal and re-creation of the log
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return model.NewError(model.KindIO, opFollow, id, fmt.Errorf("watching %s: %w", filepath.Dir(path), err))
	}

	t := tail{path: path, w: w}
	if err := t.copy(); err != nil {
		return model.NewError(model.KindIO, opFollow, id, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			switch {
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				slog.DebugContext(ctx, "log file removed", "path", path)
				t.offset = 0
			case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
				if err := t.copy(); err != nil {
					return model.NewError(model.KindIO, opFollow, id, err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return model.NewError(model.KindIO, opFollow, id, err)
		}
	}
}

// tail copies new content of path to w.
type tail struct {
	path   string
	w      io.Writer
	offset int64
}

func (t *tail) copy() error {
	f, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < t.offset {
		t.offset = 0
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return err
	}
	n, err := io.Copy(t.w, f)
	t.offset += n
	return err
}
