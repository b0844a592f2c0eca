// Package paths resolves where service binaries and logs live:
//
//	<data_dir>/<namespace>/binaries/<id>
//	<data_dir>/<namespace>/logs/<id>.log
//
// data_dir defaults to the XDG data home of the current user. Directories are
// created on demand by every call, so a resolver never hands out a path whose
// parent is missing.
package paths

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"

	"github.com/CZERTAINLY/svcman/internal/model"
)

const (
	binariesDir = "binaries"
	logsDir     = "logs"
	logSuffix   = ".log"

	DirMode = 0o755
)

// Resolver is the PathResolver capability injected into every component
// touching the filesystem.
type Resolver interface {
	BinariesDir() (string, error)
	LogsDir() (string, error)
}

// Dirs resolves directories below Root/Namespace.
type Dirs struct {
	Root      string
	Namespace string
}

// New returns a resolver rooted at root, or at the XDG data home when root
// is empty.
func New(namespace, root string) Dirs {
	if root == "" {
		root = xdg.DataHome
	}
	return Dirs{Root: root, Namespace: namespace}
}

// FromConfig builds the resolver described by cfg.
func FromConfig(cfg model.Config) Dirs {
	var root string
	if cfg.DataDir != nil {
		root = *cfg.DataDir
	}
	return New(cfg.Namespace, root)
}

func (d Dirs) BinariesDir() (string, error) {
	return d.mkdir(binariesDir)
}

func (d Dirs) LogsDir() (string, error) {
	return d.mkdir(logsDir)
}

func (d Dirs) mkdir(name string) (string, error) {
	if d.Root == "" {
		return "", model.Errorf(model.KindStorageUnavailable, "resolve", "", "data directory is not known")
	}
	path := filepath.Join(d.Root, d.Namespace, name)
	if err := os.MkdirAll(path, DirMode); err != nil {
		return "", model.NewError(model.KindStorageUnavailable, "resolve", "", fmt.Errorf("creating %s: %w", path, err))
	}
	return path, nil
}

// BinaryPath returns the path of the binary of service id.
func BinaryPath(r Resolver, id string) (string, error) {
	dir, err := r.BinariesDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, id), nil
}

// LogPath returns the path of the log file of service id.
func LogPath(r Resolver, id string) (string, error) {
	dir, err := r.LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, id+logSuffix), nil
}
