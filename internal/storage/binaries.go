package storage

import (
	"errors"
	"os"

	"github.com/CZERTAINLY/svcman/internal/model"
	"github.com/CZERTAINLY/svcman/internal/paths"
)

const opDelete = "delete"

type Binaries struct {
	resolver paths.Resolver
}

func NewBinaries(r paths.Resolver) Binaries {
	return Binaries{resolver: r}
}

// Exists reports whether the binary of id is installed.
func (b Binaries) Exists(id string) (bool, error) {
	if err := model.CheckID("exists", id); err != nil {
		return false, err
	}
	path, err := paths.BinaryPath(b.resolver, id)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, model.NewError(model.KindIO, "exists", id, err)
	}
}

// Remove deletes the binary of id. Logs are kept.
func (b Binaries) Remove(id string) error {
	if err := model.CheckID(opDelete, id); err != nil {
		return err
	}
	path, err := paths.BinaryPath(b.resolver, id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.Errorf(model.KindNotFound, opDelete, id, "binary missing")
		}
		return model.NewError(model.KindIO, opDelete, id, err)
	}
	return nil
}
