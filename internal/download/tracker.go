package download

import (
	"sync"

	"github.com/CZERTAINLY/svcman/internal/model"
)

// Status of the last download of a service. Entries are created by the first
// download attempt and retained afterwards.
type Status struct {
	Downloading bool    `json:"is_downloading"`
	Progress    float64 `json:"progress"`        // percent, 0..100
	Err         string  `json:"error,omitempty"` // last failure, cleared by Begin
}

// Tracker maps service ids to download status. A single mutex guards the
// whole map, every method holds it only for a map lookup and mutation.
type Tracker struct {
	mx       sync.Mutex
	statuses map[string]*Status
}

func NewTracker() *Tracker {
	return &Tracker{
		statuses: make(map[string]*Status),
	}
}

// Begin marks id as downloading with zero progress. It returns false, and
// changes nothing, when a download of id is already in flight.
func (t *Tracker) Begin(id string) bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	if s, ok := t.statuses[id]; ok && s.Downloading {
		return false
	}
	t.statuses[id] = &Status{Downloading: true}
	return true
}

// Update records progress of an in-flight download. Values are clamped to
// [0,100] and never go backwards.
func (t *Tracker) Update(id string, progress float64) {
	progress = min(max(progress, 0), 100)
	t.mx.Lock()
	defer t.mx.Unlock()
	s, ok := t.statuses[id]
	if !ok || !s.Downloading {
		return
	}
	if progress > s.Progress {
		s.Progress = progress
	}
}

// Finish clears the in-flight flag, progress keeps its last value.
func (t *Tracker) Finish(id string, err error) {
	t.mx.Lock()
	defer t.mx.Unlock()
	s, ok := t.statuses[id]
	if !ok {
		return
	}
	s.Downloading = false
	if err != nil {
		s.Err = err.Error()
	}
}

// Progress returns the progress of id or a NotFound error when no download
// of id was ever started.
func (t *Tracker) Progress(id string) (float64, error) {
	s, ok := t.Status(id)
	if !ok {
		return 0, model.Errorf(model.KindNotFound, "progress", id, "no download status for service")
	}
	return s.Progress, nil
}

func (t *Tracker) Status(id string) (Status, bool) {
	t.mx.Lock()
	defer t.mx.Unlock()
	s, ok := t.statuses[id]
	if !ok {
		return Status{}, false
	}
	return *s, true
}

// Downloading reports whether a download of id is in flight.
func (t *Tracker) Downloading(id string) bool {
	s, ok := t.Status(id)
	return ok && s.Downloading
}

// Forget drops the entry of id unless its download is in flight. It reports
// whether the entry is gone.
func (t *Tracker) Forget(id string) bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	if s, ok := t.statuses[id]; ok && s.Downloading {
		return false
	}
	delete(t.statuses, id)
	return true
}

// Snapshot returns a copy of all entries.
func (t *Tracker) Snapshot() map[string]Status {
	t.mx.Lock()
	defer t.mx.Unlock()
	out := make(map[string]Status, len(t.statuses))
	for id, s := range t.statuses {
		out[id] = *s
	}
	return out
}
