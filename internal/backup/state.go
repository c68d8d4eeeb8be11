package backup

import "sync"

// State is the progress of the most recent export or import. Exactly one of
// the concrete types below implements it.
type State interface {
	state()
	// Name is the variant tag used in API responses.
	Name() string
}

type Idle struct{}

type Exporting struct{}

type ExportSuccess struct {
	EventCount int `json:"event_count"`
}

type Importing struct{}

type ImportSuccess struct {
	EventCount int `json:"event_count"`
	Skipped    int `json:"skipped"`
}

type Failed struct {
	Message string `json:"message"`
}

func (Idle) state()          {}
func (Exporting) state()     {}
func (ExportSuccess) state() {}
func (Importing) state()     {}
func (ImportSuccess) state() {}
func (Failed) state()        {}

func (Idle) Name() string          { return "idle" }
func (Exporting) Name() string     { return "exporting" }
func (ExportSuccess) Name() string { return "export_success" }
func (Importing) Name() string     { return "importing" }
func (ImportSuccess) Name() string { return "import_success" }
func (Failed) Name() string        { return "error" }

// Tracker holds the current State for concurrent readers.
type Tracker struct {
	mu sync.RWMutex
	st State
}

func NewTracker() *Tracker {
	return &Tracker{st: Idle{}}
}

func (t *Tracker) Set(s State) {
	t.mu.Lock()
	t.st = s
	t.mu.Unlock()
}

func (t *Tracker) Get() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.st
}

// Reset returns the tracker to Idle.
func (t *Tracker) Reset() {
	t.Set(Idle{})
}
