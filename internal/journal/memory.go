package journal

import (
	"context"
	"slices"
	"sync"

	"github.com/danmuck/apmctl/internal/apm"
	"github.com/rs/zerolog/log"
)

// MemoryJournal keeps outcomes in arrival order.
type MemoryJournal struct {
	mu      sync.Mutex
	entries []Entry
	changed chan struct{}
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{changed: make(chan struct{})}
}

func (j *MemoryJournal) Report(_ context.Context, out apm.Outcome) error {
	e := FromOutcome(out)
	j.mu.Lock()
	j.entries = append(j.entries, e)
	close(j.changed)
	j.changed = make(chan struct{})
	j.mu.Unlock()
	log.Info().
		Str("command", e.CommandID).
		Str("opcode", e.Opcode).
		Str("status", e.Status).
		Int64("duration_ms", e.DurationMS).
		Msg("journal.MemoryJournal.Report")
	return nil
}

func (j *MemoryJournal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.entries)
}

func (j *MemoryJournal) Find(commandID apm.CommandID) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, e := range j.entries {
		if e.CommandID == string(commandID) {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}

// WaitFor blocks until at least n entries are recorded or ctx ends.
func (j *MemoryJournal) WaitFor(ctx context.Context, n int) error {
	for {
		j.mu.Lock()
		if len(j.entries) >= n {
			j.mu.Unlock()
			return nil
		}
		ch := j.changed
		j.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
