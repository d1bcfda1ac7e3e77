package journal

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/apmctl/internal/apm"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrNotFound = errors.New("journal: entry not found")

// Entry is the stored form of one terminal command outcome.
type Entry struct {
	ID               string            `json:"id"`
	CommandID        string            `json:"command_id"`
	Opcode           string            `json:"opcode"`
	Status           string            `json:"status"`
	StatusCode       uint32            `json:"status_code"`
	Deferred         bool              `json:"deferred,omitempty"`
	PendingSubGraphs []uint32          `json:"pending_sub_graphs,omitempty"`
	Payloads         map[uint32][]byte `json:"payloads,omitempty"`
	ProxyPayloads    map[uint32][]byte `json:"proxy_payloads,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	DurationMS       int64             `json:"duration_ms"`
}

func FromOutcome(out apm.Outcome) Entry {
	e := Entry{
		ID:         uuid.NewString(),
		CommandID:  string(out.CommandID),
		Opcode:     out.Opcode.String(),
		Status:     out.Status.String(),
		StatusCode: uint32(out.Status),
		Deferred:   out.Deferred,
		StartedAt:  out.StartedAt,
		DurationMS: out.Duration.Milliseconds(),
	}
	for _, sg := range out.PendingSubGraphs {
		e.PendingSubGraphs = append(e.PendingSubGraphs, uint32(sg))
	}
	if len(out.Payloads) > 0 {
		e.Payloads = make(map[uint32][]byte, len(out.Payloads))
		for id, p := range out.Payloads {
			e.Payloads[uint32(id)] = p
		}
	}
	if len(out.ProxyPayloads) > 0 {
		e.ProxyPayloads = make(map[uint32][]byte, len(out.ProxyPayloads))
		for id, p := range out.ProxyPayloads {
			e.ProxyPayloads[uint32(id)] = p
		}
	}
	return e
}

// OK reports whether the command finished with StatusOK.
func (e Entry) OK() bool {
	return apm.Status(e.StatusCode) == apm.StatusOK
}

// Tee fans one outcome out to several reporters. Every reporter is called;
// the first error is returned.
type Tee []apm.Reporter

func (t Tee) Report(ctx context.Context, out apm.Outcome) error {
	var first error
	for _, r := range t {
		if err := r.Report(ctx, out); err != nil {
			log.Error().Err(err).Str("command", string(out.CommandID)).Msg("journal.Tee.Report failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}
