package apm

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/danmuck/apmctl/internal/testutil/testlog"
)

var errLinkDown = errors.New("link down")

// fakeTransport records messages and holds them until the test answers.
type fakeTransport struct {
	failSend map[MsgOpcode]bool

	sent       []ContainerMessage
	sentProxy  []ProxyMessage
	queue      []ContainerMessage
	proxyQueue []ProxyMessage
}

func (f *fakeTransport) SendContainer(_ context.Context, msg ContainerMessage) error {
	if f.failSend[msg.Opcode] {
		return errLinkDown
	}
	f.sent = append(f.sent, msg)
	f.queue = append(f.queue, msg)
	return nil
}

func (f *fakeTransport) SendProxy(_ context.Context, msg ProxyMessage) error {
	if f.failSend[msg.Opcode] {
		return errLinkDown
	}
	f.sentProxy = append(f.sentProxy, msg)
	f.proxyQueue = append(f.proxyQueue, msg)
	return nil
}

func (f *fakeTransport) opcodes() []MsgOpcode {
	out := make([]MsgOpcode, 0, len(f.sent))
	for _, msg := range f.sent {
		out = append(out, msg.Opcode)
	}
	return out
}

func (f *fakeTransport) reset() {
	f.sent = nil
	f.sentProxy = nil
}

type fakeFactory struct {
	fail    map[ContainerID]error
	created []ContainerID
}

func (f *fakeFactory) CreateContainer(_ context.Context, id ContainerID) error {
	if err := f.fail[id]; err != nil {
		return err
	}
	f.created = append(f.created, id)
	return nil
}

type recordingReporter struct {
	outcomes []Outcome
}

func (r *recordingReporter) Report(_ context.Context, out Outcome) error {
	r.outcomes = append(r.outcomes, out)
	return nil
}

func (r *recordingReporter) find(id CommandID) (Outcome, bool) {
	for _, out := range r.outcomes {
		if out.CommandID == id {
			return out, true
		}
	}
	return Outcome{}, false
}

type harness struct {
	t   *testing.T
	m   *Manager
	tr  *fakeTransport
	fac *fakeFactory
	rep *recordingReporter

	// containerStatus answers container messages; nil answers OK.
	containerStatus func(ContainerMessage) Status
	// containerPayload adds a payload to a container answer.
	containerPayload func(ContainerMessage) []byte
	// grant answers direct proxy requests; nil grants every sub-graph.
	grant func(ProxyMessage) []SubGraphID
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	testlog.Start(t)
	h := &harness{
		t:   t,
		tr:  &fakeTransport{failSend: make(map[MsgOpcode]bool)},
		fac: &fakeFactory{fail: make(map[ContainerID]error)},
		rep: &recordingReporter{},
	}
	base := []Option{WithContainerFactory(h.fac), WithReporter(h.rep)}
	h.m = NewManager(DefaultManagerConfig(), h.tr, append(base, opts...)...)
	return h
}

func (h *harness) submit(cmd Command) CommandID {
	h.t.Helper()
	id, err := h.m.Submit(context.Background(), cmd)
	if err != nil {
		h.t.Fatalf("submit %s: %v", cmd.Opcode, err)
	}
	return id
}

// pump answers queued messages until nothing is outstanding.
func (h *harness) pump() {
	h.t.Helper()
	for len(h.tr.queue) > 0 || len(h.tr.proxyQueue) > 0 {
		batch := h.tr.queue
		h.tr.queue = nil
		for _, msg := range batch {
			st := StatusOK
			if h.containerStatus != nil {
				st = h.containerStatus(msg)
			}
			var payload []byte
			if h.containerPayload != nil {
				payload = h.containerPayload(msg)
			}
			rsp := ContainerResponse{Token: msg.Token, Opcode: msg.Opcode, Status: st, Payload: payload}
			if err := h.m.HandleContainerResponse(rsp); err != nil {
				h.t.Fatalf("container response %s: %v", msg.Opcode, err)
			}
		}
		proxies := h.tr.proxyQueue
		h.tr.proxyQueue = nil
		for _, msg := range proxies {
			rsp := ProxyResponse{Token: msg.Token, Opcode: msg.Opcode, Status: StatusOK}
			if msg.Direct {
				if h.grant != nil {
					rsp.Permitted = h.grant(msg)
				} else {
					rsp.Permitted = slices.Clone(msg.SubGraphs)
				}
			}
			if err := h.m.HandleProxyResponse(rsp); err != nil {
				h.t.Fatalf("proxy response %s: %v", msg.Opcode, err)
			}
		}
	}
}

// do submits cmd, answers every message and returns its outcome.
func (h *harness) do(cmd Command) Outcome {
	h.t.Helper()
	id := h.submit(cmd)
	h.pump()
	out, ok := h.rep.find(id)
	if !ok {
		h.t.Fatalf("%s did not complete", cmd.Opcode)
	}
	return out
}

func (h *harness) state(id SubGraphID) SubGraphState {
	h.t.Helper()
	sg, ok := h.m.Registry().SubGraph(id)
	if !ok {
		h.t.Fatalf("sub-graph %d not registered", id)
	}
	return sg.State
}

func openCmd(containers []ContainerSpec, links []LinkSpec, subGraphs ...SubGraphSpec) Command {
	return Command{Opcode: CmdGraphOpen, Payload: OpenPayload{
		SubGraphs:  subGraphs,
		Containers: containers,
		Links:      links,
	}}
}

func sgs(ids ...SubGraphID) []SubGraphSpec {
	out := make([]SubGraphSpec, 0, len(ids))
	for _, id := range ids {
		out = append(out, SubGraphSpec{ID: id})
	}
	return out
}

func gmCmd(op CommandOpcode, ids ...SubGraphID) Command {
	return Command{Opcode: op, Payload: GraphMgmtPayload{SubGraphs: ids}}
}

// openSimple opens each sub-graph in its own container with the same id.
func (h *harness) openSimple(ids ...SubGraphID) {
	h.t.Helper()
	var cs []ContainerSpec
	for _, id := range ids {
		cs = append(cs, ContainerSpec{ID: ContainerID(id), SubGraphs: []SubGraphID{id}})
	}
	if out := h.do(openCmd(cs, nil, sgs(ids...)...)); out.Status != StatusOK {
		h.t.Fatalf("open %v: %s", ids, out.Status)
	}
	h.tr.reset()
}

// takeQueued removes and returns the unanswered container messages.
func (h *harness) takeQueued() []ContainerMessage {
	batch := h.tr.queue
	h.tr.queue = nil
	return batch
}

// answer replies OK to one container message.
func (h *harness) answer(msg ContainerMessage) {
	h.t.Helper()
	rsp := ContainerResponse{Token: msg.Token, Opcode: msg.Opcode, Status: StatusOK}
	if err := h.m.HandleContainerResponse(rsp); err != nil {
		h.t.Fatalf("container response %s: %v", msg.Opcode, err)
	}
}

// opcodesByContainer groups sent container opcodes by destination.
func (h *harness) opcodesByContainer() map[ContainerID][]MsgOpcode {
	out := map[ContainerID][]MsgOpcode{}
	for _, msg := range h.tr.sent {
		out[msg.Container] = append(out[msg.Container], msg.Opcode)
	}
	return out
}
