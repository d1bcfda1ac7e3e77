package sim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/danmuck/apmctl/internal/apm"
	"github.com/danmuck/apmctl/internal/protocol"
	"github.com/danmuck/apmctl/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

var ErrCreateRefused = errors.New("sim: container create refused")

// Event records one request seen by a simulated endpoint and its reply.
type Event struct {
	Proxy     bool
	Dest      uint32
	Opcode    apm.MsgOpcode
	SubGraphs []apm.SubGraphID
	Direct    bool
	Status    apm.Status
	Replied   bool
}

type container struct {
	id     apm.ContainerID
	states map[apm.SubGraphID]apm.MsgOpcode
	links  map[apm.LinkID]struct{}
	params map[uint32][]byte
}

type proxyManager struct {
	id      apm.ProxyInstanceID
	key     apm.CorrelationKey
	members map[apm.SubGraphID]struct{}
	params  map[uint32][]byte
}

// Network hosts simulated endpoints. Replies are queued as encoded frames
// and delivered by Drain or Pump, never from inside a Send call.
type Network struct {
	mu         sync.Mutex
	behavior   Behavior
	containers map[apm.ContainerID]*container
	proxies    map[apm.ProxyInstanceID]*proxyManager
	outbox     [][]byte
	trace      []Event
	ready      chan struct{}
}

func New(b Behavior) *Network {
	return &Network{
		behavior:   b,
		containers: make(map[apm.ContainerID]*container),
		proxies:    make(map[apm.ProxyInstanceID]*proxyManager),
		ready:      make(chan struct{}, 1),
	}
}

// SetBehavior replaces the reply script for subsequent requests.
func (n *Network) SetBehavior(b Behavior) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.behavior = b
}

func (n *Network) CreateContainer(_ context.Context, id apm.ContainerID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if st, ok := n.behavior.CreateFail[id]; ok {
		log.Warn().Uint32("container", uint32(id)).Str("status", st.String()).Msg("sim.Network.CreateContainer refused")
		return fmt.Errorf("%w: container %d: %w", ErrCreateRefused, id, st)
	}
	n.containerLocked(id)
	log.Debug().Uint32("container", uint32(id)).Msg("sim.Network.CreateContainer")
	return nil
}

func (n *Network) containerLocked(id apm.ContainerID) *container {
	c, ok := n.containers[id]
	if !ok {
		c = &container{
			id:     id,
			states: make(map[apm.SubGraphID]apm.MsgOpcode),
			links:  make(map[apm.LinkID]struct{}),
			params: make(map[uint32][]byte),
		}
		n.containers[id] = c
	}
	return c
}

func (n *Network) SendContainer(_ context.Context, msg apm.ContainerMessage) error {
	var wire bytes.Buffer
	if err := protocol.EncodeContainerMessage(&wire, msg); err != nil {
		return err
	}
	req, err := protocol.DecodeContainerMessage(&wire)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	st := n.behavior.containerStatus(req.Container, req.Opcode)
	rsp := apm.ContainerResponse{Token: req.Token, Opcode: req.Opcode, Status: st}
	if st == apm.StatusOK || st == apm.StatusTerminated {
		rsp.Payload = n.applyContainerLocked(req, st)
	}
	ev := Event{Dest: uint32(req.Container), Opcode: req.Opcode, SubGraphs: req.SubGraphs, Status: st}
	log.Debug().
		Uint32("container", uint32(req.Container)).
		Str("opcode", req.Opcode.String()).
		Str("status", st.String()).
		Msg("sim.Network.SendContainer")
	if n.behavior.Silent[req.Container] {
		n.trace = append(n.trace, ev)
		return nil
	}
	ev.Replied = true
	n.trace = append(n.trace, ev)
	var out bytes.Buffer
	if err := protocol.EncodeContainerResponse(&out, rsp); err != nil {
		return err
	}
	n.queueLocked(out.Bytes())
	return nil
}

func (n *Network) applyContainerLocked(req apm.ContainerMessage, st apm.Status) []byte {
	c := n.containerLocked(req.Container)
	switch req.Opcode {
	case apm.MsgClose:
		for _, sg := range req.SubGraphs {
			delete(c.states, sg)
		}
		if st == apm.StatusTerminated {
			delete(n.containers, req.Container)
		}
	case apm.MsgDestroyContainer:
		delete(n.containers, req.Container)
	case apm.MsgConnect:
		for _, l := range req.Links {
			c.links[l] = struct{}{}
		}
	case apm.MsgDisconnect:
		for _, l := range req.Links {
			delete(c.links, l)
		}
	case apm.MsgSetConfig, apm.MsgRegisterConfig:
		for _, p := range req.Params {
			c.params[p.ParamID] = slices.Clone(p.Data)
		}
	case apm.MsgDeregisterConfig:
		for _, p := range req.Params {
			delete(c.params, p.ParamID)
		}
	case apm.MsgGetConfig:
		if payload, ok := n.behavior.Payloads[req.Container]; ok {
			return slices.Clone(payload)
		}
		var echo []byte
		for _, p := range req.Params {
			echo = append(echo, p.Data...)
		}
		return echo
	default:
		for _, sg := range req.SubGraphs {
			c.states[sg] = req.Opcode
		}
	}
	return nil
}

func (n *Network) SendProxy(_ context.Context, msg apm.ProxyMessage) error {
	var wire bytes.Buffer
	if err := protocol.EncodeProxyMessage(&wire, msg); err != nil {
		return err
	}
	req, err := protocol.DecodeProxyMessage(&wire)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	pm, ok := n.proxies[req.Proxy]
	if !ok {
		pm = &proxyManager{
			id:      req.Proxy,
			members: make(map[apm.SubGraphID]struct{}),
			params:  make(map[uint32][]byte),
		}
		n.proxies[req.Proxy] = pm
	}
	pm.key = req.Key

	st := n.behavior.proxyStatus(req.Proxy, req.Opcode)
	rsp := apm.ProxyResponse{Token: req.Token, Opcode: req.Opcode, Status: st, Permitted: []apm.SubGraphID{}}
	if st == apm.StatusOK {
		switch {
		case req.Direct:
			rsp.Permitted = n.behavior.permitted(req.Proxy, req.SubGraphs)
		case req.Opcode == apm.MsgGraphInfo:
			for _, sg := range req.SubGraphs {
				pm.members[sg] = struct{}{}
			}
		case req.Opcode == apm.MsgClose:
			for _, sg := range req.SubGraphs {
				delete(pm.members, sg)
			}
		case req.Opcode == apm.MsgSetConfig:
			for _, p := range req.Params {
				pm.params[p.ParamID] = slices.Clone(p.Data)
			}
		case req.Opcode == apm.MsgGetConfig:
			for _, p := range req.Params {
				rsp.Payload = append(rsp.Payload, pm.params[p.ParamID]...)
			}
		}
	}
	n.trace = append(n.trace, Event{
		Proxy:     true,
		Dest:      uint32(req.Proxy),
		Opcode:    req.Opcode,
		SubGraphs: req.SubGraphs,
		Direct:    req.Direct,
		Status:    st,
		Replied:   true,
	})
	log.Debug().
		Uint32("proxy", uint32(req.Proxy)).
		Str("opcode", req.Opcode.String()).
		Bool("direct", req.Direct).
		Int("permitted", len(rsp.Permitted)).
		Msg("sim.Network.SendProxy")
	var out bytes.Buffer
	if err := protocol.EncodeProxyResponse(&out, rsp); err != nil {
		return err
	}
	n.queueLocked(out.Bytes())
	return nil
}

func (n *Network) queueLocked(frame []byte) {
	n.outbox = append(n.outbox, frame)
	select {
	case n.ready <- struct{}{}:
	default:
	}
}

func (n *Network) takeAll() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.outbox
	n.outbox = nil
	return out
}

// Pending is the number of queued, undelivered replies.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.outbox)
}

// Trace returns every request seen so far in arrival order.
func (n *Network) Trace() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.trace)
}

// ResetTrace clears the recorded requests.
func (n *Network) ResetTrace() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.trace = nil
}

// Containers lists live simulated containers.
func (n *Network) Containers() []apm.ContainerID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Sorted(maps.Keys(n.containers))
}

// ContainerState is the last state opcode a container applied to sg.
func (n *Network) ContainerState(id apm.ContainerID, sg apm.SubGraphID) (apm.MsgOpcode, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.containers[id]
	if !ok {
		return 0, false
	}
	op, ok := c.states[sg]
	return op, ok
}

// ProxyMembers lists the sub-graphs a proxy manager was told about.
func (n *Network) ProxyMembers(id apm.ProxyInstanceID) []apm.SubGraphID {
	n.mu.Lock()
	defer n.mu.Unlock()
	pm, ok := n.proxies[id]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(pm.members))
}

// Sink receives decoded replies synchronously.
type Sink interface {
	HandleContainerResponse(apm.ContainerResponse) error
	HandleProxyResponse(apm.ProxyResponse) error
}

// Drain delivers queued replies to s until none remain, including replies to
// requests issued while draining. It returns the number delivered.
func (n *Network) Drain(ctx context.Context, s Sink) (int, error) {
	delivered := 0
	for {
		frames := n.takeAll()
		if len(frames) == 0 {
			return delivered, nil
		}
		for _, frame := range frames {
			if err := ctx.Err(); err != nil {
				return delivered, err
			}
			if err := deliver(frame, s); err != nil {
				return delivered, err
			}
			delivered++
		}
	}
}

func deliver(frame []byte, s Sink) error {
	kind, err := protocol.PeekKind(frame)
	if err != nil {
		return err
	}
	switch kind {
	case schema.KindContainerResponse:
		rsp, err := protocol.DecodeContainerResponse(bytes.NewReader(frame))
		if err != nil {
			return err
		}
		if err := s.HandleContainerResponse(rsp); err != nil {
			log.Debug().Err(err).Str("token", rsp.Token.String()).Msg("sim.Network.Drain container reply dropped")
		}
	case schema.KindProxyResponse:
		rsp, err := protocol.DecodeProxyResponse(bytes.NewReader(frame))
		if err != nil {
			return err
		}
		if err := s.HandleProxyResponse(rsp); err != nil {
			log.Debug().Err(err).Str("token", rsp.Token.String()).Msg("sim.Network.Drain proxy reply dropped")
		}
	default:
		return fmt.Errorf("%w: unexpected %s in outbox", protocol.ErrKindMismatch, kind)
	}
	return nil
}

// Enqueuer accepts replies for an asynchronously running manager.
type Enqueuer interface {
	EnqueueContainerResponse(ctx context.Context, rsp apm.ContainerResponse) error
	EnqueueProxyResponse(ctx context.Context, rsp apm.ProxyResponse) error
}

// Pump forwards replies to e as they are queued until ctx ends.
func (n *Network) Pump(ctx context.Context, e Enqueuer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.ready:
		}
		for _, frame := range n.takeAll() {
			if err := n.forward(ctx, frame, e); err != nil {
				return err
			}
		}
	}
}

func (n *Network) forward(ctx context.Context, frame []byte, e Enqueuer) error {
	kind, err := protocol.PeekKind(frame)
	if err != nil {
		return err
	}
	switch kind {
	case schema.KindContainerResponse:
		rsp, err := protocol.DecodeContainerResponse(bytes.NewReader(frame))
		if err != nil {
			return err
		}
		return e.EnqueueContainerResponse(ctx, rsp)
	case schema.KindProxyResponse:
		rsp, err := protocol.DecodeProxyResponse(bytes.NewReader(frame))
		if err != nil {
			return err
		}
		return e.EnqueueProxyResponse(ctx, rsp)
	default:
		return fmt.Errorf("%w: unexpected %s in outbox", protocol.ErrKindMismatch, kind)
	}
}
