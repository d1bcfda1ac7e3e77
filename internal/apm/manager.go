package apm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrDeferQueueFull = errors.New("apm: deferred command queue full")
	ErrManagerStopped = errors.New("apm: manager stopped")
)

const (
	defaultDeferQueueSize = 16
	defaultQueueDepth     = 64
)

type ManagerConfig struct {
	Name string
	// DeferQueueSize bounds commands waiting for admission.
	DeferQueueSize int
	// QueueDepth sizes the Enqueue channels drained by Run.
	QueueDepth int
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Name:           "apm",
		DeferQueueSize: defaultDeferQueueSize,
		QueueDepth:     defaultQueueDepth,
	}
}

// Outcome is the terminal report for one command.
type Outcome struct {
	CommandID CommandID
	Opcode    CommandOpcode
	Status    Status
	// Payloads holds per-destination response payloads (GET_CFG).
	Payloads      map[ContainerID][]byte
	ProxyPayloads map[ProxyInstanceID][]byte
	// PendingSubGraphs lists proxy-owned sub-graphs never permitted.
	PendingSubGraphs []SubGraphID
	Deferred         bool
	StartedAt        time.Time
	Duration         time.Duration
}

type Option func(*Manager)

func WithHooks(h Hooks) Option {
	return func(m *Manager) { m.hooks = h.withDefaults() }
}

func WithReporter(r Reporter) Option {
	return func(m *Manager) {
		if r != nil {
			m.reporter = r
		}
	}
}

func WithMetrics(mt Metrics) Option {
	return func(m *Manager) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

func WithContainerFactory(f ContainerFactory) Option {
	return func(m *Manager) {
		if f != nil {
			m.factory = f
		}
	}
}

// WithRegistry shares an existing registry.
func WithRegistry(r *Registry) Option {
	return func(m *Manager) {
		if r != nil {
			m.reg = r
		}
	}
}

type deferredCommand struct {
	id    CommandID
	cmd   Command
	ctx   context.Context
	since time.Time
}

type queuedCommand struct {
	id  CommandID
	cmd Command
}

// Manager admits client commands, drives their sequencers, and routes
// responses back to the owning command. All sequencing runs under one mutex.
type Manager struct {
	mu        sync.Mutex
	cfg       ManagerConfig
	transport Transport
	factory   ContainerFactory
	hooks     Hooks
	reporter  Reporter
	metrics   Metrics

	reg      *Registry
	pool     *CommandPool
	deferred []deferredCommand
	resuming bool

	cmdQueue   chan queuedCommand
	rspQueue   chan any
	stopped    chan struct{}
	stopOnce   sync.Once
	onDriverIt func(*CommandControl)
}

func NewManager(cfg ManagerConfig, transport Transport, opts ...Option) *Manager {
	if cfg.DeferQueueSize <= 0 {
		cfg.DeferQueueSize = defaultDeferQueueSize
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.Name == "" {
		cfg.Name = "apm"
	}
	m := &Manager{
		cfg:       cfg,
		transport: transport,
		factory:   nopFactory{},
		hooks:     DefaultHooks(),
		reporter:  nopReporter{},
		metrics:   nopMetrics{},
		reg:       NewRegistry(),
		pool:      NewCommandPool(),
		cmdQueue:  make(chan queuedCommand, cfg.QueueDepth),
		rspQueue:  make(chan any, cfg.QueueDepth),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry exposes the entity registry. Callers must not mutate it while
// the manager is processing.
func (m *Manager) Registry() *Registry {
	return m.reg
}

// ActiveMask is the command pool's slot mask.
func (m *Manager) ActiveMask() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.ActiveMask()
}

// Deferred returns ids of commands waiting for admission, in arrival order.
func (m *Manager) Deferred() []CommandID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CommandID, 0, len(m.deferred))
	for _, d := range m.deferred {
		out = append(out, d.id)
	}
	return out
}

// Submit admits cmd and runs its sequencer until it yields on an outstanding
// response or completes. Conflicting commands are deferred, not failed.
func (m *Manager) Submit(ctx context.Context, cmd Command) (CommandID, error) {
	id := CommandID(uuid.NewString())
	if err := m.submit(ctx, id, cmd); err != nil {
		return "", err
	}
	return id, nil
}

func (m *Manager) submit(ctx context.Context, id CommandID, cmd Command) error {
	if err := validateCommand(cmd); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.deferred) > 0 || m.conflicts(cmd) {
		if len(m.deferred) >= m.cfg.DeferQueueSize {
			return withStatus(StatusBusy, fmt.Errorf("%w: %d waiting", ErrDeferQueueFull, len(m.deferred)))
		}
		m.deferred = append(m.deferred, deferredCommand{id: id, cmd: cmd, ctx: ctx, since: time.Now()})
		m.metrics.CommandDeferred(cmd.Opcode.String())
		log.Info().
			Str("manager", m.cfg.Name).
			Str("command", string(id)).
			Str("opcode", cmd.Opcode.String()).
			Uint8("active_mask", m.pool.ActiveMask()).
			Msg("apm.Manager.Submit deferred")
		return nil
	}
	return m.start(ctx, id, cmd, time.Time{})
}

// conflicts reports whether cmd must wait for the active commands.
func (m *Manager) conflicts(cmd Command) bool {
	active := m.pool.Active()
	if len(active) == 0 {
		return false
	}
	if isCloseAll(cmd) {
		return true
	}
	want := payloadSubGraphs(cmd.Payload)
	for _, ctrl := range active {
		if isCloseAll(Command{Opcode: ctrl.Opcode, Payload: ctrl.Payload}) {
			return true
		}
		if cmd.Opcode.Family() != FamilyGraphMgmt {
			continue
		}
		for id := range ctrl.subGraphSet() {
			if _, ok := want[id]; ok {
				return true
			}
		}
	}
	return false
}

func isCloseAll(cmd Command) bool {
	if cmd.Opcode == CmdCloseAll {
		return true
	}
	p, ok := cmd.Payload.(ConfigPayload)
	return ok && p.CloseAll
}

func (m *Manager) start(ctx context.Context, id CommandID, cmd Command, deferredSince time.Time) error {
	ctrl, err := m.pool.Allocate(id, cmd)
	if err != nil {
		return err
	}
	if ctx != nil {
		ctrl.ctx = context.WithoutCancel(ctx)
	}
	if !deferredSince.IsZero() {
		ctrl.started = deferredSince
		ctrl.wasDeferred = true
	}
	m.metrics.CommandStarted(cmd.Opcode.String())
	log.Debug().
		Str("manager", m.cfg.Name).
		Str("command", string(id)).
		Str("opcode", cmd.Opcode.String()).
		Uint8("slot", ctrl.slot).
		Msg("apm.Manager.start")

	if err := m.intake(ctrl); err != nil {
		ctrl.cmdStatus = foldStatus(ctrl.cmdStatus, StatusOf(err))
		log.Warn().
			Str("command", string(id)).
			Str("opcode", cmd.Opcode.String()).
			Err(err).
			Msg("apm.Manager.start intake rejected")
		m.endCommand(ctrl)
		return nil
	}
	m.run(ctrl)
	return nil
}

// intake performs first-level parsing of the payload.
func (m *Manager) intake(ctrl *CommandControl) error {
	switch ctrl.Opcode.Family() {
	case FamilyGraphOpen:
		return m.intakeOpen(ctrl)
	case FamilyGraphMgmt:
		p := ctrl.Payload.(GraphMgmtPayload)
		ctrl.gm.command = ctrl.Opcode
		ctrl.gm.source = append([]SubGraphID(nil), p.SubGraphs...)
		if len(p.SubGraphs) == 0 {
			return withStatus(StatusBadParam, fmt.Errorf("%w: empty sub-graph list", ErrSubGraphNotFound))
		}
		return nil
	case FamilyConfig:
		return m.intakeConfig(ctrl)
	case FamilyCloseAll:
		return nil
	}
	return withStatus(StatusUnsupported, fmt.Errorf("%w: %s", ErrPayloadMismatch, ctrl.Opcode))
}

// HandleContainerResponse aggregates a container reply and resumes the
// owning command once every outstanding reply has arrived.
func (m *Manager) HandleContainerResponse(rsp ContainerResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctrl, err := m.pool.Lookup(rsp.Token)
	if err != nil {
		log.Warn().Str("token", rsp.Token.String()).Err(err).Msg("apm.Manager.HandleContainerResponse dropped")
		return err
	}
	m.metrics.ResponseReceived("container", rsp.Opcode.String(), rsp.Status.String())
	return m.onContainerResponse(ctrl, rsp)
}

// HandleProxyResponse aggregates a proxy manager reply.
func (m *Manager) HandleProxyResponse(rsp ProxyResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctrl, err := m.pool.Lookup(rsp.Token)
	if err != nil {
		log.Warn().Str("token", rsp.Token.String()).Err(err).Msg("apm.Manager.HandleProxyResponse dropped")
		return err
	}
	m.metrics.ResponseReceived("proxy", rsp.Opcode.String(), rsp.Status.String())
	return m.onProxyResponse(ctrl, rsp)
}

// EnqueueCommand queues cmd for Run and returns its id.
func (m *Manager) EnqueueCommand(ctx context.Context, cmd Command) (CommandID, error) {
	id := CommandID(uuid.NewString())
	select {
	case m.cmdQueue <- queuedCommand{id: id, cmd: cmd}:
		return id, nil
	case <-m.stopped:
		return "", ErrManagerStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) EnqueueContainerResponse(ctx context.Context, rsp ContainerResponse) error {
	return m.enqueueResponse(ctx, rsp)
}

func (m *Manager) EnqueueProxyResponse(ctx context.Context, rsp ProxyResponse) error {
	return m.enqueueResponse(ctx, rsp)
}

func (m *Manager) enqueueResponse(ctx context.Context, rsp any) error {
	select {
	case m.rspQueue <- rsp:
		return nil
	case <-m.stopped:
		return ErrManagerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the single worker draining queued commands and responses until ctx
// ends.
func (m *Manager) Run(ctx context.Context) error {
	defer m.stopOnce.Do(func() { close(m.stopped) })
	log.Info().Str("manager", m.cfg.Name).Msg("apm.Manager.Run started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("manager", m.cfg.Name).Msg("apm.Manager.Run stopped")
			return ctx.Err()
		case q := <-m.cmdQueue:
			if err := m.submit(ctx, q.id, q.cmd); err != nil {
				log.Error().Str("command", string(q.id)).Err(err).Msg("apm.Manager.Run submit failed")
				m.reportRejected(ctx, q.id, q.cmd, err)
			}
		case rsp := <-m.rspQueue:
			var err error
			switch v := rsp.(type) {
			case ContainerResponse:
				err = m.HandleContainerResponse(v)
			case ProxyResponse:
				err = m.HandleProxyResponse(v)
			}
			if err != nil {
				log.Debug().Err(err).Msg("apm.Manager.Run response ignored")
			}
		}
	}
}

func (m *Manager) reportRejected(ctx context.Context, id CommandID, cmd Command, err error) {
	out := Outcome{CommandID: id, Opcode: cmd.Opcode, Status: StatusOf(err), StartedAt: time.Now()}
	if rerr := m.reporter.Report(ctx, out); rerr != nil {
		log.Error().Str("command", string(id)).Err(rerr).Msg("apm.Manager report failed")
	}
}

// endCommand releases every resource the command holds, reports its outcome
// and admits deferred commands that no longer conflict.
func (m *Manager) endCommand(ctrl *CommandControl) {
	ctrl.pending = false
	status := ctrl.cmdStatus
	if ctrl.Opcode == CmdGetConfig && status == StatusOK {
		status = ctrl.aggRspStatus
	}

	out := Outcome{
		CommandID:     ctrl.ID,
		Opcode:        ctrl.Opcode,
		Status:        status,
		Payloads:      ctrl.payloads,
		ProxyPayloads: ctrl.proxyPayloads,
		Deferred:      ctrl.wasDeferred,
		StartedAt:     ctrl.started,
		Duration:      time.Since(ctrl.started),
	}
	out.PendingSubGraphs = m.releaseProxies(ctrl)
	if ctrl.Opcode == CmdGraphOpen {
		for _, id := range ctrl.open.containers {
			if c, ok := m.reg.Container(id); ok {
				c.NewlyCreated = false
			}
		}
	}
	m.pool.Release(ctrl)

	m.metrics.CommandFinished(ctrl.Opcode.String(), status.String(), out.Duration.Seconds())
	ev := log.Info()
	if status != StatusOK {
		ev = log.Warn()
	}
	ev.Str("manager", m.cfg.Name).
		Str("command", string(ctrl.ID)).
		Str("opcode", ctrl.Opcode.String()).
		Str("status", status.String()).
		Dur("duration", out.Duration).
		Msg("apm.Manager command ended")

	if err := m.reporter.Report(ctrl.ctx, out); err != nil {
		log.Error().Str("command", string(ctrl.ID)).Err(err).Msg("apm.Manager report failed")
	}
	m.resumeDeferred()
}

// releaseProxies frees the command's proxy slots and returns the proxy-owned
// sub-graphs that were requested but never permitted.
func (m *Manager) releaseProxies(ctrl *CommandControl) []SubGraphID {
	var pending []SubGraphID
	for _, pm := range m.reg.Proxies() {
		slot := pm.slotFor(ctrl)
		if slot == nil {
			continue
		}
		for _, id := range slot.candidates {
			if _, ok := slot.permitted[id]; !ok {
				if _, exists := m.reg.SubGraph(id); exists {
					pending = append(pending, id)
				}
			}
		}
		pm.releaseSlot(ctrl)
		if pm.activeMask == 0 && (pm.Broadcast || len(pm.subGraphs) == 0) {
			m.reg.FreeProxy(pm)
		}
	}
	return pending
}

// resumeDeferred starts deferred commands in arrival order, stopping at the
// first one that still conflicts.
func (m *Manager) resumeDeferred() {
	if m.resuming {
		return
	}
	m.resuming = true
	defer func() { m.resuming = false }()

	for len(m.deferred) > 0 {
		d := m.deferred[0]
		if m.conflicts(d.cmd) || m.pool.ActiveMask() == 1<<MaxParallelCommands-1 {
			return
		}
		m.deferred = m.deferred[1:]
		log.Info().
			Str("command", string(d.id)).
			Str("opcode", d.cmd.Opcode.String()).
			Dur("waited", time.Since(d.since)).
			Msg("apm.Manager resuming deferred command")
		if err := m.start(d.ctx, d.id, d.cmd, d.since); err != nil {
			m.reportRejected(d.ctx, d.id, d.cmd, err)
		}
	}
}
