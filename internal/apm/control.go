package apm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrUnexpectedResponse = errors.New("apm: response without outstanding request")
	ErrPayloadMismatch    = errors.New("apm: payload does not match command family")
)

type destKey struct {
	kind TokenKind
	id   uint32
}

// responseControl tracks one round of dispatched messages. Only
// CommandControl.recordResponse mutates the counters after dispatch.
type responseControl struct {
	rspPending bool
	rspStatus  Status

	issued   int
	received int
	failed   int

	proxyIssued   int
	proxyReceived int
	proxyFailed   int

	outstanding map[destKey]MsgOpcode
}

// ResponseCounters is a read-only view of the current round.
type ResponseCounters struct {
	Pending       bool
	Status        Status
	Issued        int
	Received      int
	Failed        int
	ProxyIssued   int
	ProxyReceived int
	ProxyFailed   int
}

func (rc *responseControl) settled() bool {
	return rc.received == rc.issued && rc.proxyReceived == rc.proxyIssued
}

func (rc *responseControl) clear() {
	outstanding := rc.outstanding
	clear(outstanding)
	*rc = responseControl{outstanding: outstanding}
}

func (rc *responseControl) markIssued(kind TokenKind, dest uint32, op MsgOpcode) {
	if rc.outstanding == nil {
		rc.outstanding = make(map[destKey]MsgOpcode)
	}
	rc.outstanding[destKey{kind: kind, id: dest}] = op
	if kind == TokenProxy {
		rc.proxyIssued++
	} else {
		rc.issued++
	}
	rc.rspPending = true
}

func (rc *responseControl) isOutstanding(kind TokenKind, dest uint32) bool {
	_, ok := rc.outstanding[destKey{kind: kind, id: dest}]
	return ok
}

// openControl is graph-open working state.
type openControl struct {
	state      OpenState
	subGraphs  []SubGraphID
	containers []ContainerID
	links      []LinkID
	// cached per-container open configuration, released on failure for
	// containers that existed before this command.
	containerCfg map[ContainerID]*containerTarget
	destroy      []ContainerID
	proxies      []*ProxyManager
}

// graphMgmtControl is graph-management working state, also used by the
// close phase of graph-open recovery and by close-all.
type graphMgmtControl struct {
	command    CommandOpcode
	openErr    bool
	source     []SubGraphID
	regList    []SubGraphID
	processed  []SubGraphID
	proxies    []*ProxyManager
	opcodes    opcodeList
	proxyOps   opcodeList
	peerStep   bool
	mixed      bool
	applicable []SubGraphID
	lists      [2]containerList
	active     int
}

func (gm *graphMgmtControl) clearRound() {
	gm.opcodes.clear()
	gm.peerStep = false
	gm.mixed = false
	gm.applicable = nil
	gm.lists = [2]containerList{}
	gm.active = -1
}

// containerList is one of the cyclic or acyclic destination lists. Only one
// list is in flight at a time.
type containerList struct {
	targets []containerTarget
	started bool
}

type containerTarget struct {
	id        ContainerID
	subGraphs []SubGraphID
	links     []LinkID
	params    []Param
}

// CommandControl is the per-command control block.
type CommandControl struct {
	ID      CommandID
	Opcode  CommandOpcode
	Payload Payload

	slot       uint8
	generation uint16
	ctx        context.Context
	started    time.Time

	cmdStatus    Status
	aggRspStatus Status
	pending      bool
	wasDeferred  bool

	seq   sequenceInfo
	rsp   responseControl
	cycle opcodeList
	open  openControl
	gm    graphMgmtControl
	// container targets cached for the current SET_CFG style cycle
	targets []containerTarget

	payloads      map[ContainerID][]byte
	proxyPayloads map[ProxyInstanceID][]byte
}

func newCommandControl(id CommandID, cmd Command, slot uint8, gen uint16) *CommandControl {
	ctrl := &CommandControl{
		ID:         id,
		Opcode:     cmd.Opcode,
		Payload:    cmd.Payload,
		slot:       slot,
		generation: gen,
		ctx:        context.Background(),
		started:    time.Now(),
		pending:    true,
	}
	ctrl.seq.init(cmd.Opcode.Family())
	ctrl.gm.active = -1
	ctrl.open.containerCfg = make(map[ContainerID]*containerTarget)
	return ctrl
}

// Status is the aggregated command status so far.
func (c *CommandControl) Status() Status {
	return c.cmdStatus
}

// Counters returns the current round's response counters.
func (c *CommandControl) Counters() ResponseCounters {
	rc := &c.rsp
	return ResponseCounters{
		Pending:       rc.rspPending,
		Status:        rc.rspStatus,
		Issued:        rc.issued,
		Received:      rc.received,
		Failed:        rc.failed,
		ProxyIssued:   rc.proxyIssued,
		ProxyReceived: rc.proxyReceived,
		ProxyFailed:   rc.proxyFailed,
	}
}

func (c *CommandControl) token(kind TokenKind, dest uint32) Token {
	return Token{Kind: kind, Slot: c.slot, Generation: c.generation, Dest: dest}
}

// responseRecord is one destination's answer.
type responseRecord struct {
	kind     TokenKind
	dest     uint32
	opcode   MsgOpcode
	status   Status
	payload  []byte
	// instance keys proxy payloads; zero falls back to dest
	instance ProxyInstanceID
}

// recordResponse aggregates one response into the current round. It returns
// true once every issued message has been answered. A response for a
// destination with nothing outstanding is rejected and not counted.
func (c *CommandControl) recordResponse(rec responseRecord) (bool, error) {
	rc := &c.rsp
	key := destKey{kind: rec.kind, id: rec.dest}
	sent, ok := rc.outstanding[key]
	if !ok {
		return false, fmt.Errorf("%w: kind=%d dest=%d opcode=%s", ErrUnexpectedResponse, rec.kind, rec.dest, rec.opcode)
	}
	if rec.opcode != 0 && rec.opcode != sent {
		return false, fmt.Errorf("%w: dest=%d sent %s got %s", ErrUnexpectedResponse, rec.dest, sent, rec.opcode)
	}
	delete(rc.outstanding, key)

	if rec.kind == TokenProxy {
		rc.proxyReceived++
	} else {
		rc.received++
	}
	if rec.status != StatusTerminated && rec.status != StatusOK {
		rc.rspStatus = foldStatus(rc.rspStatus, rec.status)
		if rec.kind == TokenProxy {
			rc.proxyFailed++
		} else {
			rc.failed++
		}
	}
	if len(rec.payload) > 0 {
		c.storePayload(rec)
	}

	if !rc.settled() {
		return false, nil
	}

	round := rc.rspStatus
	if c.Opcode == CmdGetConfig {
		c.aggRspStatus = foldStatus(c.aggRspStatus, round)
	} else {
		c.cmdStatus = foldStatus(c.cmdStatus, round)
		c.seq.curr.Status = round
	}
	rc.clear()
	return true, nil
}

func (c *CommandControl) storePayload(rec responseRecord) {
	data := slices.Clone(rec.payload)
	if rec.kind == TokenProxy {
		if c.proxyPayloads == nil {
			c.proxyPayloads = make(map[ProxyInstanceID][]byte)
		}
		id := rec.instance
		if id == 0 {
			id = ProxyInstanceID(rec.dest)
		}
		c.proxyPayloads[id] = data
		return
	}
	if c.payloads == nil {
		c.payloads = make(map[ContainerID][]byte)
	}
	c.payloads[ContainerID(rec.dest)] = data
}

// subGraphSet is the set of sub-graphs this command may touch, used by
// admission to serialize overlapping commands.
func (c *CommandControl) subGraphSet() map[SubGraphID]struct{} {
	return payloadSubGraphs(c.Payload)
}

func payloadSubGraphs(p Payload) map[SubGraphID]struct{} {
	out := make(map[SubGraphID]struct{})
	switch v := p.(type) {
	case OpenPayload:
		for _, sg := range v.SubGraphs {
			out[sg.ID] = struct{}{}
		}
	case GraphMgmtPayload:
		for _, id := range v.SubGraphs {
			out[id] = struct{}{}
		}
	}
	return out
}

func validateCommand(cmd Command) error {
	fam := cmd.Opcode.Family()
	if fam == FamilyNone {
		return withStatus(StatusUnsupported, fmt.Errorf("%w: opcode %s", ErrPayloadMismatch, cmd.Opcode))
	}
	if cmd.Payload == nil {
		if fam == FamilyCloseAll {
			return nil
		}
		return withStatus(StatusBadParam, fmt.Errorf("%w: %s has no payload", ErrPayloadMismatch, cmd.Opcode))
	}
	if cmd.Payload.family() != fam {
		return withStatus(StatusBadParam, fmt.Errorf("%w: %s with %s payload", ErrPayloadMismatch, cmd.Opcode, cmd.Payload.family()))
	}
	return nil
}
