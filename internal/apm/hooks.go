package apm

import (
	"context"
	"errors"
)

// ErrNotSupported is returned by hooks with no implementation. The sequencer
// treats it as nothing to do.
var ErrNotSupported = errors.New("apm: hook not supported")

// DataPathRequest describes the sub-graphs whose data paths changed.
type DataPathRequest struct {
	Command   CommandOpcode
	Create    bool
	SubGraphs []SubGraphID
	Links     []LinkID
}

// DataPathHandler returns SET_CFG parameters for data paths created by a
// graph open or destroyed by graph management.
type DataPathHandler interface {
	DataPathParams(ctx context.Context, req DataPathRequest) ([]Param, error)
}

// LinkOpenInfo lists links created by a graph open.
type LinkOpenInfo struct {
	SubGraphs []SubGraphID
	Links     []Link
}

// RuntimeLinkHandler reports sub-graphs that must be started because a new
// link joined them to a running peer.
type RuntimeLinkHandler interface {
	LinksOpened(ctx context.Context, info LinkOpenInfo) ([]SubGraphID, error)
}

// DBQueryHandler mirrors graph shape changes to an external database.
type DBQueryHandler interface {
	PreprocessOpen(ctx context.Context, subGraphs []SubGraphID) error
	SendOpenInfo(ctx context.Context, subGraphs []SubGraphID) error
	SendCloseInfo(ctx context.Context, subGraphs []SubGraphID) error
}

// DebugInfoHandler inspects set-config parameters.
type DebugInfoHandler interface {
	HandleDebugInfo(ctx context.Context, params []Param) error
}

// Hooks bundles the optional extension points.
type Hooks struct {
	DataPath    DataPathHandler
	RuntimeLink RuntimeLinkHandler
	DBQuery     DBQueryHandler
	DebugInfo   DebugInfoHandler
}

// NotSupported implements every hook interface with ErrNotSupported.
type NotSupported struct{}

func (NotSupported) DataPathParams(context.Context, DataPathRequest) ([]Param, error) {
	return nil, ErrNotSupported
}

func (NotSupported) LinksOpened(context.Context, LinkOpenInfo) ([]SubGraphID, error) {
	return nil, ErrNotSupported
}

func (NotSupported) PreprocessOpen(context.Context, []SubGraphID) error { return ErrNotSupported }
func (NotSupported) SendOpenInfo(context.Context, []SubGraphID) error   { return ErrNotSupported }
func (NotSupported) SendCloseInfo(context.Context, []SubGraphID) error  { return ErrNotSupported }

func (NotSupported) HandleDebugInfo(context.Context, []Param) error { return ErrNotSupported }

func DefaultHooks() Hooks {
	return Hooks{
		DataPath:    NotSupported{},
		RuntimeLink: NotSupported{},
		DBQuery:     NotSupported{},
		DebugInfo:   NotSupported{},
	}
}

// withDefaults fills unset hooks with NotSupported.
func (h Hooks) withDefaults() Hooks {
	d := DefaultHooks()
	if h.DataPath == nil {
		h.DataPath = d.DataPath
	}
	if h.RuntimeLink == nil {
		h.RuntimeLink = d.RuntimeLink
	}
	if h.DBQuery == nil {
		h.DBQuery = d.DBQuery
	}
	if h.DebugInfo == nil {
		h.DebugInfo = d.DebugInfo
	}
	return h
}

// hookErr drops ErrNotSupported.
func hookErr(err error) error {
	if errors.Is(err, ErrNotSupported) {
		return nil
	}
	return err
}

// ContainerFactory creates execution contexts requested by a graph open.
type ContainerFactory interface {
	CreateContainer(ctx context.Context, id ContainerID) error
}

type nopFactory struct{}

func (nopFactory) CreateContainer(context.Context, ContainerID) error { return nil }

// Reporter receives one terminal Outcome per command.
type Reporter interface {
	Report(ctx context.Context, out Outcome) error
}

type nopReporter struct{}

func (nopReporter) Report(context.Context, Outcome) error { return nil }

// Metrics observes sequencer activity.
type Metrics interface {
	CommandStarted(opcode string)
	CommandDeferred(opcode string)
	CommandFinished(opcode, status string, seconds float64)
	MessageSent(kind, opcode string)
	ResponseReceived(kind, opcode, status string)
}

type nopMetrics struct{}

func (nopMetrics) CommandStarted(string)                   {}
func (nopMetrics) CommandDeferred(string)                  {}
func (nopMetrics) CommandFinished(string, string, float64) {}
func (nopMetrics) MessageSent(string, string)              {}
func (nopMetrics) ResponseReceived(string, string, string) {}
