package apm

import "fmt"

type (
	SubGraphID      uint32
	ContainerID     uint32
	LinkID          uint32
	ProxyInstanceID uint32
	CorrelationKey  uint32
	CommandID       string
)

// KeyDontCare marks a proxy correlation key that is not yet known.
const KeyDontCare CorrelationKey = 0

// Scenario classifies which proxy authority, if any, owns a sub-graph.
type Scenario uint32

const (
	ScenarioNone Scenario = iota
	ScenarioVoiceCall
	ScenarioBroadcast
)

func (s Scenario) String() string {
	switch s {
	case ScenarioNone:
		return "none"
	case ScenarioVoiceCall:
		return "voice_call"
	case ScenarioBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("scenario(%d)", uint32(s))
	}
}

func ParseScenario(name string) (Scenario, bool) {
	for _, s := range []Scenario{ScenarioNone, ScenarioVoiceCall, ScenarioBroadcast} {
		if s.String() == name {
			return s, true
		}
	}
	return 0, false
}

type SubGraphState uint8

const (
	StateInvalid SubGraphState = iota
	StateStopped
	StatePrepared
	StateStarted
	StateSuspended
)

func (s SubGraphState) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateStopped:
		return "stopped"
	case StatePrepared:
		return "prepared"
	case StateStarted:
		return "started"
	case StateSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// OpenState classifies how far a graph open got before failing.
type OpenState uint8

const (
	OpenOK OpenState = iota
	OpenCreateFail
	OpenFail
	OpenConnectFail
)

func (s OpenState) String() string {
	switch s {
	case OpenOK:
		return "ok"
	case OpenCreateFail:
		return "create_fail"
	case OpenFail:
		return "open_fail"
	case OpenConnectFail:
		return "connect_fail"
	default:
		return fmt.Sprintf("open_state(%d)", uint8(s))
	}
}

// CommandOpcode is a client-visible command.
type CommandOpcode uint32

const (
	CmdGraphOpen CommandOpcode = iota + 1
	CmdGraphPrepare
	CmdGraphStart
	CmdGraphStop
	CmdGraphFlush
	CmdGraphSuspend
	CmdGraphClose
	CmdCloseAll
	CmdSetConfig
	CmdGetConfig
	CmdRegisterConfig
	CmdDeregisterConfig
	CmdProxyGraphPrepare
	CmdProxyGraphStart
	CmdProxyGraphStop
	CmdPathDelay
)

var commandNames = map[CommandOpcode]string{
	CmdGraphOpen:         "graph_open",
	CmdGraphPrepare:      "graph_prepare",
	CmdGraphStart:        "graph_start",
	CmdGraphStop:         "graph_stop",
	CmdGraphFlush:        "graph_flush",
	CmdGraphSuspend:      "graph_suspend",
	CmdGraphClose:        "graph_close",
	CmdCloseAll:          "close_all",
	CmdSetConfig:         "set_cfg",
	CmdGetConfig:         "get_cfg",
	CmdRegisterConfig:    "register_cfg",
	CmdDeregisterConfig:  "deregister_cfg",
	CmdProxyGraphPrepare: "proxy_graph_prepare",
	CmdProxyGraphStart:   "proxy_graph_start",
	CmdProxyGraphStop:    "proxy_graph_stop",
	CmdPathDelay:         "path_delay",
}

func (c CommandOpcode) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("cmd(%d)", uint32(c))
}

// ParseCommandOpcode resolves a command name as printed by String.
func ParseCommandOpcode(name string) (CommandOpcode, bool) {
	for op, n := range commandNames {
		if n == name {
			return op, true
		}
	}
	return 0, false
}

// Family selects the sequencer that drives a command.
type Family uint8

const (
	FamilyNone Family = iota
	FamilyGraphOpen
	FamilyGraphMgmt
	FamilyConfig
	FamilyCloseAll
	FamilyErrHandler
)

func (f Family) String() string {
	switch f {
	case FamilyGraphOpen:
		return "graph_open"
	case FamilyGraphMgmt:
		return "graph_mgmt"
	case FamilyConfig:
		return "config"
	case FamilyCloseAll:
		return "close_all"
	case FamilyErrHandler:
		return "err_handler"
	default:
		return "none"
	}
}

func (c CommandOpcode) Family() Family {
	switch c {
	case CmdGraphOpen:
		return FamilyGraphOpen
	case CmdGraphPrepare, CmdGraphStart, CmdGraphStop, CmdGraphFlush, CmdGraphSuspend, CmdGraphClose,
		CmdProxyGraphPrepare, CmdProxyGraphStart, CmdProxyGraphStop:
		return FamilyGraphMgmt
	case CmdSetConfig, CmdGetConfig, CmdRegisterConfig, CmdDeregisterConfig, CmdPathDelay:
		return FamilyConfig
	case CmdCloseAll:
		return FamilyCloseAll
	default:
		return FamilyNone
	}
}

func (c CommandOpcode) isProxyOriginated() bool {
	return c == CmdProxyGraphPrepare || c == CmdProxyGraphStart || c == CmdProxyGraphStop
}

// MsgOpcode is a message sent to a container or proxy manager.
type MsgOpcode uint32

const (
	MsgOpen MsgOpcode = iota + 1
	MsgConnect
	MsgDisconnect
	MsgClose
	MsgPrepare
	MsgStart
	MsgStop
	MsgFlush
	MsgSuspend
	MsgSetConfig
	MsgGetConfig
	MsgRegisterConfig
	MsgDeregisterConfig
	MsgDestroyContainer
	MsgGraphInfo
)

var msgNames = map[MsgOpcode]string{
	MsgOpen:             "OPEN",
	MsgConnect:          "CONNECT",
	MsgDisconnect:       "DISCONNECT",
	MsgClose:            "CLOSE",
	MsgPrepare:          "PREPARE",
	MsgStart:            "START",
	MsgStop:             "STOP",
	MsgFlush:            "FLUSH",
	MsgSuspend:          "SUSPEND",
	MsgSetConfig:        "SET_CFG",
	MsgGetConfig:        "GET_CFG",
	MsgRegisterConfig:   "REGISTER_CFG",
	MsgDeregisterConfig: "DEREGISTER_CFG",
	MsgDestroyContainer: "DESTROY_CONTAINER",
	MsgGraphInfo:        "GRAPH_INFO",
}

// ParseMsgOpcode resolves a message name such as "START" or "SET_CFG".
func ParseMsgOpcode(name string) (MsgOpcode, bool) {
	for op, n := range msgNames {
		if n == name {
			return op, true
		}
	}
	return 0, false
}

func (m MsgOpcode) String() string {
	if name, ok := msgNames[m]; ok {
		return name
	}
	return fmt.Sprintf("MSG(%d)", uint32(m))
}

// Command is one client request.
type Command struct {
	Opcode  CommandOpcode
	Payload Payload
}

// Payload is the opcode-family specific body of a command.
type Payload interface {
	family() Family
}

// SubGraphSpec describes a sub-graph created by a graph open.
type SubGraphSpec struct {
	ID       SubGraphID
	Scenario Scenario
	Key      CorrelationKey
	Proxy    ProxyInstanceID
}

// ContainerSpec places sub-graphs in a container.
type ContainerSpec struct {
	ID        ContainerID
	SubGraphs []SubGraphID
}

// LinkSpec describes a data or control link from Self to Peer.
type LinkSpec struct {
	ID     LinkID
	Self   SubGraphID
	Peer   SubGraphID
	Cyclic bool
}

// Param is one module parameter addressed to a container.
type Param struct {
	Container ContainerID
	Module    uint32
	ParamID   uint32
	Data      []byte
}

// ProxyParam is one parameter addressed to a proxy manager.
type ProxyParam struct {
	Proxy    ProxyInstanceID
	Scenario Scenario
	Key      CorrelationKey
	ParamID  uint32
	Data     []byte
}

// ParamSessionKey carries a little-endian uint32 correlation key. Sending it
// to a proxy manager resolves a don't-care key to a real one.
const ParamSessionKey uint32 = 0x0800_1320

type OpenPayload struct {
	SubGraphs   []SubGraphSpec
	Containers  []ContainerSpec
	Links       []LinkSpec
	ProxyParams []ProxyParam
}

type GraphMgmtPayload struct {
	SubGraphs []SubGraphID
}

type ConfigPayload struct {
	Params      []Param
	ProxyParams []ProxyParam
	// CloseAll runs a nested close-all once the parameters are applied.
	CloseAll bool
}

type CloseAllPayload struct{}

func (OpenPayload) family() Family      { return FamilyGraphOpen }
func (GraphMgmtPayload) family() Family { return FamilyGraphMgmt }
func (ConfigPayload) family() Family    { return FamilyConfig }
func (CloseAllPayload) family() Family  { return FamilyCloseAll }

// ContainerMessage is one request to a container.
type ContainerMessage struct {
	Token     Token
	Container ContainerID
	Opcode    MsgOpcode
	SubGraphs []SubGraphID
	Links     []LinkID
	Params    []Param
}

// ContainerResponse answers exactly one ContainerMessage.
type ContainerResponse struct {
	Token   Token
	Opcode  MsgOpcode
	Status  Status
	Payload []byte
}

// ProxyMessage is one request to a proxy manager. Direct marks a permission
// request issued on behalf of a client command.
type ProxyMessage struct {
	Token     Token
	Proxy     ProxyInstanceID
	Key       CorrelationKey
	Opcode    MsgOpcode
	SubGraphs []SubGraphID
	Direct    bool
	Params    []ProxyParam
}

// ProxyResponse answers exactly one ProxyMessage. Permitted lists the
// sub-graphs the proxy manager allows the command to touch.
type ProxyResponse struct {
	Token     Token
	Opcode    MsgOpcode
	Status    Status
	Permitted []SubGraphID
	Payload   []byte
}
