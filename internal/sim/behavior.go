package sim

import (
	"slices"

	"github.com/danmuck/apmctl/internal/apm"
)

// Behavior scripts how simulated endpoints answer. The zero value answers
// every request with StatusOK and grants every requested sub-graph.
type Behavior struct {
	// ContainerStatus overrides the reply status per container and opcode.
	ContainerStatus map[apm.ContainerID]map[apm.MsgOpcode]apm.Status
	// ProxyStatus overrides the reply status per proxy instance and opcode.
	ProxyStatus map[apm.ProxyInstanceID]map[apm.MsgOpcode]apm.Status
	// Grants limits what a proxy permits on a direct request. Absent means
	// grant everything requested.
	Grants map[apm.ProxyInstanceID][]apm.SubGraphID
	// CreateFail makes container creation fail with the given status.
	CreateFail map[apm.ContainerID]apm.Status
	// Payloads answers GET_CFG for a container. Absent echoes the request
	// parameter data.
	Payloads map[apm.ContainerID][]byte
	// Silent containers never reply.
	Silent map[apm.ContainerID]bool
}

func (b *Behavior) FailContainer(id apm.ContainerID, op apm.MsgOpcode, st apm.Status) {
	if b.ContainerStatus == nil {
		b.ContainerStatus = make(map[apm.ContainerID]map[apm.MsgOpcode]apm.Status)
	}
	if b.ContainerStatus[id] == nil {
		b.ContainerStatus[id] = make(map[apm.MsgOpcode]apm.Status)
	}
	b.ContainerStatus[id][op] = st
}

func (b *Behavior) FailProxy(id apm.ProxyInstanceID, op apm.MsgOpcode, st apm.Status) {
	if b.ProxyStatus == nil {
		b.ProxyStatus = make(map[apm.ProxyInstanceID]map[apm.MsgOpcode]apm.Status)
	}
	if b.ProxyStatus[id] == nil {
		b.ProxyStatus[id] = make(map[apm.MsgOpcode]apm.Status)
	}
	b.ProxyStatus[id][op] = st
}

func (b *Behavior) Grant(id apm.ProxyInstanceID, subGraphs ...apm.SubGraphID) {
	if b.Grants == nil {
		b.Grants = make(map[apm.ProxyInstanceID][]apm.SubGraphID)
	}
	b.Grants[id] = append(b.Grants[id], subGraphs...)
}

func (b *Behavior) FailCreate(id apm.ContainerID, st apm.Status) {
	if b.CreateFail == nil {
		b.CreateFail = make(map[apm.ContainerID]apm.Status)
	}
	b.CreateFail[id] = st
}

func (b *Behavior) containerStatus(id apm.ContainerID, op apm.MsgOpcode) apm.Status {
	if st, ok := b.ContainerStatus[id][op]; ok {
		return st
	}
	return apm.StatusOK
}

func (b *Behavior) proxyStatus(id apm.ProxyInstanceID, op apm.MsgOpcode) apm.Status {
	if st, ok := b.ProxyStatus[id][op]; ok {
		return st
	}
	return apm.StatusOK
}

func (b *Behavior) permitted(id apm.ProxyInstanceID, requested []apm.SubGraphID) []apm.SubGraphID {
	grant, ok := b.Grants[id]
	if !ok {
		return slices.Clone(requested)
	}
	out := make([]apm.SubGraphID, 0, len(requested))
	for _, sg := range requested {
		if slices.Contains(grant, sg) {
			out = append(out, sg)
		}
	}
	return out
}
