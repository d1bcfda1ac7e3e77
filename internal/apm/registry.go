package apm

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrSubGraphExists     = errors.New("apm: sub-graph already exists")
	ErrSubGraphNotFound   = errors.New("apm: sub-graph not found")
	ErrContainerNotFound  = errors.New("apm: container not found")
	ErrLinkExists         = errors.New("apm: link already exists")
	ErrLinkEndpointAbsent = errors.New("apm: link endpoint not registered")
)

// SubGraph is the registry record for one client-addressable sub-graph.
type SubGraph struct {
	ID       SubGraphID
	State    SubGraphState
	Scenario Scenario
	Key      CorrelationKey
	// Proxy is the instance id of the owning proxy manager, zero when the
	// sub-graph is directly managed.
	Proxy ProxyInstanceID

	containers map[ContainerID]struct{}
}

// Containers returns the hosting containers in id order.
func (sg *SubGraph) Containers() []ContainerID {
	return sortedKeys(sg.containers)
}

// Container is the registry record for one execution context.
type Container struct {
	ID ContainerID
	// NewlyCreated is set while the graph open that created it is in flight.
	NewlyCreated bool

	subGraphs map[SubGraphID]struct{}
}

// SubGraphs returns the hosted sub-graphs in id order.
func (c *Container) SubGraphs() []SubGraphID {
	return sortedKeys(c.subGraphs)
}

// Link connects Self to Peer. PeerPropagatedState is the last Peer state
// propagated across this link.
type Link struct {
	ID                  LinkID
	Self                SubGraphID
	Peer                SubGraphID
	Cyclic              bool
	PeerPropagatedState SubGraphState
}

// Registry maps ids to sub-graph, container, link and proxy-manager records.
// It is not safe for concurrent use; Manager serializes access.
type Registry struct {
	subGraphs  map[SubGraphID]*SubGraph
	containers map[ContainerID]*Container
	links      map[LinkID]*Link
	proxies    map[uint32]*ProxyManager
	nextProxy  uint32
	// merged maps the handle of a merged-away proxy manager to the handle
	// that absorbed it, so in-flight proxy tokens still resolve.
	merged map[uint32]uint32
}

func NewRegistry() *Registry {
	return &Registry{
		subGraphs:  make(map[SubGraphID]*SubGraph),
		containers: make(map[ContainerID]*Container),
		links:      make(map[LinkID]*Link),
		proxies:    make(map[uint32]*ProxyManager),
		merged:     make(map[uint32]uint32),
	}
}

func (r *Registry) AddSubGraph(spec SubGraphSpec) (*SubGraph, error) {
	if _, ok := r.subGraphs[spec.ID]; ok {
		return nil, fmt.Errorf("%w: %d", ErrSubGraphExists, spec.ID)
	}
	sg := &SubGraph{
		ID:         spec.ID,
		State:      StateStopped,
		Scenario:   spec.Scenario,
		Key:        spec.Key,
		Proxy:      spec.Proxy,
		containers: make(map[ContainerID]struct{}),
	}
	r.subGraphs[spec.ID] = sg
	return sg, nil
}

func (r *Registry) SubGraph(id SubGraphID) (*SubGraph, bool) {
	sg, ok := r.subGraphs[id]
	return sg, ok
}

// RemoveSubGraph detaches the sub-graph from its containers and drops every
// link that names it.
func (r *Registry) RemoveSubGraph(id SubGraphID) bool {
	sg, ok := r.subGraphs[id]
	if !ok {
		return false
	}
	for cid := range sg.containers {
		if c, ok := r.containers[cid]; ok {
			delete(c.subGraphs, id)
		}
	}
	for lid, l := range r.links {
		if l.Self == id || l.Peer == id {
			delete(r.links, lid)
		}
	}
	for _, pm := range r.proxies {
		pm.removeSubGraph(id)
	}
	delete(r.subGraphs, id)
	return true
}

// SubGraphs returns every sub-graph in id order.
func (r *Registry) SubGraphs() []*SubGraph {
	out := make([]*SubGraph, 0, len(r.subGraphs))
	for _, id := range sortedKeys(r.subGraphs) {
		out = append(out, r.subGraphs[id])
	}
	return out
}

func (r *Registry) AddContainer(id ContainerID, newlyCreated bool) *Container {
	if c, ok := r.containers[id]; ok {
		return c
	}
	c := &Container{ID: id, NewlyCreated: newlyCreated, subGraphs: make(map[SubGraphID]struct{})}
	r.containers[id] = c
	return c
}

func (r *Registry) Container(id ContainerID) (*Container, bool) {
	c, ok := r.containers[id]
	return c, ok
}

// RemoveContainer detaches the container from the sub-graphs it hosts.
func (r *Registry) RemoveContainer(id ContainerID) bool {
	c, ok := r.containers[id]
	if !ok {
		return false
	}
	for sid := range c.subGraphs {
		if sg, ok := r.subGraphs[sid]; ok {
			delete(sg.containers, id)
		}
	}
	delete(r.containers, id)
	return true
}

// PruneContainers removes containers that host no sub-graphs and returns
// their ids.
func (r *Registry) PruneContainers() []ContainerID {
	var out []ContainerID
	for _, id := range sortedKeys(r.containers) {
		if len(r.containers[id].subGraphs) == 0 {
			delete(r.containers, id)
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) Containers() []*Container {
	out := make([]*Container, 0, len(r.containers))
	for _, id := range sortedKeys(r.containers) {
		out = append(out, r.containers[id])
	}
	return out
}

// Attach records that container hosts sub-graph.
func (r *Registry) Attach(cid ContainerID, sid SubGraphID) error {
	c, ok := r.containers[cid]
	if !ok {
		return fmt.Errorf("%w: %d", ErrContainerNotFound, cid)
	}
	sg, ok := r.subGraphs[sid]
	if !ok {
		return fmt.Errorf("%w: %d", ErrSubGraphNotFound, sid)
	}
	c.subGraphs[sid] = struct{}{}
	sg.containers[cid] = struct{}{}
	return nil
}

func (r *Registry) AddLink(spec LinkSpec) (*Link, error) {
	if _, ok := r.links[spec.ID]; ok {
		return nil, fmt.Errorf("%w: %d", ErrLinkExists, spec.ID)
	}
	if _, ok := r.subGraphs[spec.Self]; !ok {
		return nil, fmt.Errorf("%w: link %d self %d", ErrLinkEndpointAbsent, spec.ID, spec.Self)
	}
	if _, ok := r.subGraphs[spec.Peer]; !ok {
		return nil, fmt.Errorf("%w: link %d peer %d", ErrLinkEndpointAbsent, spec.ID, spec.Peer)
	}
	l := &Link{
		ID:                  spec.ID,
		Self:                spec.Self,
		Peer:                spec.Peer,
		Cyclic:              spec.Cyclic,
		PeerPropagatedState: StateStopped,
	}
	r.links[spec.ID] = l
	return l, nil
}

// RemoveLink drops a link. It reports whether the link existed.
func (r *Registry) RemoveLink(id LinkID) bool {
	if _, ok := r.links[id]; !ok {
		return false
	}
	delete(r.links, id)
	return true
}

func (r *Registry) Link(id LinkID) (*Link, bool) {
	l, ok := r.links[id]
	return l, ok
}

func (r *Registry) Links() []*Link {
	out := make([]*Link, 0, len(r.links))
	for _, id := range sortedKeys(r.links) {
		out = append(out, r.links[id])
	}
	return out
}

// LinksForSelf returns links whose Self endpoint is sid, in id order.
func (r *Registry) LinksForSelf(sid SubGraphID) []*Link {
	var out []*Link
	for _, l := range r.Links() {
		if l.Self == sid {
			out = append(out, l)
		}
	}
	return out
}

// LinksTouching returns links with either endpoint in set, in id order.
func (r *Registry) LinksTouching(set map[SubGraphID]struct{}) []*Link {
	var out []*Link
	for _, l := range r.Links() {
		_, self := set[l.Self]
		_, peer := set[l.Peer]
		if self || peer {
			out = append(out, l)
		}
	}
	return out
}

func sortedKeys[K ~uint32, V any](m map[K]V) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
