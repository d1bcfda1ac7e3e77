package apm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
)

var (
	ErrNoFreeProxySlot = errors.New("apm: no free proxy command slot")
	ErrProxyNotFound   = errors.New("apm: proxy manager not found")
)

// ProxyManager is the record for an out-of-process owner of sub-graphs. Each
// live command touching it holds one slot.
type ProxyManager struct {
	Handle     uint32
	InstanceID ProxyInstanceID
	Scenario   Scenario
	Key        CorrelationKey
	// Broadcast managers serve a shared module role and are freed as soon as
	// no command holds a slot.
	Broadcast bool

	subGraphs  []SubGraphID
	activeMask uint8
	slots      [MaxParallelCommands]proxySlot
	// shared parameter cache of a broadcast manager, keyed by param id
	shared map[uint32]ProxyParam
}

// proxySlot is one command's view of a proxy manager.
type proxySlot struct {
	ctrl       *CommandControl
	candidates []SubGraphID
	permitted  map[SubGraphID]struct{}
	params     []ProxyParam
}

func (pm *ProxyManager) SubGraphs() []SubGraphID {
	return slices.Clone(pm.subGraphs)
}

func (pm *ProxyManager) ActiveMask() uint8 {
	return pm.activeMask
}

func (pm *ProxyManager) addSubGraph(id SubGraphID) {
	if !slices.Contains(pm.subGraphs, id) {
		pm.subGraphs = append(pm.subGraphs, id)
	}
}

func (pm *ProxyManager) removeSubGraph(id SubGraphID) {
	pm.subGraphs = slices.DeleteFunc(pm.subGraphs, func(v SubGraphID) bool { return v == id })
}

// slotFor returns the slot bound to ctrl, if any.
func (pm *ProxyManager) slotFor(ctrl *CommandControl) *proxySlot {
	for i := range pm.slots {
		if pm.activeMask&(1<<i) != 0 && pm.slots[i].ctrl == ctrl {
			return &pm.slots[i]
		}
	}
	return nil
}

// acquireSlot finds the slot already bound to ctrl or binds the first free
// one.
func (pm *ProxyManager) acquireSlot(ctrl *CommandControl) (*proxySlot, error) {
	if s := pm.slotFor(ctrl); s != nil {
		return s, nil
	}
	for i := range pm.slots {
		bit := uint8(1) << i
		if pm.activeMask&bit != 0 {
			continue
		}
		pm.activeMask |= bit
		pm.slots[i] = proxySlot{ctrl: ctrl, permitted: make(map[SubGraphID]struct{})}
		return &pm.slots[i], nil
	}
	return nil, withStatus(StatusBusy, fmt.Errorf("%w: proxy %d", ErrNoFreeProxySlot, pm.InstanceID))
}

// releaseSlot unbinds ctrl. Parameters a command cached on a broadcast
// manager are unlinked one param id at a time.
func (pm *ProxyManager) releaseSlot(ctrl *CommandControl) {
	for i := range pm.slots {
		bit := uint8(1) << i
		if pm.activeMask&bit == 0 || pm.slots[i].ctrl != ctrl {
			continue
		}
		if pm.Broadcast {
			for _, p := range pm.slots[i].params {
				pm.unlinkParam(p.ParamID)
			}
		}
		pm.slots[i] = proxySlot{}
		pm.activeMask &^= bit
	}
}

func (pm *ProxyManager) cacheParam(p ProxyParam) {
	if !pm.Broadcast {
		return
	}
	if pm.shared == nil {
		pm.shared = make(map[uint32]ProxyParam)
	}
	pm.shared[p.ParamID] = p
}

func (pm *ProxyManager) unlinkParam(paramID uint32) {
	delete(pm.shared, paramID)
}

// SharedParams returns the cached broadcast parameter ids in order.
func (pm *ProxyManager) SharedParams() []uint32 {
	out := make([]uint32, 0, len(pm.shared))
	for id := range pm.shared {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// FindOrCreateProxy returns the manager for scenario and key, creating it
// on first use.
func (r *Registry) FindOrCreateProxy(instance ProxyInstanceID, scenario Scenario, key CorrelationKey) *ProxyManager {
	if pm, ok := r.ProxyForKey(scenario, key); ok {
		return pm
	}
	r.nextProxy++
	pm := &ProxyManager{
		Handle:     r.nextProxy,
		InstanceID: instance,
		Scenario:   scenario,
		Key:        key,
		Broadcast:  scenario == ScenarioBroadcast,
	}
	r.proxies[pm.Handle] = pm
	return pm
}

func (r *Registry) ProxyForKey(scenario Scenario, key CorrelationKey) (*ProxyManager, bool) {
	for _, h := range sortedKeys(r.proxies) {
		pm := r.proxies[h]
		if pm.Scenario == scenario && pm.Key == key {
			return pm, true
		}
	}
	return nil, false
}

// Proxy resolves handle, following merges.
func (r *Registry) Proxy(handle uint32) (*ProxyManager, bool) {
	if to, ok := r.merged[handle]; ok {
		handle = to
	}
	pm, ok := r.proxies[handle]
	return pm, ok
}

// ProxyForSubGraph returns the manager whose membership includes id.
func (r *Registry) ProxyForSubGraph(id SubGraphID) (*ProxyManager, bool) {
	for _, h := range sortedKeys(r.proxies) {
		if slices.Contains(r.proxies[h].subGraphs, id) {
			return r.proxies[h], true
		}
	}
	return nil, false
}

// Proxies returns every proxy manager in handle order.
func (r *Registry) Proxies() []*ProxyManager {
	out := make([]*ProxyManager, 0, len(r.proxies))
	for _, h := range sortedKeys(r.proxies) {
		out = append(out, r.proxies[h])
	}
	return out
}

func (r *Registry) FreeProxy(pm *ProxyManager) {
	delete(r.proxies, pm.Handle)
	for from, to := range r.merged {
		if to == pm.Handle {
			delete(r.merged, from)
		}
	}
}

// MergeProxies reconciles the don't-care manager of scenario with the
// manager for the real key. When both exist the don't-care manager's
// sub-graphs and command slots move to the real one and it is freed; when
// only the don't-care manager exists it is re-keyed.
func (r *Registry) MergeProxies(scenario Scenario, real CorrelationKey) (*ProxyManager, error) {
	if real == KeyDontCare {
		return nil, withStatus(StatusBadParam, fmt.Errorf("%w: merge needs a real key", ErrProxyNotFound))
	}
	dst, okDst := r.ProxyForKey(scenario, real)
	src, okSrc := r.ProxyForKey(scenario, KeyDontCare)
	switch {
	case !okSrc && okDst:
		return dst, nil
	case !okSrc && !okDst:
		return nil, withStatus(StatusNotExist, fmt.Errorf("%w: scenario %s key %d", ErrProxyNotFound, scenario, real))
	case okSrc && !okDst:
		src.Key = real
		r.rekeySubGraphs(src.subGraphs, real)
		return src, nil
	}

	for _, id := range src.subGraphs {
		dst.addSubGraph(id)
	}
	r.rekeySubGraphs(src.subGraphs, real)
	for i := range src.slots {
		if src.activeMask&(1<<i) == 0 {
			continue
		}
		from := &src.slots[i]
		to, err := dst.acquireSlot(from.ctrl)
		if err != nil {
			return nil, err
		}
		to.candidates = append(to.candidates, from.candidates...)
		to.params = append(to.params, from.params...)
		for id := range from.permitted {
			to.permitted[id] = struct{}{}
		}
		from.ctrl.replaceProxy(src, dst)
	}
	for from, to := range r.merged {
		if to == src.Handle {
			r.merged[from] = dst.Handle
		}
	}
	r.merged[src.Handle] = dst.Handle
	delete(r.proxies, src.Handle)
	return dst, nil
}

func (r *Registry) rekeySubGraphs(ids []SubGraphID, key CorrelationKey) {
	for _, id := range ids {
		if sg, ok := r.subGraphs[id]; ok {
			sg.Key = key
		}
	}
}

// replaceProxy swaps a merged-away manager in the command's working lists.
func (c *CommandControl) replaceProxy(from, to *ProxyManager) {
	swap := func(list []*ProxyManager) []*ProxyManager {
		list = slices.DeleteFunc(list, func(pm *ProxyManager) bool { return pm == from })
		if !slices.Contains(list, to) {
			list = append(list, to)
		}
		return list
	}
	if slices.Contains(c.open.proxies, from) {
		c.open.proxies = swap(c.open.proxies)
	}
	if slices.Contains(c.gm.proxies, from) {
		c.gm.proxies = swap(c.gm.proxies)
	}
}

// sessionKey decodes a ParamSessionKey payload.
func sessionKey(p ProxyParam) (CorrelationKey, error) {
	if p.ParamID != ParamSessionKey || len(p.Data) < 4 {
		return KeyDontCare, withStatus(StatusBadParam, fmt.Errorf("%w: param %#x is not a session key", ErrProxyNotFound, p.ParamID))
	}
	return CorrelationKey(binary.LittleEndian.Uint32(p.Data)), nil
}

// SessionKeyParam builds the parameter that resolves a don't-care key.
func SessionKeyParam(instance ProxyInstanceID, scenario Scenario, key CorrelationKey) ProxyParam {
	data := binary.LittleEndian.AppendUint32(nil, uint32(key))
	return ProxyParam{Proxy: instance, Scenario: scenario, Key: KeyDontCare, ParamID: ParamSessionKey, Data: data}
}
