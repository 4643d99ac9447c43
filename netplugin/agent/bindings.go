/***
Copyright 2014 Cisco Systems Inc. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package agent

import (
	"net"
	"sort"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/contiv/ofagent/core"
	"github.com/contiv/ofagent/resources"
)

// PortRef is a virtual port bound to a network
type PortRef struct {
	PortID  string
	Name    string
	OfPort  uint32
	MAC     net.HardwareAddr // nil when unknown
	AdminUp bool
}

// remoteMAC is a destination learned from the forwarding database
type remoteMAC struct {
	mac    net.HardwareAddr
	ip     string
	remote string
	ofport uint32
}

// NetworkBinding is a tenant network active on this host
type NetworkBinding struct {
	NetworkID   string
	Tag         int
	Encap       core.Encapsulation
	Provisioned bool // tenant flows for the encapsulation are installed

	// Members are keyed by port id
	Members map[string]*PortRef

	// FloodTunnels maps a remote agent ip to the tunnel port flooded to
	FloodTunnels map[string]uint32

	// unicast maps a remote mac (as string) to its tunnel egress
	unicast map[string]*remoteMAC
}

func newNetworkBinding(networkID string, tag int, encap core.Encapsulation) *NetworkBinding {
	return &NetworkBinding{
		NetworkID:    networkID,
		Tag:          tag,
		Encap:        encap,
		Members:      make(map[string]*PortRef),
		FloodTunnels: make(map[string]uint32),
		unicast:      make(map[string]*remoteMAC),
	}
}

// MemberPorts returns the switch port numbers of all members, sorted
func (nb *NetworkBinding) MemberPorts() []uint32 {
	ports := lo.MapToSlice(nb.Members, func(_ string, ref *PortRef) uint32 { return ref.OfPort })
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// FloodUnicast is true when any member has an unknown mac, in which case
// the local flood entry must carry unicast traffic too
func (nb *NetworkBinding) FloodUnicast() bool {
	return lo.SomeBy(lo.Values(nb.Members), func(ref *PortRef) bool { return ref.MAC == nil })
}

// FloodTunnelPorts returns the tunnel ports the network floods to, sorted
func (nb *NetworkBinding) FloodTunnelPorts() []uint32 {
	ports := lo.Uniq(lo.Values(nb.FloodTunnels))
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// referencesTunnel returns true if the flood set or a unicast entry of the
// network uses ofport
func (nb *NetworkBinding) referencesTunnel(ofport uint32) bool {
	if lo.Contains(lo.Values(nb.FloodTunnels), ofport) {
		return true
	}
	return lo.SomeBy(lo.Values(nb.unicast), func(r *remoteMAC) bool { return r.ofport == ofport })
}

// tunnelPorts returns every tunnel port the network references
func (nb *NetworkBinding) tunnelPorts() []uint32 {
	ports := lo.Values(nb.FloodTunnels)
	ports = append(ports, lo.Map(lo.Values(nb.unicast), func(r *remoteMAC, _ int) uint32 { return r.ofport })...)
	return lo.Uniq(ports)
}

// BindingTable owns the active network bindings and their local tags
type BindingTable struct {
	pool     *resources.TagPool
	bindings map[string]*NetworkBinding
	byPort   map[string]string // port id to network id
}

// NewBindingTable returns an empty table allocating tags from pool
func NewBindingTable(pool *resources.TagPool) *BindingTable {
	return &BindingTable{
		pool:     pool,
		bindings: make(map[string]*NetworkBinding),
		byPort:   make(map[string]string),
	}
}

// Get returns the binding of a network
func (bt *BindingTable) Get(networkID string) (*NetworkBinding, bool) {
	nb, ok := bt.bindings[networkID]
	return nb, ok
}

// Bind returns the binding of a network, creating it with the next free
// tag if the network is not active yet
func (bt *BindingTable) Bind(networkID string, encap core.Encapsulation) (*NetworkBinding, bool, error) {
	if nb, ok := bt.bindings[networkID]; ok {
		return nb, false, nil
	}

	tag, err := bt.pool.Allocate()
	if err != nil {
		return nil, false, err
	}

	nb := newNetworkBinding(networkID, tag, encap)
	bt.bindings[networkID] = nb
	log.Infof("Assigning %d as local tag for net-id %s", tag, networkID)
	return nb, true, nil
}

// Release removes the binding of a network and frees its tag. The binding
// must have no members and no flood references left.
func (bt *BindingTable) Release(networkID string) error {
	nb, ok := bt.bindings[networkID]
	if !ok {
		return &core.InvariantViolation{Desc: "release of unknown network " + networkID}
	}
	if len(nb.Members) != 0 || len(nb.FloodTunnels) != 0 {
		return &core.InvariantViolation{
			Desc: "release of network " + networkID + " with members or flood references",
		}
	}

	delete(bt.bindings, networkID)
	log.Infof("Reclaiming local tag %d from net-id %s", nb.Tag, networkID)
	return bt.pool.Release(nb.Tag)
}

// AddMember records ref as a member of nb
func (bt *BindingTable) AddMember(nb *NetworkBinding, ref *PortRef) {
	nb.Members[ref.PortID] = ref
	bt.byPort[ref.PortID] = nb.NetworkID
}

// RemoveMember drops a port from its binding and returns the ref it had
func (bt *BindingTable) RemoveMember(nb *NetworkBinding, portID string) *PortRef {
	ref := nb.Members[portID]
	delete(nb.Members, portID)
	delete(bt.byPort, portID)
	return ref
}

// LookupPort returns the binding and ref of a bound port
func (bt *BindingTable) LookupPort(portID string) (*NetworkBinding, *PortRef, bool) {
	networkID, ok := bt.byPort[portID]
	if !ok {
		return nil, nil, false
	}
	nb := bt.bindings[networkID]
	return nb, nb.Members[portID], true
}

// PortIDs returns the ids of all bound ports
func (bt *BindingTable) PortIDs() []string {
	return lo.Keys(bt.byPort)
}

// List returns all bindings ordered by tag
func (bt *BindingTable) List() []*NetworkBinding {
	list := lo.Values(bt.bindings)
	sort.Slice(list, func(i, j int) bool { return list[i].Tag < list[j].Tag })
	return list
}

// Len returns the number of active bindings
func (bt *BindingTable) Len() int {
	return len(bt.bindings)
}

// Reset forgets every binding and frees all tags
func (bt *BindingTable) Reset() {
	bt.bindings = make(map[string]*NetworkBinding)
	bt.byPort = make(map[string]string)
	bt.pool.Reset()
}
