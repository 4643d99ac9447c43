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

// Package pipeline programs the integration bridge flow tables.
//
// Packets enter CHECK_IN_PORT where the ingress port decides the network
// tag written into metadata, walk the egress tables for known destinations
// and finally the flood tables. Tunnel ingress skips TUNNEL_OUT and the
// tunnel flood tables only match packets carrying the local flag, so
// meshed tunnels never loop.
package pipeline

import (
	"net"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/contiv/ofagent/core"
)

var (
	multicastMAC  = net.HardwareAddr{0x01, 0x00, 0x00, 0x00, 0x00, 0x00}
	multicastMask = net.HardwareAddr{0x01, 0x00, 0x00, 0x00, 0x00, 0x00}
)

// Pipeline issues flow edits for the integration bridge. It performs no
// retries; channel errors are returned unchanged.
type Pipeline struct {
	sw core.SwitchChannel
}

// NewPipeline returns a pipeline programming sw
func NewPipeline(sw core.SwitchChannel) *Pipeline {
	return &Pipeline{sw: sw}
}

func (p *Pipeline) install(flow *core.FlowEntry) error {
	log.Debugf("Installing flow %s", flow)
	return p.sw.InstallFlow(flow)
}

func (p *Pipeline) delete(table uint8, match *core.FlowMatch) error {
	log.Debugf("Deleting flows in table %s matching {%s}", TableName(table), match.Key())
	return p.sw.DeleteFlows(table, match)
}

func sortedPorts(ports []uint32) []uint32 {
	sorted := append([]uint32(nil), ports...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted
}

func tenantMetadata(tag int) uint64 {
	return uint64(tag) & core.NetworkMask
}

// Reset removes every flow and installs the default behavior of each table
func (p *Pipeline) Reset() error {
	if err := p.sw.DeleteAllFlows(); err != nil {
		return err
	}

	if err := p.InstallDefaultDrop(CheckInPortTbl); err != nil {
		return err
	}
	for _, table := range []uint8{TunnelInGreTbl, TunnelInVxlanTbl} {
		if err := p.InstallDefaultDrop(table); err != nil {
			return err
		}
	}
	if err := p.InstallDefaultGoto(PhysInTbl, TunnelOutTbl); err != nil {
		return err
	}
	for _, table := range []uint8{LocalInTbl, TunnelOutTbl, LocalOutTbl, PhysOutTbl,
		TunnelFloodGreTbl, TunnelFloodVxlanTbl, PhysFloodTbl} {
		if err := p.InstallDefaultGotoNext(table); err != nil {
			return err
		}
	}
	return p.InstallDefaultDrop(LocalFloodTbl)
}

// InstallDefaultDrop makes table drop unmatched packets
func (p *Pipeline) InstallDefaultDrop(table uint8) error {
	return p.install(&core.FlowEntry{
		Table:    table,
		Priority: DefaultPriority,
		Match:    core.NewFlowMatch(),
	})
}

// InstallDefaultGoto makes table continue unmatched packets at next
func (p *Pipeline) InstallDefaultGoto(table, next uint8) error {
	flow := &core.FlowEntry{
		Table:    table,
		Priority: DefaultPriority,
		Match:    core.NewFlowMatch(),
	}
	return p.install(flow.Goto(next))
}

// InstallDefaultGotoNext makes table continue unmatched packets at table+1
func (p *Pipeline) InstallDefaultGotoNext(table uint8) error {
	return p.InstallDefaultGoto(table, table+1)
}

// InstallCanary installs the restart detection entry
func (p *Pipeline) InstallCanary() error {
	return p.install(&core.FlowEntry{
		Table:    CanaryTbl,
		Priority: DefaultPriority,
		Match:    core.NewFlowMatch(),
	})
}

// CanaryPresent reports whether the restart detection entry survived
func (p *Pipeline) CanaryPresent() (bool, error) {
	return p.sw.CanaryPresent()
}

// InstallTunnelOutput encapsulates packets of the network with key and
// outputs them to ports. Flood entries (nil ethDst) only match packets from
// local ports and continue to the next table when gotoNext is set.
func (p *Pipeline) InstallTunnelOutput(table uint8, tag int, key uint32, ports []uint32,
	gotoNext bool, ethDst net.HardwareAddr) error {
	match := core.NewFlowMatch()
	if ethDst != nil {
		match.WithNetwork(tag).WithEthDst(ethDst, nil)
	} else {
		match.WithLocalNetwork(tag)
	}

	flow := &core.FlowEntry{
		Table:    table,
		Priority: TenantPriority,
		Match:    match,
		Actions:  []core.FlowAction{{Kind: core.ActionSetTunnel, Value: uint64(key)}},
	}
	for _, port := range sortedPorts(ports) {
		flow.Actions = append(flow.Actions, core.Output(port))
	}
	if gotoNext {
		flow.Goto(table + 1)
	}
	return p.install(flow)
}

// DeleteTunnelOutput removes the tunnel output entries of the network in
// table, only the one for ethDst when it is given
func (p *Pipeline) DeleteTunnelOutput(table uint8, tag int, ethDst net.HardwareAddr) error {
	match := core.NewFlowMatch().WithNetwork(tag)
	if ethDst != nil {
		match.WithEthDst(ethDst, nil)
	}
	return p.delete(table, match)
}

// InstallTunnelFlood floods the network to its tunnel ports
func (p *Pipeline) InstallTunnelFlood(kind core.NetworkType, tag int, key uint32, ports []uint32) error {
	return p.InstallTunnelOutput(TunnelFlood[kind], tag, key, ports, true, nil)
}

// DeleteTunnelFlood removes the tunnel flood entry of the network
func (p *Pipeline) DeleteTunnelFlood(kind core.NetworkType, tag int) error {
	return p.DeleteTunnelOutput(TunnelFlood[kind], tag, nil)
}

// InstallTunnelUnicast sends traffic for a remote mac to its tunnel port
func (p *Pipeline) InstallTunnelUnicast(tag int, key uint32, port uint32, mac net.HardwareAddr) error {
	return p.InstallTunnelOutput(TunnelOutTbl, tag, key, []uint32{port}, false, mac)
}

// DeleteTunnelUnicast removes the tunnel egress entry of a remote mac, or
// all of the network's entries when mac is nil
func (p *Pipeline) DeleteTunnelUnicast(tag int, mac net.HardwareAddr) error {
	return p.DeleteTunnelOutput(TunnelOutTbl, tag, mac)
}

// ProvisionTenantTunnel maps the tunnel key to the network tag. Tunnel
// ingress goes straight to PHYS_OUT.
func (p *Pipeline) ProvisionTenantTunnel(kind core.NetworkType, tag int, key uint32) error {
	table, ok := TunnelIn[kind]
	if !ok {
		return core.Errorf("network type %q is not a tunnel type", kind)
	}
	flow := &core.FlowEntry{
		Table:         table,
		Priority:      TenantPriority,
		Match:         core.NewFlowMatch().WithTunnelID(uint64(key)),
		WriteMetadata: true,
		Metadata:      tenantMetadata(tag),
		MetadataMask:  core.MetadataFullMask,
	}
	return p.install(flow.Goto(PhysOutTbl))
}

// ReclaimTenantTunnel removes the tunnel key mapping
func (p *Pipeline) ReclaimTenantTunnel(kind core.NetworkType, key uint32) error {
	table, ok := TunnelIn[kind]
	if !ok {
		return core.Errorf("network type %q is not a tunnel type", kind)
	}
	return p.delete(table, core.NewFlowMatch().WithTunnelID(uint64(key)))
}

func physInMatch(kind core.NetworkType, vid uint16, physPort uint32) *core.FlowMatch {
	match := core.NewFlowMatch().WithInPort(physPort)
	if kind == core.NetworkTypeVLAN {
		match.WithVlan(vid)
	}
	return match
}

// ProvisionTenantPhysnet classifies traffic arriving on the physical port
// (matching the vid for vlan networks) and floods the network to it
func (p *Pipeline) ProvisionTenantPhysnet(kind core.NetworkType, tag int, vid uint16, physPort uint32) error {
	if !kind.IsPhysical() {
		return core.Errorf("network type %q is not a physical type", kind)
	}

	in := &core.FlowEntry{
		Table:         CheckInPortTbl,
		Priority:      TenantPriority,
		Match:         physInMatch(kind, vid, physPort),
		WriteMetadata: true,
		Metadata:      tenantMetadata(tag),
		MetadataMask:  core.MetadataFullMask,
	}
	if kind == core.NetworkTypeVLAN {
		in.Actions = []core.FlowAction{{Kind: core.ActionPopVlan}}
	}
	if err := p.install(in.Goto(PhysInTbl)); err != nil {
		return err
	}

	flood := &core.FlowEntry{
		Table:    PhysFloodTbl,
		Priority: TenantPriority,
		Match:    core.NewFlowMatch().WithNetwork(tag),
	}
	if kind == core.NetworkTypeVLAN {
		flood.Actions = []core.FlowAction{
			{Kind: core.ActionPushVlan},
			{Kind: core.ActionSetVlan, Value: uint64(vid)},
			core.Output(physPort),
			{Kind: core.ActionPopVlan},
		}
	} else {
		flood.Actions = []core.FlowAction{core.Output(physPort)}
	}
	return p.install(flood.Goto(PhysFloodTbl + 1))
}

// ReclaimTenantPhysnet removes what ProvisionTenantPhysnet installed
func (p *Pipeline) ReclaimTenantPhysnet(kind core.NetworkType, tag int, vid uint16, physPort uint32) error {
	if !kind.IsPhysical() {
		return core.Errorf("network type %q is not a physical type", kind)
	}
	if err := p.delete(CheckInPortTbl, physInMatch(kind, vid, physPort)); err != nil {
		return err
	}
	return p.delete(PhysFloodTbl, core.NewFlowMatch().WithNetwork(tag))
}

// CheckInPortAddTunnelPort dispatches traffic from a tunnel port to the
// ingress table of its type
func (p *Pipeline) CheckInPortAddTunnelPort(kind core.NetworkType, port uint32) error {
	table, ok := TunnelIn[kind]
	if !ok {
		return core.Errorf("network type %q is not a tunnel type", kind)
	}
	flow := &core.FlowEntry{
		Table:    CheckInPortTbl,
		Priority: TenantPriority,
		Match:    core.NewFlowMatch().WithInPort(port),
	}
	return p.install(flow.Goto(table))
}

// CheckInPortAddLocalPort tags traffic from a local port with the network
// and the local flag
func (p *Pipeline) CheckInPortAddLocalPort(tag int, port uint32) error {
	flow := &core.FlowEntry{
		Table:         CheckInPortTbl,
		Priority:      TenantPriority,
		Match:         core.NewFlowMatch().WithInPort(port),
		WriteMetadata: true,
		Metadata:      tenantMetadata(tag) | core.MetadataLocal,
		MetadataMask:  core.MetadataFullMask,
	}
	return p.install(flow.Goto(LocalInTbl))
}

// CheckInPortDeletePort removes the classification of a local or tunnel port
func (p *Pipeline) CheckInPortDeletePort(port uint32) error {
	return p.delete(CheckInPortTbl, core.NewFlowMatch().WithInPort(port))
}

// LocalFloodUpdate floods the network to its local ports. With floodUnicast
// every packet is flooded, otherwise only multicast and broadcast. The other
// variant is removed after the new one is in place.
func (p *Pipeline) LocalFloodUpdate(tag int, ports []uint32, floodUnicast bool) error {
	matchAll := core.NewFlowMatch().WithNetwork(tag)
	matchMulticast := core.NewFlowMatch().WithNetwork(tag).WithEthDst(multicastMAC, multicastMask)

	matchAdd, matchDel := matchMulticast, matchAll
	if floodUnicast {
		matchAdd, matchDel = matchAll, matchMulticast
	}

	flow := &core.FlowEntry{
		Table:    LocalFloodTbl,
		Priority: TenantPriority,
		Match:    matchAdd,
	}
	for _, port := range sortedPorts(ports) {
		flow.Actions = append(flow.Actions, core.Output(port))
	}
	if err := p.install(flow); err != nil {
		return err
	}

	log.Debugf("Deleting flow in table %s priority %d matching {%s}",
		TableName(LocalFloodTbl), TenantPriority, matchDel.Key())
	return p.sw.DeleteFlowsStrict(LocalFloodTbl, TenantPriority, matchDel)
}

// LocalFloodDelete removes the local flood entry of the network
func (p *Pipeline) LocalFloodDelete(tag int) error {
	return p.delete(LocalFloodTbl, core.NewFlowMatch().WithNetwork(tag))
}

// LocalOutAddPort delivers traffic for mac straight to a local port
func (p *Pipeline) LocalOutAddPort(tag int, port uint32, mac net.HardwareAddr) error {
	return p.install(&core.FlowEntry{
		Table:    LocalOutTbl,
		Priority: TenantPriority,
		Match:    core.NewFlowMatch().WithNetwork(tag).WithEthDst(mac, nil),
		Actions:  []core.FlowAction{core.Output(port)},
	})
}

// LocalOutDeletePort removes the local egress entry for mac
func (p *Pipeline) LocalOutDeletePort(tag int, mac net.HardwareAddr) error {
	return p.delete(LocalOutTbl, core.NewFlowMatch().WithNetwork(tag).WithEthDst(mac, nil))
}
