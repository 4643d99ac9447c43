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

package core

import (
	"fmt"
	"net"
	"sort"
	"strings"
)

// Metadata layout. The low bits carry the local tag of the network, the
// Local flag marks packets that entered from a local vm port.
const (
	NetworkMask      uint64 = 0xfff
	MetadataLocal    uint64 = 0x10000
	MetadataFullMask uint64 = 0xffffffff
)

// CanaryTable is the table holding the restart detection entry
const CanaryTable uint8 = 23

// FlowMatch is the match predicate of a flow entry. Zero valued fields are
// wildcards.
type FlowMatch struct {
	InPort       uint32
	HasVlan      bool
	VlanID       uint16
	HasTunnelID  bool
	TunnelID     uint64
	HasMetadata  bool
	Metadata     uint64
	MetadataMask uint64
	EthDst       net.HardwareAddr
	EthDstMask   net.HardwareAddr
}

// NewFlowMatch returns a match-all predicate
func NewFlowMatch() *FlowMatch {
	return &FlowMatch{}
}

// WithInPort restricts the match to an ingress port
func (m *FlowMatch) WithInPort(port uint32) *FlowMatch {
	m.InPort = port
	return m
}

// WithVlan matches 802.1Q tagged frames with the given vid
func (m *FlowMatch) WithVlan(vid uint16) *FlowMatch {
	m.HasVlan = true
	m.VlanID = vid
	return m
}

// WithTunnelID matches the tunnel key
func (m *FlowMatch) WithTunnelID(key uint64) *FlowMatch {
	m.HasTunnelID = true
	m.TunnelID = key
	return m
}

// WithNetwork matches the network part of the metadata
func (m *FlowMatch) WithNetwork(tag int) *FlowMatch {
	m.HasMetadata = true
	m.Metadata = uint64(tag) & NetworkMask
	m.MetadataMask = NetworkMask
	return m
}

// WithLocalNetwork matches packets of the network that entered from a local
// port
func (m *FlowMatch) WithLocalNetwork(tag int) *FlowMatch {
	m.HasMetadata = true
	m.Metadata = (uint64(tag) & NetworkMask) | MetadataLocal
	m.MetadataMask = NetworkMask | MetadataLocal
	return m
}

// WithEthDst matches a destination mac, optionally masked
func (m *FlowMatch) WithEthDst(mac, mask net.HardwareAddr) *FlowMatch {
	m.EthDst = mac
	m.EthDstMask = mask
	return m
}

// Key is the canonical text of the predicate; two matches with the same key
// select the same packets.
func (m *FlowMatch) Key() string {
	if m == nil {
		return ""
	}
	parts := []string{}
	if m.InPort != 0 {
		parts = append(parts, fmt.Sprintf("in_port=%d", m.InPort))
	}
	if m.HasVlan {
		parts = append(parts, fmt.Sprintf("dl_vlan=%d", m.VlanID))
	}
	if m.HasTunnelID {
		parts = append(parts, fmt.Sprintf("tun_id=%#x", m.TunnelID))
	}
	if m.HasMetadata {
		parts = append(parts, fmt.Sprintf("metadata=%#x/%#x", m.Metadata, m.MetadataMask))
	}
	if m.EthDst != nil {
		if m.EthDstMask != nil {
			parts = append(parts, fmt.Sprintf("dl_dst=%s/%s", m.EthDst, m.EthDstMask))
		} else {
			parts = append(parts, fmt.Sprintf("dl_dst=%s", m.EthDst))
		}
	}
	return strings.Join(parts, ",")
}

// Covers reports whether a non-strict delete with m as predicate removes a
// flow whose match is other: every field set in m must be set in other at
// least as specifically and with agreeing bits.
func (m *FlowMatch) Covers(other *FlowMatch) bool {
	if m == nil {
		return true
	}
	if other == nil {
		other = NewFlowMatch()
	}
	if m.InPort != 0 && m.InPort != other.InPort {
		return false
	}
	if m.HasVlan && (!other.HasVlan || m.VlanID != other.VlanID) {
		return false
	}
	if m.HasTunnelID && (!other.HasTunnelID || m.TunnelID != other.TunnelID) {
		return false
	}
	if m.HasMetadata {
		if !other.HasMetadata || other.MetadataMask&m.MetadataMask != m.MetadataMask {
			return false
		}
		if other.Metadata&m.MetadataMask != m.Metadata&m.MetadataMask {
			return false
		}
	}
	if m.EthDst != nil {
		if other.EthDst == nil {
			return false
		}
		mask, otherMask := fullMask(m.EthDstMask), fullMask(other.EthDstMask)
		for i := range mask {
			if otherMask[i]&mask[i] != mask[i] || other.EthDst[i]&mask[i] != m.EthDst[i]&mask[i] {
				return false
			}
		}
	}
	return true
}

func fullMask(mask net.HardwareAddr) net.HardwareAddr {
	if mask == nil {
		return net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	}
	return mask
}

// ActionKind enumerates the apply-actions used by the pipeline
type ActionKind int

// Action kinds
const (
	ActionOutput ActionKind = iota
	ActionPushVlan
	ActionSetVlan
	ActionPopVlan
	ActionSetTunnel
)

// FlowAction is one apply-action. Value is the port for output, the vid for
// set-vlan and the key for set-tunnel.
type FlowAction struct {
	Kind  ActionKind
	Value uint64
}

func (a FlowAction) String() string {
	switch a.Kind {
	case ActionOutput:
		return fmt.Sprintf("output:%d", a.Value)
	case ActionPushVlan:
		return "push_vlan:0x8100"
	case ActionSetVlan:
		return fmt.Sprintf("set_field:%d->vlan_vid", a.Value)
	case ActionPopVlan:
		return "pop_vlan"
	case ActionSetTunnel:
		return fmt.Sprintf("set_tunnel:%#x", a.Value)
	}
	return "unknown"
}

// Output is a shortcut for an output action
func Output(port uint32) FlowAction {
	return FlowAction{Kind: ActionOutput, Value: uint64(port)}
}

// FlowEntry is a complete flow. An entry with no actions, no metadata write
// and no goto drops the packet.
type FlowEntry struct {
	Table         uint8
	Priority      uint16
	Cookie        uint64
	Match         *FlowMatch
	Actions       []FlowAction
	WriteMetadata bool
	Metadata      uint64
	MetadataMask  uint64
	HasGoto       bool
	GotoTable     uint8
}

// Key identifies the slot the entry occupies in the switch: a second entry
// with the same key replaces the first.
func (f *FlowEntry) Key() string {
	key := fmt.Sprintf("table=%d,priority=%d", f.Table, f.Priority)
	if mk := f.Match.Key(); mk != "" {
		key += "," + mk
	}
	return key
}

// Goto sets the next table of the entry
func (f *FlowEntry) Goto(table uint8) *FlowEntry {
	f.HasGoto = true
	f.GotoTable = table
	return f
}

// OutputPorts returns the sorted ports the entry outputs to
func (f *FlowEntry) OutputPorts() []uint32 {
	ports := []uint32{}
	for _, a := range f.Actions {
		if a.Kind == ActionOutput {
			ports = append(ports, uint32(a.Value))
		}
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// String renders the entry in an ovs-ofctl like notation
func (f *FlowEntry) String() string {
	instr := []string{}
	for _, a := range f.Actions {
		instr = append(instr, a.String())
	}
	if f.WriteMetadata {
		instr = append(instr, fmt.Sprintf("write_metadata:%#x/%#x", f.Metadata, f.MetadataMask))
	}
	if f.HasGoto {
		instr = append(instr, fmt.Sprintf("goto_table:%d", f.GotoTable))
	}
	if len(instr) == 0 {
		instr = append(instr, "drop")
	}
	return f.Key() + " actions=" + strings.Join(instr, ",")
}
