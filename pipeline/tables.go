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

package pipeline

import (
	"github.com/contiv/ofagent/core"
)

// Table ids of the integration bridge pipeline. goto instructions carry
// absolute ids so the numbering must stay stable across upgrades.
const (
	CheckInPortTbl      uint8 = 0
	TunnelInGreTbl      uint8 = 1
	TunnelInVxlanTbl    uint8 = 2
	PhysInTbl           uint8 = 3
	LocalInTbl          uint8 = 4
	TunnelOutTbl        uint8 = 5
	LocalOutTbl         uint8 = 6
	PhysOutTbl          uint8 = 7
	TunnelFloodGreTbl   uint8 = 8
	TunnelFloodVxlanTbl uint8 = 9
	PhysFloodTbl        uint8 = 10
	LocalFloodTbl       uint8 = 11

	// CanaryTbl holds the single entry used to detect a wiped switch
	CanaryTbl = core.CanaryTable
)

// Flow priorities
const (
	DefaultPriority uint16 = 0
	TenantPriority  uint16 = 1
)

// TunnelIn maps a tunnel type to its ingress table
var TunnelIn = map[core.NetworkType]uint8{
	core.NetworkTypeGRE:   TunnelInGreTbl,
	core.NetworkTypeVXLAN: TunnelInVxlanTbl,
}

// TunnelFlood maps a tunnel type to its flood table
var TunnelFlood = map[core.NetworkType]uint8{
	core.NetworkTypeGRE:   TunnelFloodGreTbl,
	core.NetworkTypeVXLAN: TunnelFloodVxlanTbl,
}

// AllTables lists every pipeline table in order
var AllTables = []uint8{
	CheckInPortTbl,
	TunnelInGreTbl,
	TunnelInVxlanTbl,
	PhysInTbl,
	LocalInTbl,
	TunnelOutTbl,
	LocalOutTbl,
	PhysOutTbl,
	TunnelFloodGreTbl,
	TunnelFloodVxlanTbl,
	PhysFloodTbl,
	LocalFloodTbl,
}

// TableName returns a printable name for a table id
func TableName(table uint8) string {
	switch table {
	case CheckInPortTbl:
		return "CHECK_IN_PORT"
	case TunnelInGreTbl:
		return "TUNNEL_IN_GRE"
	case TunnelInVxlanTbl:
		return "TUNNEL_IN_VXLAN"
	case PhysInTbl:
		return "PHYS_IN"
	case LocalInTbl:
		return "LOCAL_IN"
	case TunnelOutTbl:
		return "TUNNEL_OUT"
	case LocalOutTbl:
		return "LOCAL_OUT"
	case PhysOutTbl:
		return "PHYS_OUT"
	case TunnelFloodGreTbl:
		return "TUNNEL_FLOOD_GRE"
	case TunnelFloodVxlanTbl:
		return "TUNNEL_FLOOD_VXLAN"
	case PhysFloodTbl:
		return "PHYS_FLOOD"
	case LocalFloodTbl:
		return "LOCAL_FLOOD"
	case CanaryTbl:
		return "CANARY"
	}
	return "UNKNOWN"
}
