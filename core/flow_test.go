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
	"net"
	"testing"
)

func TestFlowMatchCovers(t *testing.T) {
	mac, _ := net.ParseMAC("fa:16:3e:00:00:01")
	mcast, _ := net.ParseMAC("01:00:00:00:00:00")

	testCases := []struct {
		name   string
		pred   *FlowMatch
		flow   *FlowMatch
		covers bool
	}{
		{"wildcard", NewFlowMatch(), NewFlowMatch().WithInPort(3), true},
		{"same in_port", NewFlowMatch().WithInPort(3), NewFlowMatch().WithInPort(3).WithVlan(10), true},
		{"other in_port", NewFlowMatch().WithInPort(3), NewFlowMatch().WithInPort(4), false},
		{"vlan missing", NewFlowMatch().WithInPort(3).WithVlan(10), NewFlowMatch().WithInPort(3), false},
		{"network", NewFlowMatch().WithNetwork(5), NewFlowMatch().WithNetwork(5).WithEthDst(mac, nil), true},
		{"local network", NewFlowMatch().WithNetwork(5), NewFlowMatch().WithLocalNetwork(5), true},
		{"local needs flag", NewFlowMatch().WithLocalNetwork(5), NewFlowMatch().WithNetwork(5), false},
		{"other network", NewFlowMatch().WithNetwork(5), NewFlowMatch().WithNetwork(6), false},
		{"exact mac", NewFlowMatch().WithNetwork(5).WithEthDst(mac, nil), NewFlowMatch().WithNetwork(5).WithEthDst(mac, nil), true},
		{"masked pred", NewFlowMatch().WithEthDst(mcast, mcast), NewFlowMatch().WithEthDst(mcast, nil), true},
		{"masked flow", NewFlowMatch().WithEthDst(mac, nil), NewFlowMatch().WithEthDst(mcast, mcast), false},
		{"tunnel id", NewFlowMatch().WithTunnelID(42), NewFlowMatch().WithTunnelID(43), false},
	}

	for _, tc := range testCases {
		if got := tc.pred.Covers(tc.flow); got != tc.covers {
			t.Errorf("%s: %q covers %q = %v, expected %v", tc.name, tc.pred.Key(), tc.flow.Key(), got, tc.covers)
		}
	}
}

func TestFlowEntryString(t *testing.T) {
	flow := &FlowEntry{
		Table:    10,
		Priority: 1,
		Match:    NewFlowMatch().WithNetwork(3),
		Actions: []FlowAction{
			{Kind: ActionPushVlan},
			{Kind: ActionSetVlan, Value: 100},
			Output(5),
			{Kind: ActionPopVlan},
		},
	}
	flow.Goto(11)

	exp := "table=10,priority=1,metadata=0x3/0xfff actions=push_vlan:0x8100,set_field:100->vlan_vid,output:5,pop_vlan,goto_table:11"
	if flow.String() != exp {
		t.Fatalf("unexpected flow string.\nExpected: %s\nReceived: %s", exp, flow.String())
	}

	drop := &FlowEntry{Table: 0, Match: NewFlowMatch()}
	if drop.String() != "table=0,priority=0 actions=drop" {
		t.Fatalf("unexpected drop string: %s", drop.String())
	}
}

func TestFlowEntryOutputPorts(t *testing.T) {
	flow := &FlowEntry{Actions: []FlowAction{Output(7), {Kind: ActionSetTunnel, Value: 1}, Output(2)}}
	ports := flow.OutputPorts()
	if len(ports) != 2 || ports[0] != 2 || ports[1] != 7 {
		t.Fatalf("unexpected output ports %v", ports)
	}
}
