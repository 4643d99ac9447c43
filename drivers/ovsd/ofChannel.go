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

package ovsd

import (
	"fmt"
	"sync"
	"time"

	"github.com/contiv/libOpenflow/openflow13"
	"github.com/contiv/libOpenflow/util"
	"github.com/contiv/ofnet/ofctrl"
	log "github.com/sirupsen/logrus"

	"github.com/contiv/ofagent/core"
)

// OfChannel is the openflow 1.3 control channel to the integration bridge.
// It listens for the switch connection through ofctrl and implements the
// flow part of core.SwitchChannel.
type OfChannel struct {
	bridgeName string
	ctrler     *ofctrl.Controller
	mutex      sync.Mutex
	ofSwitch   *ofctrl.OFSwitch
	connected  chan struct{}
	statsMutex sync.Mutex // one outstanding stats request at a time
	statsReply chan *openflow13.MultipartReply
}

// NewOfChannel starts listening for the switch on listenPort
func NewOfChannel(bridgeName string, listenPort int) *OfChannel {
	ch := &OfChannel{
		bridgeName: bridgeName,
		connected:  make(chan struct{}),
		statsReply: make(chan *openflow13.MultipartReply, 1),
	}
	ch.ctrler = ofctrl.NewController(ch)
	go ch.ctrler.Listen(fmt.Sprintf(":%d", listenPort))
	return ch
}

// WaitForConnection blocks until the switch connected or timeout expired
func (ch *OfChannel) WaitForConnection(timeout time.Duration) error {
	select {
	case <-ch.connected:
		return nil
	case <-time.After(timeout):
		return core.Errorf("bridge %s did not connect within %s", ch.bridgeName, timeout)
	}
}

// Delete stops the controller
func (ch *OfChannel) Delete() {
	ch.ctrler.Delete()
}

// SwitchConnected is called by ofctrl when the bridge connects
func (ch *OfChannel) SwitchConnected(sw *ofctrl.OFSwitch) {
	log.Infof("Switch %v connected", sw.DPID())
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	first := ch.ofSwitch == nil
	ch.ofSwitch = sw
	if first {
		select {
		case <-ch.connected:
		default:
			close(ch.connected)
		}
	}
}

// SwitchDisconnected is called by ofctrl when the bridge goes away
func (ch *OfChannel) SwitchDisconnected(sw *ofctrl.OFSwitch) {
	log.Warnf("Switch %v disconnected", sw.DPID())
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	if ch.ofSwitch == sw {
		ch.ofSwitch = nil
	}
}

// PacketRcvd is not used, the pipeline never sends to the controller
func (ch *OfChannel) PacketRcvd(sw *ofctrl.OFSwitch, pkt *ofctrl.PacketIn) {
	log.Debugf("Ignoring packet-in from %v", sw.DPID())
}

// MultipartReply hands stats replies to the waiting request
func (ch *OfChannel) MultipartReply(sw *ofctrl.OFSwitch, rep *openflow13.MultipartReply) {
	select {
	case ch.statsReply <- rep:
	default:
		log.Debugf("Dropping unsolicited multipart reply type %d", rep.Type)
	}
}

func (ch *OfChannel) send(op string, table uint8, msg util.Message) error {
	ch.mutex.Lock()
	sw := ch.ofSwitch
	ch.mutex.Unlock()
	if sw == nil {
		return &core.ChannelError{Op: op, Table: table, Err: fmt.Errorf("bridge %s not connected", ch.bridgeName)}
	}
	sw.Send(msg)
	return nil
}

// InstallFlow adds or replaces a flow
func (ch *OfChannel) InstallFlow(flow *core.FlowEntry) error {
	return ch.send("install", flow.Table, buildFlowMod(flow))
}

// DeleteFlows removes the flows of table covered by match
func (ch *OfChannel) DeleteFlows(table uint8, match *core.FlowMatch) error {
	return ch.send("delete", table, buildDeleteFlowMod(table, match, false, 0))
}

// DeleteFlowsStrict removes the flow with exactly match and priority
func (ch *OfChannel) DeleteFlowsStrict(table uint8, priority uint16, match *core.FlowMatch) error {
	return ch.send("delete-strict", table, buildDeleteFlowMod(table, match, true, priority))
}

// DeleteAllFlows empties every table
func (ch *OfChannel) DeleteAllFlows() error {
	return ch.send("delete-all", openflow13.OFPTT_ALL,
		buildDeleteFlowMod(openflow13.OFPTT_ALL, core.NewFlowMatch(), false, 0))
}

// CanaryPresent asks the switch for the flows of the canary table
func (ch *OfChannel) CanaryPresent() (bool, error) {
	ch.statsMutex.Lock()
	defer ch.statsMutex.Unlock()

	// drain a late reply of an earlier request
	select {
	case <-ch.statsReply:
	default:
	}

	stats := openflow13.NewFlowStatsRequest()
	stats.TableId = core.CanaryTable
	req := openflow13.NewMpRequest(openflow13.MultipartType_Flow)
	req.Body = stats
	if err := ch.send("canary", core.CanaryTable, req); err != nil {
		return false, err
	}

	select {
	case rep := <-ch.statsReply:
		return canaryInReply(rep), nil
	case <-time.After(canaryReplyTimeout):
		return false, &core.ChannelError{Op: "canary", Table: core.CanaryTable,
			Err: fmt.Errorf("no flow stats reply within %s", canaryReplyTimeout)}
	}
}

func canaryInReply(rep *openflow13.MultipartReply) bool {
	for _, body := range rep.Body {
		if stats, ok := body.(*openflow13.FlowStats); ok && stats.TableId == core.CanaryTable {
			return true
		}
	}
	return false
}

func buildMatch(m *core.FlowMatch) openflow13.Match {
	ofMatch := openflow13.NewMatch()
	if m == nil {
		return *ofMatch
	}

	if m.InPort != 0 {
		ofMatch.AddField(*openflow13.NewInPortField(m.InPort))
	}
	if m.EthDst != nil {
		if m.EthDstMask != nil {
			mask := m.EthDstMask
			ofMatch.AddField(*openflow13.NewEthDstField(m.EthDst, &mask))
		} else {
			ofMatch.AddField(*openflow13.NewEthDstField(m.EthDst, nil))
		}
	}
	if m.HasVlan {
		// the present bit is added by the field constructor
		ofMatch.AddField(*openflow13.NewVlanIdField(m.VlanID, nil))
	}
	if m.HasTunnelID {
		ofMatch.AddField(*openflow13.NewTunnelIdField(m.TunnelID))
	}
	if m.HasMetadata {
		mask := m.MetadataMask
		ofMatch.AddField(*openflow13.NewMetadataField(m.Metadata, &mask))
	}
	return *ofMatch
}

func buildAction(act core.FlowAction) openflow13.Action {
	switch act.Kind {
	case core.ActionOutput:
		return openflow13.NewActionOutput(uint32(act.Value))
	case core.ActionPushVlan:
		return openflow13.NewActionPushVlan(0x8100)
	case core.ActionSetVlan:
		return openflow13.NewActionSetField(*openflow13.NewVlanIdField(uint16(act.Value), nil))
	case core.ActionPopVlan:
		return openflow13.NewActionPopVlan()
	case core.ActionSetTunnel:
		return openflow13.NewActionSetField(*openflow13.NewTunnelIdField(act.Value))
	}
	return nil
}

// buildFlowMod translates a flow entry into an add flowmod. Adding a flow
// with the match and priority of an existing one replaces it.
func buildFlowMod(flow *core.FlowEntry) *openflow13.FlowMod {
	flowMod := openflow13.NewFlowMod()
	flowMod.TableId = flow.Table
	flowMod.Priority = flow.Priority
	flowMod.Cookie = flow.Cookie
	flowMod.Command = openflow13.FC_ADD
	flowMod.Match = buildMatch(flow.Match)

	if len(flow.Actions) > 0 {
		instr := openflow13.NewInstrApplyActions()
		for _, act := range flow.Actions {
			if ofAct := buildAction(act); ofAct != nil {
				instr.AddAction(ofAct, false)
			}
		}
		flowMod.AddInstruction(instr)
	}
	if flow.WriteMetadata {
		flowMod.AddInstruction(openflow13.NewInstrWriteMetadata(flow.Metadata, flow.MetadataMask))
	}
	if flow.HasGoto {
		flowMod.AddInstruction(openflow13.NewInstrGotoTable(flow.GotoTable))
	}

	log.Debugf("Built flowmod for %s", flow)
	return flowMod
}

func buildDeleteFlowMod(table uint8, match *core.FlowMatch, strict bool, priority uint16) *openflow13.FlowMod {
	flowMod := openflow13.NewFlowMod()
	flowMod.TableId = table
	flowMod.Command = openflow13.FC_DELETE
	if strict {
		flowMod.Command = openflow13.FC_DELETE_STRICT
		flowMod.Priority = priority
	}
	flowMod.OutPort = openflow13.P_ANY
	flowMod.OutGroup = openflow13.OFPG_ANY
	flowMod.Match = buildMatch(match)
	return flowMod
}
