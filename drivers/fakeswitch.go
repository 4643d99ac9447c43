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

package drivers

import (
	"net"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/contiv/ofagent/core"
	"github.com/contiv/ofagent/utils/netutils"
)

// Operations failures can be injected for
const (
	OpInstall    = "install"
	OpDelete     = "delete"
	OpList       = "list"
	OpCanary     = "canary"
	OpCreatePort = "create-port"
	OpDeletePort = "delete-port"
	OpSetTag     = "set-tag"
)

const fakeFirstOfPort = 1

type fakeTunnel struct {
	name   string
	kind   core.NetworkType
	remote string
}

// FakeSwitch is an in-memory switch implementing core.SwitchChannel and
// core.PortProvisioner. Flow deletes follow OpenFlow semantics: a non-strict
// delete removes every flow the predicate covers, a strict delete removes
// the flow with exactly that match and priority.
type FakeSwitch struct {
	mutex      sync.Mutex
	localMAC   net.HardwareAddr
	flows      map[string]*core.FlowEntry
	vifs       map[string]*core.VifPort // keyed by port name
	tunnels    map[uint32]*fakeTunnel
	uplinks    map[string]uint32
	nextOfPort uint32
	failures   map[string]error
	installs   int
	deletes    int
}

// NewFakeSwitch returns an empty switch whose local port has localMAC
func NewFakeSwitch(localMAC net.HardwareAddr) *FakeSwitch {
	return &FakeSwitch{
		localMAC:   localMAC,
		flows:      make(map[string]*core.FlowEntry),
		vifs:       make(map[string]*core.VifPort),
		tunnels:    make(map[uint32]*fakeTunnel),
		uplinks:    make(map[string]uint32),
		nextOfPort: fakeFirstOfPort,
		failures:   make(map[string]error),
	}
}

// InjectFailure makes every following op fail with err until cleared with
// a nil err
func (sw *FakeSwitch) InjectFailure(op string, err error) {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	if err == nil {
		delete(sw.failures, op)
		return
	}
	sw.failures[op] = err
}

func (sw *FakeSwitch) channelFailure(op string, table uint8) error {
	if err, ok := sw.failures[op]; ok {
		return &core.ChannelError{Op: op, Table: table, Err: err}
	}
	return nil
}

func (sw *FakeSwitch) allocOfPort() uint32 {
	ofport := sw.nextOfPort
	sw.nextOfPort++
	return ofport
}

// InstallFlow adds the flow, replacing a flow with the same match and
// priority in the same table
func (sw *FakeSwitch) InstallFlow(flow *core.FlowEntry) error {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	if err := sw.channelFailure(OpInstall, flow.Table); err != nil {
		return err
	}
	copied := *flow
	copied.Actions = append([]core.FlowAction(nil), flow.Actions...)
	sw.flows[flow.Key()] = &copied
	sw.installs++
	return nil
}

// DeleteFlows removes the flows of table covered by match
func (sw *FakeSwitch) DeleteFlows(table uint8, match *core.FlowMatch) error {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	if err := sw.channelFailure(OpDelete, table); err != nil {
		return err
	}
	for key, flow := range sw.flows {
		if flow.Table == table && match.Covers(flow.Match) {
			delete(sw.flows, key)
		}
	}
	sw.deletes++
	return nil
}

// DeleteFlowsStrict removes the flow with exactly match and priority
func (sw *FakeSwitch) DeleteFlowsStrict(table uint8, priority uint16, match *core.FlowMatch) error {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	if err := sw.channelFailure(OpDelete, table); err != nil {
		return err
	}
	key := (&core.FlowEntry{Table: table, Priority: priority, Match: match}).Key()
	delete(sw.flows, key)
	sw.deletes++
	return nil
}

// DeleteAllFlows empties every table
func (sw *FakeSwitch) DeleteAllFlows() error {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	if err := sw.channelFailure(OpDelete, 0xff); err != nil {
		return err
	}
	sw.flows = make(map[string]*core.FlowEntry)
	sw.deletes++
	return nil
}

// CanaryPresent reports whether the canary table has an entry
func (sw *FakeSwitch) CanaryPresent() (bool, error) {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	if err := sw.channelFailure(OpCanary, core.CanaryTable); err != nil {
		return false, err
	}
	for _, flow := range sw.flows {
		if flow.Table == core.CanaryTable {
			return true, nil
		}
	}
	return false, nil
}

// ListPorts returns copies of the plugged vif ports
func (sw *FakeSwitch) ListPorts() ([]*core.VifPort, error) {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	if err, ok := sw.failures[OpList]; ok {
		return nil, &core.ChannelError{Op: OpList, Err: err}
	}
	ports := make([]*core.VifPort, 0, len(sw.vifs))
	for _, vif := range sw.vifs {
		copied := *vif
		ports = append(ports, &copied)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].OfPort < ports[j].OfPort })
	return ports, nil
}

// LocalPortMAC returns the mac of the bridge local port
func (sw *FakeSwitch) LocalPortMAC() (net.HardwareAddr, error) {
	return sw.localMAC, nil
}

// CreateTunnelPort creates the tunnel port towards remoteIP, or returns the
// existing one
func (sw *FakeSwitch) CreateTunnelPort(kind core.NetworkType, remoteIP string) (uint32, error) {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	if err, ok := sw.failures[OpCreatePort]; ok {
		return 0, err
	}
	name, err := netutils.TunnelPortName(kind, remoteIP)
	if err != nil {
		return 0, err
	}
	for ofport, tun := range sw.tunnels {
		if tun.name == name {
			return ofport, nil
		}
	}
	ofport := sw.allocOfPort()
	sw.tunnels[ofport] = &fakeTunnel{name: name, kind: kind, remote: remoteIP}
	log.Debugf("fake switch: created tunnel port %s ofport %d", name, ofport)
	return ofport, nil
}

// ListTunnelPorts returns the tunnel ports sorted by port number
func (sw *FakeSwitch) ListTunnelPorts() ([]*core.TunnelPort, error) {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	if err := sw.channelFailure(OpList, 0); err != nil {
		return nil, err
	}
	ports := []*core.TunnelPort{}
	for ofport, tun := range sw.tunnels {
		ports = append(ports, &core.TunnelPort{Name: tun.name, Kind: tun.kind, RemoteIP: tun.remote, OfPort: ofport})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].OfPort < ports[j].OfPort })
	return ports, nil
}

// DeletePort removes a tunnel port
func (sw *FakeSwitch) DeletePort(ofport uint32) error {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	if err, ok := sw.failures[OpDeletePort]; ok {
		return err
	}
	if _, ok := sw.tunnels[ofport]; !ok {
		return core.Errorf("port %d not found", ofport)
	}
	delete(sw.tunnels, ofport)
	return nil
}

// SetPortTag writes the tag column of a vif port
func (sw *FakeSwitch) SetPortTag(portName string, tag int) error {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	if err, ok := sw.failures[OpSetTag]; ok {
		return err
	}
	vif, ok := sw.vifs[portName]
	if !ok {
		return core.Errorf("port %s not found", portName)
	}
	vif.Tag = tag
	return nil
}

// AddUplink attaches a physical interface and returns its port number
func (sw *FakeSwitch) AddUplink(name string) (uint32, error) {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	if err, ok := sw.failures[OpCreatePort]; ok {
		return 0, err
	}
	if ofport, ok := sw.uplinks[name]; ok {
		return ofport, nil
	}
	ofport := sw.allocOfPort()
	sw.uplinks[name] = ofport
	return ofport, nil
}

// PlugPort adds a vif port, mac may be nil
func (sw *FakeSwitch) PlugPort(id, name string, mac net.HardwareAddr) *core.VifPort {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	vif := &core.VifPort{ID: id, Name: name, OfPort: sw.allocOfPort(), MAC: mac, Tag: -1}
	sw.vifs[name] = vif
	copied := *vif
	return &copied
}

// UnplugPort removes a vif port
func (sw *FakeSwitch) UnplugPort(name string) {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	delete(sw.vifs, name)
}

// SetPortMAC changes the attached mac of a vif port
func (sw *FakeSwitch) SetPortMAC(name string, mac net.HardwareAddr) {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	if vif, ok := sw.vifs[name]; ok {
		vif.MAC = mac
	}
}

// PortTag returns the tag column of a vif port
func (sw *FakeSwitch) PortTag(name string) int {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	if vif, ok := sw.vifs[name]; ok {
		return vif.Tag
	}
	return -1
}

// Restart drops every flow and clears the port tags, as a restarted
// switch daemon would
func (sw *FakeSwitch) Restart() {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	sw.flows = make(map[string]*core.FlowEntry)
	for _, vif := range sw.vifs {
		vif.Tag = -1
	}
}

// TunnelPorts returns the tunnel port numbers keyed by port name
func (sw *FakeSwitch) TunnelPorts() map[string]uint32 {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	ports := make(map[string]uint32, len(sw.tunnels))
	for ofport, tun := range sw.tunnels {
		ports[tun.name] = ofport
	}
	return ports
}

// Flows returns the flows of table sorted by their text
func (sw *FakeSwitch) Flows(table uint8) []*core.FlowEntry {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	flows := []*core.FlowEntry{}
	for _, flow := range sw.flows {
		if flow.Table == table {
			copied := *flow
			flows = append(flows, &copied)
		}
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].String() < flows[j].String() })
	return flows
}

// Dump returns every flow as text, sorted
func (sw *FakeSwitch) Dump() []string {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	dump := make([]string, 0, len(sw.flows))
	for _, flow := range sw.flows {
		dump = append(dump, flow.String())
	}
	sort.Strings(dump)
	return dump
}

// FlowCount returns the number of installed flows
func (sw *FakeSwitch) FlowCount() int {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	return len(sw.flows)
}

// OpCounts returns the number of installs and deletes issued so far
func (sw *FakeSwitch) OpCounts() (int, int) {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	return sw.installs, sw.deletes
}
