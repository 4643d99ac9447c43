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
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/contiv/ofagent/core"
	"github.com/contiv/ofagent/drivers"
	"github.com/contiv/ofagent/pipeline"
)

// fakeRPC is a scripted controller
type fakeRPC struct {
	mutex      sync.Mutex
	details    map[string]*core.DeviceDetails
	detailErrs map[string]error
	downErr    error
	syncErr    error
	peers      map[core.NetworkType][]string
	up         []string
	down       []string
	syncs      []core.NetworkType
	reports    []*core.AgentState
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		details:    make(map[string]*core.DeviceDetails),
		detailErrs: make(map[string]error),
		peers:      make(map[core.NetworkType][]string),
	}
}

func (rpc *fakeRPC) setDevice(device, networkID string, adminUp bool, encap core.Encapsulation) {
	rpc.mutex.Lock()
	defer rpc.mutex.Unlock()
	rpc.details[device] = &core.DeviceDetails{
		Device:        device,
		PortID:        device,
		NetworkID:     networkID,
		AdminStateUp:  adminUp,
		Encapsulation: encap,
	}
}

func (rpc *fakeRPC) GetDeviceDetails(device, agentID string) (*core.DeviceDetails, error) {
	rpc.mutex.Lock()
	defer rpc.mutex.Unlock()
	if err, ok := rpc.detailErrs[device]; ok {
		return nil, &core.RPCError{Method: "get_device_details", Device: device, Err: err}
	}
	if details, ok := rpc.details[device]; ok {
		copied := *details
		return &copied, nil
	}
	return &core.DeviceDetails{Device: device}, nil
}

func (rpc *fakeRPC) UpdateDeviceUp(device, agentID, host string) error {
	rpc.mutex.Lock()
	defer rpc.mutex.Unlock()
	rpc.up = append(rpc.up, device)
	return nil
}

func (rpc *fakeRPC) UpdateDeviceDown(device, agentID, host string) error {
	rpc.mutex.Lock()
	defer rpc.mutex.Unlock()
	if rpc.downErr != nil {
		return &core.RPCError{Method: "update_device_down", Device: device, Err: rpc.downErr}
	}
	rpc.down = append(rpc.down, device)
	return nil
}

func (rpc *fakeRPC) TunnelSync(localIP string, tunnelType core.NetworkType) ([]string, error) {
	rpc.mutex.Lock()
	defer rpc.mutex.Unlock()
	if rpc.syncErr != nil {
		return nil, &core.RPCError{Method: "tunnel_sync", Err: rpc.syncErr}
	}
	rpc.syncs = append(rpc.syncs, tunnelType)
	return rpc.peers[tunnelType], nil
}

func (rpc *fakeRPC) ReportState(state *core.AgentState) error {
	rpc.mutex.Lock()
	defer rpc.mutex.Unlock()
	rpc.reports = append(rpc.reports, state)
	return nil
}

var (
	macA       = mustMAC("aa:aa:aa:aa:aa:aa")
	macB       = mustMAC("bb:bb:bb:bb:bb:bb")
	vlanNet    = core.Encapsulation{Type: core.NetworkTypeVLAN, PhysicalNetwork: "physnet1", SegmentationID: 100}
	vxlanNet   = core.Encapsulation{Type: core.NetworkTypeVXLAN, SegmentationID: 42}
	floodEntry = core.FdbEntry{MAC: "00:00:00:00:00:00", IP: "0.0.0.0"}
)

func mustMAC(s string) net.HardwareAddr {
	mac, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return mac
}

func testInfo(localIP string) *core.InstanceInfo {
	return &core.InstanceInfo{
		HostLabel:       "host-" + localIP,
		BridgeName:      "br-int",
		LocalIP:         localIP,
		TunnelTypes:     []core.NetworkType{core.NetworkTypeGRE, core.NetworkTypeVXLAN},
		BridgeMappings:  map[string]string{},
		L2Population:    true,
		PollingInterval: time.Second,
	}
}

// newTestAgent returns an initialized agent on a fake switch
func newTestAgent(t *testing.T, info *core.InstanceInfo) (*Agent, *drivers.FakeSwitch, *fakeRPC) {
	sw := drivers.NewFakeSwitch(mustMAC("02:00:00:00:00:01"))
	rpc := newFakeRPC()
	ag, err := NewAgent(info, sw, sw, rpc)
	if err != nil {
		t.Fatalf("Error creating agent. Err: %v", err)
	}
	if err := ag.Init(); err != nil {
		t.Fatalf("Error initializing agent. Err: %v", err)
	}
	return ag, sw, rpc
}

// tenantFlows returns the tenant entries of table as text
func tenantFlows(sw *drivers.FakeSwitch, table uint8) []string {
	flows := []string{}
	for _, flow := range sw.Flows(table) {
		if flow.Priority == pipeline.TenantPriority {
			flows = append(flows, flow.String())
		}
	}
	return flows
}

func checkFlows(t *testing.T, sw *drivers.FakeSwitch, table uint8, expected ...string) {
	t.Helper()
	flows := tenantFlows(sw, table)
	if strings.Join(flows, "\n") != strings.Join(expected, "\n") {
		t.Fatalf("table %s mismatch.\nexpected:\n%s\ngot:\n%s", pipeline.TableName(table),
			strings.Join(expected, "\n"), strings.Join(flows, "\n"))
	}
}

func checkDump(t *testing.T, sw *drivers.FakeSwitch, expected []string) {
	t.Helper()
	dump := sw.Dump()
	if strings.Join(dump, "\n") != strings.Join(expected, "\n") {
		t.Fatalf("flow dump mismatch.\nexpected:\n%s\ngot:\n%s",
			strings.Join(expected, "\n"), strings.Join(dump, "\n"))
	}
}

func runOnce(t *testing.T, ag *Agent) *IterationStats {
	t.Helper()
	stats := ag.RunOnce(context.Background())
	if stats.Resync {
		t.Fatalf("unexpected resync in iteration %d: %+v", stats.Iteration, stats.Results)
	}
	return stats
}

// fdbUpdateFor builds an fdb update for a vxlan network holding entries of
// a single remote agent
func fdbUpdateFor(action, networkID, remote string, entries ...core.FdbEntry) *core.FdbUpdate {
	return &core.FdbUpdate{
		Action: action,
		Entries: map[string]*core.FdbNetwork{
			networkID: {
				NetworkType:    core.NetworkTypeVXLAN,
				SegmentationID: vxlanNet.SegmentationID,
				Ports:          map[string][]core.FdbEntry{remote: entries},
			},
		},
	}
}
