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
	"errors"
	"reflect"
	"testing"

	"github.com/contiv/ofagent/core"
	"github.com/contiv/ofagent/drivers"
	"github.com/contiv/ofagent/pipeline"
)

func newTestRegistry() (*TunnelRegistry, *drivers.FakeSwitch) {
	sw := drivers.NewFakeSwitch(macA)
	return NewTunnelRegistry(sw, pipeline.NewPipeline(sw)), sw
}

func TestTunnelRegistryEnsure(t *testing.T) {
	tr, sw := newTestRegistry()

	ofport, err := tr.Ensure(core.NetworkTypeGRE, "10.0.0.2")
	if err != nil {
		t.Fatalf("Error creating tunnel. Err: %v", err)
	}
	if sw.TunnelPorts()["gre-0a000002"] != ofport {
		t.Fatalf("tunnel port not created on the switch: %v", sw.TunnelPorts())
	}
	checkFlows(t, sw, pipeline.CheckInPortTbl, "table=0,priority=1,in_port=1 actions=goto_table:1")

	again, err := tr.Ensure(core.NetworkTypeGRE, "10.0.0.2")
	if err != nil || again != ofport {
		t.Fatalf("second Ensure returned %d %v", again, err)
	}
	vxlan, err := tr.Ensure(core.NetworkTypeVXLAN, "10.0.0.2")
	if err != nil || vxlan == ofport {
		t.Fatalf("vxlan tunnel shares the gre port: %d %v", vxlan, err)
	}

	if got, ok := tr.Lookup(core.NetworkTypeVXLAN, "10.0.0.2"); !ok || got != vxlan {
		t.Fatalf("Lookup returned %d %v", got, ok)
	}
	if ports := tr.Ports(); !reflect.DeepEqual(ports, []uint32{ofport, vxlan}) {
		t.Fatalf("Ports returned %v", ports)
	}
}

func TestTunnelRegistryEnsureFailures(t *testing.T) {
	tr, sw := newTestRegistry()

	if _, err := tr.Ensure(core.NetworkTypeGRE, "10.0.0"); !core.IsPortSetupFailed(err) {
		t.Fatalf("invalid remote returned %v", err)
	}
	if _, err := tr.Ensure(core.NetworkTypeVLAN, "10.0.0.2"); !core.IsPortSetupFailed(err) {
		t.Fatalf("non tunnel type returned %v", err)
	}

	sw.InjectFailure(drivers.OpCreatePort, errors.New("ovsdb down"))
	if _, err := tr.Ensure(core.NetworkTypeGRE, "10.0.0.2"); !core.IsPortSetupFailed(err) {
		t.Fatalf("port creation failure returned %v", err)
	}
	sw.InjectFailure(drivers.OpCreatePort, nil)

	sw.InjectFailure(drivers.OpInstall, errors.New("rejected"))
	if _, err := tr.Ensure(core.NetworkTypeGRE, "10.0.0.2"); !core.IsChannelError(err) {
		t.Fatalf("flow install failure returned %v", err)
	}
	if len(sw.TunnelPorts()) != 0 || tr.Len() != 0 {
		t.Fatalf("failed Ensure left a port behind: %v", sw.TunnelPorts())
	}
}

func TestTunnelRegistryRelease(t *testing.T) {
	tr, sw := newTestRegistry()
	ofport, _ := tr.Ensure(core.NetworkTypeVXLAN, "10.0.0.2")

	nb := newNetworkBinding("net1", 1, vxlanNet)
	nb.FloodTunnels["10.0.0.2"] = ofport
	if err := tr.ReleaseIfUnused(ofport, []*NetworkBinding{nb}); err != nil {
		t.Fatalf("Error releasing tunnel. Err: %v", err)
	}
	if tr.Len() != 1 {
		t.Fatalf("referenced tunnel released")
	}

	if err := tr.ReleaseIfUnused(ofport, nil); err != nil {
		t.Fatalf("Error releasing tunnel. Err: %v", err)
	}
	if tr.Len() != 0 || len(sw.TunnelPorts()) != 0 {
		t.Fatalf("unused tunnel not released")
	}
	checkFlows(t, sw, pipeline.CheckInPortTbl)

	// unknown ports are left alone
	if err := tr.ReleaseIfUnused(99, nil); err != nil {
		t.Fatalf("Error releasing unknown tunnel. Err: %v", err)
	}
}

func TestTunnelRegistryReset(t *testing.T) {
	tr, sw := newTestRegistry()
	ofport, _ := tr.Ensure(core.NetworkTypeVXLAN, "10.0.0.2")
	tr.Reset()
	if tr.Len() != 0 {
		t.Fatalf("Reset left ports registered")
	}

	// the port survived on the switch and is found again
	again, err := tr.Ensure(core.NetworkTypeVXLAN, "10.0.0.2")
	if err != nil || again != ofport || len(sw.TunnelPorts()) != 1 {
		t.Fatalf("Ensure after Reset returned %d %v", again, err)
	}
}

func TestTunnelRegistryAdopt(t *testing.T) {
	tr, sw := newTestRegistry()
	gre, _ := sw.CreateTunnelPort(core.NetworkTypeGRE, "10.0.0.2")
	vxlan, _ := sw.CreateTunnelPort(core.NetworkTypeVXLAN, "10.0.0.3")
	pinned, _ := sw.CreateTunnelPort(core.NetworkTypeVXLAN, "10.0.0.4")

	ports, err := sw.ListTunnelPorts()
	if err != nil {
		t.Fatalf("Error listing tunnel ports. Err: %v", err)
	}
	if err := tr.Adopt(ports); err != nil {
		t.Fatalf("Error adopting tunnel ports. Err: %v", err)
	}
	if !reflect.DeepEqual(tr.Ports(), []uint32{gre, vxlan, pinned}) {
		t.Fatalf("adopted ports %v", tr.Ports())
	}
	checkFlows(t, sw, pipeline.CheckInPortTbl,
		"table=0,priority=1,in_port=1 actions=goto_table:1",
		"table=0,priority=1,in_port=2 actions=goto_table:2",
		"table=0,priority=1,in_port=3 actions=goto_table:2")

	// claimed by a flood entry, by Ensure and by tunnel sync
	nb := newNetworkBinding("net1", 1, vxlanNet)
	nb.FloodTunnels["10.0.0.3"] = vxlan
	if got, err := tr.Ensure(core.NetworkTypeGRE, "10.0.0.2"); err != nil || got != gre {
		t.Fatalf("Ensure of an adopted port returned %d %v", got, err)
	}
	if _, err := tr.EnsurePinned(core.NetworkTypeVXLAN, "10.0.0.4"); err != nil {
		t.Fatalf("Error pinning tunnel. Err: %v", err)
	}

	if err := tr.ReapAdopted([]*NetworkBinding{nb}); err != nil {
		t.Fatalf("Error reaping tunnel ports. Err: %v", err)
	}
	if tr.Len() != 3 || len(sw.TunnelPorts()) != 3 {
		t.Fatalf("claimed tunnel ports reaped: %v", sw.TunnelPorts())
	}

	// the gre port was claimed through Ensure only and is now released
	// like any unreferenced port; the pinned one stays
	if err := tr.ReleaseIfUnused(gre, nil); err != nil {
		t.Fatalf("Error releasing tunnel. Err: %v", err)
	}
	if err := tr.ReleaseIfUnused(pinned, nil); err != nil {
		t.Fatalf("Error releasing tunnel. Err: %v", err)
	}
	if !reflect.DeepEqual(tr.Ports(), []uint32{vxlan, pinned}) {
		t.Fatalf("unexpected ports %v", tr.Ports())
	}
	if !reflect.DeepEqual(tr.pinnedKeys(), []tunnelKey{{core.NetworkTypeVXLAN, "10.0.0.4"}}) {
		t.Fatalf("unexpected pinned tunnels %v", tr.pinnedKeys())
	}
}

func TestTunnelRegistryReapUnclaimed(t *testing.T) {
	tr, sw := newTestRegistry()
	sw.CreateTunnelPort(core.NetworkTypeVXLAN, "10.0.0.2")
	ports, _ := sw.ListTunnelPorts()
	if err := tr.Adopt(ports); err != nil {
		t.Fatalf("Error adopting tunnel ports. Err: %v", err)
	}

	if err := tr.ReapAdopted(nil); err != nil {
		t.Fatalf("Error reaping tunnel ports. Err: %v", err)
	}
	if tr.Len() != 0 || len(sw.TunnelPorts()) != 0 {
		t.Fatalf("unclaimed tunnel port left behind: %v", sw.TunnelPorts())
	}
	checkFlows(t, sw, pipeline.CheckInPortTbl)

	// a listing failure is a channel error
	sw.InjectFailure(drivers.OpList, errors.New("ovsdb down"))
	if _, err := sw.ListTunnelPorts(); !core.IsChannelError(err) {
		t.Fatalf("list failure returned %v", err)
	}
}
