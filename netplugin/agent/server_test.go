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
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func post(t *testing.T, url, body string) (int, string) {
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Error posting to %s. Err: %v", url, err)
	}
	defer resp.Body.Close()
	content, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(content)
}

func get(t *testing.T, url string) (int, string) {
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("Error getting %s. Err: %v", url, err)
	}
	defer resp.Body.Close()
	content, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(content)
}

func TestServerNotifications(t *testing.T) {
	ag, _, _ := newTestAgent(t, testInfo("10.0.0.1"))
	server := httptest.NewServer(ag.Router())
	defer server.Close()

	code, body := post(t, server.URL+"/port_update", `{"port_id": "portA"}`)
	if code != http.StatusOK {
		t.Fatalf("port_update returned %d: %s", code, body)
	}
	resp := &NotificationResponse{}
	if err := json.Unmarshal([]byte(body), resp); err != nil || !resp.Queued {
		t.Fatalf("unexpected port_update response %q", body)
	}
	if ports := ag.queue.takeUpdatedPorts(); len(ports) != 1 || ports[0] != "portA" {
		t.Fatalf("port_update not queued: %v", ports)
	}

	for _, req := range []struct{ path, body string }{
		{"/network_delete", `{"network_id": "net1"}`},
		{"/tunnel_update", `{"tunnel_ip": "10.0.0.2", "tunnel_type": "vxlan"}`},
		{"/fdb_update", `{"action": "add", "entries": {"net1": {"network_type": "vxlan", "segment_id": 42,
			"ports": {"10.0.0.2": [{"mac": "00:00:00:00:00:00", "ip": "0.0.0.0"}]}}}}`},
	} {
		if code, body := post(t, server.URL+req.path, req.body); code != http.StatusOK {
			t.Fatalf("%s returned %d: %s", req.path, code, body)
		}
	}

	events := ag.queue.takeEvents()
	if len(events) != 3 {
		t.Fatalf("expected 3 queued events, got %d", len(events))
	}
	if events[1].tunnelIP != "10.0.0.2" || events[1].tunnelType != "vxlan" {
		t.Fatalf("unexpected tunnel_update event %+v", events[1])
	}
	fdb := events[2].fdb
	if fdb.Action != "add" || fdb.Entries["net1"].SegmentationID != 42 ||
		len(fdb.Entries["net1"].Ports["10.0.0.2"]) != 1 {
		t.Fatalf("unexpected fdb_update event %+v", fdb)
	}
}

func TestServerRejectsBadRequests(t *testing.T) {
	ag, _, _ := newTestAgent(t, testInfo("10.0.0.1"))
	server := httptest.NewServer(ag.Router())
	defer server.Close()

	for _, req := range []struct{ path, body string }{
		{"/port_update", `{}`},
		{"/port_update", `not json`},
		{"/network_delete", `{}`},
		{"/fdb_update", `{"action": "flush"}`},
	} {
		if code, _ := post(t, server.URL+req.path, req.body); code != http.StatusInternalServerError {
			t.Fatalf("%s %s returned %d", req.path, req.body, code)
		}
	}
	if len(ag.queue.takeEvents()) != 0 || len(ag.queue.takeUpdatedPorts()) != 0 {
		t.Fatalf("rejected requests were queued")
	}

	if code, _ := post(t, server.URL+"/no_such_call", `{}`); code != http.StatusNotFound {
		t.Fatalf("unknown call returned %d", code)
	}
}

func TestServerInspectAndMetrics(t *testing.T) {
	ag, sw, rpc := newTestAgent(t, testInfo("10.0.0.1"))
	sw.PlugPort("portA", "tapA", macA)
	rpc.setDevice("portA", "tnet", true, vxlanNet)
	runOnce(t, ag)

	server := httptest.NewServer(ag.Router())
	defer server.Close()

	code, body := get(t, server.URL+"/inspect/agent")
	if code != http.StatusOK {
		t.Fatalf("inspect returned %d: %s", code, body)
	}
	state := &InspectState{}
	if err := json.Unmarshal([]byte(body), state); err != nil {
		t.Fatalf("Error decoding inspect state. Err: %v", err)
	}
	if state.AgentID != "ovs020000000001" || state.Iteration != 1 || state.Devices != 1 {
		t.Fatalf("unexpected inspect state %+v", state)
	}
	if len(state.Bindings) != 1 || state.Bindings[0].NetworkID != "tnet" ||
		state.Bindings[0].Members[0] != "portA" {
		t.Fatalf("unexpected bindings %+v", state.Bindings)
	}
	if state.Build == nil || state.Build.Version != "devbuild" || state.Build.GoVersion == "" {
		t.Fatalf("unexpected build info %+v", state.Build)
	}

	code, body = get(t, server.URL+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("metrics returned %d", code)
	}
	for _, metric := range []string{
		`ofagent_loop_iterations_total{host="host-10.0.0.1"} 1`,
		`ofagent_loop_network_bindings{host="host-10.0.0.1"} 1`,
		`ofagent_loop_device_results_total{host="host-10.0.0.1",result="done"} 1`,
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("metric %s missing from:\n%s", metric, body)
		}
	}
}
