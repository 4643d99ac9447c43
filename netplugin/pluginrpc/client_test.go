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

package pluginrpc

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/contiv/ofagent/core"
	"github.com/contiv/ofagent/utils"
)

var _ core.PluginRPC = (*Client)(nil)

// fakeController records the calls it receives
type fakeController struct {
	mutex   sync.Mutex
	calls   []string
	states  []*core.AgentState
	devices map[string]*core.DeviceDetails
	peers   []string
	release chan struct{}
}

func (fc *fakeController) record(method string) {
	fc.mutex.Lock()
	defer fc.mutex.Unlock()
	fc.calls = append(fc.calls, method)
}

func (fc *fakeController) router() *mux.Router {
	router := mux.NewRouter()
	s := router.Methods("POST").Subrouter()
	s.HandleFunc(RPCPath+GetDeviceDetails, utils.MakeHTTPHandler(
		func(w http.ResponseWriter, r *http.Request, vars map[string]string) (interface{}, error) {
			req := &DeviceRequest{}
			if err := json.NewDecoder(r.Body).Decode(req); err != nil {
				return nil, err
			}
			fc.record(GetDeviceDetails + " " + req.Device + " " + req.AgentID)
			if details, ok := fc.devices[req.Device]; ok {
				return details, nil
			}
			return &core.DeviceDetails{Device: req.Device}, nil
		}))
	for _, method := range []string{UpdateDeviceUp, UpdateDeviceDown} {
		method := method
		s.HandleFunc(RPCPath+method, utils.MakeHTTPHandler(
			func(w http.ResponseWriter, r *http.Request, vars map[string]string) (interface{}, error) {
				req := &DeviceRequest{}
				if err := json.NewDecoder(r.Body).Decode(req); err != nil {
					return nil, err
				}
				if req.Device == "broken" {
					return nil, errors.New("port not found")
				}
				fc.record(method + " " + req.Device + " " + req.Host)
				return struct{}{}, nil
			}))
	}
	s.HandleFunc(RPCPath+TunnelSync, utils.MakeHTTPHandler(
		func(w http.ResponseWriter, r *http.Request, vars map[string]string) (interface{}, error) {
			req := &TunnelSyncRequest{}
			if err := json.NewDecoder(r.Body).Decode(req); err != nil {
				return nil, err
			}
			fc.record(TunnelSync + " " + req.TunnelIP + " " + string(req.TunnelType))
			return &TunnelSyncResponse{Tunnels: fc.peers}, nil
		}))
	s.HandleFunc(RPCPath+ReportState, utils.MakeHTTPHandler(
		func(w http.ResponseWriter, r *http.Request, vars map[string]string) (interface{}, error) {
			state := &core.AgentState{}
			if err := json.NewDecoder(r.Body).Decode(state); err != nil {
				return nil, err
			}
			fc.mutex.Lock()
			fc.states = append(fc.states, state)
			fc.mutex.Unlock()
			if fc.release != nil {
				<-fc.release
			}
			return struct{}{}, nil
		}))
	return router
}

func newTestClient(fc *fakeController, timeout time.Duration) (*Client, *httptest.Server) {
	server := httptest.NewServer(fc.router())
	return NewClient(server.URL, timeout), server
}

func TestDeviceCalls(t *testing.T) {
	fc := &fakeController{devices: map[string]*core.DeviceDetails{
		"port1": {
			Device:        "port1",
			PortID:        "port1",
			NetworkID:     "net1",
			AdminStateUp:  true,
			Encapsulation: core.Encapsulation{Type: core.NetworkTypeVXLAN, SegmentationID: 42},
		},
	}}
	client, server := newTestClient(fc, DefaultTimeout)
	defer server.Close()

	details, err := client.GetDeviceDetails("port1", "ovs0001")
	if err != nil {
		t.Fatalf("Error getting device details. Err: %v", err)
	}
	if details.NetworkID != "net1" || !details.AdminStateUp || details.Type != core.NetworkTypeVXLAN ||
		details.SegmentationID != 42 {
		t.Fatalf("unexpected device details %+v", details)
	}

	details, err = client.GetDeviceDetails("port2", "ovs0001")
	if err != nil || details.PortID != "" || details.Device != "port2" {
		t.Fatalf("unknown device returned %+v %v", details, err)
	}

	if err := client.UpdateDeviceUp("port1", "ovs0001", "node1"); err != nil {
		t.Fatalf("Error reporting device up. Err: %v", err)
	}
	if err := client.UpdateDeviceDown("port1", "ovs0001", "node1"); err != nil {
		t.Fatalf("Error reporting device down. Err: %v", err)
	}

	expected := []string{
		"get_device_details port1 ovs0001",
		"get_device_details port2 ovs0001",
		"update_device_up port1 node1",
		"update_device_down port1 node1",
	}
	if len(fc.calls) != len(expected) {
		t.Fatalf("unexpected calls %v", fc.calls)
	}
	for i := range expected {
		if fc.calls[i] != expected[i] {
			t.Fatalf("unexpected calls %v", fc.calls)
		}
	}
}

func TestPluginURLWithTrailingSlash(t *testing.T) {
	fc := &fakeController{}
	server := httptest.NewServer(fc.router())
	defer server.Close()

	client := NewClient(server.URL+"/", DefaultTimeout)
	if err := client.UpdateDeviceUp("port1", "ovs0001", "node1"); err != nil {
		t.Fatalf("Error reporting device up. Err: %v", err)
	}
	if len(fc.calls) != 1 || fc.calls[0] != "update_device_up port1 node1" {
		t.Fatalf("unexpected calls %v", fc.calls)
	}
}

func TestTunnelSyncAndReport(t *testing.T) {
	fc := &fakeController{peers: []string{"10.0.0.2", "10.0.0.3"}}
	client, server := newTestClient(fc, DefaultTimeout)
	defer server.Close()

	peers, err := client.TunnelSync("10.0.0.1", core.NetworkTypeGRE)
	if err != nil || len(peers) != 2 || peers[1] != "10.0.0.3" {
		t.Fatalf("tunnel sync returned %v %v", peers, err)
	}
	if fc.calls[0] != "tunnel_sync 10.0.0.1 gre" {
		t.Fatalf("unexpected call %s", fc.calls[0])
	}

	state := &core.AgentState{AgentID: "ovs0001", Host: "node1", Devices: 3, StartFlag: true,
		TunnelTypes: []string{"gre"}, BridgeMappings: map[string]string{"physnet1": "eth1"}}
	if err := client.ReportState(state); err != nil {
		t.Fatalf("Error reporting state. Err: %v", err)
	}
	if len(fc.states) != 1 || !fc.states[0].StartFlag || fc.states[0].Devices != 3 ||
		fc.states[0].BridgeMappings["physnet1"] != "eth1" {
		t.Fatalf("unexpected reported state %+v", fc.states)
	}
}

func TestCallErrors(t *testing.T) {
	fc := &fakeController{}
	client, server := newTestClient(fc, DefaultTimeout)

	err := client.UpdateDeviceUp("broken", "ovs0001", "node1")
	rpcErr, ok := err.(*core.RPCError)
	if !ok || rpcErr.Method != UpdateDeviceUp || rpcErr.Device != "broken" || rpcErr.Timeout {
		t.Fatalf("unexpected error %v", err)
	}
	if !core.IsRPCError(err) {
		t.Fatalf("error not recognized as rpc error")
	}

	server.Close()
	if _, err := client.GetDeviceDetails("port1", "ovs0001"); !core.IsRPCError(err) {
		t.Fatalf("unreachable controller returned %v", err)
	}
}

func TestCallTimeout(t *testing.T) {
	fc := &fakeController{release: make(chan struct{})}
	client, server := newTestClient(fc, 50*time.Millisecond)
	defer server.Close()
	defer close(fc.release)

	err := client.ReportState(&core.AgentState{AgentID: "ovs0001"})
	rpcErr, ok := err.(*core.RPCError)
	if !ok || !rpcErr.Timeout {
		t.Fatalf("expected a timeout, got %v", err)
	}
}
