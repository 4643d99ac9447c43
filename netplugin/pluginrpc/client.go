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

// Package pluginrpc is the http json client of the controller rpc. Every
// call is a POST of a json request to <plugin-url>/rpc/<method>.
package pluginrpc

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/contiv/ofagent/core"
	"github.com/contiv/ofagent/utils"
)

// RPCPath prefixes the method of every call
const RPCPath = "/rpc/"

// Rpc methods
const (
	GetDeviceDetails = "get_device_details"
	UpdateDeviceUp   = "update_device_up"
	UpdateDeviceDown = "update_device_down"
	TunnelSync       = "tunnel_sync"
	ReportState      = "report_state"
)

// DefaultTimeout bounds a single rpc call
const DefaultTimeout = 10 * time.Second

// DeviceRequest is the body of the per device calls
type DeviceRequest struct {
	Device  string `json:"device"`
	AgentID string `json:"agent_id"`
	Host    string `json:"host,omitempty"`
}

// TunnelSyncRequest registers a tunnel endpoint
type TunnelSyncRequest struct {
	TunnelIP   string           `json:"tunnel_ip"`
	TunnelType core.NetworkType `json:"tunnel_type"`
}

// TunnelSyncResponse lists the known endpoints of the tunnel type
type TunnelSyncResponse struct {
	Tunnels []string `json:"tunnels"`
}

// Client implements core.PluginRPC
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient returns a client of the controller at baseURL whose calls give
// up after timeout
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) call(method, device string, req, resp interface{}) error {
	err := utils.HTTPPost(c.client, c.baseURL+RPCPath+method, req, resp)
	if err != nil {
		return &core.RPCError{Method: method, Device: device, Timeout: isTimeout(err), Err: err}
	}
	return nil
}

// GetDeviceDetails fetches the intent of device
func (c *Client) GetDeviceDetails(device, agentID string) (*core.DeviceDetails, error) {
	details := &core.DeviceDetails{}
	err := c.call(GetDeviceDetails, device, &DeviceRequest{Device: device, AgentID: agentID}, details)
	if err != nil {
		return nil, err
	}
	if details.Device == "" {
		details.Device = device
	}
	return details, nil
}

// UpdateDeviceUp reports device as wired
func (c *Client) UpdateDeviceUp(device, agentID, host string) error {
	return c.call(UpdateDeviceUp, device, &DeviceRequest{Device: device, AgentID: agentID, Host: host}, nil)
}

// UpdateDeviceDown reports device as down or gone
func (c *Client) UpdateDeviceDown(device, agentID, host string) error {
	return c.call(UpdateDeviceDown, device, &DeviceRequest{Device: device, AgentID: agentID, Host: host}, nil)
}

// TunnelSync registers the local endpoint and returns the endpoints of the
// other agents using tunnelType
func (c *Client) TunnelSync(localIP string, tunnelType core.NetworkType) ([]string, error) {
	resp := &TunnelSyncResponse{}
	err := c.call(TunnelSync, "", &TunnelSyncRequest{TunnelIP: localIP, TunnelType: tunnelType}, resp)
	if err != nil {
		return nil, err
	}
	log.Debugf("tunnel_sync %s returned %d endpoints", tunnelType, len(resp.Tunnels))
	return resp.Tunnels, nil
}

// ReportState sends the agent heartbeat
func (c *Client) ReportState(state *core.AgentState) error {
	return c.call(ReportState, "", state, nil)
}
