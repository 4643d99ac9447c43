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

// Package core holds the types shared by the host agent and the contracts
// of its collaborators: the switch control channel, the port provisioner
// and the control plane RPC. Drivers implement the interfaces (south-bound),
// the agent consumes them (north-bound).
package core

import (
	"net"
	"time"
)

// NetworkType is the encapsulation kind of a tenant network
type NetworkType string

// Supported network types
const (
	NetworkTypeGRE   NetworkType = "gre"
	NetworkTypeVXLAN NetworkType = "vxlan"
	NetworkTypeVLAN  NetworkType = "vlan"
	NetworkTypeFlat  NetworkType = "flat"
	NetworkTypeLocal NetworkType = "local"
)

// Agent modes. In test mode the agent runs on an in-memory switch.
const (
	ModeOVS  = "ovs"
	ModeTest = "test"
)

// IsTunnel returns true for key-addressed overlay types
func (t NetworkType) IsTunnel() bool {
	return t == NetworkTypeGRE || t == NetworkTypeVXLAN
}

// IsPhysical returns true for types carried on a physical network
func (t NetworkType) IsPhysical() bool {
	return t == NetworkTypeVLAN || t == NetworkTypeFlat
}

// Encapsulation describes how a tenant network is carried on the wire.
// SegmentationID is the tunnel key for tunnel types and the VID for vlan.
type Encapsulation struct {
	Type            NetworkType `json:"network_type"`
	PhysicalNetwork string      `json:"physical_network,omitempty"`
	SegmentationID  uint32      `json:"segmentation_id,omitempty"`
}

// InstanceInfo encapsulates data that is specific to a running instance of
// the agent, like the host name and tunnel endpoint address.
type InstanceInfo struct {
	HostLabel        string            `json:"host-label"`
	BridgeName       string            `json:"integration-bridge"`
	LocalIP          string            `json:"local-ip"`
	TunnelTypes      []NetworkType     `json:"tunnel-types"`
	BridgeMappings   map[string]string `json:"bridge-mappings"`
	L2Population     bool              `json:"l2-population"`
	PollingInterval  time.Duration     `json:"polling-interval"`
	MinimizePolling  bool              `json:"minimize-polling"`
	FullScanInterval time.Duration     `json:"full-scan-interval"`
	ReportInterval   time.Duration     `json:"report-interval"`
	StrictInvariants bool              `json:"strict-invariants"`
	VxlanUDPPort     int               `json:"vxlan-port"`
	OfListenPort     int               `json:"of-listen-port"`
	OvsdbEndpoint    string            `json:"ovsdb-endpoint"`
	PluginURL        string            `json:"plugin-url"`
	ListenURL        string            `json:"listen-url"`
	PluginMode       string            `json:"plugin-mode"`
}

// TunnelingEnabled returns true when at least one tunnel type is configured
func (info *InstanceInfo) TunnelingEnabled() bool {
	return len(info.TunnelTypes) > 0
}

// VifPort is a virtual interface as observed on the integration bridge
type VifPort struct {
	ID     string           // external identity (iface-id)
	Name   string           // switch port name
	OfPort uint32           // switch assigned port number
	MAC    net.HardwareAddr // attached mac, nil when unknown
	Tag    int              // port tag column, -1 when unset
}

// TunnelPort is a tunnel port found on the integration bridge
type TunnelPort struct {
	Name     string
	Kind     NetworkType
	RemoteIP string
	OfPort   uint32
}

// DeviceDetails is the intent returned by the controller for one device.
// PortID is empty when the device is not defined on the controller.
type DeviceDetails struct {
	Device       string `json:"device"`
	PortID       string `json:"port_id,omitempty"`
	NetworkID    string `json:"network_id,omitempty"`
	AdminStateUp bool   `json:"admin_state_up"`
	Encapsulation
}

// AgentState is the periodic state report sent to the controller
type AgentState struct {
	AgentID        string            `json:"agent_id"`
	Host           string            `json:"host"`
	TunnelTypes    []string          `json:"tunnel_types"`
	TunnelingIP    string            `json:"tunneling_ip"`
	BridgeMappings map[string]string `json:"bridge_mappings"`
	Devices        int               `json:"devices"`
	StartFlag      bool              `json:"start_flag,omitempty"`
}

// SwitchChannel is the flow table control capability of the local switch.
// Every call is synchronous and failures are reported, never dropped.
type SwitchChannel interface {
	InstallFlow(flow *FlowEntry) error
	DeleteFlows(table uint8, match *FlowMatch) error
	DeleteFlowsStrict(table uint8, priority uint16, match *FlowMatch) error
	DeleteAllFlows() error
	// CanaryPresent reports whether CanaryTable holds an entry
	CanaryPresent() (bool, error)
	ListPorts() ([]*VifPort, error)
	LocalPortMAC() (net.HardwareAddr, error)
}

// PortProvisioner owns creation and teardown of switch ports
type PortProvisioner interface {
	AddUplink(ifName string) (uint32, error)
	CreateTunnelPort(kind NetworkType, remoteIP string) (uint32, error)
	// ListTunnelPorts returns the tunnel ports named by the agent
	ListTunnelPorts() ([]*TunnelPort, error)
	DeletePort(ofport uint32) error
	SetPortTag(portName string, tag int) error
}

// PluginRPC is the control plane the agent reports to and pulls intent from
type PluginRPC interface {
	GetDeviceDetails(device, agentID string) (*DeviceDetails, error)
	UpdateDeviceUp(device, agentID, host string) error
	UpdateDeviceDown(device, agentID, host string) error
	TunnelSync(localIP string, tunnelType NetworkType) ([]string, error)
	ReportState(state *AgentState) error
}
