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
	"context"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	cmap "github.com/streamrail/concurrent-map"
	"github.com/vishvananda/netlink"

	"github.com/contiv/ofagent/core"
)

const ovsdbOpTimeout = 10 * time.Second

// OvsConfig is the configuration of the integration bridge
type OvsConfig struct {
	BridgeName    string
	OvsdbEndpoint string
	OfListenPort  int
	VxlanUDPPort  int
}

// OvsSwitch represents the integration bridge. It composes the ovsdb
// driver for ports with the openflow channel for flows and implements both
// core.SwitchChannel and core.PortProvisioner.
type OvsSwitch struct {
	bridgeName  string
	uplinkDb    cmap.ConcurrentMap
	ovsdbDriver *OvsdbDriver
	ofChannel   *OfChannel
}

// NewOvsSwitch connects to ovsdb, makes sure the bridge exists, points it
// at the local controller and waits for the openflow connection
func NewOvsSwitch(cfg *OvsConfig) (*OvsSwitch, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	ovsdbDriver, err := NewOvsdbDriver(ctx, cfg.OvsdbEndpoint, cfg.BridgeName, cfg.VxlanUDPPort)
	if err != nil {
		return nil, err
	}

	ofChannel := NewOfChannel(cfg.BridgeName, cfg.OfListenPort)
	if err := ovsdbDriver.SetController(ctx, "127.0.0.1", cfg.OfListenPort); err != nil {
		log.Errorf("Error setting controller of %s. Err: %v", cfg.BridgeName, err)
		ofChannel.Delete()
		ovsdbDriver.Delete()
		return nil, err
	}
	if err := ofChannel.WaitForConnection(connectTimeout); err != nil {
		ofChannel.Delete()
		ovsdbDriver.Delete()
		return nil, err
	}

	log.Infof("Bridge %s connected", cfg.BridgeName)
	return &OvsSwitch{
		bridgeName:  cfg.BridgeName,
		uplinkDb:    cmap.New(),
		ovsdbDriver: ovsdbDriver,
		ofChannel:   ofChannel,
	}, nil
}

// Delete closes both channels
func (sw *OvsSwitch) Delete() {
	if sw.ofChannel != nil {
		sw.ofChannel.Delete()
	}
	if sw.ovsdbDriver != nil {
		sw.ovsdbDriver.Delete()
	}
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), ovsdbOpTimeout)
}

// InstallFlow adds or replaces a flow
func (sw *OvsSwitch) InstallFlow(flow *core.FlowEntry) error {
	return sw.ofChannel.InstallFlow(flow)
}

// DeleteFlows removes the flows of table covered by match
func (sw *OvsSwitch) DeleteFlows(table uint8, match *core.FlowMatch) error {
	return sw.ofChannel.DeleteFlows(table, match)
}

// DeleteFlowsStrict removes the flow with exactly match and priority
func (sw *OvsSwitch) DeleteFlowsStrict(table uint8, priority uint16, match *core.FlowMatch) error {
	return sw.ofChannel.DeleteFlowsStrict(table, priority, match)
}

// DeleteAllFlows empties every table
func (sw *OvsSwitch) DeleteAllFlows() error {
	return sw.ofChannel.DeleteAllFlows()
}

// CanaryPresent reports whether the canary table has an entry
func (sw *OvsSwitch) CanaryPresent() (bool, error) {
	return sw.ofChannel.CanaryPresent()
}

// ListPorts returns the vif ports of the bridge
func (sw *OvsSwitch) ListPorts() ([]*core.VifPort, error) {
	ctx, cancel := opContext()
	defer cancel()
	ports, err := sw.ovsdbDriver.ListVifPorts(ctx)
	if err != nil {
		return nil, &core.ChannelError{Op: "list-ports", Err: err}
	}
	return ports, nil
}

// LocalPortMAC returns the mac of the bridge local port
func (sw *OvsSwitch) LocalPortMAC() (net.HardwareAddr, error) {
	ctx, cancel := opContext()
	defer cancel()
	return sw.ovsdbDriver.LocalPortMAC(ctx)
}

// CreateTunnelPort creates the tunnel port towards remoteIP
func (sw *OvsSwitch) CreateTunnelPort(kind core.NetworkType, remoteIP string) (uint32, error) {
	ctx, cancel := opContext()
	defer cancel()
	return sw.ovsdbDriver.CreateTunnelPort(ctx, kind, remoteIP)
}

// ListTunnelPorts returns the tunnel ports left on the bridge
func (sw *OvsSwitch) ListTunnelPorts() ([]*core.TunnelPort, error) {
	ctx, cancel := opContext()
	defer cancel()
	ports, err := sw.ovsdbDriver.ListTunnelPorts(ctx)
	if err != nil {
		return nil, &core.ChannelError{Op: "list-tunnel-ports", Err: err}
	}
	return ports, nil
}

// DeletePort removes the port with ofport from the bridge
func (sw *OvsSwitch) DeletePort(ofport uint32) error {
	ctx, cancel := opContext()
	defer cancel()
	return sw.ovsdbDriver.DeletePortByOfport(ctx, ofport)
}

// SetPortTag writes the tag column of a port
func (sw *OvsSwitch) SetPortTag(portName string, tag int) error {
	ctx, cancel := opContext()
	defer cancel()
	return sw.ovsdbDriver.SetPortTag(ctx, portName, tag)
}

func setLinkUp(name string) error {
	iface, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(iface)
}

// AddUplink brings the host interface up and attaches it to the bridge
func (sw *OvsSwitch) AddUplink(ifName string) (uint32, error) {
	if ofport, ok := sw.uplinkDb.Get(ifName); ok {
		return ofport.(uint32), nil
	}

	if err := setLinkUp(ifName); err != nil {
		log.Errorf("Error bringing up uplink %s. Err: %v", ifName, err)
		return 0, err
	}

	ctx, cancel := opContext()
	defer cancel()
	ofport, err := sw.ovsdbDriver.AddUplink(ctx, ifName)
	if err != nil {
		return 0, err
	}
	sw.uplinkDb.Set(ifName, ofport)
	log.Infof("Uplink %s attached to %s as port %d", ifName, sw.bridgeName, ofport)
	return ofport, nil
}
