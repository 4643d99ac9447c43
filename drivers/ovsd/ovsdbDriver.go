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
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ovn-kubernetes/libovsdb/client"
	"github.com/ovn-kubernetes/libovsdb/model"
	"github.com/ovn-kubernetes/libovsdb/ovsdb"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/contiv/ofagent/core"
	"github.com/contiv/ofagent/utils/netutils"
)

// OvsdbDriver is responsible for programming OVS using ovsdb protocol. The
// client keeps a monitored cache of the tables, reads are served from it.
type OvsdbDriver struct {
	bridgeName   string // Name of the bridge we are operating on
	ovs          client.Client
	vxlanUDPPort string // VxLAN UDP port number
}

// namedUUID returns a fresh name for a row inserted in a transaction
func namedUUID() string {
	return "row" + strings.ReplaceAll(uuid.New().String(), "-", "_")
}

// NewOvsdbDriver connects to the database at endpoint and makes sure
// bridgeName exists.
// Create one ovsdb driver instance per OVS bridge that needs to be managed
func NewOvsdbDriver(ctx context.Context, endpoint, bridgeName string, vxlanUDPPort int) (*OvsdbDriver, error) {
	dbModel, err := newClientDBModel()
	if err != nil {
		return nil, err
	}

	ovs, err := client.NewOVSDBClient(dbModel, client.WithEndpoint(endpoint))
	if err != nil {
		return nil, err
	}
	if err := ovs.Connect(ctx); err != nil {
		log.Errorf("Error connecting to OVS at %s. Err: %v", endpoint, err)
		return nil, err
	}
	if _, err := ovs.MonitorAll(ctx); err != nil {
		ovs.Disconnect()
		return nil, err
	}

	d := &OvsdbDriver{
		bridgeName:   bridgeName,
		ovs:          ovs,
		vxlanUDPPort: strconv.Itoa(vxlanUDPPort),
	}

	if err := d.ensureBridge(ctx); err != nil {
		log.Errorf("Error creating bridge %s. Err: %v", bridgeName, err)
		ovs.Disconnect()
		return nil, err
	}

	return d, nil
}

// Delete disconnects from the database. The bridge is left in place so
// forwarding continues while the agent is down.
func (d *OvsdbDriver) Delete() {
	if d.ovs != nil {
		d.ovs.Disconnect()
	}
}

func (d *OvsdbDriver) performOvsdbOps(ctx context.Context, ops []ovsdb.Operation) error {
	reply, err := d.ovs.Transact(ctx, ops...)
	if err != nil {
		return err
	}
	if _, err := ovsdb.CheckOperationResults(reply, ops); err != nil {
		for i, r := range reply {
			if r.Error != "" {
				log.Errorf("OVSDB operation %d failed: %s (%s)", i, r.Error, r.Details)
			}
		}
		return err
	}
	return nil
}

func (d *OvsdbDriver) getBridge(ctx context.Context) (*Bridge, error) {
	bridge := &Bridge{Name: d.bridgeName}
	if err := d.ovs.Get(ctx, bridge); err != nil {
		return nil, err
	}
	return bridge, nil
}

func (d *OvsdbDriver) ensureBridge(ctx context.Context) error {
	if _, err := d.getBridge(ctx); err == nil {
		return nil
	}

	roots := []OpenvSwitch{}
	if err := d.ovs.List(ctx, &roots); err != nil {
		return err
	}
	if len(roots) == 0 {
		return core.Errorf("no %s root row", rootTable)
	}

	ifaceUUID, portUUID, brUUID := namedUUID(), namedUUID(), namedUUID()
	failMode := failModeSecure
	intf := &Interface{UUID: ifaceUUID, Name: d.bridgeName, Type: "internal"}
	port := &Port{UUID: portUUID, Name: d.bridgeName, Interfaces: []string{ifaceUUID}}
	bridge := &Bridge{
		UUID:      brUUID,
		Name:      d.bridgeName,
		Ports:     []string{portUUID},
		Protocols: []string{openflowVersion},
		FailMode:  &failMode,
	}
	ops, err := d.ovs.Create(intf, port, bridge)
	if err != nil {
		return err
	}

	root := &roots[0]
	mutateOps, err := d.ovs.Where(root).Mutate(root, model.Mutation{
		Field:   &root.Bridges,
		Mutator: ovsdb.MutateOperationInsert,
		Value:   []string{brUUID},
	})
	if err != nil {
		return err
	}

	log.Infof("Creating OVS bridge %s", d.bridgeName)
	return d.performOvsdbOps(ctx, append(ops, mutateOps...))
}

// SetController points the bridge at the local openflow controller
func (d *OvsdbDriver) SetController(ctx context.Context, ipAddr string, portNo int) error {
	target := fmt.Sprintf("tcp:%s:%d", ipAddr, portNo)

	bridge, err := d.getBridge(ctx)
	if err != nil {
		return err
	}

	// If controller already exists, nothing to do
	existing := []Controller{}
	err = d.ovs.WhereCache(func(c *Controller) bool {
		return c.Target == target && lo.Contains(bridge.Controller, c.UUID)
	}).List(ctx, &existing)
	if err == nil && len(existing) > 0 {
		return nil
	}

	ctrler := &Controller{UUID: namedUUID(), Target: target}
	ops, err := d.ovs.Create(ctrler)
	if err != nil {
		return err
	}

	bridge.Controller = []string{ctrler.UUID}
	bridge.Protocols = []string{openflowVersion}
	updateOps, err := d.ovs.Where(bridge).Update(bridge, &bridge.Controller, &bridge.Protocols)
	if err != nil {
		return err
	}

	log.Infof("Setting controller of %s to %s", d.bridgeName, target)
	return d.performOvsdbOps(ctx, append(ops, updateOps...))
}

// addPort creates a single interface port on the bridge
func (d *OvsdbDriver) addPort(ctx context.Context, intf *Interface) error {
	bridge, err := d.getBridge(ctx)
	if err != nil {
		return err
	}

	intf.UUID = namedUUID()
	port := &Port{UUID: namedUUID(), Name: intf.Name, Interfaces: []string{intf.UUID}}
	ops, err := d.ovs.Create(intf, port)
	if err != nil {
		return err
	}
	mutateOps, err := d.ovs.Where(bridge).Mutate(bridge, model.Mutation{
		Field:   &bridge.Ports,
		Mutator: ovsdb.MutateOperationInsert,
		Value:   []string{port.UUID},
	})
	if err != nil {
		return err
	}
	return d.performOvsdbOps(ctx, append(ops, mutateOps...))
}

// IsPortNamePresent checks if the port already exists in OVSDB
func (d *OvsdbDriver) IsPortNamePresent(ctx context.Context, portName string) bool {
	return d.ovs.Get(ctx, &Port{Name: portName}) == nil
}

// GetOfpPortNo returns OFP port number for an interface. The number is set
// by vswitchd after the port is created, retry until it shows up.
func (d *OvsdbDriver) GetOfpPortNo(ctx context.Context, intfName string) (uint32, error) {
	for retryNo := 0; ; retryNo++ {
		intf := &Interface{Name: intfName}
		if err := d.ovs.Get(ctx, intf); err == nil && intf.Ofport != nil && *intf.Ofport > 0 {
			return uint32(*intf.Ofport), nil
		}
		if retryNo == maxOfportRetry {
			return 0, core.Errorf("ofport of %s not found", intfName)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(ofportRetryInterval):
		}
	}
}

// CreateTunnelPort creates the tunnel port towards remoteIP unless it
// exists, and returns its port number
func (d *OvsdbDriver) CreateTunnelPort(ctx context.Context, kind core.NetworkType, remoteIP string) (uint32, error) {
	intfName, err := netutils.TunnelPortName(kind, remoteIP)
	if err != nil {
		return 0, err
	}

	if !d.IsPortNamePresent(ctx, intfName) {
		options := map[string]string{
			"remote_ip": remoteIP,
			"key":       "flow", // tunnel key set per flow
			"tos":       "inherit",
		}
		if kind == core.NetworkTypeVXLAN {
			options["dst_port"] = d.vxlanUDPPort
		}
		intf := &Interface{Name: intfName, Type: string(kind), Options: options}
		log.Infof("Creating tunnel port %s to %s", intfName, remoteIP)
		if err := d.addPort(ctx, intf); err != nil {
			return 0, err
		}
	}

	return d.GetOfpPortNo(ctx, intfName)
}

// ListTunnelPorts returns the gre and vxlan ports of the bridge whose name
// is the one CreateTunnelPort gives them
func (d *OvsdbDriver) ListTunnelPorts(ctx context.Context) ([]*core.TunnelPort, error) {
	bridge, err := d.getBridge(ctx)
	if err != nil {
		return nil, err
	}

	ports := []Port{}
	err = d.ovs.WhereCache(func(p *Port) bool {
		return lo.Contains(bridge.Ports, p.UUID)
	}).List(ctx, &ports)
	if err != nil {
		return nil, err
	}
	portIntfs := lo.FlatMap(ports, func(p Port, _ int) []string { return p.Interfaces })

	intfs := []Interface{}
	err = d.ovs.WhereCache(func(intf *Interface) bool {
		return lo.Contains(portIntfs, intf.UUID) && intf.Ofport != nil && *intf.Ofport > 0
	}).List(ctx, &intfs)
	if err != nil {
		return nil, err
	}
	return lo.FilterMap(intfs, func(intf Interface, _ int) (*core.TunnelPort, bool) {
		return tunnelPortFromRow(&intf)
	}), nil
}

func tunnelPortFromRow(intf *Interface) (*core.TunnelPort, bool) {
	kind := core.NetworkType(intf.Type)
	if !kind.IsTunnel() || intf.Ofport == nil {
		return nil, false
	}
	remote := intf.Options["remote_ip"]
	if name, err := netutils.TunnelPortName(kind, remote); err != nil || name != intf.Name {
		return nil, false
	}
	return &core.TunnelPort{Name: intf.Name, Kind: kind, RemoteIP: remote, OfPort: uint32(*intf.Ofport)}, true
}

// AddUplink attaches a system interface to the bridge
func (d *OvsdbDriver) AddUplink(ctx context.Context, intfName string) (uint32, error) {
	if !d.IsPortNamePresent(ctx, intfName) {
		log.Infof("Adding uplink %s to bridge %s", intfName, d.bridgeName)
		if err := d.addPort(ctx, &Interface{Name: intfName}); err != nil {
			return 0, err
		}
	}
	return d.GetOfpPortNo(ctx, intfName)
}

// DeletePortByOfport removes the port owning the interface with ofport
func (d *OvsdbDriver) DeletePortByOfport(ctx context.Context, ofport uint32) error {
	intfs := []Interface{}
	err := d.ovs.WhereCache(func(intf *Interface) bool {
		return intf.Ofport != nil && *intf.Ofport == int(ofport)
	}).List(ctx, &intfs)
	if err != nil {
		return err
	}
	if len(intfs) == 0 {
		return core.Errorf("no interface with ofport %d", ofport)
	}
	return d.DeletePort(ctx, intfs[0].Name)
}

// DeletePort removes a port and its interfaces from the bridge
func (d *OvsdbDriver) DeletePort(ctx context.Context, portName string) error {
	port := &Port{Name: portName}
	if err := d.ovs.Get(ctx, port); err != nil {
		return err
	}
	bridge, err := d.getBridge(ctx)
	if err != nil {
		return err
	}

	mutateOps, err := d.ovs.Where(bridge).Mutate(bridge, model.Mutation{
		Field:   &bridge.Ports,
		Mutator: ovsdb.MutateOperationDelete,
		Value:   []string{port.UUID},
	})
	if err != nil {
		return err
	}
	deleteOps, err := d.ovs.Where(port).Delete()
	if err != nil {
		return err
	}

	log.Infof("Deleting port %s from bridge %s", portName, d.bridgeName)
	return d.performOvsdbOps(ctx, append(mutateOps, deleteOps...))
}

// SetPortTag writes the tag column of a port
func (d *OvsdbDriver) SetPortTag(ctx context.Context, portName string, tag int) error {
	port := &Port{Name: portName}
	if err := d.ovs.Get(ctx, port); err != nil {
		return err
	}
	port.Tag = &tag
	ops, err := d.ovs.Where(port).Update(port, &port.Tag)
	if err != nil {
		return err
	}
	return d.performOvsdbOps(ctx, ops)
}

// ListVifPorts returns the ports of the bridge that carry an iface-id
func (d *OvsdbDriver) ListVifPorts(ctx context.Context) ([]*core.VifPort, error) {
	bridge, err := d.getBridge(ctx)
	if err != nil {
		return nil, err
	}

	ports := []Port{}
	err = d.ovs.WhereCache(func(p *Port) bool {
		return lo.Contains(bridge.Ports, p.UUID)
	}).List(ctx, &ports)
	if err != nil {
		return nil, err
	}

	intfs := []Interface{}
	err = d.ovs.WhereCache(func(intf *Interface) bool {
		return intf.ExternalIDs[ifaceIDKey] != "" && intf.Ofport != nil && *intf.Ofport > 0
	}).List(ctx, &intfs)
	if err != nil {
		return nil, err
	}
	intfByUUID := lo.KeyBy(intfs, func(intf Interface) string { return intf.UUID })

	vifs := []*core.VifPort{}
	for _, port := range ports {
		for _, intfUUID := range port.Interfaces {
			intf, ok := intfByUUID[intfUUID]
			if !ok {
				continue
			}
			vifs = append(vifs, vifPortFromRows(&port, &intf))
		}
	}
	return vifs, nil
}

func vifPortFromRows(port *Port, intf *Interface) *core.VifPort {
	vif := &core.VifPort{
		ID:     intf.ExternalIDs[ifaceIDKey],
		Name:   port.Name,
		OfPort: uint32(*intf.Ofport),
		Tag:    -1,
	}
	if port.Tag != nil {
		vif.Tag = *port.Tag
	}
	if mac, err := net.ParseMAC(intf.ExternalIDs[attachedMACKey]); err == nil {
		vif.MAC = mac
	}
	return vif
}

// LocalPortMAC returns the mac in use by the bridge local port
func (d *OvsdbDriver) LocalPortMAC(ctx context.Context) (net.HardwareAddr, error) {
	intf := &Interface{Name: d.bridgeName}
	if err := d.ovs.Get(ctx, intf); err != nil {
		return nil, err
	}
	if intf.MACInUse == nil {
		return nil, core.Errorf("no mac_in_use on %s", d.bridgeName)
	}
	return net.ParseMAC(*intf.MACInUse)
}
