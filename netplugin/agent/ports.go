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
	"bytes"

	log "github.com/sirupsen/logrus"

	"github.com/contiv/ofagent/core"
)

// invariant handles a detected programming error
func (ag *Agent) invariant(err error) {
	if ag.info.StrictInvariants {
		panic(err)
	}
	log.Errorf("Ignoring invariant violation. Err: %v", err)
}

func (ag *Agent) tunnelTypeEnabled(kind core.NetworkType) bool {
	for _, t := range ag.info.TunnelTypes {
		if t == kind {
			return true
		}
	}
	return false
}

// provisionNetwork installs the tenant flows of a new binding. A network
// that cannot be carried by this host is logged and left unprovisioned.
func (ag *Agent) provisionNetwork(nb *NetworkBinding) error {
	encap := nb.Encap
	switch {
	case encap.Type.IsTunnel():
		if !ag.tunnelTypeEnabled(encap.Type) {
			log.Errorf("Cannot provision %s network for net-id %s - tunneling disabled",
				encap.Type, nb.NetworkID)
			return nil
		}
		if err := ag.pipe.ProvisionTenantTunnel(encap.Type, nb.Tag, encap.SegmentationID); err != nil {
			return err
		}

	case encap.Type.IsPhysical():
		physPort, ok := ag.physPorts[encap.PhysicalNetwork]
		if !ok {
			log.Errorf("Cannot provision %s network for net-id %s - no bridge for physical network %s",
				encap.Type, nb.NetworkID, encap.PhysicalNetwork)
			return nil
		}
		err := ag.pipe.ProvisionTenantPhysnet(encap.Type, nb.Tag, uint16(encap.SegmentationID), physPort)
		if err != nil {
			return err
		}

	case encap.Type == core.NetworkTypeLocal:
		// no flows needed for local networks

	default:
		log.Errorf("Cannot provision unknown network type %q for net-id %s", encap.Type, nb.NetworkID)
		return nil
	}

	nb.Provisioned = true
	return nil
}

// reclaimNetwork removes every flow of a binding, including those of its
// remaining members, releases its tag and tears down tunnel ports nothing
// else uses
func (ag *Agent) reclaimNetwork(nb *NetworkBinding) error {
	log.Infof("Reclaiming network %s (tag %d)", nb.NetworkID, nb.Tag)

	for portID, ref := range nb.Members {
		if err := ag.removePortFlows(nb, ref); err != nil {
			return err
		}
		ag.bindings.RemoveMember(nb, portID)
		delete(ag.tagRetry, portID)
	}
	if err := ag.pipe.LocalFloodDelete(nb.Tag); err != nil {
		return err
	}

	if nb.Provisioned {
		encap := nb.Encap
		switch {
		case encap.Type.IsTunnel():
			if err := ag.pipe.ReclaimTenantTunnel(encap.Type, encap.SegmentationID); err != nil {
				return err
			}
			if err := ag.pipe.DeleteTunnelFlood(encap.Type, nb.Tag); err != nil {
				return err
			}
			if err := ag.pipe.DeleteTunnelUnicast(nb.Tag, nil); err != nil {
				return err
			}
		case encap.Type.IsPhysical():
			err := ag.pipe.ReclaimTenantPhysnet(encap.Type, nb.Tag, uint16(encap.SegmentationID),
				ag.physPorts[encap.PhysicalNetwork])
			if err != nil {
				return err
			}
		}
	}

	tunnelPorts := nb.tunnelPorts()
	nb.FloodTunnels = make(map[string]uint32)
	nb.unicast = make(map[string]*remoteMAC)
	if err := ag.bindings.Release(nb.NetworkID); err != nil {
		ag.invariant(err)
	}

	for _, ofport := range tunnelPorts {
		if err := ag.tunnels.ReleaseIfUnused(ofport, ag.bindings.List()); err != nil {
			return err
		}
	}
	return nil
}

func (ag *Agent) removePortFlows(nb *NetworkBinding, ref *PortRef) error {
	if err := ag.pipe.CheckInPortDeletePort(ref.OfPort); err != nil {
		return err
	}
	if ref.MAC != nil {
		return ag.pipe.LocalOutDeletePort(nb.Tag, ref.MAC)
	}
	return nil
}

// bindPort attaches a port to its network, provisioning the network when
// it is the first member. Re-binding a port with a changed mac, port
// number or network replaces its previous flows.
func (ag *Agent) bindPort(vif *core.VifPort, details *core.DeviceDetails) error {
	if nb, _, ok := ag.bindings.LookupPort(vif.ID); ok && nb.NetworkID != details.NetworkID {
		log.Infof("Port %s moved from net-id %s to %s", vif.ID, nb.NetworkID, details.NetworkID)
		if err := ag.unbindPort(vif.ID); err != nil {
			return err
		}
	}

	nb, created, err := ag.bindings.Bind(details.NetworkID, details.Encapsulation)
	if err != nil {
		log.Errorf("No local tag available for net-id %s. Err: %v", details.NetworkID, err)
		return err
	}
	if created {
		if err := ag.provisionNetwork(nb); err != nil {
			log.Errorf("Failed to provision net-id %s. Err: %v", nb.NetworkID, err)
			if relErr := ag.bindings.Release(nb.NetworkID); relErr != nil {
				ag.invariant(relErr)
			}
			return err
		}
	}

	ref := &PortRef{
		PortID:  vif.ID,
		Name:    vif.Name,
		OfPort:  vif.OfPort,
		MAC:     vif.MAC,
		AdminUp: details.AdminStateUp,
	}
	if prev, ok := nb.Members[vif.ID]; ok {
		if prev.OfPort != ref.OfPort {
			if err := ag.pipe.CheckInPortDeletePort(prev.OfPort); err != nil {
				return err
			}
		}
		if prev.MAC != nil && !bytes.Equal(prev.MAC, ref.MAC) {
			if err := ag.pipe.LocalOutDeletePort(nb.Tag, prev.MAC); err != nil {
				return err
			}
		}
	}
	ag.bindings.AddMember(nb, ref)

	if err := ag.pipe.CheckInPortAddLocalPort(nb.Tag, ref.OfPort); err != nil {
		return err
	}
	if err := ag.pipe.LocalFloodUpdate(nb.Tag, nb.MemberPorts(), nb.FloodUnicast()); err != nil {
		return err
	}
	if ref.MAC != nil {
		if err := ag.pipe.LocalOutAddPort(nb.Tag, ref.OfPort, ref.MAC); err != nil {
			return err
		}
	}

	// the tag column lets a later scan notice ports reset by the switch
	if err := ag.prov.SetPortTag(ref.Name, nb.Tag); err != nil {
		log.Warnf("Failed to set tag %d on port %s. Err: %v", nb.Tag, ref.Name, err)
		ag.tagRetry[vif.ID] = true
	} else {
		delete(ag.tagRetry, vif.ID)
	}

	log.Infof("Bound port %s (ofport %d) to net-id %s tag %d", vif.ID, ref.OfPort, nb.NetworkID, nb.Tag)
	return nil
}

// unbindPort detaches a port from its network and reclaims the network
// when it was the last member
func (ag *Agent) unbindPort(portID string) error {
	nb, ref, ok := ag.bindings.LookupPort(portID)
	if !ok {
		log.Infof("Port %s is not bound, nothing to unbind", portID)
		return nil
	}

	if err := ag.removePortFlows(nb, ref); err != nil {
		return err
	}
	ag.bindings.RemoveMember(nb, portID)
	delete(ag.tagRetry, portID)
	log.Infof("Unbound port %s from net-id %s", portID, nb.NetworkID)

	if len(nb.Members) == 0 {
		return ag.reclaimNetwork(nb)
	}
	return ag.pipe.LocalFloodUpdate(nb.Tag, nb.MemberPorts(), nb.FloodUnicast())
}

// markDown handles a port that is administratively down or unknown to the
// controller: it is not wired, and any previous binding is removed
func (ag *Agent) markDown(vif *core.VifPort) error {
	if _, _, ok := ag.bindings.LookupPort(vif.ID); ok {
		return ag.unbindPort(vif.ID)
	}
	log.Debugf("Port %s left unbound", vif.ID)
	return nil
}

// retryPortTag writes the tag of a bound port again after a failed write.
// The flows of the port are in place so nothing else is redone.
func (ag *Agent) retryPortTag(vif *core.VifPort, tag int) {
	if err := ag.prov.SetPortTag(vif.Name, tag); err != nil {
		log.Debugf("Failed again to set tag %d on port %s. Err: %v", tag, vif.Name, err)
		return
	}
	log.Infof("Set tag %d on port %s", tag, vif.Name)
	delete(ag.tagRetry, vif.ID)
}
