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
	"net"
	"sort"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/contiv/ofagent/core"
	"github.com/contiv/ofagent/utils/netutils"
)

// fdbBinding returns the binding an fdb update for networkID applies to, or
// nil when the update is ignored. Only add and replace pass fdbNet and may
// bind a network seen for the first time.
func (ag *Agent) fdbBinding(networkID string, fdbNet *core.FdbNetwork) (*NetworkBinding, error) {
	nb, ok := ag.bindings.Get(networkID)
	if !ok {
		return ag.fdbCreateBinding(networkID, fdbNet)
	}
	if !nb.Encap.Type.IsTunnel() || !nb.Provisioned {
		log.Debugf("Network %s is not a provisioned tunnel network, ignoring fdb entries", networkID)
		return nil, nil
	}
	return nb, nil
}

// fdbCreateBinding binds a tunnel network first referenced by fdb entries
// of other agents. A nil binding means the entries are ignored.
func (ag *Agent) fdbCreateBinding(networkID string, fdbNet *core.FdbNetwork) (*NetworkBinding, error) {
	if fdbNet == nil || !fdbNet.NetworkType.IsTunnel() || !ag.tunnelTypeEnabled(fdbNet.NetworkType) ||
		len(ag.remoteAgents(fdbNet.Ports)) == 0 {
		log.Debugf("Network %s not used on agent, ignoring fdb entries", networkID)
		return nil, nil
	}

	encap := core.Encapsulation{Type: fdbNet.NetworkType, SegmentationID: fdbNet.SegmentationID}
	nb, _, err := ag.bindings.Bind(networkID, encap)
	if err != nil {
		log.Errorf("No local tag available for net-id %s. Err: %v", networkID, err)
		return nil, nil
	}
	if err := ag.provisionNetwork(nb); err != nil {
		log.Errorf("Failed to provision net-id %s. Err: %v", networkID, err)
		if relErr := ag.bindings.Release(networkID); relErr != nil {
			ag.invariant(relErr)
		}
		return nil, err
	}
	return nb, nil
}

// releaseIfIdle reclaims a binding left without members and fdb references
func (ag *Agent) releaseIfIdle(nb *NetworkBinding) error {
	if len(nb.Members) != 0 || len(nb.FloodTunnels) != 0 || len(nb.unicast) != 0 {
		return nil
	}
	if _, ok := ag.bindings.Get(nb.NetworkID); !ok {
		return nil
	}
	return ag.reclaimNetwork(nb)
}

// remoteAgents returns the remote agent ips of an fdb network, sorted,
// without the local one
func (ag *Agent) remoteAgents(ports map[string][]core.FdbEntry) []string {
	remotes := lo.Keys(lo.OmitByKeys(ports, []string{ag.info.LocalIP}))
	sort.Strings(remotes)
	return remotes
}

func sortedKeys[T any](m map[string]T) []string {
	ids := lo.Keys(m)
	sort.Strings(ids)
	return ids
}

// fdbUpdate dispatches a forwarding database update on its action. With
// boundOnly, added entries never bind a network.
func (ag *Agent) fdbUpdate(update *core.FdbUpdate, boundOnly bool) error {
	log.Debugf("fdb_update %s received", update.Action)
	switch update.Action {
	case core.FdbActionAdd:
		return ag.fdbAdd(update.Entries, boundOnly)
	case core.FdbActionRemove:
		return ag.fdbRemove(update.Entries)
	case core.FdbActionReplace:
		return ag.fdbReplace(update.Entries)
	case core.FdbActionMigrate:
		return ag.fdbMigrate(update.Moves)
	case core.FdbActionChgIP:
		ag.fdbChangeIP(update.IPChanges)
		return nil
	}
	return core.Errorf("unknown fdb action %q", update.Action)
}

func (ag *Agent) fdbAdd(entries map[string]*core.FdbNetwork, boundOnly bool) error {
	for _, networkID := range sortedKeys(entries) {
		fdbNet := entries[networkID]
		if boundOnly {
			fdbNet = nil
		}
		nb, err := ag.fdbBinding(networkID, fdbNet)
		if err != nil {
			return err
		}
		if nb == nil {
			continue
		}
		if err := ag.addNetworkEntries(nb, entries[networkID]); err != nil {
			return err
		}
		if err := ag.releaseIfIdle(nb); err != nil {
			return err
		}
	}
	return nil
}

func (ag *Agent) addNetworkEntries(nb *NetworkBinding, fdbNet *core.FdbNetwork) error {
	for _, remote := range ag.remoteAgents(fdbNet.Ports) {
		for _, entry := range fdbNet.Ports[remote] {
			if err := ag.addFdbEntry(nb, remote, entry); err != nil {
				return err
			}
		}
	}
	return nil
}

// addFdbEntry makes entry reachable through the tunnel towards remote. A
// tunnel port that cannot be created skips the entry.
func (ag *Agent) addFdbEntry(nb *NetworkBinding, remote string, entry core.FdbEntry) error {
	kind, tag, key := nb.Encap.Type, nb.Tag, nb.Encap.SegmentationID

	flood := netutils.IsFloodEntry(entry.MAC)
	var mac net.HardwareAddr
	if !flood {
		var err error
		if mac, err = net.ParseMAC(entry.MAC); err != nil {
			log.Errorf("Invalid mac %q in fdb entry of net-id %s", entry.MAC, nb.NetworkID)
			return nil
		}
	}

	ofport, err := ag.tunnels.Ensure(kind, remote)
	if err != nil {
		if core.IsPortSetupFailed(err) {
			log.Errorf("Skipping fdb entry %s of net-id %s. Err: %v", entry.MAC, nb.NetworkID, err)
			return nil
		}
		return err
	}

	if flood {
		nb.FloodTunnels[remote] = ofport
		return ag.pipe.InstallTunnelFlood(kind, tag, key, nb.FloodTunnelPorts())
	}

	prev := nb.unicast[mac.String()]
	nb.unicast[mac.String()] = &remoteMAC{mac: mac, ip: entry.IP, remote: remote, ofport: ofport}
	if err := ag.pipe.InstallTunnelUnicast(tag, key, ofport, mac); err != nil {
		return err
	}

	// the install replaced the entry of a previous location
	if prev != nil && prev.ofport != ofport {
		return ag.tunnels.ReleaseIfUnused(prev.ofport, ag.bindings.List())
	}
	return nil
}

func (ag *Agent) fdbRemove(entries map[string]*core.FdbNetwork) error {
	for _, networkID := range sortedKeys(entries) {
		nb, err := ag.fdbBinding(networkID, nil)
		if err != nil {
			return err
		}
		if nb == nil {
			continue
		}
		fdbNet := entries[networkID]
		for _, remote := range ag.remoteAgents(fdbNet.Ports) {
			for _, entry := range fdbNet.Ports[remote] {
				if err := ag.removeFdbEntry(nb, remote, entry); err != nil {
					return err
				}
			}
		}
		if err := ag.releaseIfIdle(nb); err != nil {
			return err
		}
	}
	return nil
}

// removeFdbEntry removes entry of remote. Removing the last flood tunnel
// deletes the flood entry of the network instead of leaving it without
// outputs.
func (ag *Agent) removeFdbEntry(nb *NetworkBinding, remote string, entry core.FdbEntry) error {
	kind, tag, key := nb.Encap.Type, nb.Tag, nb.Encap.SegmentationID

	ofport, ok := ag.tunnels.Lookup(kind, remote)
	if !ok {
		return nil
	}

	if netutils.IsFloodEntry(entry.MAC) {
		if _, ok := nb.FloodTunnels[remote]; !ok {
			return nil
		}
		delete(nb.FloodTunnels, remote)
		var err error
		if len(nb.FloodTunnels) > 0 {
			err = ag.pipe.InstallTunnelFlood(kind, tag, key, nb.FloodTunnelPorts())
		} else {
			err = ag.pipe.DeleteTunnelFlood(kind, tag)
		}
		if err != nil {
			return err
		}
	} else {
		mac, err := net.ParseMAC(entry.MAC)
		if err != nil {
			log.Errorf("Invalid mac %q in fdb entry of net-id %s", entry.MAC, nb.NetworkID)
			return nil
		}
		ref, ok := nb.unicast[mac.String()]
		if !ok || ref.remote != remote {
			return nil
		}
		delete(nb.unicast, mac.String())
		if err := ag.pipe.DeleteTunnelUnicast(tag, mac); err != nil {
			return err
		}
	}

	return ag.tunnels.ReleaseIfUnused(ofport, ag.bindings.List())
}

// fdbReplace makes the given entries the complete forwarding database of
// each network named. New entries are added before stale ones go.
func (ag *Agent) fdbReplace(entries map[string]*core.FdbNetwork) error {
	for _, networkID := range sortedKeys(entries) {
		fdbNet := entries[networkID]
		nb, err := ag.fdbBinding(networkID, fdbNet)
		if err != nil {
			return err
		}
		if nb == nil {
			continue
		}
		if err := ag.addNetworkEntries(nb, fdbNet); err != nil {
			return err
		}

		floodRemotes := []string{}
		unicastMACs := []string{}
		for _, remote := range ag.remoteAgents(fdbNet.Ports) {
			for _, entry := range fdbNet.Ports[remote] {
				if netutils.IsFloodEntry(entry.MAC) {
					floodRemotes = append(floodRemotes, remote)
				} else if mac, err := net.ParseMAC(entry.MAC); err == nil {
					unicastMACs = append(unicastMACs, mac.String())
				}
			}
		}

		staleFlood, _ := lo.Difference(lo.Keys(nb.FloodTunnels), floodRemotes)
		sort.Strings(staleFlood)
		for _, remote := range staleFlood {
			err := ag.removeFdbEntry(nb, remote, core.FdbEntry{MAC: netutils.FloodMAC, IP: netutils.FloodIP})
			if err != nil {
				return err
			}
		}

		staleMACs, _ := lo.Difference(lo.Keys(nb.unicast), unicastMACs)
		sort.Strings(staleMACs)
		for _, mac := range staleMACs {
			ref := nb.unicast[mac]
			if err := ag.removeFdbEntry(nb, ref.remote, core.FdbEntry{MAC: mac, IP: ref.ip}); err != nil {
				return err
			}
		}
		if err := ag.releaseIfIdle(nb); err != nil {
			return err
		}
	}
	return nil
}

// fdbMigrate moves entries to their new remote agent, adding the new
// location before removing the old one
func (ag *Agent) fdbMigrate(moves map[string][]core.FdbMove) error {
	for _, networkID := range sortedKeys(moves) {
		nb, err := ag.fdbBinding(networkID, nil)
		if err != nil {
			return err
		}
		if nb == nil {
			continue
		}
		for _, move := range moves[networkID] {
			if move.After != "" && move.After != ag.info.LocalIP {
				if err := ag.addFdbEntry(nb, move.After, move.FdbEntry); err != nil {
					return err
				}
			}
			if move.Before != "" && move.Before != ag.info.LocalIP && move.Before != move.After {
				if err := ag.removeFdbEntry(nb, move.Before, move.FdbEntry); err != nil {
					return err
				}
			}
		}
		if err := ag.releaseIfIdle(nb); err != nil {
			return err
		}
	}
	return nil
}

// fdbChangeIP records new ips for known remote macs. Flows match on mac
// only, so no flow changes.
func (ag *Agent) fdbChangeIP(changes map[string]map[string]*core.FdbIPChange) {
	for _, networkID := range sortedKeys(changes) {
		nb, _ := ag.fdbBinding(networkID, nil)
		if nb == nil {
			continue
		}
		for remote, change := range lo.OmitByKeys(changes[networkID], []string{ag.info.LocalIP}) {
			for _, entry := range change.After {
				mac, err := net.ParseMAC(entry.MAC)
				if err != nil {
					continue
				}
				if ref, ok := nb.unicast[mac.String()]; ok && ref.remote == remote {
					log.Debugf("fdb entry %s of net-id %s changed ip from %s to %s",
						mac, networkID, ref.ip, entry.IP)
					ref.ip = entry.IP
				}
			}
		}
	}
}

// fdbSnapshot returns the forwarding database learned by nb as fdb
// entries, or nil when it learned none
func fdbSnapshot(nb *NetworkBinding) *core.FdbNetwork {
	if len(nb.FloodTunnels) == 0 && len(nb.unicast) == 0 {
		return nil
	}
	fdbNet := &core.FdbNetwork{
		NetworkType:    nb.Encap.Type,
		SegmentationID: nb.Encap.SegmentationID,
		Ports:          make(map[string][]core.FdbEntry),
	}
	for _, remote := range sortedKeys(nb.FloodTunnels) {
		fdbNet.Ports[remote] = append(fdbNet.Ports[remote], core.FdbEntry{MAC: netutils.FloodMAC, IP: netutils.FloodIP})
	}
	for _, mac := range sortedKeys(nb.unicast) {
		ref := nb.unicast[mac]
		fdbNet.Ports[ref.remote] = append(fdbNet.Ports[ref.remote], core.FdbEntry{MAC: mac, IP: ref.ip})
	}
	return fdbNet
}

// replayEvents returns the events that restore the pinned tunnels and the
// forwarding database of the model once it was reset. Entries of networks
// with members wait for their ports to bind them again.
func (ag *Agent) replayEvents() []*agentEvent {
	events := lo.Map(ag.tunnels.pinnedKeys(), func(key tunnelKey, _ int) *agentEvent {
		return &agentEvent{kind: tunnelUpdateEvent, tunnelIP: key.remote, tunnelType: key.kind}
	})

	fdbOnly := map[string]*core.FdbNetwork{}
	members := map[string]*core.FdbNetwork{}
	for _, nb := range ag.bindings.List() {
		fdbNet := fdbSnapshot(nb)
		switch {
		case fdbNet == nil:
		case len(nb.Members) > 0:
			members[nb.NetworkID] = fdbNet
		default:
			fdbOnly[nb.NetworkID] = fdbNet
		}
	}
	if len(fdbOnly) > 0 {
		events = append(events, &agentEvent{kind: fdbUpdateEvent,
			fdb: &core.FdbUpdate{Action: core.FdbActionAdd, Entries: fdbOnly}})
	}
	if len(members) > 0 {
		events = append(events, &agentEvent{kind: fdbUpdateEvent, boundOnly: true,
			fdb: &core.FdbUpdate{Action: core.FdbActionAdd, Entries: members}})
	}
	return events
}
