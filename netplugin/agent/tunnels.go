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
	"sort"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/contiv/ofagent/core"
	"github.com/contiv/ofagent/pipeline"
	"github.com/contiv/ofagent/utils/netutils"
)

type tunnelKey struct {
	kind   core.NetworkType
	remote string
}

// TunnelRegistry tracks the tunnel ports of the integration bridge, one
// per (tunnel type, remote agent) in use. Pinned ports were asked for by
// tunnel sync and are kept without fdb references. Adopted ports were found
// on the switch after a rebuild and are reaped unless claimed again.
type TunnelRegistry struct {
	prov    core.PortProvisioner
	pipe    *pipeline.Pipeline
	ports   map[tunnelKey]uint32
	pinned  map[tunnelKey]bool
	adopted map[tunnelKey]bool
}

// NewTunnelRegistry returns an empty registry
func NewTunnelRegistry(prov core.PortProvisioner, pipe *pipeline.Pipeline) *TunnelRegistry {
	tr := &TunnelRegistry{prov: prov, pipe: pipe}
	tr.Reset()
	return tr
}

// Lookup returns the tunnel port towards remote
func (tr *TunnelRegistry) Lookup(kind core.NetworkType, remote string) (uint32, bool) {
	ofport, ok := tr.ports[tunnelKey{kind, remote}]
	return ofport, ok
}

// Ensure returns the tunnel port towards remote, creating the port and its
// ingress classification when it does not exist yet. A failure leaves no
// port behind.
func (tr *TunnelRegistry) Ensure(kind core.NetworkType, remote string) (uint32, error) {
	key := tunnelKey{kind, remote}
	if ofport, ok := tr.ports[key]; ok {
		delete(tr.adopted, key)
		return ofport, nil
	}

	if _, err := netutils.TunnelPortName(kind, remote); err != nil {
		return 0, &core.PortSetupFailed{Kind: string(kind), Remote: remote, Err: err}
	}

	ofport, err := tr.prov.CreateTunnelPort(kind, remote)
	if err != nil {
		log.Errorf("Failed to set up %s tunnel port to %s. Err: %v", kind, remote, err)
		return 0, &core.PortSetupFailed{Kind: string(kind), Remote: remote, Err: err}
	}

	if err := tr.pipe.CheckInPortAddTunnelPort(kind, ofport); err != nil {
		log.Errorf("Failed to classify %s tunnel port %d. Err: %v", kind, ofport, err)
		if delErr := tr.prov.DeletePort(ofport); delErr != nil {
			log.Errorf("Failed to remove tunnel port %d. Err: %v", ofport, delErr)
		}
		return 0, err
	}

	tr.ports[key] = ofport
	log.Infof("Created %s tunnel port %d to %s", kind, ofport, remote)
	return ofport, nil
}

// EnsurePinned is Ensure for ports that must stay up without fdb
// references
func (tr *TunnelRegistry) EnsurePinned(kind core.NetworkType, remote string) (uint32, error) {
	ofport, err := tr.Ensure(kind, remote)
	if err != nil {
		return 0, err
	}
	tr.pinned[tunnelKey{kind, remote}] = true
	return ofport, nil
}

// Adopt registers tunnel ports already on the switch and reinstalls their
// ingress classification
func (tr *TunnelRegistry) Adopt(ports []*core.TunnelPort) error {
	for _, port := range ports {
		key := tunnelKey{port.Kind, port.RemoteIP}
		if _, ok := tr.ports[key]; ok {
			continue
		}
		if err := tr.pipe.CheckInPortAddTunnelPort(port.Kind, port.OfPort); err != nil {
			return err
		}
		tr.ports[key] = port.OfPort
		tr.adopted[key] = true
		log.Infof("Found %s tunnel port %d to %s", port.Kind, port.OfPort, port.RemoteIP)
	}
	return nil
}

// ReapAdopted tears down the adopted ports nothing claimed since
func (tr *TunnelRegistry) ReapAdopted(bindings []*NetworkBinding) error {
	keys := lo.Keys(tr.adopted)
	sort.Slice(keys, func(i, j int) bool { return tr.ports[keys[i]] < tr.ports[keys[j]] })
	for _, key := range keys {
		if err := tr.ReleaseIfUnused(tr.ports[key], bindings); err != nil {
			return err
		}
		delete(tr.adopted, key)
	}
	return nil
}

// ReleaseIfUnused tears down ofport when no binding references it, either
// through its flood set or a unicast entry, and tunnel sync did not pin it
func (tr *TunnelRegistry) ReleaseIfUnused(ofport uint32, bindings []*NetworkBinding) error {
	if lo.SomeBy(bindings, func(nb *NetworkBinding) bool { return nb.referencesTunnel(ofport) }) {
		return nil
	}

	key, ok := lo.FindKey(tr.ports, ofport)
	if !ok || tr.pinned[key] {
		return nil
	}

	if err := tr.pipe.CheckInPortDeletePort(ofport); err != nil {
		return err
	}
	if err := tr.prov.DeletePort(ofport); err != nil {
		log.Errorf("Failed to delete %s tunnel port %d to %s. Err: %v", key.kind, ofport, key.remote, err)
		return err
	}

	delete(tr.ports, key)
	delete(tr.adopted, key)
	log.Infof("Removed unused %s tunnel port %d to %s", key.kind, ofport, key.remote)
	return nil
}

// Ports returns the registered tunnel port numbers, sorted
func (tr *TunnelRegistry) Ports() []uint32 {
	ports := lo.Values(tr.ports)
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// Len returns the number of tunnel ports
func (tr *TunnelRegistry) Len() int {
	return len(tr.ports)
}

// Reset forgets every tunnel port. The ports themselves survive on the
// switch and are found again by Adopt or Ensure.
func (tr *TunnelRegistry) Reset() {
	tr.ports = make(map[tunnelKey]uint32)
	tr.pinned = make(map[tunnelKey]bool)
	tr.adopted = make(map[tunnelKey]bool)
}

// pinnedKeys returns the pinned tunnels ordered by type and remote
func (tr *TunnelRegistry) pinnedKeys() []tunnelKey {
	keys := lo.Keys(tr.pinned)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].remote < keys[j].remote
	})
	return keys
}
