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
	"sync"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/contiv/ofagent/core"
	"github.com/contiv/ofagent/pipeline"
	"github.com/contiv/ofagent/resources"
	"github.com/contiv/ofagent/utils/netutils"
	"github.com/contiv/ofagent/version"
)

// Agent holds the host agent state. All model and flow mutation happens on
// the loop goroutine; notification handlers only enqueue.
type Agent struct {
	info    *core.InstanceInfo
	sw      core.SwitchChannel
	prov    core.PortProvisioner
	rpc     core.PluginRPC
	agentID string

	pipe      *pipeline.Pipeline
	bindings  *BindingTable
	tunnels   *TunnelRegistry
	physPorts map[string]uint32 // physical network to uplink port
	queue     *eventQueue
	metrics   *agentMetrics

	stateMutex  sync.Mutex // held by the loop for a whole iteration
	registered  []string   // port ids seen by the last scan
	deviceCount int
	iterNum     uint64
	sync        bool // rescan every port
	tunnelSync  bool // register the tunnel endpoint again
	rebuild     bool // reset the pipeline and the model
	startFlag   bool // next state report carries start_flag
	reapTunnels bool // delete adopted tunnel ports nothing claimed
	lastScan    time.Time
	tagRetry    map[string]bool // bound ports whose tag write failed
}

// NewAgent creates an agent for the integration bridge reachable through sw
// and prov, reporting to rpc
func NewAgent(info *core.InstanceInfo, sw core.SwitchChannel, prov core.PortProvisioner,
	rpc core.PluginRPC) (*Agent, error) {
	pool, err := resources.NewTagPool(resources.MinTag, resources.MaxTag)
	if err != nil {
		return nil, err
	}

	pipe := pipeline.NewPipeline(sw)
	return &Agent{
		info:      info,
		sw:        sw,
		prov:      prov,
		rpc:       rpc,
		pipe:      pipe,
		bindings:  NewBindingTable(pool),
		tunnels:   NewTunnelRegistry(prov, pipe),
		physPorts: make(map[string]uint32),
		queue:     newEventQueue(),
		metrics:   newAgentMetrics(info.HostLabel),
		tagRetry:  make(map[string]bool),
	}, nil
}

// Init identifies the agent, attaches the uplinks and resets the pipeline.
// An error here means the agent cannot run.
func (ag *Agent) Init() error {
	ag.stateMutex.Lock()
	defer ag.stateMutex.Unlock()

	mac, err := ag.sw.LocalPortMAC()
	if err != nil {
		log.Errorf("Unable to read the mac of bridge %s. Err: %v", ag.info.BridgeName, err)
		return err
	}
	ag.agentID = netutils.AgentID(mac)
	log.Infof("Agent id %s", ag.agentID)

	ag.setupPhysicalBridges()

	if err := ag.pipe.Reset(); err != nil {
		log.Errorf("Failed to reset the integration bridge pipeline. Err: %v", err)
		return err
	}
	if err := ag.pipe.InstallCanary(); err != nil {
		return err
	}
	if err := ag.adoptTunnelPorts(); err != nil {
		log.Errorf("Failed to list the tunnel ports of the integration bridge. Err: %v", err)
		return err
	}

	ag.sync = true
	ag.tunnelSync = true
	ag.startFlag = true
	return nil
}

// adoptTunnelPorts registers the tunnel ports already on the bridge so
// that flows can use them again. The ones no binding or peer claims by
// the end of the next settled iteration are deleted.
func (ag *Agent) adoptTunnelPorts() error {
	ports, err := ag.prov.ListTunnelPorts()
	if err != nil {
		return err
	}
	if err := ag.tunnels.Adopt(ports); err != nil {
		return err
	}
	ag.reapTunnels = true
	return nil
}

// setupPhysicalBridges attaches the uplink of every bridge mapping.
// Networks on a mapping that failed are left unprovisioned.
func (ag *Agent) setupPhysicalBridges() {
	for _, physnet := range lo.Keys(ag.info.BridgeMappings) {
		ifName := ag.info.BridgeMappings[physnet]
		ofport, err := ag.prov.AddUplink(ifName)
		if err != nil {
			log.Errorf("Failed to attach %s for physical network %s. Err: %v", ifName, physnet, err)
			continue
		}
		log.Infof("Mapping physical network %s to %s (ofport %d)", physnet, ifName, ofport)
		ag.physPorts[physnet] = ofport
	}
}

// AgentID returns the identity the agent reports to the controller
func (ag *Agent) AgentID() string {
	return ag.agentID
}

// PortUpdate queues a port for re-processing. Its details are always
// fetched again from the controller.
func (ag *Agent) PortUpdate(portID string) {
	log.Debugf("port_update received port %s", portID)
	ag.queue.addUpdatedPort(portID)
}

// NetworkDelete queues the reclaim of a network
func (ag *Agent) NetworkDelete(networkID string) {
	log.Debugf("network_delete received network %s", networkID)
	ag.queue.push(&agentEvent{kind: networkDeleteEvent, networkID: networkID})
}

// TunnelUpdate queues the announce of a tunnel endpoint
func (ag *Agent) TunnelUpdate(tunnelIP string, tunnelType core.NetworkType) {
	log.Debugf("tunnel_update received %s %s", tunnelType, tunnelIP)
	ag.queue.push(&agentEvent{kind: tunnelUpdateEvent, tunnelIP: tunnelIP, tunnelType: tunnelType})
}

// FdbUpdate queues a forwarding database update. Unknown actions are
// rejected right away.
func (ag *Agent) FdbUpdate(update *core.FdbUpdate) error {
	if !core.ValidFdbAction(update.Action) {
		return core.Errorf("unknown fdb action %q", update.Action)
	}
	ag.queue.push(&agentEvent{kind: fdbUpdateEvent, fdb: update})
	return nil
}

// BindingInfo is the inspect view of a network binding
type BindingInfo struct {
	NetworkID    string             `json:"network-id"`
	Tag          int                `json:"tag"`
	Encap        core.Encapsulation `json:"encap"`
	Provisioned  bool               `json:"provisioned"`
	Members      []string           `json:"members"`
	FloodTunnels []uint32           `json:"flood-tunnels"`
}

// InspectState is the inspect view of the agent
type InspectState struct {
	AgentID     string        `json:"agent-id"`
	Iteration   uint64        `json:"iteration"`
	Devices     int           `json:"devices"`
	Bindings    []BindingInfo `json:"bindings"`
	TunnelPorts []uint32      `json:"tunnel-ports"`
	Build       *version.Info `json:"build"`
}

// Inspect returns a snapshot of the agent model
func (ag *Agent) Inspect() *InspectState {
	ag.stateMutex.Lock()
	defer ag.stateMutex.Unlock()

	state := &InspectState{
		AgentID:     ag.agentID,
		Iteration:   ag.iterNum,
		Devices:     ag.deviceCount,
		Bindings:    []BindingInfo{},
		TunnelPorts: ag.tunnels.Ports(),
		Build:       version.Get(),
	}
	for _, nb := range ag.bindings.List() {
		members := lo.Keys(nb.Members)
		sort.Strings(members)
		state.Bindings = append(state.Bindings, BindingInfo{
			NetworkID:    nb.NetworkID,
			Tag:          nb.Tag,
			Encap:        nb.Encap,
			Provisioned:  nb.Provisioned,
			Members:      members,
			FloodTunnels: nb.FloodTunnelPorts(),
		})
	}
	return state
}
