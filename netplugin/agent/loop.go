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
	"context"
	"sort"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/contiv/ofagent/core"
)

// IterationStats summarizes one pass of the reconciliation loop
type IterationStats struct {
	Iteration uint64
	Added     int
	Updated   int
	Removed   int
	Results   []DeviceResult
	Resync    bool
	Elapsed   time.Duration
}

// DeviceOutcome is the result of processing one device
type DeviceOutcome string

// Device outcomes
const (
	DeviceDone    DeviceOutcome = "done"
	DeviceSkipped DeviceOutcome = "skipped"
	DeviceFailed  DeviceOutcome = "failed"
)

// DeviceResult records how one device of an iteration was processed. A
// failed device asks for a resync without stopping the others.
type DeviceResult struct {
	Device  string
	Outcome DeviceOutcome
	Err     error
}

// portInfo is the outcome of a port scan, as sorted port ids
type portInfo struct {
	current map[string]*core.VifPort
	added   []string
	updated []string
	removed []string
}

// RunOnce performs a single iteration of the reconciliation loop
func (ag *Agent) RunOnce(ctx context.Context) *IterationStats {
	ag.stateMutex.Lock()
	defer ag.stateMutex.Unlock()

	start := time.Now()
	stats := &IterationStats{Iteration: ag.iterNum}
	log.Debugf("Agent loop - iteration:%d started", ag.iterNum)

	defer func() {
		stats.Elapsed = time.Since(start)
		ag.metrics.observeIteration(stats, ag.bindings.Len(), ag.tunnels.Len())
		log.Debugf("Agent loop - iteration:%d completed. Processed ports added:%d updated:%d removed:%d. Elapsed:%s",
			ag.iterNum, stats.Added, stats.Updated, stats.Removed, stats.Elapsed)
		ag.iterNum++
	}()

	ag.checkCanary()
	if ag.rebuild {
		if err := ag.rebuildState(); err != nil {
			log.Errorf("Failed to reset the integration bridge. Err: %v", err)
			return stats
		}
	}

	forceScan := ag.sync
	if ag.sync {
		log.Infof("Agent out of sync with plugin!")
		ag.registered = nil
		ag.sync = false
	}

	if ag.info.TunnelingEnabled() && ag.tunnelSync {
		log.Infof("Agent tunnel out of sync with plugin!")
		ag.tunnelSync = ag.syncTunnels()
	}

	if ctx.Err() != nil {
		return stats
	}

	scanFailed := false
	if ag.scanDue(forceScan) {
		updated := ag.queue.takeUpdatedPorts()
		ag.lastScan = time.Now()
		if err := ag.processNetworkPorts(updated, stats); err != nil {
			log.Errorf("Error while processing VIF ports. Err: %v", err)
			ag.queue.restoreUpdatedPorts(updated)
			ag.forceResync(err)
			stats.Resync = true
			scanFailed = true
		}
	}

	// notifications wait for the model to be consistent again
	if !scanFailed {
		ag.processEvents(stats)
	}

	if ag.reapTunnels && !stats.Resync && !ag.rebuild && !(ag.info.TunnelingEnabled() && ag.tunnelSync) {
		if err := ag.tunnels.ReapAdopted(ag.bindings.List()); err != nil {
			log.Errorf("Failed to remove unused tunnel ports. Err: %v", err)
			ag.forceResync(err)
			stats.Resync = true
		} else {
			ag.reapTunnels = false
		}
	}

	if stats.Resync {
		ag.sync = true
	}
	if ag.startFlag && ag.info.ReportInterval > 0 {
		ag.reportState()
	}
	return stats
}

// scanDue tells whether the iteration lists the switch ports. With
// minimized polling a scan needs pending port updates, a forced sync or an
// expired full scan interval.
func (ag *Agent) scanDue(forced bool) bool {
	if !ag.info.MinimizePolling || forced || ag.queue.hasUpdatedPorts() {
		return true
	}
	return time.Since(ag.lastScan) >= ag.info.FullScanInterval
}

// processEvents applies the pending notifications in arrival order. On a
// failure the rest is put back for the next iteration. An event breaking an
// invariant is dropped since applying it again cannot succeed.
func (ag *Agent) processEvents(stats *IterationStats) {
	events := ag.queue.takeEvents()
	for i, ev := range events {
		err := ag.processEvent(ev)
		if err == nil {
			continue
		}
		log.Errorf("Error while processing notification. Err: %v", err)
		if core.IsInvariantViolation(err) {
			ag.queue.restoreEvents(events[i+1:])
		} else {
			ag.queue.restoreEvents(events[i:])
		}
		ag.forceResync(err)
		stats.Resync = true
		return
	}
}

// forceResync schedules a full port rescan. A switch error also schedules
// a rebuild of the pipeline since the edits it interrupted may have left
// partial state.
func (ag *Agent) forceResync(err error) {
	ag.sync = true
	if core.IsChannelError(err) {
		ag.rebuild = true
		ag.metrics.resyncs.WithLabelValues(resyncChannel).Inc()
		return
	}
	if core.IsInvariantViolation(err) {
		ag.invariant(err)
	}
	ag.metrics.resyncs.WithLabelValues(resyncError).Inc()
}

// checkCanary schedules a rebuild when the canary flow is gone, meaning
// the switch lost its tables
func (ag *Agent) checkCanary() {
	present, err := ag.pipe.CanaryPresent()
	if err != nil {
		log.Errorf("Failed to check canary flow. Err: %v", err)
		return
	}
	if !present {
		log.Warnf("Canary flow missing, the switch was restarted")
		ag.metrics.resyncs.WithLabelValues(resyncRestart).Inc()
		ag.rebuild = true
	}
}

// rebuildState resets the pipeline and forgets the whole model, so that
// the next scan and tunnel sync rebuild it from scratch. What the model
// learned from notifications is queued again ahead of newer ones, and the
// tunnel ports left on the bridge are adopted.
func (ag *Agent) rebuildState() error {
	log.Infof("Rebuilding the integration bridge pipeline")
	if err := ag.pipe.Reset(); err != nil {
		return err
	}
	if err := ag.pipe.InstallCanary(); err != nil {
		return err
	}

	ag.queue.restoreEvents(ag.replayEvents())
	ag.bindings.Reset()
	ag.tunnels.Reset()
	ag.tagRetry = make(map[string]bool)
	if err := ag.adoptTunnelPorts(); err != nil {
		return err
	}
	ag.registered = nil
	ag.rebuild = false
	ag.sync = true
	ag.tunnelSync = true
	ag.startFlag = true
	return nil
}

// syncTunnels registers the local tunnel endpoint with the controller and,
// without l2 population, creates the tunnel ports of every peer. It
// returns true when the sync must be retried.
func (ag *Agent) syncTunnels() bool {
	for _, kind := range ag.info.TunnelTypes {
		peers, err := ag.rpc.TunnelSync(ag.info.LocalIP, kind)
		if err != nil {
			log.Debugf("Unable to sync tunnel IP %s. Err: %v", ag.info.LocalIP, err)
			return true
		}
		if ag.info.L2Population {
			continue
		}
		for _, peer := range lo.Without(peers, ag.info.LocalIP) {
			if _, err := ag.tunnels.EnsurePinned(kind, peer); err != nil {
				log.Errorf("Failed to set up %s tunnel to %s. Err: %v", kind, peer, err)
				if core.IsChannelError(err) {
					ag.forceResync(err)
					return true
				}
			}
		}
	}
	return false
}

// scanPorts diffs the ports on the switch against the registered ones.
// Bound ports whose tag or mac on the switch disagree with the model are
// reported as updated.
func (ag *Agent) scanPorts(vifs []*core.VifPort, updated []string) *portInfo {
	vifs = lo.Filter(vifs, func(vif *core.VifPort, _ int) bool { return vif.ID != "" })
	info := &portInfo{current: lo.KeyBy(vifs, func(vif *core.VifPort) string { return vif.ID })}
	curPorts := lo.Keys(info.current)

	changed := ag.checkChangedPorts(info.current)
	info.updated = lo.Intersect(lo.Union(updated, changed), curPorts)
	// bound ports count as known so that a sync still unbinds vanished ones
	known := lo.Union(ag.registered, ag.bindings.PortIDs())
	info.added, _ = lo.Difference(curPorts, ag.registered)
	_, info.removed = lo.Difference(curPorts, known)

	sort.Strings(info.added)
	sort.Strings(info.updated)
	sort.Strings(info.removed)
	return info
}

func (ag *Agent) checkChangedPorts(current map[string]*core.VifPort) []string {
	changed := []string{}
	for portID, vif := range current {
		nb, ref, ok := ag.bindings.LookupPort(portID)
		if !ok {
			continue
		}
		// a tag the agent failed to write is not a lost one
		retry := vif.Tag != nb.Tag && ag.tagRetry[portID]
		if retry {
			ag.retryPortTag(vif, nb.Tag)
		}
		switch {
		case vif.Tag != nb.Tag && !retry:
			log.Infof("Port '%s' has lost its local tag '%d'!", vif.Name, nb.Tag)
			changed = append(changed, portID)
		case !bytes.Equal(vif.MAC, ref.MAC):
			log.Infof("Port '%s' changed mac from %v to %v", vif.Name, ref.MAC, vif.MAC)
			changed = append(changed, portID)
		case vif.OfPort != ref.OfPort:
			log.Infof("Port '%s' changed ofport from %d to %d", vif.Name, ref.OfPort, vif.OfPort)
			changed = append(changed, portID)
		}
	}
	return changed
}

// processNetworkPorts scans the switch ports and wires or unwires the ports
// that changed. Per device failures are collected in stats; the returned
// error is systemic.
func (ag *Agent) processNetworkPorts(updated []string, stats *IterationStats) error {
	vifs, err := ag.sw.ListPorts()
	if err != nil {
		return err
	}

	info := ag.scanPorts(vifs, updated)
	ag.registered = lo.Keys(info.current)
	ag.deviceCount = len(info.current)
	stats.Added, stats.Updated, stats.Removed = len(info.added), len(info.updated), len(info.removed)

	addedUpdated := lo.Union(info.added, info.updated)
	sort.Strings(addedUpdated)
	for _, device := range addedUpdated {
		res, err := ag.treatDevice(info.current[device])
		if err != nil {
			return err
		}
		ag.recordResult(stats, res)
	}

	for _, device := range info.removed {
		res, err := ag.treatDeviceRemoved(device)
		if err != nil {
			return err
		}
		ag.recordResult(stats, res)
	}
	return nil
}

func (ag *Agent) recordResult(stats *IterationStats, res DeviceResult) {
	stats.Results = append(stats.Results, res)
	ag.metrics.deviceResults.WithLabelValues(string(res.Outcome)).Inc()
	if res.Outcome == DeviceFailed {
		stats.Resync = true
		ag.metrics.resyncs.WithLabelValues(resyncRPC).Inc()
	}
}

// treatDevice fetches the details of an added or updated device and binds
// or marks it down accordingly
func (ag *Agent) treatDevice(vif *core.VifPort) (DeviceResult, error) {
	device := vif.ID
	log.Debugf("Processing port %s", device)

	details, err := ag.rpc.GetDeviceDetails(device, ag.agentID)
	if err != nil {
		log.Debugf("Unable to get port details for %s. Err: %v", device, err)
		return DeviceResult{Device: device, Outcome: DeviceFailed, Err: err}, nil
	}

	if details.PortID == "" {
		log.Warnf("Device %s not defined on plugin", device)
		return DeviceResult{Device: device, Outcome: DeviceSkipped}, ag.markDown(vif)
	}
	log.Infof("Port %s updated. Details: %+v", device, details)

	if details.AdminStateUp {
		err = ag.bindPort(vif, details)
	} else {
		err = ag.markDown(vif)
	}
	if err != nil {
		switch {
		case core.IsCapacityExhausted(err):
			// retried on the next iteration, a tag may be free by then
			ag.queue.restoreUpdatedPorts([]string{device})
			return DeviceResult{Device: device, Outcome: DeviceSkipped, Err: err}, nil
		case core.IsInvariantViolation(err):
			ag.invariant(err)
			return DeviceResult{Device: device, Outcome: DeviceFailed, Err: err}, nil
		}
		return DeviceResult{Device: device, Outcome: DeviceFailed, Err: err}, err
	}

	if details.AdminStateUp {
		log.Debugf("Setting status for %s to UP", device)
		err = ag.rpc.UpdateDeviceUp(device, ag.agentID, ag.info.HostLabel)
	} else {
		log.Debugf("Setting status for %s to DOWN", device)
		err = ag.rpc.UpdateDeviceDown(device, ag.agentID, ag.info.HostLabel)
	}
	if err != nil {
		log.Errorf("Failed to update status of device %s. Err: %v", device, err)
		return DeviceResult{Device: device, Outcome: DeviceFailed, Err: err}, nil
	}

	log.Infof("Configuration for device %s completed.", device)
	return DeviceResult{Device: device, Outcome: DeviceDone}, nil
}

// treatDeviceRemoved reports a vanished device down and unbinds it. The
// unbind happens even when the report fails.
func (ag *Agent) treatDeviceRemoved(device string) (DeviceResult, error) {
	log.Infof("Attachment %s removed", device)
	res := DeviceResult{Device: device, Outcome: DeviceDone}

	if err := ag.rpc.UpdateDeviceDown(device, ag.agentID, ag.info.HostLabel); err != nil {
		log.Debugf("port_removed failed for %s. Err: %v", device, err)
		res = DeviceResult{Device: device, Outcome: DeviceFailed, Err: err}
	}

	if err := ag.unbindPort(device); err != nil {
		return DeviceResult{Device: device, Outcome: DeviceFailed, Err: err}, err
	}
	return res, nil
}

// processEvent applies one controller notification
func (ag *Agent) processEvent(ev *agentEvent) error {
	switch ev.kind {
	case networkDeleteEvent:
		nb, ok := ag.bindings.Get(ev.networkID)
		if !ok {
			log.Debugf("Network %s not used on agent.", ev.networkID)
			return nil
		}
		return ag.reclaimNetwork(nb)

	case tunnelUpdateEvent:
		return ag.tunnelUpdate(ev.tunnelIP, ev.tunnelType)

	case fdbUpdateEvent:
		return ag.fdbUpdate(ev.fdb, ev.boundOnly)
	}
	return nil
}

func (ag *Agent) tunnelUpdate(tunnelIP string, tunnelType core.NetworkType) error {
	if !ag.info.TunnelingEnabled() {
		return nil
	}
	if tunnelType == "" {
		log.Errorf("No tunnel_type specified, cannot create tunnels")
		return nil
	}
	if !ag.tunnelTypeEnabled(tunnelType) {
		log.Errorf("tunnel_type %s not supported by agent", tunnelType)
		return nil
	}
	if tunnelIP == ag.info.LocalIP || ag.info.L2Population {
		return nil
	}

	if _, err := ag.tunnels.EnsurePinned(tunnelType, tunnelIP); err != nil {
		if core.IsPortSetupFailed(err) {
			log.Errorf("Failed to set up %s tunnel to %s. Err: %v", tunnelType, tunnelIP, err)
			return nil
		}
		return err
	}
	return nil
}

// reportState sends the agent heartbeat. The start flag is cleared once a
// report carrying it went through.
func (ag *Agent) reportState() {
	state := &core.AgentState{
		AgentID:        ag.agentID,
		Host:           ag.info.HostLabel,
		TunnelTypes:    lo.Map(ag.info.TunnelTypes, func(t core.NetworkType, _ int) string { return string(t) }),
		TunnelingIP:    ag.info.LocalIP,
		BridgeMappings: ag.info.BridgeMappings,
		Devices:        ag.deviceCount,
		StartFlag:      ag.startFlag,
	}
	if err := ag.rpc.ReportState(state); err != nil {
		log.Errorf("Failed reporting state! Err: %v", err)
		return
	}
	ag.startFlag = false
}

// Run loops until ctx is done, one iteration per polling interval and
// immediately when a notification is pending
func (ag *Agent) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	var reportC <-chan time.Time
	if ag.info.ReportInterval > 0 {
		reportTicker := time.NewTicker(ag.info.ReportInterval)
		defer reportTicker.Stop()
		reportC = reportTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Infof("Agent loop stopped")
			return nil
		case <-reportC:
			ag.stateMutex.Lock()
			ag.reportState()
			ag.stateMutex.Unlock()
			continue
		case <-ag.queue.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		stats := ag.RunOnce(ctx)
		wait := ag.info.PollingInterval - stats.Elapsed
		if wait < 0 {
			log.Debugf("Loop iteration exceeded interval (%s vs. %s)!", ag.info.PollingInterval, stats.Elapsed)
			wait = 0
		}
		timer.Reset(wait)
	}
}
