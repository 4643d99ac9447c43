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

package core

// Forwarding database update actions
const (
	FdbActionAdd     = "add"
	FdbActionRemove  = "remove"
	FdbActionReplace = "replace"
	FdbActionMigrate = "migrate"
	FdbActionChgIP   = "chg_ip"
)

// FdbEntry is a destination reachable through a remote agent. The flood
// entry (all zero mac and ip) stands for the flood domain of the network.
type FdbEntry struct {
	MAC string `json:"mac"`
	IP  string `json:"ip"`
}

// FdbNetwork holds the entries of one network keyed by remote agent ip
type FdbNetwork struct {
	NetworkType    NetworkType           `json:"network_type"`
	SegmentationID uint32                `json:"segment_id"`
	Ports          map[string][]FdbEntry `json:"ports"`
}

// FdbMove records a destination that moved from one remote agent to another
type FdbMove struct {
	FdbEntry
	Before string `json:"before"`
	After  string `json:"after"`
}

// FdbIPChange lists the entries of a remote agent whose ip changed
type FdbIPChange struct {
	Before []FdbEntry `json:"before"`
	After  []FdbEntry `json:"after"`
}

// FdbUpdate is one forwarding database notification. Entries is used by
// add, remove and replace; Moves by migrate; IPChanges by chg_ip. All maps
// are keyed by network id.
type FdbUpdate struct {
	Action    string                             `json:"action"`
	Entries   map[string]*FdbNetwork             `json:"entries,omitempty"`
	Moves     map[string][]FdbMove               `json:"moves,omitempty"`
	IPChanges map[string]map[string]*FdbIPChange `json:"ip_changes,omitempty"`
}

// ValidFdbAction returns true for the actions the agent implements
func ValidFdbAction(action string) bool {
	switch action {
	case FdbActionAdd, FdbActionRemove, FdbActionReplace, FdbActionMigrate, FdbActionChgIP:
		return true
	}
	return false
}
