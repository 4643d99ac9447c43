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

	cmap "github.com/streamrail/concurrent-map"

	"github.com/contiv/ofagent/core"
)

type eventKind int

const (
	networkDeleteEvent eventKind = iota
	tunnelUpdateEvent
	fdbUpdateEvent
)

// agentEvent is a controller notification waiting for the loop
type agentEvent struct {
	kind       eventKind
	networkID  string
	tunnelIP   string
	tunnelType core.NetworkType
	fdb        *core.FdbUpdate
	// boundOnly replays entries of networks that only their ports may bind
	boundOnly bool
}

// eventQueue hands notifications from the server goroutines to the loop.
// Handlers only enqueue; the loop is the single consumer.
type eventQueue struct {
	updatedPorts cmap.ConcurrentMap
	mutex        sync.Mutex
	events       []*agentEvent
	wake         chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		updatedPorts: cmap.New(),
		wake:         make(chan struct{}, 1),
	}
}

func (q *eventQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// addUpdatedPort marks a port for re-processing
func (q *eventQueue) addUpdatedPort(portID string) {
	q.updatedPorts.Set(portID, true)
	q.notify()
}

// takeUpdatedPorts returns and clears the pending updated ports
func (q *eventQueue) takeUpdatedPorts() []string {
	ports := []string{}
	for item := range q.updatedPorts.IterBuffered() {
		ports = append(ports, item.Key)
	}
	for _, portID := range ports {
		q.updatedPorts.Remove(portID)
	}
	sort.Strings(ports)
	return ports
}

func (q *eventQueue) hasUpdatedPorts() bool {
	return q.updatedPorts.Count() > 0
}

// restoreUpdatedPorts puts back ports an iteration failed to process
func (q *eventQueue) restoreUpdatedPorts(ports []string) {
	for _, portID := range ports {
		q.updatedPorts.Set(portID, true)
	}
}

func (q *eventQueue) push(ev *agentEvent) {
	q.mutex.Lock()
	q.events = append(q.events, ev)
	q.mutex.Unlock()
	q.notify()
}

// takeEvents returns and clears the pending events in arrival order
func (q *eventQueue) takeEvents() []*agentEvent {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	events := q.events
	q.events = nil
	return events
}

// restoreEvents puts events back at the head of the queue, ahead of the
// ones that arrived since they were taken
func (q *eventQueue) restoreEvents(events []*agentEvent) {
	if len(events) == 0 {
		return
	}
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.events = append(append([]*agentEvent{}, events...), q.events...)
}
