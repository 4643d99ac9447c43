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
	"reflect"
	"testing"
)

func TestEventQueueUpdatedPorts(t *testing.T) {
	q := newEventQueue()
	q.addUpdatedPort("p2")
	q.addUpdatedPort("p1")
	q.addUpdatedPort("p2")

	if ports := q.takeUpdatedPorts(); !reflect.DeepEqual(ports, []string{"p1", "p2"}) {
		t.Fatalf("takeUpdatedPorts returned %v", ports)
	}
	if ports := q.takeUpdatedPorts(); len(ports) != 0 {
		t.Fatalf("updated ports not cleared: %v", ports)
	}

	q.restoreUpdatedPorts([]string{"p3"})
	if ports := q.takeUpdatedPorts(); !reflect.DeepEqual(ports, []string{"p3"}) {
		t.Fatalf("restored ports returned %v", ports)
	}
}

func TestEventQueueEvents(t *testing.T) {
	q := newEventQueue()
	q.push(&agentEvent{kind: networkDeleteEvent, networkID: "net1"})
	q.push(&agentEvent{kind: tunnelUpdateEvent, tunnelIP: "10.0.0.2"})

	events := q.takeEvents()
	if len(events) != 2 || events[0].networkID != "net1" || events[1].tunnelIP != "10.0.0.2" {
		t.Fatalf("events not returned in arrival order: %+v", events)
	}
	if len(q.takeEvents()) != 0 {
		t.Fatalf("events not cleared")
	}
}

func TestEventQueueWake(t *testing.T) {
	q := newEventQueue()
	q.addUpdatedPort("p1")
	q.push(&agentEvent{kind: networkDeleteEvent})
	q.push(&agentEvent{kind: networkDeleteEvent})

	select {
	case <-q.wake:
	default:
		t.Fatalf("no wake up pending")
	}
	select {
	case <-q.wake:
		t.Fatalf("wake ups not coalesced")
	default:
	}
}

func TestEventQueueRestoreEvents(t *testing.T) {
	q := newEventQueue()
	q.push(&agentEvent{kind: networkDeleteEvent, networkID: "net1"})
	q.push(&agentEvent{kind: networkDeleteEvent, networkID: "net2"})
	taken := q.takeEvents()
	<-q.wake

	q.push(&agentEvent{kind: networkDeleteEvent, networkID: "net3"})
	<-q.wake
	q.restoreEvents(taken[1:])
	select {
	case <-q.wake:
		t.Fatalf("restored events woke the loop")
	default:
	}

	events := q.takeEvents()
	if len(events) != 2 || events[0].networkID != "net2" || events[1].networkID != "net3" {
		t.Fatalf("restored events not ahead of newer ones: %+v", events)
	}
	if q.hasUpdatedPorts() {
		t.Fatalf("no updated ports expected")
	}
}
