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

package resources

import (
	"testing"

	"github.com/contiv/ofagent/core"
)

func TestTagAllocateLowestFirst(t *testing.T) {
	p, err := NewTagPool(MinTag, MaxTag)
	if err != nil {
		t.Fatalf("pool creation failed. Error: %s", err)
	}
	for i := 1; i <= 3; i++ {
		tag, err := p.Allocate()
		if err != nil {
			t.Fatalf("allocate failed. Error: %s", err)
		}
		if tag != i {
			t.Fatalf("expected tag %d, got %d", i, tag)
		}
	}
	if err := p.Release(2); err != nil {
		t.Fatalf("release failed. Error: %s", err)
	}
	if tag, _ := p.Allocate(); tag != 2 {
		t.Fatalf("released tag not reused, got %d", tag)
	}
	if p.Allocated() != 3 {
		t.Fatalf("expected 3 allocated tags, got %d", p.Allocated())
	}
}

func TestTagPoolExhausted(t *testing.T) {
	p, err := NewTagPool(10, 12)
	if err != nil {
		t.Fatalf("pool creation failed. Error: %s", err)
	}
	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		tag, err := p.Allocate()
		if err != nil {
			t.Fatalf("allocate failed. Error: %s", err)
		}
		if seen[tag] {
			t.Fatalf("tag %d handed out twice", tag)
		}
		seen[tag] = true
	}
	_, err = p.Allocate()
	if !core.IsCapacityExhausted(err) {
		t.Fatalf("expected capacity exhausted, got %v", err)
	}
}

func TestTagReleaseUnallocated(t *testing.T) {
	p, _ := NewTagPool(MinTag, MaxTag)
	if err := p.Release(5); !core.IsInvariantViolation(err) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	if err := p.Release(MaxTag + 1); !core.IsInvariantViolation(err) {
		t.Fatalf("expected invariant violation for out of range tag, got %v", err)
	}
}

func TestTagPoolReset(t *testing.T) {
	p, _ := NewTagPool(MinTag, MaxTag)
	tag, _ := p.Allocate()
	p.Reset()
	if p.InUse(tag) || p.Allocated() != 0 {
		t.Fatalf("reset left tag %d in use", tag)
	}
}

func TestTagPoolInvalidRange(t *testing.T) {
	if _, err := NewTagPool(0, 10); err == nil {
		t.Fatalf("tag 0 accepted in range")
	}
	if _, err := NewTagPool(20, 10); err == nil {
		t.Fatalf("inverted range accepted")
	}
}
