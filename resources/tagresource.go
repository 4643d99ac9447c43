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
	"fmt"

	"github.com/contiv/ofagent/core"
	"github.com/jainvipin/bitset"
)

// implements the local tag pool. A local tag stands in for a tenant network
// inside the switch metadata; tags are host scoped and handed out from a
// bounded range.

const (
	// MinTag is the lowest tag handed out
	MinTag = 1
	// MaxTag is the highest tag handed out, bounded by the metadata network mask
	MaxTag = 4094

	localTagRsrc = "local-tag"
)

// TagPool allocates local tags. It is not safe for concurrent use; the
// agent loop is its only user.
type TagPool struct {
	min, max  uint
	freeTags  *bitset.BitSet
	allocated uint
}

// NewTagPool returns a pool covering [min, max]
func NewTagPool(min, max int) (*TagPool, error) {
	if min < MinTag || max > MaxTag || min > max {
		return nil, core.Errorf("invalid tag range %d-%d", min, max)
	}
	p := &TagPool{min: uint(min), max: uint(max), freeTags: bitset.New(uint(max) + 1)}
	for tag := p.min; tag <= p.max; tag++ {
		p.freeTags.Set(tag)
	}
	return p, nil
}

// Allocate hands out the lowest free tag
func (p *TagPool) Allocate() (int, error) {
	tag, ok := p.freeTags.NextSet(p.min)
	if !ok || tag > p.max {
		return 0, &core.CapacityExhausted{Resource: localTagRsrc}
	}
	p.freeTags.Clear(tag)
	p.allocated++
	return int(tag), nil
}

// Release returns a tag to the pool. Releasing a tag that is not allocated
// is a programming error.
func (p *TagPool) Release(tag int) error {
	if tag < int(p.min) || tag > int(p.max) {
		return &core.InvariantViolation{Desc: fmt.Sprintf("tag %d out of range", tag)}
	}
	if p.freeTags.Test(uint(tag)) {
		return &core.InvariantViolation{Desc: fmt.Sprintf("tag %d is not allocated", tag)}
	}
	p.freeTags.Set(uint(tag))
	p.allocated--
	return nil
}

// InUse returns true if the tag is currently allocated
func (p *TagPool) InUse(tag int) bool {
	if tag < int(p.min) || tag > int(p.max) {
		return false
	}
	return !p.freeTags.Test(uint(tag))
}

// Allocated returns the number of tags handed out
func (p *TagPool) Allocated() int {
	return int(p.allocated)
}

// Reset frees every tag
func (p *TagPool) Reset() {
	for tag := p.min; tag <= p.max; tag++ {
		p.freeTags.Set(tag)
	}
	p.allocated = 0
}
