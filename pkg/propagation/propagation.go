// Package propagation accumulates the resource operations a lifecycle step
// requires the provisioning layer to carry out.
package propagation

import (
	"cmp"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// ResourceOperation is the kind of change to propagate.
type ResourceOperation string

const (
	Create ResourceOperation = "CREATE"
	Update ResourceOperation = "UPDATE"
	Delete ResourceOperation = "DELETE"
)

// LinkedAccountRef identifies a linked account on an external resource.
type LinkedAccountRef struct {
	Resource           string `json:"resource"`
	ConnObjectKeyValue string `json:"connObjectKeyValue"`
}

func (r LinkedAccountRef) String() string {
	return fmt.Sprintf("%s:%s", r.Resource, r.ConnObjectKeyValue)
}

// PropagationByResource maps each operation to the set of targets it
// applies to. The zero value is empty and ready to use. Like a nil map, a
// nil accumulator reads as empty and ignores removals, but adding to it
// panics.
type PropagationByResource[T comparable] struct {
	ops map[ResourceOperation]map[T]struct{}
}

// New returns an empty accumulator.
func New[T comparable]() *PropagationByResource[T] {
	return &PropagationByResource[T]{ops: make(map[ResourceOperation]map[T]struct{})}
}

func (p *PropagationByResource[T]) set(op ResourceOperation) map[T]struct{} {
	if p.ops == nil {
		p.ops = make(map[ResourceOperation]map[T]struct{})
	}
	s, ok := p.ops[op]
	if !ok {
		s = make(map[T]struct{})
		p.ops[op] = s
	}
	return s
}

// Add records op for target.
func (p *PropagationByResource[T]) Add(op ResourceOperation, target T) {
	p.set(op)[target] = struct{}{}
}

// AddAll records op for every target.
func (p *PropagationByResource[T]) AddAll(op ResourceOperation, targets []T) {
	s := p.set(op)
	for _, t := range targets {
		s[t] = struct{}{}
	}
}

// Remove drops target from op.
func (p *PropagationByResource[T]) Remove(op ResourceOperation, target T) {
	if p == nil {
		return
	}
	if s, ok := p.ops[op]; ok {
		delete(s, target)
		if len(s) == 0 {
			delete(p.ops, op)
		}
	}
}

// Contains reports whether target is recorded under op.
func (p *PropagationByResource[T]) Contains(op ResourceOperation, target T) bool {
	if p == nil {
		return false
	}
	_, ok := p.ops[op][target]
	return ok
}

// Get returns the targets recorded under op, unordered.
func (p *PropagationByResource[T]) Get(op ResourceOperation) []T {
	if p == nil {
		return nil
	}
	return slices.Collect(maps.Keys(p.ops[op]))
}

// Operations returns the operations that have at least one target.
func (p *PropagationByResource[T]) Operations() []ResourceOperation {
	if p == nil {
		return []ResourceOperation{}
	}
	ops := make([]ResourceOperation, 0, len(p.ops))
	for op, s := range p.ops {
		if len(s) > 0 {
			ops = append(ops, op)
		}
	}
	slices.Sort(ops)
	return ops
}

// IsEmpty reports whether nothing is recorded.
func (p *PropagationByResource[T]) IsEmpty() bool {
	if p == nil {
		return true
	}
	for _, s := range p.ops {
		if len(s) > 0 {
			return false
		}
	}
	return true
}

// Merge adds everything recorded in other.
func (p *PropagationByResource[T]) Merge(other *PropagationByResource[T]) {
	if other == nil {
		return
	}
	for op, s := range other.ops {
		dst := p.set(op)
		for t := range s {
			dst[t] = struct{}{}
		}
	}
}

// Purge resolves contradicting entries: a target both created and deleted
// in the same step is dropped entirely, and an update is redundant next to
// a create or delete of the same target.
func (p *PropagationByResource[T]) Purge() {
	if p == nil {
		return
	}
	for t := range p.ops[Create] {
		if _, ok := p.ops[Delete][t]; ok {
			delete(p.ops[Create], t)
			delete(p.ops[Delete], t)
		}
	}
	for t := range p.ops[Update] {
		_, created := p.ops[Create][t]
		_, deleted := p.ops[Delete][t]
		if created || deleted {
			delete(p.ops[Update], t)
		}
	}
	for op, s := range p.ops {
		if len(s) == 0 {
			delete(p.ops, op)
		}
	}
}

// Clear removes everything recorded.
func (p *PropagationByResource[T]) Clear() {
	if p == nil {
		return
	}
	clear(p.ops)
}

// Clone returns an independent copy.
func (p *PropagationByResource[T]) Clone() *PropagationByResource[T] {
	c := New[T]()
	c.Merge(p)
	return c
}

// Snapshot is a serializable view of an accumulator.
type Snapshot[T comparable] map[ResourceOperation][]T

// Snapshot returns the recorded operations, each target list sorted with
// less when it is non-nil.
func (p *PropagationByResource[T]) Snapshot(less func(a, b T) int) Snapshot[T] {
	if p == nil {
		return Snapshot[T]{}
	}
	out := make(Snapshot[T], len(p.ops))
	for op, s := range p.ops {
		if len(s) == 0 {
			continue
		}
		targets := slices.Collect(maps.Keys(s))
		if less != nil {
			slices.SortFunc(targets, less)
		}
		out[op] = targets
	}
	return out
}

// FromSnapshot rebuilds an accumulator.
func FromSnapshot[T comparable](s Snapshot[T]) *PropagationByResource[T] {
	p := New[T]()
	for op, targets := range s {
		p.AddAll(op, targets)
	}
	return p
}

// SortedResources returns the targets of op in lexical order.
func SortedResources(p *PropagationByResource[string], op ResourceOperation) []string {
	targets := p.Get(op)
	slices.Sort(targets)
	return targets
}

// CompareLinkedAccounts orders linked account references by resource then
// object key.
func CompareLinkedAccounts(a, b LinkedAccountRef) int {
	if c := cmp.Compare(a.Resource, b.Resource); c != 0 {
		return c
	}
	return cmp.Compare(a.ConnObjectKeyValue, b.ConnObjectKeyValue)
}

func (p *PropagationByResource[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Snapshot(nil))
}

func (p *PropagationByResource[T]) UnmarshalJSON(data []byte) error {
	var s Snapshot[T]
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = *FromSnapshot(s)
	return nil
}
