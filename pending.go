package main

import "iter"

// PendingRefs holds references whose target symbol had not been seen yet
// when the referencing file was linked. Sources and their targets are kept
// in first-observed order and each (source, target) pair is stored once.
type PendingRefs struct {
	order   []string
	targets map[string][]string
	seen    map[[2]string]struct{}
	pairs   int
}

// NewPendingRefs creates an empty table.
func NewPendingRefs() *PendingRefs {
	return &PendingRefs{
		targets: make(map[string][]string),
		seen:    make(map[[2]string]struct{}),
	}
}

// Add records that src references dst. It returns false if the pair is
// already pending.
func (p *PendingRefs) Add(src, dst string) bool {
	k := [2]string{src, dst}
	if _, dup := p.seen[k]; dup {
		return false
	}
	p.seen[k] = struct{}{}
	if _, ok := p.targets[src]; !ok {
		p.order = append(p.order, src)
	}
	p.targets[src] = append(p.targets[src], dst)
	p.pairs++
	return true
}

// Targets returns the pending targets of src.
func (p *PendingRefs) Targets(src string) []string {
	return p.targets[src]
}

// Len returns the number of pending pairs.
func (p *PendingRefs) Len() int { return p.pairs }

// Sources returns the number of distinct referencing names.
func (p *PendingRefs) Sources() int { return len(p.order) }

// Drain empties the table and yields its pairs once, in the order they were
// first observed.
func (p *PendingRefs) Drain() iter.Seq2[string, string] {
	order, targets := p.order, p.targets
	p.order = nil
	p.targets = make(map[string][]string)
	p.seen = make(map[[2]string]struct{})
	p.pairs = 0
	return func(yield func(string, string) bool) {
		for _, src := range order {
			for _, dst := range targets[src] {
				if !yield(src, dst) {
					return
				}
			}
		}
	}
}
