package main

import (
	"fmt"
	"path/filepath"
	"slices"
)

// InputSet is the ordered, duplicate-free list of object files to ingest.
// Paths are canonical: absolute with symlinks resolved.
type InputSet struct {
	files []string
	seen  map[string]struct{}
}

// NewInputSet creates an empty set.
func NewInputSet() *InputSet {
	return &InputSet{seen: make(map[string]struct{})}
}

// Add appends path unless it is already present.
func (s *InputSet) Add(path string) bool {
	if _, dup := s.seen[path]; dup {
		return false
	}
	s.seen[path] = struct{}{}
	s.files = append(s.files, path)
	return true
}

// Remove deletes path by exact match.
func (s *InputSet) Remove(path string) bool {
	if _, ok := s.seen[path]; !ok {
		return false
	}
	delete(s.seen, path)
	s.files = slices.DeleteFunc(s.files, func(f string) bool { return f == path })
	return true
}

// Files returns the paths in insertion order.
func (s *InputSet) Files() []string { return slices.Clone(s.files) }

// Len returns the number of paths.
func (s *InputSet) Len() int { return len(s.files) }

// canonicalPath makes path absolute and resolves symlinks. It fails when
// the path does not exist.
func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// collectInputs assembles the input set: explicit files first, then the
// discovered tree unless suppressed, then exclusions. Every returned path
// has a File node in g.
func collectInputs(g *FactGraph, cfg Config, obs Observer) ([]string, error) {
	set := NewInputSet()

	for _, in := range cfg.Inputs {
		p, err := canonicalPath(in)
		if err != nil {
			obs.FileNotFound(in)
			return nil, fmt.Errorf("%w: %s", ErrInputNotFound, in)
		}
		obs.FileFound(p)
		g.AddNode(p, NodeFile, "", "")
		set.Add(p)
	}

	if !cfg.Suppress {
		found, err := Discover(g, cfg.Dir, cfg.Ignore, obs)
		if err != nil {
			return nil, err
		}
		for _, p := range found {
			set.Add(p)
		}
	}

	for _, ex := range cfg.Excludes {
		p, err := canonicalPath(ex)
		if err != nil {
			obs.FileRemoved(ex, false)
			continue
		}
		removed := set.Remove(p)
		if removed {
			g.RemoveNode(p)
		}
		obs.FileRemoved(p, removed)
	}

	if set.Len() == 0 {
		return nil, ErrNoInputFiles
	}
	return set.Files(), nil
}
