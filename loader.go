package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// objectExt is the extension of files picked up by discovery.
const objectExt = ".o"

// Discover walks root and returns every object file below it. Each
// directory becomes a Subsystem node and each object file a File node,
// joined by Contains edges from parent to child. Files of a directory are
// listed before those of its subdirectories. Hidden directories and paths
// matching an ignore pattern are skipped. Symbolic links are followed and
// keep the path they were found under; a directory reached twice through
// links is walked once.
func Discover(g *FactGraph, root string, patterns []string, obs Observer) ([]string, error) {
	start, err := canonicalPath(root)
	if err != nil {
		return nil, fmt.Errorf("%w: directory %s", ErrInputNotFound, root)
	}
	info, err := os.Stat(start)
	if err != nil {
		return nil, fmt.Errorf("%w: directory %s: %v", ErrInputNotFound, root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInputNotFound, root)
	}

	d := &discovery{graph: g, root: start, obs: obs, visited: make(map[string]bool)}
	if len(patterns) > 0 {
		d.ignore = ignore.CompileIgnoreLines(patterns...)
	}
	d.walk(start, "")
	return d.files, nil
}

type discovery struct {
	graph  *FactGraph
	root   string
	ignore *ignore.GitIgnore
	obs    Observer
	files  []string

	// visited holds the resolved path of every walked directory.
	visited map[string]bool
}

func (d *discovery) skip(path string, dir bool) bool {
	if d.ignore == nil {
		return false
	}
	rel, err := filepath.Rel(d.root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if d.ignore.MatchesPath(rel) {
		return true
	}
	return dir && d.ignore.MatchesPath(rel+"/")
}

func (d *discovery) walk(dir, parent string) {
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		if d.visited[resolved] {
			return
		}
		d.visited[resolved] = true
	}
	d.graph.AddNode(dir, NodeSubsystem, "", "")
	if parent != "" {
		d.graph.AddEdge(parent, dir, EdgeContains)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return // unreadable directory, keep going
	}

	var subdirs []string
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		mode := e.Type()
		if mode&fs.ModeSymlink != 0 {
			info, err := os.Stat(path)
			if err != nil {
				continue // dangling link
			}
			mode = info.Mode().Type()
		}
		switch {
		case mode.IsDir():
			if strings.HasPrefix(e.Name(), ".") || d.skip(path, true) {
				continue
			}
			subdirs = append(subdirs, path)
		case mode.IsRegular() && filepath.Ext(e.Name()) == objectExt:
			if d.skip(path, false) {
				continue
			}
			d.obs.FileFound(path)
			d.graph.AddNode(path, NodeFile, "", "")
			d.graph.AddEdge(dir, path, EdgeContains)
			d.files = append(d.files, path)
		}
	}

	for _, sub := range subdirs {
		d.walk(sub, dir)
	}
}
