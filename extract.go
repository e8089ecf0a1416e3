package main

import (
	"debug/elf"
	"fmt"
	"slices"
)

// fileFacts is everything one object file contributes to the graph. It is
// produced without touching the graph so extraction can run on any
// goroutine; the resolver applies it afterwards.
type fileFacts struct {
	Path    string
	Class   elf.Class
	Data    elf.Data
	Symbols []definedSymbol
	Skipped []error // symbols whose id could not be derived
	Err     error   // whole file unreadable
}

// definedSymbol is a symbol with its derived id and outgoing references.
type definedSymbol struct {
	Symbol
	ID      string
	Display string
	Refs    []string // raw target names in first-seen order
}

// extractFile reads one object file. Failures are reported inside the
// returned record so a bad file never stops the run.
func extractFile(path string) *fileFacts {
	ff := &fileFacts{Path: path}
	obj, err := OpenObject(path)
	if err != nil {
		ff.Err = err
		return ff
	}
	defer func() { _ = obj.Close() }()
	ff.Class, ff.Data = obj.Class, obj.Data

	for sym := range obj.Symbols() {
		id, err := obj.SymbolID(sym)
		if err != nil {
			ff.Skipped = append(ff.Skipped, fmt.Errorf("symbol %q: %w", sym.Name, err))
			continue
		}
		refs, err := symbolRefs(obj, sym)
		if err != nil {
			ff.Err = err
			return ff
		}
		ff.Symbols = append(ff.Symbols, definedSymbol{
			Symbol:  sym,
			ID:      id,
			Display: demangleName(sym.Name),
			Refs:    refs,
		})
	}
	return ff
}

// symbolRefs collects the named targets of every relocation that falls
// inside sym's address range.
func symbolRefs(obj *ObjectFile, sym Symbol) ([]string, error) {
	if sym.Size == 0 {
		return nil, nil
	}
	relIdx, ok := obj.RelocationSection(sym.Section)
	if !ok {
		return nil, nil
	}
	rels, err := obj.Relocations(relIdx)
	if err != nil {
		return nil, err
	}
	var refs []string
	for rel := range rels {
		if rel.Target == "" || !sym.Owns(rel.Offset) {
			continue
		}
		if !slices.Contains(refs, rel.Target) {
			refs = append(refs, rel.Target)
		}
	}
	return refs, nil
}
