package main

import (
	"debug/elf"
	"errors"
	"fmt"
	"iter"
	"strings"
)

// relocationPrefixes name a relocation section after the section it
// patches: ".rel.text" and ".rela.text" both apply to ".text".
var relocationPrefixes = [...]string{".rel", ".rela"}

// Symbol is a defined function or data symbol read from an object file.
type Symbol struct {
	Name    string // raw (mangled) name
	Address uint64
	Size    uint64
	Kind    NodeKind // NodeFunction or NodeObject
	Section int
}

// Owns reports whether a relocation at offset lies inside the symbol.
// Zero-size symbols own nothing.
func (s Symbol) Owns(offset uint64) bool {
	return inRange(s.Address, s.Size, offset)
}

// inRange reports whether offset lies in [addr, addr+size).
func inRange(addr, size, offset uint64) bool {
	return offset >= addr && offset-addr < size
}

// Relocation is one reference recorded in a relocation section.
type Relocation struct {
	Offset uint64
	Target string // raw name of the referenced symbol, "" for section-relative entries
}

// ObjectFile is an opened ELF object. It only extracts; it knows nothing
// about other files or the graph.
type ObjectFile struct {
	Path  string
	Class elf.Class
	Data  elf.Data

	file     *elf.File
	symtab   []elf.Symbol   // symbol table without the leading null entry
	relocFor map[string]int // target section name → relocation section index
	relocs   map[int][]Relocation
}

// OpenObject opens path and indexes its symbol table and relocation
// sections. Any failure is reported as ErrUnreadableObject and leaves
// nothing open.
func OpenObject(path string) (*ObjectFile, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadableObject, path, err)
	}

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: symbol table: %v", ErrUnreadableObject, path, err)
	}

	o := &ObjectFile{
		Path:     path,
		Class:    f.Class,
		Data:     f.Data,
		file:     f,
		symtab:   syms,
		relocFor: make(map[string]int),
		relocs:   make(map[int][]Relocation),
	}
	for i, s := range f.Sections {
		for _, prefix := range relocationPrefixes {
			target, ok := strings.CutPrefix(s.Name, prefix)
			if !ok {
				continue
			}
			if _, dup := o.relocFor[target]; !dup {
				o.relocFor[target] = i
			}
		}
	}
	return o, nil
}

// Close releases the underlying file.
func (o *ObjectFile) Close() error {
	return o.file.Close()
}

// Symbols yields every defined function and object symbol. Undefined
// symbols belong to some other file and every other symbol type (section,
// file, notype, tls) is skipped.
func (o *ObjectFile) Symbols() iter.Seq[Symbol] {
	return func(yield func(Symbol) bool) {
		for _, s := range o.symtab {
			if s.Section == elf.SHN_UNDEF {
				continue
			}
			var kind NodeKind
			switch elf.ST_TYPE(s.Info) {
			case elf.STT_FUNC:
				kind = NodeFunction
			case elf.STT_OBJECT:
				kind = NodeObject
			default:
				continue
			}
			sym := Symbol{
				Name:    s.Name,
				Address: s.Value,
				Size:    s.Size,
				Kind:    kind,
				Section: int(s.Section),
			}
			if !yield(sym) {
				return
			}
		}
	}
}

// SectionName returns the name of section idx. Reserved indices such as
// SHN_ABS and SHN_COMMON do not name a real section.
func (o *ObjectFile) SectionName(idx int) (string, error) {
	if idx <= 0 || idx >= len(o.file.Sections) {
		return "", fmt.Errorf("%w: index %d in %s", ErrInvalidSection, idx, o.Path)
	}
	return o.file.Sections[idx].Name, nil
}

// SymbolID derives the node id of sym.
func (o *ObjectFile) SymbolID(sym Symbol) (string, error) {
	name, err := o.SectionName(sym.Section)
	if err != nil {
		return "", err
	}
	return SymbolID(o.Path, name, sym.Address), nil
}

// RelocationSection returns the index of the relocation section that
// patches section idx.
func (o *ObjectFile) RelocationSection(idx int) (int, bool) {
	if idx <= 0 || idx >= len(o.file.Sections) {
		return 0, false
	}
	rel, ok := o.relocFor[o.file.Sections[idx].Name]
	return rel, ok
}

// Relocations yields the entries of relocation section idx. Entries are
// decoded once per file and shared by every symbol of the patched section.
func (o *ObjectFile) Relocations(idx int) (iter.Seq[Relocation], error) {
	rels, ok := o.relocs[idx]
	if !ok {
		if idx <= 0 || idx >= len(o.file.Sections) {
			return nil, fmt.Errorf("%w: relocation section %d in %s", ErrInvalidSection, idx, o.Path)
		}
		var err error
		rels, err = o.decodeRelocations(o.file.Sections[idx])
		if err != nil {
			return nil, err
		}
		o.relocs[idx] = rels
	}
	return func(yield func(Relocation) bool) {
		for _, r := range rels {
			if !yield(r) {
				return
			}
		}
	}, nil
}

func (o *ObjectFile) decodeRelocations(sec *elf.Section) ([]Relocation, error) {
	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read %s: %v", ErrUnreadableObject, o.Path, sec.Name, err)
	}

	rela := sec.Type == elf.SHT_RELA ||
		(sec.Type != elf.SHT_REL && strings.HasPrefix(sec.Name, ".rela"))
	is64 := o.Class == elf.ELFCLASS64

	var entsize int
	switch {
	case is64 && rela:
		entsize = 24
	case is64:
		entsize = 16
	case rela:
		entsize = 12
	default:
		entsize = 8
	}
	if len(data)%entsize != 0 {
		return nil, fmt.Errorf("%w: %s: %s size %d is not a multiple of %d",
			ErrUnreadableObject, o.Path, sec.Name, len(data), entsize)
	}

	bo := o.file.ByteOrder
	out := make([]Relocation, 0, len(data)/entsize)
	for off := 0; off+entsize <= len(data); off += entsize {
		var r Relocation
		var symIdx uint32
		if is64 {
			r.Offset = bo.Uint64(data[off:])
			symIdx = elf.R_SYM64(bo.Uint64(data[off+8:]))
		} else {
			r.Offset = uint64(bo.Uint32(data[off:]))
			symIdx = elf.R_SYM32(bo.Uint32(data[off+4:]))
		}
		if symIdx > 0 && int(symIdx) <= len(o.symtab) {
			r.Target = o.symtab[symIdx-1].Name
		}
		out = append(out, r)
	}
	return out, nil
}
