package main

import (
	"strconv"
	"strings"
)

// SymbolID generates the node id of a defined symbol: the absolute object
// path, then the owning section name and the symbol address in hex.
// Example: /src/a.o[.text+0x40]
func SymbolID(objPath, section string, addr uint64) string {
	var b strings.Builder
	b.Grow(len(objPath) + len(section) + 24)
	b.WriteString(objPath)
	b.WriteByte('[')
	b.WriteString(section)
	b.WriteString("+0x")
	b.WriteString(strconv.FormatUint(addr, 16))
	b.WriteByte(']')
	return b.String()
}

// BaseName extracts the filename without directory from a path.
func BaseName(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}
