package main

import "github.com/ianlancetaylor/demangle"

// demangleName returns the human-readable form of a raw symbol name. Names
// the demangler rejects, including plain C identifiers, come back verbatim.
func demangleName(raw string) string {
	out, err := demangle.ToString(raw)
	if err != nil || out == "" {
		return raw
	}
	return out
}
