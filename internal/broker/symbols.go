package broker

import (
	"fmt"
	"sort"
	"strings"
)

// SymbolMap is a bidirectional canonical <-> native symbol table.
// Symbols absent from the table pass through unchanged.
type SymbolMap struct {
	toNative    map[string]string
	toCanonical map[string]string
}

// NewSymbolMap builds a table from canonical -> native pairs.
// It panics when two entries share a native or canonical symbol, since the
// table must be a bijection.
func NewSymbolMap(pairs map[string]string) *SymbolMap {
	m := &SymbolMap{
		toNative:    make(map[string]string, len(pairs)),
		toCanonical: make(map[string]string, len(pairs)),
	}
	for canonical, native := range pairs {
		if prev, ok := m.toCanonical[native]; ok {
			panic(fmt.Sprintf("symbol map: native %q mapped from both %q and %q", native, prev, canonical))
		}
		m.toNative[canonical] = native
		m.toCanonical[native] = canonical
	}
	return m
}

// Native converts a canonical symbol to the broker's notation.
func (m *SymbolMap) Native(canonical string) string {
	if n, ok := m.toNative[canonical]; ok {
		return n
	}
	return canonical
}

// Canonical converts a broker symbol to canonical notation.
func (m *SymbolMap) Canonical(native string) string {
	if c, ok := m.toCanonical[native]; ok {
		return c
	}
	return native
}

// Has reports whether the canonical symbol is in the table.
func (m *SymbolMap) Has(canonical string) bool {
	_, ok := m.toNative[canonical]
	return ok
}

// Canonicals returns the table's canonical symbols, sorted.
func (m *SymbolMap) Canonicals() []string {
	out := make([]string, 0, len(m.toNative))
	for c := range m.toNative {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// SplitPair splits a canonical BASE_QUOTE symbol. ok is false for single-leg symbols.
func SplitPair(canonical string) (base, quote string, ok bool) {
	i := strings.IndexByte(canonical, '_')
	if i <= 0 || i == len(canonical)-1 {
		return "", "", false
	}
	return canonical[:i], canonical[i+1:], true
}

// JoinPair builds a canonical BASE_QUOTE symbol.
func JoinPair(base, quote string) string {
	return strings.ToUpper(base) + "_" + strings.ToUpper(quote)
}
