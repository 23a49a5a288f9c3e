package controller

import (
	"codeberg.org/mutker/probemon/internal/sampler"
	"codeberg.org/mutker/probemon/internal/symbols"
)

// Engine is the sampling loop driven by the controller.
type Engine interface {
	Start(readBase uint32, ids []string) error
	Stop()
	SetActiveFields(ids []string) error
	SetInstance(instance int) error
	Instance() int
	Subscribe(fn sampler.Listener) func()
}

// SymbolSource produces a fresh symbol table for each connect attempt.
type SymbolSource func() (*symbols.Table, error)

// FileSymbols reads the map file at path on every call.
func FileSymbols(path string) SymbolSource {
	return func() (*symbols.Table, error) {
		return symbols.LoadFile(path)
	}
}

// StaticSymbols always returns t.
func StaticSymbols(t *symbols.Table) SymbolSource {
	return func() (*symbols.Table, error) {
		return t, nil
	}
}
