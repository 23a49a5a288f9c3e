package sampler

import (
	"context"

	"codeberg.org/mutker/probemon/internal/field"
)

// Reader is the part of the memory transport the engine polls.
type Reader interface {
	ReadBytes(ctx context.Context, addr uint32, n int) ([]byte, error)
}

// Catalog looks up field definitions and their effective offsets.
type Catalog interface {
	Field(id string) (field.Spec, bool)
	Offset(spec field.Spec, instance int) (int, error)
}
