// Package store persists emitter records.
package store

import (
	"context"
	"errors"

	"github.com/starfail/rfloc/pkg/emitter"
	"github.com/starfail/rfloc/pkg/geo"
)

// ErrNotFound is returned when no record exists for an identification.
var ErrNotFound = errors.New("emitter not found")

// Record is one persisted emitter
type Record struct {
	Ident emitter.Identification
	Info  emitter.Info
}

// Store is the persistence contract the cache depends on. Reads happen
// outside transactions; every write goes through a Tx.
type Store interface {
	Lookup(ctx context.Context, id emitter.Identification) (emitter.Info, error)
	InBox(ctx context.Context, kind emitter.Kind, box geo.BoundingBox) ([]Record, error)
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx batches writes. Exactly one of Commit or Rollback ends it.
type Tx interface {
	Insert(ctx context.Context, id emitter.Identification, info emitter.Info) error
	Update(ctx context.Context, id emitter.Identification, info emitter.Info) error
	Delete(ctx context.Context, id emitter.Identification) error
	Commit() error
	Rollback() error
}
