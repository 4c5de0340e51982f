package cache

import (
	"context"
	"errors"
	"sync"

	"github.com/starfail/rfloc/pkg/emitter"
	"github.com/starfail/rfloc/pkg/geo"
	"github.com/starfail/rfloc/pkg/store"
)

var errDisk = errors.New("disk I/O error")

// fakeStore is an in-memory store.Store with failure injection.
type fakeStore struct {
	mu         sync.Mutex
	rows       map[emitter.Identification]emitter.Info
	begins     int
	ops        []string
	failLookup bool
	failBegin  bool
	failWrite  bool
	failCommit bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[emitter.Identification]emitter.Info)}
}

func (f *fakeStore) Lookup(_ context.Context, id emitter.Identification) (emitter.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLookup {
		return emitter.Info{}, errDisk
	}
	info, ok := f.rows[id]
	if !ok {
		return emitter.Info{}, store.ErrNotFound
	}
	return info, nil
}

func (f *fakeStore) InBox(_ context.Context, kind emitter.Kind, box geo.BoundingBox) ([]store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Record
	for id, info := range f.rows {
		if id.Kind == kind && box.Contains(info.Lat, info.Lon) {
			out = append(out, store.Record{Ident: id, Info: info})
		}
	}
	return out, nil
}

func (f *fakeStore) Begin(context.Context) (store.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBegin {
		return nil, errDisk
	}
	f.begins++
	return &fakeTx{f: f, staged: make(map[emitter.Identification]*emitter.Info)}, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) get(id emitter.Identification) (emitter.Info, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.rows[id]
	return info, ok
}

func (f *fakeStore) put(id emitter.Identification, info emitter.Info) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[id] = info
}

type fakeTx struct {
	f      *fakeStore
	staged map[emitter.Identification]*emitter.Info // nil value means delete
	ops    []string
}

func (t *fakeTx) write(op string, id emitter.Identification, info *emitter.Info) error {
	if t.f.failWrite {
		return errDisk
	}
	t.staged[id] = info
	t.ops = append(t.ops, op+" "+id.String())
	return nil
}

func (t *fakeTx) Insert(_ context.Context, id emitter.Identification, info emitter.Info) error {
	return t.write("insert", id, &info)
}

func (t *fakeTx) Update(_ context.Context, id emitter.Identification, info emitter.Info) error {
	return t.write("update", id, &info)
}

func (t *fakeTx) Delete(_ context.Context, id emitter.Identification) error {
	return t.write("delete", id, nil)
}

func (t *fakeTx) Commit() error {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	if t.f.failCommit {
		return errDisk
	}
	for id, info := range t.staged {
		if info == nil {
			delete(t.f.rows, id)
		} else {
			t.f.rows[id] = *info
		}
	}
	t.f.ops = append(t.f.ops, t.ops...)
	return nil
}

func (t *fakeTx) Rollback() error { return nil }
