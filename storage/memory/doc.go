// Package memory provides an in-memory implementation of storage.Store.
//
// All records live in maps guarded by a single sync.RWMutex; every
// compare-and-swap (code consumption, device resolution, polling, claiming,
// refresh rotation) runs under the write lock. Records are copied on the way in
// and out, so callers never share memory with the store.
//
// The store is volatile and per process. Use it for development, tests and
// single-instance deployments only; multi-instance deployments need the
// storage/valkey or storage/postgres backends.
//
//	store := memory.New()
//	defer store.Stop()
package memory
