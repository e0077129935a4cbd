// Package storage defines the Credential Store: the records the authorization
// server persists and the interfaces every backend implements.
//
// The protocol logic in package server only ever talks to these interfaces, so a
// deployment chooses its backend without touching protocol code:
//   - storage/memory: volatile, single instance only (development and tests)
//   - storage/valkey: durable, multi-instance, compare-and-swap via Lua scripts
//   - storage/postgres: durable, multi-instance, transactional SQL
//
// Every state transition that protocol correctness depends on (marking an
// authorization code used, claiming an authorized device code, rotating a refresh
// token) is a single atomic operation on the store. Callers never implement these
// as read-then-write sequences.
//
// Records returned by a store are copies; mutating them does not change stored state.
package storage
