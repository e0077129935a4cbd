// Package postgres provides a PostgreSQL storage.Store built on lib/pq.
//
// The schema is created on startup with CREATE TABLE IF NOT EXISTS. Every
// compare-and-swap is either a conditional UPDATE ... RETURNING or a
// transaction holding a row lock (SELECT ... FOR UPDATE), so any number of
// authorization server instances can share one database.
//
// Expired rows are not removed automatically; run DeleteExpired periodically
// (the authserver binary does).
package postgres
