// Package storage persists job records and schedule metadata in SQLite.
//
// Both namespaces live in one database file so a single restart-safe medium
// carries everything the scheduler needs to rebuild itself.
package storage
