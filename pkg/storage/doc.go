// Package storage provides the relational store for the job engine.
//
// GormStorage implements core.Store on top of GORM and is exercised against
// SQLite and PostgreSQL. Ownership changing writes are compare-and-swap
// updates on the job version, so any number of worker processes can share
// one database.
//
// Transient driver faults (PostgreSQL deadlocks and serialization failures,
// SQLite busy errors) are retried under a retry.Policy.
//
// A MongoDB implementation of the same contract lives in the mongostore
// subpackage.
package storage
