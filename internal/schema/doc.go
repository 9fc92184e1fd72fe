// Package schema defines the record and table shapes shared by the local store,
// the remote mirror and the sync engine.
//
// # Overview
//
// Every entity the clinic front desk persists (patients, the treatment queue,
// staff, bills, ...) is a Record: a flat JSON object whose payload is opaque to
// the persistence layer. Records live in named tables, and each table declares
// the single field that acts as its primary key.
//
// # Tables
//
// Most tables are keyed by "id". The users table is keyed by "role" because the
// front desk keeps exactly one credential record per role:
//
//	patients   id    pat-1718000000000-1a2b3c4d
//	users      role  admin
//
// The set of tables is versioned. A Registry carries the version number and the
// full list of tables expected at that version; opening the local store with a
// newer registry adds the missing tables and leaves existing ones untouched.
//
// # Identifiers
//
// Records created without a caller-supplied key get an id of the form
// {prefix}-{unixMillis}-{random}:
//
//	id := schema.NewID("pat", time.Now())
//
// # Merge
//
// Remote writes are merge-upserts: fields present in the incoming record
// overwrite the stored document, fields absent from it are preserved. Merge
// implements that rule for every mirror backend.
package schema
