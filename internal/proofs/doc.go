// Package proofs builds tamper-evident proof records for prompt/output pairs.
//
// A record stores SHA-256 digests of the prompt and output text together with
// ordered descriptive metadata. Records are immutable once built and have a
// single canonical byte form, produced by Encode, which is what gets written
// to a ledger and what any signature covers.
//
// Canonical form (no insignificant whitespace, HTML characters unescaped):
//
//	{"schema_version":1,"prompt_digest":"<hex>","output_digest":"<hex>","created_at":"2006-01-02T15:04:05.000000Z","metadata":{"k":"v"}}
package proofs
