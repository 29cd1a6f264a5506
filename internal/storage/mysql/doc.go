// Package mysql persists ledger receipts in MySQL for local audit and
// reconciliation, applying the embedded schema migrations on open.
package mysql
