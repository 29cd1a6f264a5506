// Package ledger commits canonical proof records to an append-only ledger and
// fetches them back. Concrete networks implement Backend; Client adds retry,
// endpoint-independent confirmation waiting and the commit status contract.
package ledger
