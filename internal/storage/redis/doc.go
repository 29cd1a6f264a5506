// Package redis holds Redis backed primitives shared by the daemon: the
// ledger payload cache store and connection helpers.
package redis
