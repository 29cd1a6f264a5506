// Package api exposes the proof service over HTTP: committing proofs,
// reading records and receipts, and verifying candidate texts.
package api
