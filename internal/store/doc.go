// Package store implements the bank's storage layer: pattern, trace,
// feedback, link and spike-state records in Badger, with embeddings in a
// pluggable vector index (embedded chromem-go by default, Qdrant over
// gRPC optionally). Upsert-by-fingerprint runs inside a single Badger
// transaction, so concurrent writers against the same fingerprint are
// serialized here rather than by application-level locks. Resilient
// wrappers route every operation through a bounded-retry executor that
// retries only transient faults.
package store
