// Package mysql provides MySQL-backed repositories for BioProof-Chain.
// It owns the connection pool and embedded schema migrations, and implements
// the persistence interfaces of proofs, anchoring, constraint overrides,
// verification requests and pipeline jobs.
package mysql
