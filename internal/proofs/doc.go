// Package proofs turns validated biometric readings into range proofs, stores
// the resulting records and verifies them later. Proof computation is delegated
// to a Backend: the Groth16 circuit backend in proofs/circuit or the labelled,
// non-cryptographic fallback in proofs/hashfallback. Callers must check
// Record.CryptographicallySound before treating a proof as a privacy guarantee.
package proofs
