// Package ledger defines the append-only ledger abstraction used to anchor
// proof commitments. Concrete networks live in sub-packages: ethereum talks
// to EVM compatible chains through go-ethereum, inmemory provides a local
// deterministic ledger, and provider assembles them from a YAML catalogue.
package ledger
