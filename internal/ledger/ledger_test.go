package ledger

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadNetworkDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "networks.yaml")
	content := `
networks:
  sepolia:
    type: evm
    rpc_url: http://127.0.0.1:8545
    price_per_byte: 16
    private_key_env: BIOPROOF_SEPOLIA_KEY
  local-l2:
    type: InMemory
    layer: 2
    price_per_byte: 0.5
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	defs, err := LoadNetworkDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs.Networks) != 2 {
		t.Fatalf("expected 2 networks, got %d", len(defs.Networks))
	}
	sepolia := defs.Networks["sepolia"]
	if sepolia.Layer != Layer1 || sepolia.PricePerByte != 16 || sepolia.PrivateKeyEnv != "BIOPROOF_SEPOLIA_KEY" {
		t.Fatalf("unexpected sepolia definition %+v", sepolia)
	}
	if got := defs.Networks["local-l2"].NormalizedType(); got != "inmemory" {
		t.Fatalf("expected normalized type inmemory, got %s", got)
	}
}

func TestLoadNetworkDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadNetworkDefinitions("  ")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if defs.Networks == nil || len(defs.Networks) != 0 {
		t.Fatalf("expected empty catalogue")
	}
}

func TestParseNetworkDefinitionsRejectsBadLayer(t *testing.T) {
	_, err := ParseNetworkDefinitions([]byte("networks:\n  x:\n    layer: 3\n"))
	if err == nil {
		t.Fatalf("expected invalid layer error")
	}
	_, err = ParseNetworkDefinitions([]byte("networks:\n  x:\n    price_per_byte: -1\n"))
	if err == nil {
		t.Fatalf("expected negative price error")
	}
}
