package ethereum

import (
	"bytes"
	"context"
	"math/big"
	"testing"
	"time"

	xerrors "BioProof-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

func newSimulated(t *testing.T) (*Client, *simulated.Backend) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	sim := simulated.NewBackend(coretypes.GenesisAlloc{
		from: {Balance: new(big.Int).Exp(big.NewInt(10), big.NewInt(19), nil)},
	})
	t.Cleanup(func() { _ = sim.Close() })

	client := NewSimulatedClient(Config{
		Name:         "simulated",
		PricePerByte: 16,
		PrivateKey:   key,
		PollInterval: 20 * time.Millisecond,
	}, sim)
	t.Cleanup(client.Close)
	return client, sim
}

func TestClientAnchorWritesPayload(t *testing.T) {
	t.Parallel()

	client, sim := newSimulated(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload := bytes.Repeat([]byte{0xab}, 32)
	receipt, err := client.Anchor(ctx, payload)
	if err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if receipt.BlockNumber == 0 {
		t.Fatal("expected anchor to be mined in a block")
	}
	if receipt.Network != "simulated" || receipt.Fee == "" || receipt.Fee == "0" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	tx, pending, err := sim.Client().TransactionByHash(ctx, common.HexToHash(receipt.TxHash))
	if err != nil {
		t.Fatalf("lookup tx: %v", err)
	}
	if pending {
		t.Fatal("transaction should be mined")
	}
	if !bytes.Equal(tx.Data(), payload) {
		t.Fatalf("payload not carried in tx data")
	}
	if tx.To() == nil || *tx.To() != client.Address() {
		t.Fatalf("anchor must be a self transaction")
	}
}

func TestClientAnchorSequentialNonces(t *testing.T) {
	t.Parallel()

	client, _ := newSimulated(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := client.Anchor(ctx, []byte("first"))
	if err != nil {
		t.Fatalf("anchor first: %v", err)
	}
	second, err := client.Anchor(ctx, []byte("second"))
	if err != nil {
		t.Fatalf("anchor second: %v", err)
	}
	if first.TxHash == second.TxHash {
		t.Fatal("expected distinct transactions")
	}
	if second.BlockNumber <= first.BlockNumber {
		t.Fatalf("expected increasing block numbers, got %d then %d", first.BlockNumber, second.BlockNumber)
	}
}

func TestClientAnchorWithoutKey(t *testing.T) {
	client := NewWithBackend(Config{Name: "nokey"}, nil)
	_, err := client.Anchor(context.Background(), []byte("x"))
	if xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}

func TestParsePrivateKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	raw := "0x" + common.Bytes2Hex(crypto.FromECDSA(key))
	parsed, err := ParsePrivateKey(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if crypto.PubkeyToAddress(parsed.PublicKey) != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatal("parsed key mismatch")
	}
	if _, err := ParsePrivateKey(""); err == nil {
		t.Fatal("expected error for empty key")
	}
}
