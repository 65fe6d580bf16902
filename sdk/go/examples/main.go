package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"BioProof-Chain/sdk/go/bioproof"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/proofs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(bioproof.Proof{
			ProofHash:  "5f1d0c",
			MetricType: "heart_rate",
			CircuitID:  "range_v1",
			ExpiresAt:  time.Now().Add(24 * time.Hour).UTC(),
		})
	})
	mux.HandleFunc("/api/v1/proofs/5f1d0c/anchors", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(bioproof.AnchorResult{
			ProofID:  "5f1d0c",
			Strategy: "hybrid",
			Records:  []*bioproof.AnchorRecord{{Network: "local", Strategy: "hybrid", TransactionHash: "0x01", Cost: 9.6}},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := bioproof.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	proof, err := client.GenerateProof(ctx, bioproof.ProofRequest{
		UserID:   "demo",
		Readings: []bioproof.Reading{{MetricType: "heart_rate", Value: 72, Unit: "bpm", Timestamp: time.Now().UTC()}},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("generated proof %s with circuit %s\n", proof.ProofHash, proof.CircuitID)

	result, err := client.Anchor(ctx, proof.ProofHash, bioproof.AnchorOptions{Strategy: "hybrid"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("anchored via %s on %d network(s)\n", result.Strategy, len(result.Records))
}
