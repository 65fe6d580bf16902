package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	xerrors "BioProof-Chain/internal/errors"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error {
	return xerrors.New(xerrors.CodeQueueFailure, "broker offline")
}
func (failingProducer) Close() error { return nil }

func TestServiceSubmitIsIdempotentByID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	service := NewService(store, queue, 0)

	first, err := service.Submit(ctx, Submission{ID: "fixed", Kind: KindAnchorProof, Payload: anchorPayload("p1")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.MaxRetries != 3 || first.Status != StatusPending {
		t.Fatalf("unexpected job defaults: %+v", first)
	}
	second, err := service.Submit(ctx, Submission{ID: "fixed", Kind: KindAnchorProof, Payload: anchorPayload("p2")})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.ID != first.ID || string(second.Payload) != string(first.Payload) {
		t.Fatalf("expected existing job, got %+v", second)
	}
	if len(queue.ch) != 1 {
		t.Fatalf("expected a single publish, got %d", len(queue.ch))
	}
}

func TestServiceSubmitValidatesPayload(t *testing.T) {
	ctx := context.Background()
	service := NewService(NewMemoryStore(), NewMemoryQueue(4), 3)

	cases := []Submission{
		{Kind: "mine_bitcoin", Payload: json.RawMessage(`{}`)},
		{Kind: KindAnchorProof, Payload: json.RawMessage(`{}`)},
		{Kind: KindAnchorProof, Payload: json.RawMessage(`{"proofId":"a","proofHashes":["b"]}`)},
		{Kind: KindAnchorProof, Payload: json.RawMessage(`{"proofId":"a","strategy":"carrier_pigeon"}`)},
		{Kind: KindGenerateProof, Payload: json.RawMessage(`{"userId":"u1"}`)},
		{Kind: KindGenerateProof, Payload: json.RawMessage(`not-json`)},
	}
	for _, sub := range cases {
		if _, err := service.Submit(ctx, sub); !xerrors.HasCode(err, CodeJobValidation) {
			t.Fatalf("expected validation error for %s %s, got %v", sub.Kind, sub.Payload, err)
		}
	}
}

func TestServiceSubmitMarksJobFailedWhenPublishFails(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	service := NewService(store, failingProducer{}, 3)

	_, err := service.Submit(ctx, Submission{ID: "j", Kind: KindAnchorProof, Payload: anchorPayload("p")})
	if !xerrors.HasCode(err, CodeJobPublish) {
		t.Fatalf("expected publish error, got %v", err)
	}
	job, err := store.Get(ctx, "j")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusFailed || job.ErrorCode != string(CodeJobPublish) {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestServiceSubmitBatchReportsPerItemErrors(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryQueue(8)
	service := NewService(NewMemoryStore(), queue, 3, WithBatchConfig(BatchConfig{Window: 2}))

	subs := []Submission{
		{ID: "a", Kind: KindAnchorProof, Payload: anchorPayload("p1")},
		{ID: "b", Kind: "mine_bitcoin", Payload: json.RawMessage(`{}`)},
		{ID: "c", Kind: KindAnchorProof, Payload: anchorPayload("p3")},
	}
	results, err := service.SubmitBatch(ctx, subs)
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Err != nil || results[0].Value.ID != "a" || results[2].Err != nil || results[2].Value.ID != "c" {
		t.Fatalf("unexpected results %+v", results)
	}
	if !xerrors.HasCode(results[1].Err, CodeJobValidation) {
		t.Fatalf("expected validation error for invalid kind, got %v", results[1].Err)
	}
	if len(queue.ch) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(queue.ch))
	}

	if _, err := service.SubmitBatch(ctx, nil); !xerrors.HasCode(err, CodeJobValidation) {
		t.Fatalf("expected empty batch to be rejected, got %v", err)
	}
}
