package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	jobs := []*Job{
		{ID: "j1", Kind: KindGenerateProof, Status: StatusPending, MaxRetries: 3},
		{ID: "j2", Kind: KindAnchorProof, Status: StatusPending, MaxRetries: 3},
		{ID: "j3", Kind: KindAnchorProof, Status: StatusPending, MaxRetries: 3},
	}
	for _, job := range jobs {
		if err := store.Create(ctx, job); err != nil {
			t.Fatalf("create job %s: %v", job.ID, err)
		}
	}

	if err := store.MarkFailed(ctx, "j2", CodeJobProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "j3", json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.jobs["j1"].UpdatedAt = base.Unix()
	store.jobs["j2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.jobs["j3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "j3" {
		t.Fatalf("expected newest job first, got %+v", all)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "j2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	anchors, err := store.List(ctx, buildListOptions([]ListOption{WithKinds(KindAnchorProof), WithSortOrder(SortByUpdatedAsc)}))
	if err != nil {
		t.Fatalf("list by kind: %v", err)
	}
	if len(anchors) != 2 || anchors[0].ID != "j2" || anchors[1].ID != "j3" {
		t.Fatalf("unexpected kind list: %+v", anchors)
	}

	paged, err := store.List(ctx, buildListOptions([]ListOption{WithLimit(1), WithOffset(1)}))
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(paged) != 1 || paged[0].ID != "j2" {
		t.Fatalf("unexpected page: %+v", paged)
	}

	beyond, err := store.List(ctx, buildListOptions([]ListOption{WithOffset(10)}))
	if err != nil {
		t.Fatalf("list beyond: %v", err)
	}
	if len(beyond) != 0 {
		t.Fatalf("expected empty page, got %d", len(beyond))
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Job{ID: "j1", Kind: KindGenerateProof, Status: StatusPending, MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Job{ID: "j1"}); !IsJobError(err, CodeJobConflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}

	job, err := store.Claim(ctx, "j1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job.Status != StatusRunning || job.Attempts != 1 {
		t.Fatalf("unexpected claimed job: %+v", job)
	}
	if _, err := store.Claim(ctx, "j1"); !IsJobError(err, CodeJobConflict) {
		t.Fatalf("expected conflict while running, got %v", err)
	}

	if err := store.MarkFailed(ctx, "j1", CodeJobProcessing, "transient", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if job, err = store.Claim(ctx, "j1"); err != nil || job.Attempts != 2 {
		t.Fatalf("expected second claim, got %+v %v", job, err)
	}
	if err := store.MarkFailed(ctx, "j1", CodeJobProcessing, "again", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "j1"); !IsJobError(err, CodeJobExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}

	if _, err := store.Claim(ctx, "missing"); !IsJobError(err, CodeJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreTerminalFailureBlocksClaim(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Job{ID: "j1", Kind: KindAnchorProof, Status: StatusPending, MaxRetries: 5}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Claim(ctx, "j1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkFailed(ctx, "j1", CodeJobValidation, "bad payload", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "j1"); !IsJobError(err, CodeJobExhausted) {
		t.Fatalf("expected terminal job to be exhausted, got %v", err)
	}
}
