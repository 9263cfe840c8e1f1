package store

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/signoff/model"
)

func testProposal(id string) model.Subject {
	now := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	return model.Subject{
		ID:          id,
		Variant:     model.VariantProposal,
		Status:      model.ProposalSent,
		TenantID:    "tenant-1",
		RequestedBy: model.Party{ID: "u-staff", Name: "Sam Staff", Email: "staff@example.com"},
		Proposal: &model.ProposalPayload{
			Title:     "Kitchen remodel",
			Recipient: model.Party{Name: "J. Smith", Email: "j@x.com"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func signedChange(name string) model.Change {
	ts := time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC)
	return model.Change{
		Status:            model.ProposalSigned,
		DecisionTimestamp: &ts,
		DecidedBy:         "client-1",
		Signature: &model.SignatureArtifact{
			Image:       []byte{0x89, 'P', 'N', 'G', 1, 2, 3},
			ContentType: "image/png",
			SignerName:  name,
			SignerEmail: "j@x.com",
			CapturedAt:  ts,
		},
		Event: &model.DecidedEvent{ID: "evt-" + name, SubjectID: "p-1", TenantID: "tenant-1"},
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Create(ctx, testProposal("p-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	got, err := s.Get(ctx, "tenant-1", "p-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Proposal.Recipient.Email != "j@x.com" {
		t.Errorf("recipient = %q", got.Proposal.Recipient.Email)
	}

	if err := s.Create(ctx, testProposal("p-1")); !model.IsCode(err, model.ErrConflict) {
		t.Errorf("duplicate Create() error = %v, want CONFLICT", err)
	}
}

func TestMemoryStore_Get_tenant_isolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Create(ctx, testProposal("p-1"))

	if _, err := s.Get(ctx, "tenant-2", "p-1"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("Get() from other tenant error = %v, want NOT_FOUND", err)
	}
	if _, err := s.Apply(ctx, "tenant-2", "p-1", 0, model.Change{Status: model.ProposalViewed}); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("Apply() from other tenant error = %v, want NOT_FOUND", err)
	}
}

func TestMemoryStore_Apply_compare_and_set(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Create(ctx, testProposal("p-1"))

	updated, err := s.Apply(ctx, "tenant-1", "p-1", 0, model.Change{Status: model.ProposalViewed})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if updated.Version != 1 || updated.Status != model.ProposalViewed {
		t.Errorf("updated = v%d %s, want v1 viewed", updated.Version, updated.Status)
	}

	_, err = s.Apply(ctx, "tenant-1", "p-1", 0, model.Change{Status: model.ProposalAwaitingSignature})
	if !model.IsCode(err, model.ErrConflict) {
		t.Errorf("stale Apply() error = %v, want CONFLICT", err)
	}
}

func TestMemoryStore_Apply_decision_written_once(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Create(ctx, testProposal("p-1"))

	first, err := s.Apply(ctx, "tenant-1", "p-1", 0, signedChange("J. Smith"))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	// Even with a matching version, a second decision is refused.
	_, err = s.Apply(ctx, "tenant-1", "p-1", first.Version, signedChange("Someone Else"))
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("second decision error = %v, want CONFLICT", err)
	}

	got, _ := s.Get(ctx, "tenant-1", "p-1")
	if got.Signature.SignerName != "J. Smith" {
		t.Errorf("signer = %q, want J. Smith", got.Signature.SignerName)
	}
}

func TestMemoryStore_signature_bytes_isolated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Create(ctx, testProposal("p-1"))

	change := signedChange("J. Smith")
	want := append([]byte(nil), change.Signature.Image...)
	if _, err := s.Apply(ctx, "tenant-1", "p-1", 0, change); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	change.Signature.Image[0] = 0

	got, _ := s.Get(ctx, "tenant-1", "p-1")
	if !bytes.Equal(got.Signature.Image, want) {
		t.Error("stored signature changed when the caller mutated its buffer")
	}
	got.Signature.Image[1] = 0
	again, _ := s.Get(ctx, "tenant-1", "p-1")
	if !bytes.Equal(again.Signature.Image, want) {
		t.Error("stored signature changed when a reader mutated its copy")
	}
}

func TestMemoryStore_concurrent_decisions_one_winner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Create(ctx, testProposal("p-1"))

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch := signedChange("signer")
			ch.Event.ID = "evt-" + string(rune('a'+i))
			_, err := s.Apply(ctx, "tenant-1", "p-1", 0, ch)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case model.IsCode(err, model.ErrConflict):
				conflicts++
			default:
				t.Errorf("Apply() unexpected error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || conflicts != n-1 {
		t.Errorf("wins = %d, conflicts = %d, want 1 and %d", wins, conflicts, n-1)
	}
	pending, _ := s.Pending(ctx, time.Now().Add(time.Hour), 0)
	if len(pending) != 1 {
		t.Errorf("outbox entries = %d, want 1", len(pending))
	}
}

func TestMemoryStore_List(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		subj := testProposal(id)
		subj.CreatedAt = subj.CreatedAt.Add(time.Duration(i) * time.Minute)
		_ = s.Create(ctx, subj)
	}
	co := testProposal("co")
	co.Variant = model.VariantChangeOrder
	co.Status = model.ChangeOrderPending
	co.Proposal = nil
	_ = s.Create(ctx, co)
	other := testProposal("z")
	other.TenantID = "tenant-2"
	_ = s.Create(ctx, other)

	all, _ := s.List(ctx, "tenant-1", model.SubjectFilters{Variant: model.VariantProposal})
	if len(all) != 3 || all[0].ID != "c" {
		t.Errorf("List() = %d items, first %q; want 3, first c", len(all), all[0].ID)
	}

	page, _ := s.List(ctx, "tenant-1", model.SubjectFilters{Variant: model.VariantProposal, Offset: 1, Limit: 1})
	if len(page) != 1 || page[0].ID != "b" {
		t.Errorf("paged List() = %+v, want [b]", page)
	}

	empty, _ := s.List(ctx, "tenant-1", model.SubjectFilters{Offset: 10})
	if len(empty) != 0 {
		t.Errorf("List() past end = %d items, want 0", len(empty))
	}
}

func TestMemoryStore_outbox(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Create(ctx, testProposal("p-1"))
	_, _ = s.Apply(ctx, "tenant-1", "p-1", 0, signedChange("J. Smith"))

	if got, _ := s.Pending(ctx, time.Now().Add(-time.Hour), 0); len(got) != 0 {
		t.Errorf("fresh pending entry should wait for min age, got %d", len(got))
	}

	if err := s.RecordAttempt(ctx, "evt-J. Smith", model.OutboxPartial, []string{"notification:ops@example.com"}); err != nil {
		t.Fatalf("RecordAttempt() error = %v", err)
	}
	got, _ := s.Pending(ctx, time.Now().Add(-time.Hour), 0)
	if len(got) != 1 || got[0].Attempts != 1 || len(got[0].FailedRecipients) != 1 {
		t.Fatalf("Pending() = %+v, want one partial entry", got)
	}

	_ = s.RecordAttempt(ctx, "evt-J. Smith", model.OutboxDispatched, nil)
	if got, _ := s.Pending(ctx, time.Now().Add(time.Hour), 0); len(got) != 0 {
		t.Errorf("dispatched entry still pending: %+v", got)
	}
	e, err := s.GetEvent(ctx, "evt-J. Smith")
	if err != nil || e.Attempts != 2 || e.Status != model.OutboxDispatched {
		t.Errorf("GetEvent() = %+v, %v", e, err)
	}

	if err := s.RecordAttempt(ctx, "missing", model.OutboxDispatched, nil); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("RecordAttempt(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestMemoryStore_WithClock(t *testing.T) {
	at := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	s := NewMemoryStore(WithClock(func() time.Time { return at }))
	ctx := context.Background()
	_ = s.Create(ctx, testProposal("p-1"))

	got, err := s.Apply(ctx, "tenant-1", "p-1", 0, signedChange("J. Smith"))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !got.UpdatedAt.Equal(at) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, at)
	}
	if pending, _ := s.Pending(ctx, at, 0); len(pending) != 0 {
		t.Errorf("entry stamped at %v is not older than itself", at)
	}
	pending, _ := s.Pending(ctx, at.Add(time.Second), 0)
	if len(pending) != 1 || !pending[0].UpdatedAt.Equal(at) {
		t.Errorf("Pending() = %+v, want one entry stamped %v", pending, at)
	}
}
