package generation

import (
	"context"
	"testing"
	"time"

	"MeloForge/core/provider"
	"MeloForge/model"
)

func newTestIngestor(f *fixture) *WebhookIngestor {
	return NewWebhookIngestor(f.deliveries, f.tasks, f.tracks, f.reconciler, f.notifier)
}

func completeEvent(deliveryID string) *WebhookEvent {
	return &WebhookEvent{
		Provider:   "suno",
		TaskID:     "remote-1",
		Stage:      model.StageComplete,
		DeliveryID: deliveryID,
		Clips: []provider.Clip{
			{ID: "c0", AudioURL: "https://cdn/a0.mp3", Duration: 120},
			{ID: "c1", AudioURL: "https://cdn/a1.mp3", Duration: 118},
			{ID: "c2", AudioURL: "https://cdn/a2.mp3", Duration: 121},
		},
	}
}

// lateLedger hides rows from the first lookup, which is exactly the
// window a concurrent duplicate delivery falls into: the fast-path check
// misses, then the pending insert loses on the unique index.
type lateLedger struct {
	*memWebhookRepo
	misses int
}

func (r *lateLedger) GetByDeliveryID(ctx context.Context, deliveryID string) (*model.WebhookDelivery, error) {
	if r.misses > 0 {
		r.misses--
		return nil, nil
	}
	return r.memWebhookRepo.GetByDeliveryID(ctx, deliveryID)
}

func TestDeliveryIdentity(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 30, 15, 0, time.UTC)

	withHeader := &WebhookEvent{Provider: "suno", TaskID: "r1", Stage: model.StageComplete, DeliveryID: "hdr-123"}
	if got := DeliveryIdentity(withHeader, now); got != "hdr-123" {
		t.Fatalf("explicit delivery id must win, got %q", got)
	}

	synth := &WebhookEvent{Provider: "suno", TaskID: "r1", Stage: model.StageComplete}
	a := DeliveryIdentity(synth, now)
	b := DeliveryIdentity(synth, now.Add(30*time.Second))
	if a != b {
		t.Fatalf("same-minute retries must share an identity: %q vs %q", a, b)
	}
	c := DeliveryIdentity(synth, now.Add(2*time.Minute))
	if a == c {
		t.Fatal("a later minute must derive a fresh identity")
	}

	other := &WebhookEvent{Provider: "suno", TaskID: "r1", Stage: model.StageFirst}
	if DeliveryIdentity(other, now) == a {
		t.Fatal("different stages must not collide")
	}
}

func TestWebhookCompleteFinalizesTrack(t *testing.T) {
	f := newFixture("suno")
	seedProcessing(t, f)
	ing := newTestIngestor(f)

	result, err := ing.Ingest(context.Background(), completeEvent("d1"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.Replayed {
		t.Fatal("first delivery must not be a replay")
	}

	track, _ := f.tracks.GetByID(context.Background(), "t1")
	if track.Status != model.TrackStatusCompleted {
		t.Fatalf("track status = %s, want completed", track.Status)
	}

	variants, _ := f.variants.GetByTrackID(context.Background(), "t1")
	if len(variants) != 3 {
		t.Fatalf("variants = %d, want 3", len(variants))
	}
	if !variants[0].IsPrimary || !variants[0].IsPreferred {
		t.Fatal("variant 0 should be primary and default-preferred")
	}

	ledger, _ := f.deliveries.GetByDeliveryID(context.Background(), "d1")
	if ledger == nil || ledger.Status != model.DeliveryStatusCompleted {
		t.Fatalf("delivery ledger = %+v, want completed", ledger)
	}
}

func TestWebhookRacedDuplicateGetsStoredResult(t *testing.T) {
	f := newFixture("suno")
	seedProcessing(t, f)

	winner, err := newTestIngestor(f).Ingest(context.Background(), completeEvent("d1"))
	if err != nil {
		t.Fatalf("winner Ingest: %v", err)
	}

	loser := NewWebhookIngestor(&lateLedger{memWebhookRepo: f.deliveries, misses: 1},
		f.tasks, f.tracks, f.reconciler, f.notifier)
	second, err := loser.Ingest(context.Background(), completeEvent("d1"))
	if err != nil {
		t.Fatalf("raced Ingest: %v", err)
	}

	if !second.Replayed {
		t.Fatal("the raced duplicate must be treated as a replay")
	}
	if second.TrackID != winner.TrackID {
		t.Fatalf("raced track = %q, want the winner's %q", second.TrackID, winner.TrackID)
	}
	if len(second.Response) == 0 {
		t.Fatal("the raced caller should receive the stored response")
	}

	variants, _ := f.variants.GetByTrackID(context.Background(), "t1")
	if len(variants) != 3 {
		t.Fatalf("variants = %d, want still 3 after the race", len(variants))
	}
}

func TestWebhookReplayDoesNotDuplicate(t *testing.T) {
	f := newFixture("suno")
	seedProcessing(t, f)
	ing := newTestIngestor(f)

	first, err := ing.Ingest(context.Background(), completeEvent("d1"))
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}

	// user rolled back to variant 2 between the delivery and its replay
	variants, _ := f.variants.GetByTrackID(context.Background(), "t1")
	if err := f.reconciler.Rollback(context.Background(), "t1", variants[2].ID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	second, err := ing.Ingest(context.Background(), completeEvent("d1"))
	if err != nil {
		t.Fatalf("replay Ingest: %v", err)
	}
	if !second.Replayed {
		t.Fatal("same delivery id must be treated as a replay")
	}
	if second.TrackID != first.TrackID {
		t.Fatalf("replay track = %q, want %q", second.TrackID, first.TrackID)
	}

	after, _ := f.variants.GetByTrackID(context.Background(), "t1")
	if len(after) != 3 {
		t.Fatalf("variants after replay = %d, want still 3", len(after))
	}
	var preferred int
	for _, v := range after {
		if v.IsPreferred {
			preferred++
			if v.VariantIndex != 2 {
				t.Fatalf("replay must not move the preferred flag off variant %d", v.VariantIndex)
			}
		}
	}
	if preferred != 1 {
		t.Fatalf("preferred count = %d, want exactly 1", preferred)
	}
}

func TestWebhookStageMonotonicMerge(t *testing.T) {
	f := newFixture("suno")
	seedProcessing(t, f)
	ing := newTestIngestor(f)

	if _, err := ing.Ingest(context.Background(), completeEvent("d-complete")); err != nil {
		t.Fatalf("complete Ingest: %v", err)
	}

	// A delayed "first" push arrives after completion.
	late := &WebhookEvent{
		Provider:   "suno",
		TaskID:     "remote-1",
		Stage:      model.StageFirst,
		DeliveryID: "d-late-first",
		Clips:      []provider.Clip{{ID: "c0", AudioURL: "https://cdn/streaming.mp3"}},
	}
	result, err := ing.Ingest(context.Background(), late)
	if err != nil {
		t.Fatalf("late Ingest: %v", err)
	}
	if result.Response["ignored"] != true {
		t.Fatalf("stale stage should be marked ignored, got %+v", result.Response)
	}

	task, _ := f.tasks.GetByID(context.Background(), "task1")
	if task.LastStage != model.StageComplete {
		t.Fatalf("last stage = %q, a late early stage must not regress it", task.LastStage)
	}
	variants, _ := f.variants.GetByTrackID(context.Background(), "t1")
	if variants[0].AudioURL != "https://cdn/a0.mp3" {
		t.Fatalf("clip content regressed to %q", variants[0].AudioURL)
	}
}

func TestWebhookIntermediateStages(t *testing.T) {
	f := newFixture("suno")
	seedProcessing(t, f)
	ing := newTestIngestor(f)

	text := &WebhookEvent{Provider: "suno", TaskID: "remote-1", Stage: model.StageText, DeliveryID: "d-text"}
	if _, err := ing.Ingest(context.Background(), text); err != nil {
		t.Fatalf("text Ingest: %v", err)
	}
	task, _ := f.tasks.GetByID(context.Background(), "task1")
	if task.LastStage != model.StageText {
		t.Fatalf("last stage = %q, want text", task.LastStage)
	}

	first := &WebhookEvent{
		Provider:   "suno",
		TaskID:     "remote-1",
		Stage:      model.StageFirst,
		DeliveryID: "d-first",
		Clips:      []provider.Clip{{ID: "c0", AudioURL: "https://cdn/streaming.mp3"}},
	}
	if _, err := ing.Ingest(context.Background(), first); err != nil {
		t.Fatalf("first Ingest: %v", err)
	}

	task, _ = f.tasks.GetByID(context.Background(), "task1")
	if task.LastStage != model.StageFirst {
		t.Fatalf("last stage = %q, want first", task.LastStage)
	}
	track, _ := f.tracks.GetByID(context.Background(), "t1")
	if track.Status != model.TrackStatusProcessing {
		t.Fatalf("track status = %s, intermediate stages must not complete it", track.Status)
	}
	variants, _ := f.variants.GetByTrackID(context.Background(), "t1")
	if len(variants) != 1 || variants[0].AudioURL != "https://cdn/streaming.mp3" {
		t.Fatalf("streaming clip not stored: %+v", variants)
	}
	if f.notifier.count() == 0 {
		t.Fatal("intermediate stages should notify the user")
	}
}

func TestWebhookErrorStageFailsTrack(t *testing.T) {
	f := newFixture("suno")
	seedProcessing(t, f)
	ing := newTestIngestor(f)

	event := &WebhookEvent{
		Provider:   "suno",
		TaskID:     "remote-1",
		Stage:      model.StageError,
		ErrorMsg:   "generation rejected",
		DeliveryID: "d-err",
	}
	if _, err := ing.Ingest(context.Background(), event); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	track, _ := f.tracks.GetByID(context.Background(), "t1")
	if track.Status != model.TrackStatusFailed {
		t.Fatalf("track status = %s, want failed", track.Status)
	}
	if track.FailReason != "generation rejected" {
		t.Fatalf("fail reason = %q", track.FailReason)
	}
}

func TestWebhookUnknownTask(t *testing.T) {
	f := newFixture("suno")
	ing := newTestIngestor(f)

	event := &WebhookEvent{
		Provider:   "suno",
		TaskID:     "never-seen",
		Stage:      model.StageComplete,
		DeliveryID: "d-unknown",
		Clips:      []provider.Clip{{ID: "c0", AudioURL: "https://cdn/a.mp3"}},
	}
	if _, err := ing.Ingest(context.Background(), event); err == nil {
		t.Fatal("expected an error for an unknown provider job")
	}

	ledger, _ := f.deliveries.GetByDeliveryID(context.Background(), "d-unknown")
	if ledger == nil || ledger.Status != model.DeliveryStatusFailed {
		t.Fatalf("delivery ledger = %+v, want failed", ledger)
	}
}

func TestWebhookErrorAfterCompletionLoses(t *testing.T) {
	f := newFixture("suno")
	seedProcessing(t, f)
	ing := newTestIngestor(f)

	if _, err := ing.Ingest(context.Background(), completeEvent("d1")); err != nil {
		t.Fatalf("complete Ingest: %v", err)
	}

	event := &WebhookEvent{
		Provider:   "suno",
		TaskID:     "remote-1",
		Stage:      model.StageError,
		ErrorMsg:   "late failure",
		DeliveryID: "d2",
	}
	if _, err := ing.Ingest(context.Background(), event); err != nil {
		t.Fatalf("error Ingest: %v", err)
	}

	track, _ := f.tracks.GetByID(context.Background(), "t1")
	if track.Status != model.TrackStatusCompleted {
		t.Fatalf("track status = %s, the first terminal write must win", track.Status)
	}
}
