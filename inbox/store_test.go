package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/inboxd/dbopen"
	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s, err := NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func mustCreate(t *testing.T, s *Store, userID string) *Item {
	t.Helper()
	item, err := s.Create(context.Background(), NewItemInput{
		UserID:          userID,
		OriginalContent: "Meet Anna to discuss the Q3 roadmap next Tuesday",
		ContentType:     ContentText,
		Source:          "email",
	})
	if err != nil {
		t.Fatal(err)
	}
	return item
}

func TestCreateDefaults(t *testing.T) {
	s := testStore(t)
	item := mustCreate(t, s, "user-1")

	if item.Status != StatusPending {
		t.Errorf("status = %q, want pending", item.Status)
	}
	if item.RoutingStatus != RoutingPending {
		t.Errorf("routingStatus = %q, want pending", item.RoutingStatus)
	}
	if item.Category != CategoryUnknown {
		t.Errorf("category = %q, want unknown", item.Category)
	}
	if item.Confidence != nil {
		t.Errorf("confidence = %v, want nil", *item.Confidence)
	}

	got, err := s.Get(context.Background(), item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected item, got nil")
	}
	if got.OriginalContent != item.OriginalContent {
		t.Errorf("content = %q, want %q", got.OriginalContent, item.OriginalContent)
	}
}

func TestCreateValidation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, NewItemInput{OriginalContent: "x"}); err == nil {
		t.Error("expected error for missing user id")
	}
	if _, err := s.Create(ctx, NewItemInput{UserID: "u"}); err == nil {
		t.Error("expected error for missing content")
	}
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)
	got, err := s.Get(context.Background(), "itm_nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestUpdateMergeSemantics(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	item := mustCreate(t, s, "user-1")

	status := StatusCompleted
	category := "meeting"
	confidence := 0.92
	entities := []string{"Anna", "Q3 roadmap"}
	processedAt := time.Now().UTC()

	got, err := s.Update(ctx, item.ID, ItemPatch{
		Status:      &status,
		Category:    &category,
		Confidence:  &confidence,
		Entities:    &entities,
		ProcessedAt: &processedAt,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.Category != "meeting" {
		t.Errorf("category = %q, want meeting", got.Category)
	}
	if got.Confidence == nil || *got.Confidence != 0.92 {
		t.Errorf("confidence = %v, want 0.92", got.Confidence)
	}
	if len(got.Entities) != 2 || got.Entities[0] != "Anna" {
		t.Errorf("entities = %v", got.Entities)
	}
	if got.ProcessedAt == nil {
		t.Error("processedAt not set")
	}
	// Untouched fields survive the merge.
	if got.OriginalContent != item.OriginalContent {
		t.Errorf("content changed: %q", got.OriginalContent)
	}
	if got.RoutingStatus != RoutingPending {
		t.Errorf("routingStatus = %q, want pending", got.RoutingStatus)
	}
}

func TestUpdateReplacesDistributionWholesale(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	item := mustCreate(t, s, "user-1")

	targets := []string{"webhook:https://a.example", "slack:C123"}
	results := []DistributionResult{
		{TargetID: "webhook:https://a.example", RuleName: "archive", Status: ResultSuccess, Timestamp: time.Now().UTC()},
		{TargetID: "slack:C123", RuleName: "notify", Status: ResultFailed, Timestamp: time.Now().UTC(), Error: "channel_not_found"},
	}
	if _, err := s.Update(ctx, item.ID, ItemPatch{
		DistributedTargets:  &targets,
		DistributionResults: &results,
	}); err != nil {
		t.Fatal(err)
	}

	// A new cycle replaces, never appends.
	targets2 := []string{"slack:C123"}
	results2 := []DistributionResult{
		{TargetID: "slack:C123", RuleName: "notify", Status: ResultSuccess, Timestamp: time.Now().UTC()},
	}
	got, err := s.Update(ctx, item.ID, ItemPatch{
		DistributedTargets:  &targets2,
		DistributionResults: &results2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.DistributedTargets) != 1 || got.DistributedTargets[0] != "slack:C123" {
		t.Errorf("targets = %v, want [slack:C123]", got.DistributedTargets)
	}
	if len(got.DistributionResults) != 1 || got.DistributionResults[0].Status != ResultSuccess {
		t.Errorf("results = %+v", got.DistributionResults)
	}
}

func TestUpdateClearsDistribution(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	item := mustCreate(t, s, "user-1")

	targets := []string{"webhook:x"}
	if _, err := s.Update(ctx, item.ID, ItemPatch{DistributedTargets: &targets}); err != nil {
		t.Fatal(err)
	}

	empty := []string{}
	got, err := s.Update(ctx, item.ID, ItemPatch{DistributedTargets: &empty})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.DistributedTargets) != 0 {
		t.Errorf("targets = %v, want empty", got.DistributedTargets)
	}
}

func TestUpdateMissingItem(t *testing.T) {
	s := testStore(t)
	status := StatusFailed
	got, err := s.Update(context.Background(), "itm_nope", ItemPatch{Status: &status})
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestListFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, "user-a")
	mustCreate(t, s, "user-a")
	mustCreate(t, s, "user-b")

	status := StatusCompleted
	if _, err := s.Update(ctx, a.ID, ItemPatch{Status: &status}); err != nil {
		t.Fatal(err)
	}

	all, err := s.List(ctx, ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("all = %d, want 3", len(all))
	}

	mine, err := s.List(ctx, ListFilter{UserID: "user-a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 2 {
		t.Errorf("user-a items = %d, want 2", len(mine))
	}

	done, err := s.List(ctx, ListFilter{UserID: "user-a", Status: StatusCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 1 || done[0].ID != a.ID {
		t.Errorf("completed = %+v", done)
	}

	limited, err := s.List(ctx, ListFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("limited = %d, want 2", len(limited))
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	item := mustCreate(t, s, "user-1")

	ok, err := s.Delete(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected delete to report true")
	}

	got, err := s.Get(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("item still present after delete")
	}

	ok, err = s.Delete(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second delete should report false")
	}
}
