package facts

import (
	"context"
	"testing"
)

func TestRetrieveKeywordOnlyFallback(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Set(DomainPreferences, "prefers dark roast coffee in the morning", ConfidenceHigh, "", SourceExplicit, ""); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := s.Set(DomainWork, "works remotely on tuesdays", ConfidenceMedium, "", SourceInferred, ""); err != nil {
		t.Fatalf("Set: %v", err)
	}

	results, err := Retrieve(context.Background(), s, nil, "what coffee do they like", 5)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Retrieve() returned %d results, want 1", len(results))
	}
	if results[0].Fact.Domain != DomainPreferences {
		t.Fatalf("top result domain = %v, want preferences", results[0].Fact.Domain)
	}
}

func TestRetrieveRespectsLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		if _, err := s.Set(DomainGeneral, "likes hiking on weekends", ConfidenceLow, "", SourceInferred, ""); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	results, err := Retrieve(context.Background(), s, nil, "hiking weekends", 2)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Retrieve() returned %d results, want 2", len(results))
	}
}

type fakeEmbedder struct {
	vectors map[string][]float32
	ready   bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vectors[text], nil
}

func (f *fakeEmbedder) Ready() bool { return f.ready }

func TestRetrieveVectorPath(t *testing.T) {
	s := newTestStore(t)
	fact, err := s.Set(DomainGoals, "training for a marathon", ConfidenceHigh, "", SourceExplicit, "")
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.SetEmbedding(fact.ID, []float32{1, 0, 0}); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}

	embedder := &fakeEmbedder{ready: true, vectors: map[string][]float32{"running goal": {1, 0, 0}}}
	results, err := Retrieve(context.Background(), s, embedder, "running goal", 5)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 1 || results[0].Fact.ID != fact.ID {
		t.Fatalf("Retrieve() = %+v, want the marathon fact", results)
	}
}
