package facts

import (
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestSetCreatesFact(t *testing.T) {
	s := newTestStore(t)
	fact, err := s.Set(DomainPreferences, "prefers tea over coffee", ConfidenceHigh, "", SourceExplicit, "")
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if fact.ID == (fact.ID) && fact.Text != "prefers tea over coffee" {
		t.Fatalf("unexpected fact text: %q", fact.Text)
	}
	if fact.Stale || fact.Archived {
		t.Fatal("a freshly created fact should be neither stale nor archived")
	}
	if !fact.LastConfirmedAt.Equal(fact.CreatedAt) {
		t.Fatal("lastConfirmedAt should equal createdAt on creation")
	}
}

func TestSetTruncatesOverlongText(t *testing.T) {
	s := newTestStore(t)
	long := make([]byte, MaxFactLength+50)
	for i := range long {
		long[i] = 'a'
	}
	fact, err := s.Set(DomainGeneral, string(long), ConfidenceLow, "", SourceInferred, "")
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if len(fact.Text) != MaxFactLength {
		t.Fatalf("len(fact.Text) = %d, want %d", len(fact.Text), MaxFactLength)
	}
}

func TestSetSupersedesPriorFact(t *testing.T) {
	s := newTestStore(t)
	first, err := s.Set(DomainSchedule, "meets on Mondays", ConfidenceMedium, "", SourceInferred, "meets on Mondays")
	if err != nil {
		t.Fatalf("Set: %v", err)
	}

	second, err := s.Set(DomainSchedule, "meets on Wednesdays", ConfidenceHigh, "", SourceExplicit, "meets on Mondays")
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if second.Supersedes == nil || *second.Supersedes != first.ID {
		t.Fatalf("second fact should supersede first, got %+v", second.Supersedes)
	}

	got, err := s.Get(first.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Archived {
		t.Fatal("superseded fact should be archived")
	}
}

func TestConfirmClearsStale(t *testing.T) {
	s := newTestStore(t)
	fact, err := s.Set(DomainWork, "works on the infra team", ConfidenceHigh, "", SourceExplicit, "")
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.MarkFactStale(fact.ID); err != nil {
		t.Fatalf("MarkFactStale: %v", err)
	}
	if err := s.Confirm(fact.ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	got, err := s.Get(fact.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Stale {
		t.Fatal("Confirm should clear the stale flag")
	}
}

func TestGetByDomain(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Set(DomainGoals, "training for a 10k", ConfidenceHigh, "", SourceExplicit, ""); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := s.Set(DomainWork, "leads the platform team", ConfidenceHigh, "", SourceExplicit, ""); err != nil {
		t.Fatalf("Set: %v", err)
	}

	facts, err := s.GetByDomain(DomainGoals)
	if err != nil {
		t.Fatalf("GetByDomain: %v", err)
	}
	if len(facts) != 1 || facts[0].Domain != DomainGoals {
		t.Fatalf("GetByDomain(goals) = %+v, want exactly one goals fact", facts)
	}
}

func TestSanitizeFTS5Query(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple word", "hello", `"hello"`},
		{"two words", "pool heater", `"pool" "heater"`},
		{"special chars", "models.yaml config", `"models.yaml" "config"`},
		{"empty", "", ""},
		{"with quotes", `say "hello"`, `"say" """hello"""`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeFTS5Query(tt.input)
			if got != tt.want {
				t.Errorf("sanitizeFTS5Query(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestLIKEFallbackPath(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Set(DomainPersonal, "grew up in Portland", ConfidenceHigh, "", SourceExplicit, ""); err != nil {
		t.Fatalf("Set: %v", err)
	}

	results, err := s.searchLIKE("Portland")
	if err != nil {
		t.Fatalf("searchLIKE: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("searchLIKE('Portland') returned %d results, want 1", len(results))
	}
}

func TestSearchExcludesArchived(t *testing.T) {
	s := newTestStore(t)
	first, err := s.Set(DomainProjects, "building a weather station", ConfidenceMedium, "", SourceInferred, "building a weather station")
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := s.Set(DomainProjects, "finished the weather station", ConfidenceHigh, "", SourceExplicit, "building a weather station"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	results, err := s.Search("weather")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, f := range results {
		if f.ID == first.ID {
			t.Fatal("archived (superseded) fact should not appear in search results")
		}
	}
}

func TestGetAllWithEmbeddingsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	fact, err := s.Set(DomainRelationships, "sister lives in Denver", ConfidenceHigh, "", SourceExplicit, "")
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	vec := []float32{0.1, 0.2, 0.3}
	if err := s.SetEmbedding(fact.ID, vec); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}

	withEmb, err := s.GetAllWithEmbeddings()
	if err != nil {
		t.Fatalf("GetAllWithEmbeddings: %v", err)
	}
	if len(withEmb) != 1 || len(withEmb[0].Embedding) != 3 {
		t.Fatalf("GetAllWithEmbeddings() = %+v, want one fact with a 3-dim embedding", withEmb)
	}
}
