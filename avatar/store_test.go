package avatar

import (
	"errors"
	"testing"
)

func TestStoreGetReturnsCopy(t *testing.T) {
	st := NewStore()
	st.Put(Session{
		SessionID:      "s1",
		Status:         StatusVariationsReady,
		VariationPaths: []string{"a.png", "b.png"},
	})

	first, ok := st.Get("s1")
	if !ok {
		t.Fatal("session should exist")
	}
	first.VariationPaths[0] = "mutated.png"

	second, _ := st.Get("s1")
	if second.VariationPaths[0] != "a.png" {
		t.Error("mutating a returned session must not affect the stored one")
	}
}

func TestStoreUpdateError(t *testing.T) {
	st := NewStore()
	st.Put(Session{SessionID: "s1", Status: StatusUploaded})

	boom := errors.New("boom")
	if _, err := st.Update("s1", func(s *Session) error {
		s.Status = StatusReady
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	session, _ := st.Get("s1")
	if session.Status != StatusUploaded {
		t.Error("failed update must not publish changes")
	}

	if _, err := st.Update("missing", func(*Session) error { return nil }); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestStoreDelete(t *testing.T) {
	st := NewStore()
	st.Put(Session{SessionID: "s1"})

	if !st.Delete("s1") {
		t.Error("delete of existing session should report true")
	}
	if st.Delete("s1") {
		t.Error("second delete should report false")
	}
	if st.Len() != 0 {
		t.Errorf("Len = %d, want 0", st.Len())
	}
}

func TestStoreAll(t *testing.T) {
	st := NewStore()
	st.Put(Session{SessionID: "s1", VariationPaths: []string{"a.png"}})
	st.Put(Session{SessionID: "s2"})

	all := st.All()
	if len(all) != 2 {
		t.Fatalf("len(All) = %d, want 2", len(all))
	}
	for i := range all {
		if all[i].SessionID == "s1" {
			all[i].VariationPaths[0] = "mutated.png"
		}
	}
	s1, _ := st.Get("s1")
	if s1.VariationPaths[0] != "a.png" {
		t.Error("All must return copies, not store-owned state")
	}
}

func TestStoreNewest(t *testing.T) {
	st := NewStore()
	if _, ok := st.Newest(); ok {
		t.Error("empty store should have no newest session")
	}

	st.Put(Session{SessionID: "old", CreatedAt: 100})
	st.Put(Session{SessionID: "new", CreatedAt: 200})

	newest, ok := st.Newest()
	if !ok || newest.SessionID != "new" {
		t.Errorf("Newest = %+v, want session new", newest)
	}
}

func TestAdvanceToIsMonotonic(t *testing.T) {
	s := &Session{Status: StatusReady}
	s.advanceTo(StatusUploaded)
	if s.Status != StatusReady {
		t.Error("status must never move backwards")
	}

	s = &Session{Status: StatusUploaded}
	s.advanceTo(StatusGeneratingVariations)
	if s.Status != StatusGeneratingVariations {
		t.Error("forward transition should apply")
	}
}

func TestStatusStep(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusUploaded, "image_uploaded"},
		{StatusGeneratingVariations, "generating_variations"},
		{StatusVariationsReady, "variations_generated"},
		{StatusProcessingSelection, "generating_expressions"},
		{StatusReady, "preparation_complete"},
		{StatusReadyForChat, "preparation_complete"},
		{StatusPreparationCompleted, "preparation_complete"},
	}
	for _, tt := range tests {
		if got := tt.status.Step(); got != tt.want {
			t.Errorf("Step(%s) = %q, want %q", tt.status, got, tt.want)
		}
	}
}
