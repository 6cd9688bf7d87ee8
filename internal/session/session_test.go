package session

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"fleetdash/internal/model"
)

func TestSaveLoadClear(t *testing.T) {
	kv := NewMemoryStore()
	in := Context{
		Mail:  "john@gmail.com",
		Token: "tok",
		Roles: []model.Role{{ID: 1, Name: "can_read_users"}, {ID: 6, Name: "can_start_machines"}},
	}
	if err := Save(kv, in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(kv)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(in, got); diff != "" {
		t.Fatalf("session mismatch (-want +got):\n%s", diff)
	}

	if err := Clear(kv); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	got, err = Load(kv)
	if err != nil {
		t.Fatalf("Load after clear: %v", err)
	}
	if got.Token != "" || len(got.Roles) != 0 {
		t.Fatalf("expected token and roles cleared, got %+v", got)
	}
	if got.Mail != in.Mail {
		t.Fatalf("expected mail kept, got %q", got.Mail)
	}
}

func TestLoad_NoSession(t *testing.T) {
	_, err := Load(NewMemoryStore())
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestLoad_BadRoles(t *testing.T) {
	kv := NewMemoryStore()
	_ = kv.Set(KeyMail, "a@b.c")
	_ = kv.Set(KeyRoles, "{not a list")
	if _, err := Load(kv); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestMemoryProvider_ScopesAreIsolated(t *testing.T) {
	p := NewMemoryProvider()
	_ = p.Scope("a").Set(KeyToken, "ta")
	_ = p.Scope("b").Set(KeyToken, "tb")

	if v, _ := p.Scope("a").Get(KeyToken); v != "ta" {
		t.Fatalf("expected ta, got %q", v)
	}
	if v, _ := p.Scope("b").Get(KeyToken); v != "tb" {
		t.Fatalf("expected tb, got %q", v)
	}
}

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions")

	s1, err := NewBadgerStore(path)
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}
	in := Context{Mail: "smaksimovic3519rn@raf.rs", Token: "jwt", Roles: []model.Role{{Name: "can_create_machines"}}}
	if err := Save(s1.Scope(in.Mail), in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := NewBadgerStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := Load(s2.Scope(in.Mail))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(in, got); diff != "" {
		t.Fatalf("session mismatch (-want +got):\n%s", diff)
	}

	if _, err := Load(s2.Scope("someone-else")); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected other scope empty, got %v", err)
	}
}

func TestInMemoryBadgerStore(t *testing.T) {
	s, err := NewInMemoryBadgerStore()
	if err != nil {
		t.Fatalf("NewInMemoryBadgerStore: %v", err)
	}
	defer s.Close()

	kv := s.Scope("u")
	if v, err := kv.Get("missing"); err != nil || v != "" {
		t.Fatalf("expected empty value, got %q %v", v, err)
	}
	if err := kv.Set("k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, _ := kv.Get("k"); v != "v" {
		t.Fatalf("expected v, got %q", v)
	}
}
