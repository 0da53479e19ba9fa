package inflight

import (
	"testing"
	"time"
)

func TestSetIfAbsent(t *testing.T) {
	s := NewMemorySet()
	defer s.Stop()

	if !s.SetIfAbsent("item-1", time.Minute) {
		t.Fatal("first claim should succeed")
	}
	if s.SetIfAbsent("item-1", time.Minute) {
		t.Fatal("second claim on live key should fail")
	}
	if !s.SetIfAbsent("item-2", time.Minute) {
		t.Fatal("claim on different key should succeed")
	}
	if got := s.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}
}

func TestDeleteReleasesClaim(t *testing.T) {
	s := NewMemorySet()
	defer s.Stop()

	if !s.SetIfAbsent("item-1", time.Minute) {
		t.Fatal("first claim should succeed")
	}
	s.Delete("item-1")
	if !s.SetIfAbsent("item-1", time.Minute) {
		t.Fatal("claim after delete should succeed")
	}
}

func TestExpiredClaimCountsAsAbsent(t *testing.T) {
	s := NewMemorySet()
	defer s.Stop()

	if !s.SetIfAbsent("item-1", time.Millisecond) {
		t.Fatal("first claim should succeed")
	}
	time.Sleep(5 * time.Millisecond)
	if !s.SetIfAbsent("item-1", time.Minute) {
		t.Fatal("claim on expired key should succeed")
	}
}

func TestCapRefusesNewClaims(t *testing.T) {
	s := NewMemorySetWithSize(2)
	defer s.Stop()

	if !s.SetIfAbsent("a", time.Minute) {
		t.Fatal("claim a should succeed")
	}
	if !s.SetIfAbsent("b", time.Minute) {
		t.Fatal("claim b should succeed")
	}
	if s.SetIfAbsent("c", time.Minute) {
		t.Fatal("claim c should be refused at cap")
	}

	// Expired claims are swept to make room.
	s.Delete("a")
	if !s.SetIfAbsent("c", time.Minute) {
		t.Fatal("claim c should succeed after release")
	}
}
