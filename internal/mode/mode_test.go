package mode

import "testing"

func TestModeSetThenGetRoundTrips(t *testing.T) {
	s := New("default")
	s.Set("work")
	if got := s.Get().Name; got != "work" {
		t.Fatalf("got %q, want work", got)
	}
}

func TestNewDefaultsWhenEmpty(t *testing.T) {
	s := New("")
	if got := s.Get().Name; got != "default" {
		t.Fatalf("got %q, want default", got)
	}
}
