package marker

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "markers.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLastSelectedRoundTrip(t *testing.T) {
	s := testStore(t)

	if v, err := s.LastSelected(); err != nil || v != "" {
		t.Fatalf("empty store: got %q, %v", v, err)
	}
	if err := s.SetLastSelected("c42"); err != nil {
		t.Fatal(err)
	}
	v, err := s.LastSelected()
	if err != nil {
		t.Fatal(err)
	}
	if v != "c42" {
		t.Errorf("LastSelected = %q, want c42", v)
	}
}

func TestLastRefreshRoundTrip(t *testing.T) {
	s := testStore(t)

	if ts, err := s.LastRefresh(); err != nil || !ts.IsZero() {
		t.Fatalf("empty store: got %v, %v", ts, err)
	}
	now := time.Now()
	if err := s.SetLastRefresh(now); err != nil {
		t.Fatal(err)
	}
	ts, err := s.LastRefresh()
	if err != nil {
		t.Fatal(err)
	}
	if ts.UnixMilli() != now.UnixMilli() {
		t.Errorf("LastRefresh = %v, want %v", ts, now)
	}
}

func TestRecentlyCreatedDirectWindow(t *testing.T) {
	s := testStore(t)

	recent, err := s.RecentlyCreatedDirect("u1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if recent {
		t.Error("unmarked user reported as recently created")
	}

	if err := s.MarkDirectCreated("u1"); err != nil {
		t.Fatal(err)
	}
	recent, err = s.RecentlyCreatedDirect("u1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !recent {
		t.Error("marker not visible inside the window")
	}

	// An elapsed window means the marker no longer applies.
	recent, err = s.RecentlyCreatedDirect("u1", time.Nanosecond)
	if err != nil {
		t.Fatal(err)
	}
	if recent {
		t.Error("marker still relevant outside the window")
	}
}

func TestResetClearsEverything(t *testing.T) {
	s := testStore(t)
	if err := s.SetLastSelected("c1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkDirectCreated("u1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.LastSelected(); v != "" {
		t.Errorf("LastSelected = %q after reset, want empty", v)
	}
	if recent, _ := s.RecentlyCreatedDirect("u1", time.Hour); recent {
		t.Error("creation marker survived reset")
	}
}
