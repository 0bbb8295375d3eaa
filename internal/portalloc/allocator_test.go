package portalloc

import (
	"math/rand"
	"testing"
)

func TestFindAvailableStaysInRange(t *testing.T) {
	r := Range{Start: 6081, End: 6090}
	alloc := NewWithSource(DefaultSpread, rand.NewSource(1))
	for i := 0; i < 200; i++ {
		port, ok := alloc.FindAvailable(nil, r)
		if !ok {
			t.Fatal("expected a port from an empty range")
		}
		if !r.Contains(port) {
			t.Fatalf("port %d outside %s", port, r)
		}
		if port > r.Start+DefaultSpread-1 {
			t.Fatalf("port %d beyond start window", port)
		}
	}
}

func TestFindAvailableSpreadsStart(t *testing.T) {
	r := Range{Start: 7000, End: 7100}
	alloc := NewWithSource(DefaultSpread, rand.NewSource(42))
	seen := make(map[int]bool)
	for i := 0; i < 500; i++ {
		port, _ := alloc.FindAvailable(nil, r)
		seen[port] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected scans to start from several ports, saw %v", seen)
	}
}

func TestFindAvailableWrapsAround(t *testing.T) {
	r := Range{Start: 6081, End: 6085}
	occupied := map[int]struct{}{6082: {}, 6083: {}, 6084: {}, 6085: {}}
	alloc := NewWithSource(DefaultSpread, rand.NewSource(7))
	for i := 0; i < 50; i++ {
		port, ok := alloc.FindAvailable(occupied, r)
		if !ok || port != 6081 {
			t.Fatalf("expected wraparound to 6081, got %d ok=%v", port, ok)
		}
	}
}

func TestFindAvailableExhausted(t *testing.T) {
	r := Range{Start: 6081, End: 6082}
	occupied := map[int]struct{}{6081: {}, 6082: {}}
	if port, ok := FindAvailable(occupied, r); ok {
		t.Fatalf("expected exhaustion, got %d", port)
	}
}

func TestFindAvailableSinglePort(t *testing.T) {
	r := Range{Start: 5000, End: 5000}
	port, ok := FindAvailable(map[int]struct{}{4999: {}}, r)
	if !ok || port != 5000 {
		t.Fatalf("expected 5000, got %d ok=%v", port, ok)
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		in      string
		want    Range
		wantErr bool
	}{
		{in: "6081-6099", want: Range{Start: 6081, End: 6099}},
		{in: " 6081 - 6082 ", want: Range{Start: 6081, End: 6082}},
		{in: "6081", want: Range{Start: 6081, End: 6081}},
		{in: "6099-6081", wantErr: true},
		{in: "0-10", wantErr: true},
		{in: "6000-70000", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseRange(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseRange(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRange(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRange(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func BenchmarkFindAvailableNearlyFull(b *testing.B) {
	r := Range{Start: 10000, End: 11000}
	occupied := make(map[int]struct{}, r.Size())
	for p := r.Start; p < r.End; p++ {
		occupied[p] = struct{}{}
	}
	alloc := New(DefaultSpread)

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, ok := alloc.FindAvailable(occupied, r); !ok {
			b.Fatal("expected the last port to be free")
		}
	}
}
