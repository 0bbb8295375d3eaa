package portalloc

import "testing"

func FuzzParseRange(f *testing.F) {
	for _, seed := range []string{"6081-6099", "6081", " 1 - 65535 ", "0-1", "10-5", "a-b"} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, value string) {
		r, err := ParseRange(value)
		if err != nil {
			return
		}
		if err := r.Validate(); err != nil {
			t.Fatalf("ParseRange(%q) returned invalid range %v: %v", value, r, err)
		}
		back, err := ParseRange(r.String())
		if err != nil {
			t.Fatalf("round trip of %v failed: %v", r, err)
		}
		if back != r {
			t.Fatalf("round trip mismatch: %v vs %v", back, r)
		}
		port, ok := New(DefaultSpread).FindAvailable(nil, r)
		if !ok || !r.Contains(port) {
			t.Fatalf("empty range %v yielded port %d ok=%v", r, port, ok)
		}
	})
}
