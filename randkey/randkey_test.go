package randkey

import "testing"

func TestNewDeterministic(t *testing.T) {
	if New(7) != New(7) {
		t.Fatal("same seed produced different keys")
	}
	if New(7) == New(8) {
		t.Fatal("different seeds produced the same key")
	}
}

func TestSplitDistinct(t *testing.T) {
	k := New(42)
	a, b := k.Split()
	if a == b || a == k || b == k {
		t.Fatalf("split keys not distinct: %v %v %v", k, a, b)
	}

	keys := k.SplitN(64)
	seen := make(map[Key]bool, len(keys))
	for _, key := range keys {
		if seen[key] {
			t.Fatalf("duplicate key %v", key)
		}
		seen[key] = true
	}

	// Split is the first two of SplitN.
	if keys[0] != a || keys[1] != b {
		t.Error("Split disagrees with SplitN(2)")
	}
}

func TestRandReproducible(t *testing.T) {
	k := New(3)
	r1, r2 := k.Rand(), k.Rand()
	for i := 0; i < 10; i++ {
		if r1.Float64() != r2.Float64() {
			t.Fatalf("streams diverged at draw %d", i)
		}
	}
}

func TestParseString(t *testing.T) {
	k := New(99)
	got, err := Parse(k.String())
	if err != nil {
		t.Fatal(err)
	}
	if got != k {
		t.Errorf("Parse(String()) = %v, want %v", got, k)
	}
	for _, bad := range []string{"", "abc", "zz" + k.String()[2:]} {
		if _, err := Parse(bad); err == nil {
			t.Errorf("Parse(%q) accepted", bad)
		}
	}
}
