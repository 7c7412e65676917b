package callsite

import (
	"testing"
)

// guardOn matches calls whose first argument equals key.
func guardOn(key string) Guard {
	return func(args []any) bool { return args[0] == key }
}

func constPath(result any) Invoker {
	return func([]any) (any, error) { return result, nil }
}

func TestInvokeFallsThroughToDispatch(t *testing.T) {
	dispatched := 0
	site := New(func(args []any) (any, error) {
		dispatched++
		return "slow", nil
	}, nil)

	res, err := site.Invoke([]any{"x"})
	if err != nil || res != "slow" {
		t.Fatalf("Invoke = (%v, %v), want slow", res, err)
	}
	if dispatched != 1 {
		t.Fatalf("dispatch ran %d times, want 1", dispatched)
	}
}

func TestCacheEntriesTriedInInstallationOrder(t *testing.T) {
	site := New(constPath("slow"), nil)
	site.AddCacheEntry(guardOn("a"), constPath("fast-a"))
	site.AddCacheEntry(guardOn("b"), constPath("fast-b"))

	for _, tt := range []struct {
		arg  string
		want string
	}{
		{"a", "fast-a"},
		{"b", "fast-b"},
		{"c", "slow"},
	} {
		res, err := site.Invoke([]any{tt.arg})
		if err != nil || res != tt.want {
			t.Fatalf("Invoke(%s) = (%v, %v), want %s", tt.arg, res, err, tt.want)
		}
	}
}

func TestMegamorphicTransition(t *testing.T) {
	site := New(constPath("slow"), constPath("mega"))

	for i, key := range []string{"a", "b", "c"} {
		site.AddCacheEntry(guardOn(key), constPath("fast"))
		if site.IsMegamorphic() {
			t.Fatalf("megamorphic after %d entries", i+1)
		}
	}
	if got := site.CacheCount(); got != 3 {
		t.Fatalf("cache count = %d, want 3", got)
	}

	// The fourth distinct identity flips the site; the chain collapses to
	// the megamorphic target.
	site.AddCacheEntry(guardOn("d"), constPath("fast-d"))
	if !site.IsMegamorphic() {
		t.Fatal("site should be megamorphic after the fourth entry")
	}
	if got := site.CacheCount(); got > CacheLimit+1 {
		t.Fatalf("cache count = %d, want <= %d", got, CacheLimit+1)
	}
	res, _ := site.Invoke([]any{"a"})
	if res != "mega" {
		t.Fatalf("megamorphic Invoke = %v, want mega", res)
	}

	// Once megamorphic, stays megamorphic; adds are no-ops.
	site.AddCacheEntry(guardOn("e"), constPath("fast-e"))
	if !site.IsMegamorphic() {
		t.Fatal("megamorphic must be sticky")
	}
}

func TestResetRestoresDispatch(t *testing.T) {
	site := New(constPath("slow"), constPath("mega"))
	for _, key := range []string{"a", "b", "c", "d"} {
		site.AddCacheEntry(guardOn(key), constPath("fast"))
	}
	if !site.IsMegamorphic() {
		t.Fatal("setup: site should be megamorphic")
	}

	site.Reset()
	if site.IsMegamorphic() {
		t.Fatal("reset should clear megamorphic")
	}
	if got := site.CacheCount(); got != 0 {
		t.Fatalf("cache count after reset = %d, want 0", got)
	}
	res, _ := site.Invoke([]any{"a"})
	if res != "slow" {
		t.Fatalf("Invoke after reset = %v, want slow", res)
	}
}

func TestNewWithLimit(t *testing.T) {
	site := NewWithLimit(constPath("slow"), nil, 1)
	site.AddCacheEntry(guardOn("a"), constPath("fast"))
	if site.IsMegamorphic() {
		t.Fatal("one entry within limit 1 should not be megamorphic")
	}
	site.AddCacheEntry(guardOn("b"), constPath("fast"))
	if !site.IsMegamorphic() {
		t.Fatal("second entry should cross limit 1")
	}
}

func TestPropertyCache(t *testing.T) {
	pc := NewPropertyCache()
	if pc.Check("point", "x") {
		t.Fatal("empty cache should miss")
	}
	pc.Update("point", "x")
	if !pc.Check("point", "x") {
		t.Fatal("cache should hit after update")
	}
	// A second shape at the same site gives up caching.
	pc.Update("rect", "x")
	if pc.Check("point", "x") || pc.Check("rect", "x") {
		t.Fatal("megamorphic property cache should always miss")
	}
	pc.Reset()
	pc.Update("rect", "x")
	if !pc.Check("rect", "x") {
		t.Fatal("cache should work again after reset")
	}
}
