package callsite

import "sync"

// PropertyCache caches a single (shape, field) resolution for one field
// access site, dispatched through the same inline-cache machinery as calls,
// keyed on field name. Objects in this core have no class hierarchy, just a
// shape tag; a mismatch simply means the site has seen more than one shape
// and gives up caching, going megamorphic like a polymorphic call site.
type PropertyCache struct {
	mu sync.Mutex

	initialized bool
	megamorphic bool
	shape       string
	field       string

	hits, misses int64
}

func NewPropertyCache() *PropertyCache { return &PropertyCache{} }

// Check reports whether this cache is still valid for (shape, field) — i.e.
// whether the caller can skip re-resolving and go straight to the field
// access. It does not itself perform the access.
func (pc *PropertyCache) Check(shape, field string) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if !pc.initialized || pc.megamorphic {
		pc.misses++
		return false
	}
	if pc.shape == shape && pc.field == field {
		pc.hits++
		return true
	}
	pc.misses++
	return false
}

// Update records the (shape, field) this access site just resolved. A
// second distinct shape at the same site makes it megamorphic.
func (pc *PropertyCache) Update(shape, field string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.megamorphic {
		return
	}
	if !pc.initialized {
		pc.initialized = true
		pc.shape = shape
		pc.field = field
		return
	}
	if pc.shape != shape {
		pc.megamorphic = true
	}
}

// Reset clears the cache, used after a deopt that may have redefined the
// shape's layout.
func (pc *PropertyCache) Reset() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.initialized = false
	pc.megamorphic = false
}
