package memutils

import "github.com/cockroachdb/errors"

type cookieEntry[T any] struct {
	generation uint32
	live       bool
	value      T
}

// CookieTable issues cookies for values owned by a single backend. Indices are recycled, but
// each reuse bumps the generation, so a cookie is never valid again once it has been removed.
type CookieTable[T any] struct {
	origin  Origin
	entries []cookieEntry[T]
	free    []uint32
	live    int
}

func NewCookieTable[T any](origin Origin) *CookieTable[T] {
	return &CookieTable[T]{origin: origin}
}

func (t *CookieTable[T]) Origin() Origin { return t.origin }
func (t *CookieTable[T]) Len() int       { return t.live }

// Insert stores value and returns a fresh cookie for it
func (t *CookieTable[T]) Insert(value T) Cookie {
	var index uint32
	if len(t.free) > 0 {
		index = t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
	} else {
		index = uint32(len(t.entries))
		t.entries = append(t.entries, cookieEntry[T]{})
	}

	entry := &t.entries[index]
	entry.generation++
	entry.live = true
	entry.value = value
	t.live++

	return MakeCookie(t.origin, index, entry.generation)
}

func (t *CookieTable[T]) lookup(cookie Cookie) (*cookieEntry[T], error) {
	if cookie.origin != t.origin {
		return nil, errors.Wrapf(ErrInvalidArgument, "%s was not issued by origin %d", cookie, t.origin)
	}

	if int(cookie.index) >= len(t.entries) {
		return nil, errors.Wrapf(ErrInvalidArgument, "%s has an index that was never issued", cookie)
	}

	entry := &t.entries[cookie.index]
	if !entry.live || entry.generation != cookie.generation {
		return nil, errors.Wrapf(ErrDoubleFree, "%s is not live", cookie)
	}

	return entry, nil
}

func (t *CookieTable[T]) Get(cookie Cookie) (T, error) {
	entry, err := t.lookup(cookie)
	if err != nil {
		var zero T
		return zero, err
	}
	return entry.value, nil
}

func (t *CookieTable[T]) Set(cookie Cookie, value T) error {
	entry, err := t.lookup(cookie)
	if err != nil {
		return err
	}
	entry.value = value
	return nil
}

// Remove retires a cookie and returns the value it named
func (t *CookieTable[T]) Remove(cookie Cookie) (T, error) {
	entry, err := t.lookup(cookie)
	if err != nil {
		var zero T
		return zero, err
	}

	value := entry.value
	var zero T
	entry.value = zero
	entry.live = false
	t.free = append(t.free, cookie.index)
	t.live--

	return value, nil
}

// Each calls fn for every live cookie in index order until fn returns false
func (t *CookieTable[T]) Each(fn func(cookie Cookie, value T) bool) {
	for i := range t.entries {
		entry := &t.entries[i]
		if !entry.live {
			continue
		}
		if !fn(MakeCookie(t.origin, uint32(i), entry.generation), entry.value) {
			return
		}
	}
}
