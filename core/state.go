package core

import (
	"context"
	"sync"
)

// Value is a last-value-caching observable cell.
//
// It distinguishes "not loaded yet" from "loaded with an empty value" so
// consumers can wait for the initial computation instead of mistaking a slow
// start for an absent value.
type Value[T any] struct {
	mu      sync.Mutex
	eq      func(a, b T) bool
	loaded  bool
	loadedC chan struct{}
	cur     T
	subs    map[int]chan T
	nextSub int
}

// NewValue creates an empty cell. eq suppresses writes that do not change the
// value; nil means every Set counts as a change.
func NewValue[T any](eq func(a, b T) bool) *Value[T] {
	return &Value[T]{
		eq:      eq,
		loadedC: make(chan struct{}),
		subs:    make(map[int]chan T),
	}
}

// Set stores val and notifies subscribers, reporting whether the value
// changed. The first Set always counts as a change and marks the cell loaded.
func (v *Value[T]) Set(val T) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.loaded && v.eq != nil && v.eq(v.cur, val) {
		return false
	}
	v.cur = val
	if !v.loaded {
		v.loaded = true
		close(v.loadedC)
	}
	for _, ch := range v.subs {
		select {
		case ch <- val:
		default:
			// Slow subscriber: evict the oldest buffered value so the
			// channel always ends up holding the newest one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- val:
			default:
			}
		}
	}
	return true
}

// Get returns the current value and whether the cell has been loaded.
func (v *Value[T]) Get() (T, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur, v.loaded
}

// WaitLoaded blocks until the first Set or until ctx ends.
func (v *Value[T]) WaitLoaded(ctx context.Context) error {
	select {
	case <-v.loadedC:
		return nil
	default:
	}
	select {
	case <-v.loadedC:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers an observer. If the cell is loaded, the current value is
// delivered immediately. The cancel func removes the subscription and closes
// the channel.
func (v *Value[T]) Subscribe(buf int) (<-chan T, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan T, buf)

	v.mu.Lock()
	id := v.nextSub
	v.nextSub++
	v.subs[id] = ch
	if v.loaded {
		ch <- v.cur
	}
	v.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, id)
			v.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
