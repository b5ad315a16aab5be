package cache

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}

// memStore is the in-process shadow of the cache, used while the real cache
// is unreachable. It mirrors the string/hash/list/sorted-set structures the
// facade relies on, with per-structure locking and absolute expiries. All
// returned values are copies.
type memStore struct {
	strings *stringTable
	hashes  *hashTable
	lists   *listTable
	zsets   *zsetTable
}

func newMemStore() *memStore {
	return &memStore{
		strings: &stringTable{entries: make(map[string]stringEntry)},
		hashes:  &hashTable{entries: make(map[string]hashEntry)},
		lists:   &listTable{entries: make(map[string]listEntry)},
		zsets:   &zsetTable{entries: make(map[string]zsetEntry)},
	}
}

// sweep evicts expired entries from every table. Each table is locked
// independently so a sweep never stalls all structures at once.
func (m *memStore) sweep(now time.Time) {
	m.strings.sweep(now)
	m.hashes.sweep(now)
	m.lists.sweep(now)
	m.zsets.sweep(now)
}

func expired(expiresAt time.Time, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// --- strings ---

type stringEntry struct {
	value     string
	expiresAt time.Time
}

type stringTable struct {
	mu      sync.RWMutex
	entries map[string]stringEntry
}

func (t *stringTable) set(key, value string, ttl time.Duration) {
	t.mu.Lock()
	t.entries[key] = stringEntry{value: value, expiresAt: expiry(ttl)}
	t.mu.Unlock()
}

func (t *stringTable) setNX(key, value string, ttl time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok && !expired(e.expiresAt, time.Now()) {
		return false
	}
	t.entries[key] = stringEntry{value: value, expiresAt: expiry(ttl)}
	return true
}

func (t *stringTable) get(key string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	if !ok || expired(e.expiresAt, time.Now()) {
		return "", false
	}
	return e.value, true
}

// incr increments an integer counter, arming the window TTL on first use.
func (t *stringTable) incr(key string, window time.Duration) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	e, ok := t.entries[key]
	if !ok || expired(e.expiresAt, now) {
		t.entries[key] = stringEntry{value: "1", expiresAt: now.Add(window)}
		return 1
	}
	n := parseInt(e.value) + 1
	e.value = formatInt(n)
	t.entries[key] = e
	return n
}

func (t *stringTable) ttl(key string) (time.Duration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	if !ok || expired(e.expiresAt, time.Now()) {
		return 0, false
	}
	if e.expiresAt.IsZero() {
		return -1, true
	}
	return time.Until(e.expiresAt), true
}

func (t *stringTable) expire(key string, ttl time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok || expired(e.expiresAt, time.Now()) {
		return false
	}
	e.expiresAt = expiry(ttl)
	t.entries[key] = e
	return true
}

func (t *stringTable) del(key string) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

func (t *stringTable) sweep(now time.Time) {
	t.mu.Lock()
	for k, e := range t.entries {
		if expired(e.expiresAt, now) {
			delete(t.entries, k)
		}
	}
	t.mu.Unlock()
}

// --- hashes ---

type hashEntry struct {
	fields    map[string]string
	expiresAt time.Time
}

type hashTable struct {
	mu      sync.RWMutex
	entries map[string]hashEntry
}

func (t *hashTable) hset(key, field, value string, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok || expired(e.expiresAt, time.Now()) {
		e = hashEntry{fields: make(map[string]string)}
	}
	e.fields[field] = value
	e.expiresAt = expiry(ttl)
	t.entries[key] = e
}

func (t *hashTable) hget(key, field string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	if !ok || expired(e.expiresAt, time.Now()) {
		return "", false
	}
	v, ok := e.fields[field]
	return v, ok
}

func (t *hashTable) hgetall(key string) map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	if !ok || expired(e.expiresAt, time.Now()) {
		return nil
	}
	out := make(map[string]string, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	return out
}

func (t *hashTable) del(key string) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

func (t *hashTable) sweep(now time.Time) {
	t.mu.Lock()
	for k, e := range t.entries {
		if expired(e.expiresAt, now) {
			delete(t.entries, k)
		}
	}
	t.mu.Unlock()
}

// --- lists ---

type listEntry struct {
	items     []string
	expiresAt time.Time
}

type listTable struct {
	mu      sync.RWMutex
	entries map[string]listEntry
}

func (t *listTable) lpush(key, value string, ttl time.Duration) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok || expired(e.expiresAt, time.Now()) {
		e = listEntry{}
	}
	e.items = append([]string{value}, e.items...)
	e.expiresAt = expiry(ttl)
	t.entries[key] = e
	return int64(len(e.items))
}

func (t *listTable) lrange(key string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	if !ok || expired(e.expiresAt, time.Now()) {
		return nil
	}
	out := make([]string, len(e.items))
	copy(out, e.items)
	return out
}

func (t *listTable) rpop(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok || expired(e.expiresAt, time.Now()) || len(e.items) == 0 {
		return "", false
	}
	v := e.items[len(e.items)-1]
	e.items = e.items[:len(e.items)-1]
	t.entries[key] = e
	return v, true
}

func (t *listTable) llen(key string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	if !ok || expired(e.expiresAt, time.Now()) {
		return 0
	}
	return int64(len(e.items))
}

func (t *listTable) del(key string) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

func (t *listTable) sweep(now time.Time) {
	t.mu.Lock()
	for k, e := range t.entries {
		if expired(e.expiresAt, now) {
			delete(t.entries, k)
		}
	}
	t.mu.Unlock()
}

// --- sorted sets ---

type zsetEntry struct {
	scores    map[string]float64
	expiresAt time.Time
}

type zsetTable struct {
	mu      sync.RWMutex
	entries map[string]zsetEntry
}

type memberScore struct {
	member string
	score  float64
}

func (t *zsetTable) zadd(key, member string, score float64, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok || expired(e.expiresAt, time.Now()) {
		e = zsetEntry{scores: make(map[string]float64)}
	}
	e.scores[member] = score
	e.expiresAt = expiry(ttl)
	t.entries[key] = e
}

// zdesc returns members ordered by descending score; equal scores order by
// member for determinism.
func (t *zsetTable) zdesc(key string) []memberScore {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	if !ok || expired(e.expiresAt, time.Now()) {
		return nil
	}
	out := make([]memberScore, 0, len(e.scores))
	for m, s := range e.scores {
		out = append(out, memberScore{member: m, score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].member < out[j].member
	})
	return out
}

func (t *zsetTable) zrevrank(key, member string) (int64, bool) {
	for i, ms := range t.zdesc(key) {
		if ms.member == member {
			return int64(i), true
		}
	}
	return 0, false
}

func (t *zsetTable) zrem(key, member string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return
	}
	delete(e.scores, member)
	t.entries[key] = e
}

func (t *zsetTable) del(key string) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

func (t *zsetTable) sweep(now time.Time) {
	t.mu.Lock()
	for k, e := range t.entries {
		if expired(e.expiresAt, now) {
			delete(t.entries, k)
		}
	}
	t.mu.Unlock()
}
