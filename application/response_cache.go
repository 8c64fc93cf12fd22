package application

import (
	"sync"
	"time"

	"github.com/flashbots/escrow-endpoint/types"
)

var Now = time.Now // used to mock time in tests

type value struct {
	data      *types.JsonRpcResponse
	timestamp time.Time
}

// ResponseCache remembers the response to a signed state-changing request,
// so a replayed request is answered instead of executed again.
type ResponseCache struct {
	mu    sync.Mutex
	doMu  sync.Mutex
	cache map[string]value
	ttl   time.Duration
}

func NewResponseCache(ttl time.Duration) *ResponseCache {
	return &ResponseCache{
		cache: make(map[string]value),
		ttl:   ttl,
	}
}

func (rc *ResponseCache) Get(key string) (*types.JsonRpcResponse, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, ok := rc.cache[key]
	if !ok {
		return nil, false
	}
	if Now().Sub(v.timestamp) > rc.ttl {
		delete(rc.cache, key)
		return nil, false
	}
	return v.data, ok
}

func (rc *ResponseCache) Set(key string, data *types.JsonRpcResponse) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.cache[key] = value{
		data:      data,
		timestamp: Now(),
	}
}

// Do returns the cached response for key, or runs fn and caches its result
// when keep accepts it. Calls to Do are serialized, so two identical requests
// arriving together run fn once.
func (rc *ResponseCache) Do(key string, fn func() *types.JsonRpcResponse, keep func(*types.JsonRpcResponse) bool) (*types.JsonRpcResponse, bool) {
	rc.doMu.Lock()
	defer rc.doMu.Unlock()
	if res, ok := rc.Get(key); ok {
		return res, true
	}
	res := fn()
	if keep(res) {
		rc.Set(key, res)
	}
	return res, false
}

// Prune drops expired entries and returns how many are left.
func (rc *ResponseCache) Prune() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	now := Now()
	for k, v := range rc.cache {
		if now.Sub(v.timestamp) > rc.ttl {
			delete(rc.cache, k)
		}
	}
	return len(rc.cache)
}
