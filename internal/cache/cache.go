package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/credpool/credpool-gateway/internal/adapter"
)

// Answer is one cached gateway response. RequestID points at the record the
// original request wrote.
type Answer struct {
	Answer    string
	RequestID string
	Usage     adapter.Usage
}

// ResponseCache is a short-TTL cache keyed on (account, session, normalized
// question) so identical repeated queries are served without charging or
// touching a credential.
type ResponseCache struct {
	lru *expirable.LRU[string, Answer]
}

// New creates a cache holding at most size answers, each for ttl.
func New(size int, ttl time.Duration) *ResponseCache {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ResponseCache{
		lru: expirable.NewLRU[string, Answer](size, nil, ttl),
	}
}

// Get returns the cached answer for the question, if still fresh.
func (c *ResponseCache) Get(accountID, sessionID, question string) (Answer, bool) {
	return c.lru.Get(Key(accountID, sessionID, question))
}

// Put stores a fresh answer.
func (c *ResponseCache) Put(accountID, sessionID, question string, a Answer) {
	c.lru.Add(Key(accountID, sessionID, question), a)
}

// Key derives the cache key. Questions are lowercased with whitespace
// collapsed so trivially reworded repeats still hit.
func Key(accountID, sessionID, question string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(question)), " ")
	sum := sha256.Sum256([]byte(accountID + "|" + sessionID + "|" + normalized))
	return hex.EncodeToString(sum[:])
}
