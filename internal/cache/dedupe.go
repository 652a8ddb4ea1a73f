// Package cache implements the voice-send deduper (C9): a two-level,
// insertion-ordered LRU+TTL cache over (account, chat) content fingerprints.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// DefaultWindowMs is the default dedupe window when none is supplied.
	DefaultWindowMs int64 = 10_000

	chatCapacity       = 500
	perChatCapacity    = 50
)

// fingerprintEntry is one value in a chat's per-fingerprint LRU list.
type fingerprintEntry struct {
	fingerprint string
	ts          int64
}

// chatState is one chat's insertion-ordered fingerprint map, backed by a
// doubly linked list so the head (oldest/least-recently-touched) entry can be
// evicted in O(1).
type chatState struct {
	order *list.List
	elems map[string]*list.Element
}

func newChatState() *chatState {
	return &chatState{order: list.New(), elems: map[string]*list.Element{}}
}

// chatEntry is the value stored in the top-level chat LRU list.
type chatEntry struct {
	chatKey string
	state   *chatState
}

// VoiceDedupeCache implements the per-(account,chat) sliding-window LRU over
// content fingerprints described by C9: a chat-level LRU bounded to 500
// chats, each holding a per-fingerprint LRU bounded to 50 entries, with lazy
// expiry on access.
type VoiceDedupeCache struct {
	mu sync.Mutex

	chatOrder *list.List
	chats     map[string]*list.Element // chatKey -> *list.Element holding *chatEntry
}

// NewVoiceDedupeCache builds an empty deduper.
func NewVoiceDedupeCache() *VoiceDedupeCache {
	return &VoiceDedupeCache{
		chatOrder: list.New(),
		chats:     map[string]*list.Element{},
	}
}

// ShouldDedupeRequest is the input to ShouldDedupe.
type ShouldDedupeRequest struct {
	AccountID   string
	ChatID      string
	Fingerprint string
	Now         time.Time
	WindowMs    int64
}

// ShouldDedupe implements the exact algorithm from the spec:
//  1. chatKey = accountId + ":" + chatId
//  2. touch chat: move chatKey to tail; evict head while size > 500
//  3. prune expired entries from the head of the per-chat map
//  4. if fingerprint exists and is within window: refresh LRU order, return true
//  5. else insert, evict head while per-chat size > 50, return false
func (c *VoiceDedupeCache) ShouldDedupe(req ShouldDedupeRequest) bool {
	windowMs := req.WindowMs
	if windowMs <= 0 {
		windowMs = DefaultWindowMs
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	nowMs := now.UnixMilli()
	chatKey := req.AccountID + ":" + req.ChatID

	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.touchChat(chatKey)
	c.pruneExpired(state, nowMs, windowMs)

	if elem, ok := state.elems[req.Fingerprint]; ok {
		entry := elem.Value.(*fingerprintEntry)
		if nowMs-entry.ts <= windowMs {
			entry.ts = nowMs
			state.order.MoveToBack(elem)
			return true
		}
		// Expired but not yet pruned by the head-scan above (can't happen
		// given prune's contract, but stay correct if windowMs shrank).
		state.order.Remove(elem)
		delete(state.elems, req.Fingerprint)
	}

	elem := state.order.PushBack(&fingerprintEntry{fingerprint: req.Fingerprint, ts: nowMs})
	state.elems[req.Fingerprint] = elem
	c.evictHeadWhile(state, perChatCapacity)
	return false
}

// touchChat moves chatKey to the tail of the chat-level LRU (creating it if
// necessary), evicting the least-recently-touched chat while over capacity.
func (c *VoiceDedupeCache) touchChat(chatKey string) *chatState {
	if elem, ok := c.chats[chatKey]; ok {
		c.chatOrder.MoveToBack(elem)
		return elem.Value.(*chatEntry).state
	}

	state := newChatState()
	elem := c.chatOrder.PushBack(&chatEntry{chatKey: chatKey, state: state})
	c.chats[chatKey] = elem

	for c.chatOrder.Len() > chatCapacity {
		head := c.chatOrder.Front()
		if head == nil {
			break
		}
		evicted := head.Value.(*chatEntry)
		c.chatOrder.Remove(head)
		delete(c.chats, evicted.chatKey)
	}
	return state
}

// pruneExpired drops entries from the head of the per-chat LRU while they
// are older than windowMs, stopping at the first non-expired entry since the
// list is insertion/touch ordered.
func (c *VoiceDedupeCache) pruneExpired(state *chatState, nowMs, windowMs int64) {
	for {
		head := state.order.Front()
		if head == nil {
			return
		}
		entry := head.Value.(*fingerprintEntry)
		if nowMs-entry.ts <= windowMs {
			return
		}
		state.order.Remove(head)
		delete(state.elems, entry.fingerprint)
	}
}

func (c *VoiceDedupeCache) evictHeadWhile(state *chatState, maxSize int) {
	for state.order.Len() > maxSize {
		head := state.order.Front()
		if head == nil {
			return
		}
		entry := head.Value.(*fingerprintEntry)
		state.order.Remove(head)
		delete(state.elems, entry.fingerprint)
	}
}

// ChatCount returns the number of chats currently tracked (for tests/metrics).
func (c *VoiceDedupeCache) ChatCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatOrder.Len()
}

// Fingerprint computes the content-addressed dedupe key for a payload.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
