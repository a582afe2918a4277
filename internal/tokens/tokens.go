// Package tokens provides token counting for context budgeting. The default
// counter is tiktoken-based; a chars/4 heuristic backs it up when a codec is
// unavailable.
package tokens

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/dohr-michael/quill/internal/storage"
)

// messageOverhead approximates the per-message cost of role and formatting.
const messageOverhead = 4

// Counter counts tokens in a piece of text.
type Counter interface {
	Count(text string) int
}

// CounterFunc adapts a plain function to Counter.
type CounterFunc func(text string) int

func (f CounterFunc) Count(text string) int { return f(text) }

// HeuristicCounter estimates tokens as len/charsPerToken. It is the
// fallback when no tokenizer codec can be constructed.
type HeuristicCounter struct {
	CharsPerToken int
}

func (h HeuristicCounter) Count(text string) int {
	cpt := h.CharsPerToken
	if cpt <= 0 {
		cpt = 4
	}
	return len(text) / cpt
}

// TiktokenCounter counts tokens with a tiktoken codec. Local models do not
// ship their tokenizers in a loadable form, so the GPT-4 encoding stands in
// for all of them; the effective-limit margin absorbs the drift.
type TiktokenCounter struct {
	codec tokenizer.Codec
}

// NewTiktokenCounter builds a counter for the given model id.
func NewTiktokenCounter(modelID string) (*TiktokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("create tokenizer codec for model %s: %w", modelID, err)
	}
	return &TiktokenCounter{codec: codec}, nil
}

// Count returns the token count for text, falling back to the chars/4
// heuristic if the codec errors.
func (tc *TiktokenCounter) Count(text string) int {
	if tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// NewDefaultCounter returns a tiktoken counter, or the heuristic when the
// codec cannot be built.
func NewDefaultCounter(modelID string) Counter {
	if tc, err := NewTiktokenCounter(modelID); err == nil {
		return tc
	}
	return HeuristicCounter{}
}

// CachingCounter wraps a Counter with a per-message cache keyed by message
// id. Messages are immutable once appended, so entries rarely invalidate.
type CachingCounter struct {
	mu    sync.Mutex
	inner Counter
	byID  map[string]int
}

// NewCachingCounter wraps inner with an id-keyed cache.
func NewCachingCounter(inner Counter) *CachingCounter {
	return &CachingCounter{inner: inner, byID: make(map[string]int)}
}

// Count counts raw text without caching.
func (c *CachingCounter) Count(text string) int { return c.inner.Count(text) }

// MessageTokens returns the token count for a message, including the
// per-message overhead, caching by message id. A precomputed TokenCount is
// returned as is, with no overhead added and nothing cached.
func (c *CachingCounter) MessageTokens(m storage.Message) int {
	if m.TokenCount > 0 {
		return m.TokenCount
	}
	if m.ID != "" {
		c.mu.Lock()
		if n, ok := c.byID[m.ID]; ok {
			c.mu.Unlock()
			return n
		}
		c.mu.Unlock()
	}

	n := c.inner.Count(m.Content) + messageOverhead

	if m.ID != "" {
		c.mu.Lock()
		c.byID[m.ID] = n
		c.mu.Unlock()
	}
	return n
}

// MessagesTokens sums MessageTokens over a slice.
func (c *CachingCounter) MessagesTokens(msgs []storage.Message) int {
	total := 0
	for _, m := range msgs {
		total += c.MessageTokens(m)
	}
	return total
}

// Invalidate drops a cached entry. Only needed when content changes, which
// for immutable messages is rare.
func (c *CachingCounter) Invalidate(id string) {
	c.mu.Lock()
	delete(c.byID, id)
	c.mu.Unlock()
}
