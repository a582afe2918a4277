// Package models holds the provider-side policy data the context core is
// parameterized by: context windows, pre-computed effective limits, tier
// derivation, model size classes and their reliability factors, plus the
// default Ollama transport constructor.
package models

import (
	"strings"
)

// defaultContextWindows maps known local model prefixes to their context
// window sizes. Unknown models fall back to fallbackContextWindow.
var defaultContextWindows = map[string]int{
	"llama3.2":    131072,
	"llama3.1":    131072,
	"llama3":      8192,
	"llama2":      4096,
	"mistral":     32768,
	"mixtral":     32768,
	"qwen2.5":     32768,
	"qwen2":       32768,
	"gemma2":      8192,
	"gemma":       8192,
	"phi3":        131072,
	"codellama":   16384,
	"deepseek-r1": 131072,
	"tinyllama":   2048,
}

const fallbackContextWindow = 8192

// effectiveRatio is the pre-computed share of the raw window usable for
// prompt contents. The remainder absorbs tokenizer drift and provider
// overhead.
const effectiveRatio = 0.85

// Profiles answers context-limit questions per model. The zero value uses
// the built-in window table.
type Profiles struct {
	// Overrides maps a model id prefix to a raw context window, taking
	// precedence over the built-in table.
	Overrides map[string]int
}

// ContextLimit returns the raw context window for a model id.
func (p Profiles) ContextLimit(modelID string) int {
	id := strings.ToLower(modelID)
	for prefix, window := range p.Overrides {
		if strings.HasPrefix(id, strings.ToLower(prefix)) {
			return window
		}
	}

	best, bestLen := fallbackContextWindow, 0
	for prefix, window := range defaultContextWindows {
		if strings.HasPrefix(id, prefix) && len(prefix) > bestLen {
			best, bestLen = window, len(prefix)
		}
	}
	return best
}

// EffectiveLimit returns the pre-computed usable size for a requested
// context profile: 85% of the smaller of the requested size and the model's
// raw window.
func (p Profiles) EffectiveLimit(modelID string, requestedSize int) int {
	window := p.ContextLimit(modelID)
	if requestedSize > 0 && requestedSize < window {
		window = requestedSize
	}
	return int(float64(window) * effectiveRatio)
}
