// Package roster maps plan task role hints to concrete agent identities,
// creating new agents when allowed and queueing bootstrap requests when not.
package roster

import (
	"strings"
	"sync"
)

// Metadata is the role information kept per known agent. It lives in an
// external store; this core only reads and writes it through the Index.
type Metadata struct {
	DisplayName string   `json:"display_name,omitempty"`
	Role        string   `json:"role,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Model       string   `json:"model,omitempty"`
	Emoji       string   `json:"emoji,omitempty"`
}

// Weak reports whether the metadata is too thin to make the agent eligible
// for role resolution: an empty or default summary and no tags.
func (m Metadata) Weak() bool {
	summary := strings.ToLower(strings.TrimSpace(m.Summary))
	defaulted := summary == "" || summary == "ai assistant" || summary == "assistant"
	return defaulted && len(m.Tags) == 0
}

// Index is the role-metadata store keyed by agent id.
type Index interface {
	Get(agentID string) (Metadata, bool)
	Put(agentID string, meta Metadata)
	All() map[string]Metadata
}

// MemoryIndex is an in-process Index. The persistent mirror of this data is
// owned by the external settings store, outside this core.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]Metadata
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]Metadata)}
}

func (idx *MemoryIndex) Get(agentID string) (Metadata, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	meta, ok := idx.entries[agentID]
	return meta, ok
}

func (idx *MemoryIndex) Put(agentID string, meta Metadata) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[agentID] = meta
}

func (idx *MemoryIndex) All() map[string]Metadata {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[string]Metadata, len(idx.entries))
	for k, v := range idx.entries {
		out[k] = v
	}
	return out
}
