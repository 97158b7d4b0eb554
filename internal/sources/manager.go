// Package sources assigns stable short identifiers to external sources
// discovered during a run, deduplicates them by canonical URL, and rewrites
// inline citation markers into formatted references.
package sources

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/pipeline"
)

// Source is one deduplicated external reference discovered during a session.
type Source struct {
	ShortID      string    `json:"short_id"`
	URL          string    `json:"url"`
	Title        string    `json:"title,omitempty"`
	Domain       string    `json:"domain,omitempty"`
	StageID      string    `json:"stage_id"`
	DiscoveredAt time.Time `json:"discovered_at"`
	Confidence   float64   `json:"confidence,omitempty"`
}

// Manager owns the URL-to-short-id table for one session. Parallel research
// leaves record into the same Manager, so the counter and the lookup map are
// guarded as one unit: two concurrent discoveries of the same URL always
// resolve to the same id.
type Manager struct {
	mu      sync.Mutex
	byURL   map[string]*Source
	byID    map[string]*Source
	ordered []*Source
}

// NewManager creates an empty source table. Short ids start at "src-1".
func NewManager() *Manager {
	return &Manager{
		byURL: make(map[string]*Source),
		byID:  make(map[string]*Source),
	}
}

// Record registers the grounding events produced by stageID. A reference
// whose canonical URL is already known reuses the existing short id; a new
// URL mints the next id in sequence. The resolved source for each input
// event is returned in input order. Events without a URL are skipped.
func (m *Manager) Record(stageID string, events []pipeline.GroundingEvent) []Source {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Source, 0, len(events))
	for _, ev := range events {
		canonical := CanonicalURL(ev.URL)
		if canonical == "" {
			continue
		}
		src, ok := m.byURL[canonical]
		if !ok {
			src = &Source{
				ShortID:      fmt.Sprintf("src-%d", len(m.ordered)+1),
				URL:          canonical,
				Title:        ev.Title,
				Domain:       domainOf(ev, canonical),
				StageID:      stageID,
				DiscoveredAt: time.Now().UTC(),
				Confidence:   ev.Confidence,
			}
			m.byURL[canonical] = src
			m.byID[src.ShortID] = src
			m.ordered = append(m.ordered, src)
		} else if src.Title == "" && ev.Title != "" {
			src.Title = ev.Title
		}
		out = append(out, *src)
	}
	return out
}

// Lookup returns the source assigned to shortID.
func (m *Manager) Lookup(shortID string) (Source, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.byID[shortID]
	if !ok {
		return Source{}, false
	}
	return *src, true
}

// All returns the recorded sources in discovery order.
func (m *Manager) All() []Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Source, len(m.ordered))
	for i, src := range m.ordered {
		out[i] = *src
	}
	return out
}

// Count returns the number of distinct sources recorded.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ordered)
}

// CanonicalURL normalizes a raw URL for deduplication: scheme and host are
// lowercased, the fragment is dropped, and a trailing slash is trimmed from
// the path. An unparseable URL falls back to its trimmed form.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(raw, "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

func domainOf(ev pipeline.GroundingEvent, canonical string) string {
	if ev.Domain != "" {
		return ev.Domain
	}
	if u, err := url.Parse(canonical); err == nil {
		return u.Hostname()
	}
	return ""
}
