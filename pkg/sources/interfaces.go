package sources

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bazarstat-hq/market-ingest/internal/cursor"
	"github.com/bazarstat-hq/market-ingest/internal/domain"
	"github.com/bazarstat-hq/market-ingest/internal/fetch"
)

// Source type keys resolved through the adapter registry.
const (
	TypeCatalog     = "catalog"
	TypeClassifieds = "classifieds"
	TypeDeals       = "deals"
)

// StreamSpec identifies one continuously crawled (source, category) unit.
// Deals sources fan out into one stream per lot type and status.
type StreamSpec struct {
	ID      string
	Source  Source
	LotType string
	Status  domain.DealStatus
}

// Adapter is the per-source-family implementation: it builds page requests
// from cursor state, normalizes raw payloads into canonical records, and
// computes the follow-up cursor. PageRequest, Normalize and Advance are pure
// functions of their inputs so crawling is replayable from captured payloads.
type Adapter interface {
	Type() string
	Streams(src Source) []StreamSpec
	PageRequest(st StreamSpec, cur cursor.State) (fetch.RequestSpec, error)
	Normalize(st StreamSpec, payload []byte) (*domain.RecordSet, error)
	Advance(st StreamSpec, cur cursor.State) cursor.State
}

// AdapterRegistry resolves the adapter implementation for a source entry.
type AdapterRegistry interface {
	AdapterFor(src Source) (Adapter, error)
}

type adapterRegistry struct {
	mu     sync.RWMutex
	byType map[string]Adapter
}

// NewAdapterRegistry builds a registry for the provided adapters keyed by type.
func NewAdapterRegistry(adapters ...Adapter) AdapterRegistry {
	reg := &adapterRegistry{byType: make(map[string]Adapter)}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(a.Type()))
		if key == "" {
			continue
		}
		reg.mu.Lock()
		reg.byType[key] = a
		reg.mu.Unlock()
	}
	return reg
}

// AdapterFor selects the adapter for the given source based on its type.
func (r *adapterRegistry) AdapterFor(src Source) (Adapter, error) {
	if r == nil {
		return nil, fmt.Errorf("adapter registry is nil")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if a, ok := r.byType[src.Type]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("no adapter registered for source %q (type %q)", src.ID, src.Type)
}

// DefaultAdapterRegistry wires up the known source families.
func DefaultAdapterRegistry() AdapterRegistry {
	return NewAdapterRegistry(
		NewCatalogAdapter(),
		NewClassifiedsAdapter(),
		NewDealsAdapter(),
	)
}

// NormalizeError reports a payload missing a required field. The offending
// record is skipped; it never aborts the rest of the page.
type NormalizeError struct {
	Source string
	Field  string
}

func (e *NormalizeError) Error() string {
	return fmt.Sprintf("source %s: required field %q missing or invalid", e.Source, e.Field)
}
