package sources

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bazarstat-hq/market-ingest/internal/ratelimit"
	"gopkg.in/yaml.v3"
)

// Package sources contains the declarative source registry (YAML/JSON) and
// the per-source adapters that build page requests and normalize payloads.

// Source is one marketplace backend entry from the sources file. It is
// immutable configuration loaded at startup.
type Source struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	Currency string `json:"currency" yaml:"currency"`

	RatePerMinute    float64 `json:"rate_per_minute" yaml:"rate_per_minute"`
	Burst            int     `json:"burst" yaml:"burst"`
	MaxConcurrent    int     `json:"max_concurrent" yaml:"max_concurrent"`
	BackoffFloorMs   int     `json:"backoff_floor_ms" yaml:"backoff_floor_ms"`
	BackoffCeilingMs int     `json:"backoff_ceiling_ms" yaml:"backoff_ceiling_ms"`
	FailureLimit     int     `json:"failure_limit" yaml:"failure_limit"`

	PageSize int   `json:"page_size" yaml:"page_size"`
	MaxPages int64 `json:"max_pages" yaml:"max_pages"`
	MaxID    int64 `json:"max_id" yaml:"max_id"`
	Wrap     bool  `json:"wrap" yaml:"wrap"`

	LotTypes []string          `json:"lot_types" yaml:"lot_types"`
	Headers  map[string]string `json:"headers" yaml:"headers"`
}

// RateConfig translates the source entry into a rate limiter budget.
func (s Source) RateConfig() ratelimit.SourceConfig {
	return ratelimit.SourceConfig{
		RequestsPerMinute: s.RatePerMinute,
		Burst:             s.Burst,
		BackoffFloor:      time.Duration(s.BackoffFloorMs) * time.Millisecond,
		BackoffCeiling:    time.Duration(s.BackoffCeilingMs) * time.Millisecond,
		FailureLimit:      s.FailureLimit,
	}
}

type registryFile struct {
	Sources []Source `json:"sources" yaml:"sources"`
}

// Registry materializes source definitions loaded from the sources file.
type Registry struct {
	sources []Source
	idx     map[string]Source
}

// LoadRegistry loads the source registry from a YAML/JSON file.
func LoadRegistry(path string) (*Registry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sources file path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sources file: %w", err)
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}

	return ParseRegistry(raw, filepath.Ext(path))
}

// ParseRegistry decodes and validates a sources document.
func ParseRegistry(raw []byte, ext string) (*Registry, error) {
	fileReg, err := parseRegistryFile(raw, ext)
	if err != nil {
		return nil, err
	}
	if len(fileReg.Sources) == 0 {
		return nil, errors.New("sources file contains no sources entries")
	}

	reg := &Registry{
		sources: make([]Source, len(fileReg.Sources)),
		idx:     make(map[string]Source, len(fileReg.Sources)),
	}
	for i := range fileReg.Sources {
		src := sanitizeSource(fileReg.Sources[i])
		if err := validateSource(src); err != nil {
			return nil, fmt.Errorf("sources[%d]: %w", i, err)
		}
		if _, exists := reg.idx[src.ID]; exists {
			return nil, fmt.Errorf("duplicate source id %q", src.ID)
		}
		reg.sources[i] = src
		reg.idx[src.ID] = src
	}
	return reg, nil
}

func parseRegistryFile(data []byte, ext string) (registryFile, error) {
	ext = strings.ToLower(strings.TrimSpace(ext))

	decoders := []struct {
		name string
		ext  string
		fn   func([]byte, any) error
	}{
		{name: "yaml", ext: ".yaml", fn: yaml.Unmarshal},
		{name: "yaml", ext: ".yml", fn: yaml.Unmarshal},
		{name: "json", ext: ".json", fn: json.Unmarshal},
	}

	for _, d := range decoders {
		if ext != "" && ext != d.ext {
			continue
		}
		var reg registryFile
		if err := d.fn(data, &reg); err == nil {
			return reg, nil
		}
	}

	return registryFile{}, errors.New("sources file format not recognized (expected YAML or JSON)")
}

func sanitizeSource(s Source) Source {
	s.ID = strings.TrimSpace(s.ID)
	s.Name = strings.TrimSpace(s.Name)
	s.Type = strings.ToLower(strings.TrimSpace(s.Type))
	s.BaseURL = strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	s.Currency = strings.TrimSpace(s.Currency)

	if s.PageSize <= 0 {
		s.PageSize = 100
	}
	for i := range s.LotTypes {
		s.LotTypes[i] = strings.ToLower(strings.TrimSpace(s.LotTypes[i]))
	}
	return s
}

func validateSource(s Source) error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Name == "" {
		return fmt.Errorf("name is required for source %q", s.ID)
	}
	if s.Type == "" {
		return fmt.Errorf("type is required for source %q", s.ID)
	}
	if s.BaseURL == "" {
		return fmt.Errorf("base_url is required for source %q", s.ID)
	}
	if s.Type == TypeDeals && len(s.LotTypes) == 0 {
		return fmt.Errorf("lot_types is required for deals source %q", s.ID)
	}
	return nil
}

// All returns a copy of the loaded sources.
func (r *Registry) All() []Source {
	if r == nil {
		return nil
	}
	out := make([]Source, len(r.sources))
	copy(out, r.sources)
	return out
}

// ByID returns the source entry for the given id, if loaded.
func (r *Registry) ByID(id string) (Source, bool) {
	if r == nil {
		return Source{}, false
	}
	s, ok := r.idx[strings.TrimSpace(id)]
	return s, ok
}
