package publishers

import (
	"os"
	"path/filepath"
	"testing"
)

const samplePublishersYAML = `
publishers:
  - id: price-alerts
    type: sns
    sns:
      topic_arn: arn:aws:sns:us-east-1:123456789012:price-alerts
      region: us-east-1
  - id: ingest-queue
    type: sqs
    enabled: false
    sqs:
      uri: https://sqs.us-east-1.amazonaws.com/123456789012/ingest
      region: us-east-1
  - id: analytics
    type: gcppubsub
    gcppubsub:
      project_id: bazarstat
      topic: market-changes
  - id: webhook
    type: http
    http:
      url: https://hooks.example.com/changes
`

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "publishers.yaml")
	if err := os.WriteFile(path, []byte(samplePublishersYAML), 0o644); err != nil {
		t.Fatalf("write publishers file: %v", err)
	}

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if got := len(reg.All()); got != 4 {
		t.Fatalf("expected 4 publishers, got %d", got)
	}
	if got := len(reg.Enabled()); got != 3 {
		t.Fatalf("expected 3 enabled publishers, got %d", got)
	}

	cfg, ok := reg.ByID("webhook")
	if !ok {
		t.Fatalf("webhook publisher not found")
	}
	if cfg.HTTP.Method != "POST" {
		t.Fatalf("http method default = %q, want POST", cfg.HTTP.Method)
	}
	if cfg.HTTP.TimeoutSeconds != httpDefaultTimeoutSeconds {
		t.Fatalf("http timeout default = %d", cfg.HTTP.TimeoutSeconds)
	}
}

func TestLoadRegistryValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"sns without topic", `publishers: [{id: a, type: sns, sns: {region: us-east-1}}]`},
		{"gcppubsub without project", `publishers: [{id: a, type: gcppubsub, gcppubsub: {topic: t}}]`},
		{"duplicate ids", `
publishers:
  - {id: a, type: http, http: {url: https://x}}
  - {id: a, type: http, http: {url: https://y}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "publishers.yaml")
			if err := os.WriteFile(path, []byte(tc.body), 0o644); err != nil {
				t.Fatalf("write publishers file: %v", err)
			}
			if _, err := LoadRegistry(path); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
