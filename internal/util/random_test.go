package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		hexLength  int
		wantPrefix string
		wantLength int
	}{
		{name: "job id format", prefix: "job_", hexLength: 32, wantPrefix: "job_", wantLength: 36},
		{name: "outbox id format", prefix: "outbox_", hexLength: 32, wantPrefix: "outbox_", wantLength: 39},
		{name: "empty hex", prefix: "x_", hexLength: 0, wantPrefix: "x_", wantLength: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateRandomID(tt.prefix, tt.hexLength)
			if !strings.HasPrefix(got, tt.wantPrefix) {
				t.Errorf("GenerateRandomID() = %q, want prefix %q", got, tt.wantPrefix)
			}
			if len(got) != tt.wantLength {
				t.Errorf("GenerateRandomID() length = %d, want %d", len(got), tt.wantLength)
			}
			for _, c := range strings.TrimPrefix(got, tt.wantPrefix) {
				if !strings.ContainsRune("0123456789abcdef", c) {
					t.Errorf("GenerateRandomID() contains non-hex character %q", c)
				}
			}
		})
	}
}

func TestGenerateJobID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateJobID()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}
