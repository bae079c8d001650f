package blobstore

import (
	"regexp"
	"strings"
	"testing"
)

func TestDeriveKeyExtension(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		wantExt  string
	}{
		{"simple", "scan.jpg", "jpg"},
		{"uppercase", "REPORT.PDF", "pdf"},
		{"multiple dots", "chest.xray.v2.jpeg", "jpeg"},
		{"no dot", "scan", "scan"},
		{"empty filename", "", "file"},
		{"trailing dot", "weird.", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := DeriveKey("P004", tt.filename)
			if !strings.HasPrefix(key, "P004/") {
				t.Fatalf("key %q not prefixed with patient id", key)
			}
			gotExt := key[strings.LastIndex(key, ".")+1:]
			if gotExt != tt.wantExt {
				t.Errorf("extension = %q, want %q", gotExt, tt.wantExt)
			}
		})
	}
}

func TestDeriveKeyFormat(t *testing.T) {
	re := regexp.MustCompile(`^P004/[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\.jpg$`)
	key := DeriveKey("P004", "scan.jpg")
	if !re.MatchString(key) {
		t.Errorf("key %q does not match {patientId}/{uuid}.{ext}", key)
	}
}

func TestDeriveKeyUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key := DeriveKey("P001", "scan.jpg")
		if seen[key] {
			t.Fatalf("duplicate key generated: %q", key)
		}
		seen[key] = true
	}
}
