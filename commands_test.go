//go:build !dlib

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExtractCommandPrintsFingerprint(t *testing.T) {
	sidecar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"faces":[{"landmarks":[{"x":1,"y":2,"z":3},{"x":4,"y":5,"z":6}]}]}`))
	}))
	defer sidecar.Close()

	t.Setenv("EXTRACTOR_URL", sidecar.URL)
	t.Setenv("FINGERPRINT_STRATEGY", "landmarks")

	path := filepath.Join(t.TempDir(), "face.jpg")
	if err := os.WriteFile(path, jpegBytes(t), 0o600); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"extract", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	var result extractOutput
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode output %q: %v", out.String(), err)
	}
	if result.Format != "jpeg" || result.Extractor != "remote" || result.Dimension != 6 {
		t.Fatalf("unexpected output %+v", result)
	}
	if result.Fingerprint[0] != 1 || result.Fingerprint[1] != 4 || result.Fingerprint[2] != 2 {
		t.Fatalf("unexpected fingerprint %v", result.Fingerprint)
	}
}

func TestExtractCommandReportsNoFace(t *testing.T) {
	sidecar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"faces":[]}`))
	}))
	defer sidecar.Close()
	t.Setenv("EXTRACTOR_URL", sidecar.URL)

	path := filepath.Join(t.TempDir(), "blank.jpg")
	if err := os.WriteFile(path, jpegBytes(t), 0o600); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"extract", path})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "no face detected") {
		t.Fatalf("expected no face error, got %v", err)
	}
}
