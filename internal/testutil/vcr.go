// Package testutil holds helpers shared by upstream client tests.
package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// credentialHeaders never reach a cassette on disk.
var credentialHeaders = []string{"Authorization", "X-Api-Key"}

// NewVCRRecorder opens testdata/fixtures/<cassetteName>.yaml. It replays
// by default; VCR_MODE=record talks to the real upstream and rewrites the
// cassette.
func NewVCRRecorder(t *testing.T, cassetteName string) (*recorder.Recorder, func()) {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv("VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	cassettePath := filepath.Join("testdata", "fixtures", cassetteName)

	r, err := recorder.NewAsMode(cassettePath, mode, nil)
	if err != nil {
		t.Fatalf("Failed to create VCR recorder: %v", err)
	}

	// Request bodies carry per-run ids, so match on method and URL only.
	r.SetMatcher(func(r *http.Request, i cassette.Request) bool {
		return r.Method == i.Method && r.URL.String() == i.URL
	})

	r.AddFilter(func(i *cassette.Interaction) error {
		for _, h := range credentialHeaders {
			i.Request.Headers.Del(h)
		}
		return nil
	})

	cleanup := func() {
		if err := r.Stop(); err != nil {
			t.Errorf("Failed to stop VCR recorder: %v", err)
		}
	}

	return r, cleanup
}

// VCRHTTPClient returns an HTTP client that routes through the recorder.
func VCRHTTPClient(r *recorder.Recorder) *http.Client {
	return &http.Client{
		Transport: r,
	}
}

// APIKey returns the named environment variable, or a placeholder when
// replaying.
func APIKey(envVar string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return "test-key"
}

// SkipUnlessRecordable skips a test that would record without a real
// credential.
func SkipUnlessRecordable(t *testing.T, envVar string) {
	t.Helper()
	if os.Getenv("VCR_MODE") == "record" && os.Getenv(envVar) == "" {
		t.Skipf("Skipping test: %s not set", envVar)
	}
}
