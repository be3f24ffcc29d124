package main

import (
	"flag"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/avatar-service/internal/config"
	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeInput(t *testing.T, dir, name string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(name), 0o600))

	return path
}

// TestParseFlags verifies that command-line flags are parsed correctly.
func TestParseFlags(t *testing.T) {
	t.Parallel()

	fs := flag.NewFlagSet("lipsync-client", flag.ContinueOnError)

	flags, err := parseFlags(fs, []string{
		"--video", "face.mp4", "--audio", "speech.mp3", "--timeout", "90s", "--verbose",
	})
	require.NoError(t, err)

	assert.Equal(t, appFlags{
		video:   "face.mp4",
		audio:   "speech.mp3",
		timeout: 90 * time.Second,
		verbose: true,
	}, flags)
}

// TestValidateFlags verifies required and conflicting arguments.
func TestValidateFlags(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	video := writeInput(t, dir, "face.mp4")
	audio := writeInput(t, dir, "speech.mp3")

	tests := []struct {
		name          string
		flags         appFlags
		expectedError string
	}{
		{name: "valid", flags: appFlags{video: video, audio: audio}},
		{name: "missing video", flags: appFlags{audio: audio}, expectedError: errVideoRequired},
		{name: "missing audio", flags: appFlags{video: video}, expectedError: errAudioRequired},
		{
			name:          "negative timeout",
			flags:         appFlags{video: video, audio: audio, timeout: -time.Second},
			expectedError: "--timeout must not be negative",
		},
		{
			name:          "video does not exist",
			flags:         appFlags{video: filepath.Join(dir, "nope.mp4"), audio: audio},
			expectedError: "nope.mp4",
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := validateFlags(testCase.flags)
			if testCase.expectedError == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), testCase.expectedError)
		})
	}
}

// TestSubmit runs the client against a synchronous fake provider.
func TestSubmit(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		_, _ = io.WriteString(w, `{"output":"https://cdn/out.mp4"}`)
	}))
	defer server.Close()

	dir := t.TempDir()

	cfg := &config.Config{LipSync: config.LipSyncConfig{BaseURL: server.URL, APIKey: "key"}}
	cfg.ApplyDefaults()

	appLog, err := logger.New(dir, "client-test.log")
	require.NoError(t, err)

	defer appLog.Close()

	videoURL, err := submit(appFlags{
		video:   writeInput(t, dir, "face.mp4"),
		audio:   writeInput(t, dir, "speech.mp3"),
		timeout: 10 * time.Second,
	}, cfg, appLog)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/out.mp4", videoURL)
}

func TestSubmit_ProviderRejects(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"error":"bad video"}`)
	}))
	defer server.Close()

	dir := t.TempDir()

	cfg := &config.Config{LipSync: config.LipSyncConfig{BaseURL: server.URL, APIKey: "key"}}
	cfg.ApplyDefaults()

	appLog, err := logger.New(dir, "client-test.log")
	require.NoError(t, err)

	defer appLog.Close()

	_, err = submit(appFlags{video: writeInput(t, dir, "face.mp4"), audio: writeInput(t, dir, "speech.mp3")}, cfg, appLog)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad video")
}
