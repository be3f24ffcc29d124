package whisper_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/book-expert/avatar-service/internal/config"
	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/whisper"
	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, baseURL, apiKey, language string) *whisper.Client {
	t.Helper()

	log, err := logger.New(t.TempDir(), "whisper-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return whisper.NewClient(config.TranscriptionConfig{
		BaseURL:        baseURL,
		APIKey:         apiKey,
		Model:          "whisper-1",
		Language:       language,
		TimeoutSeconds: 5,
	}, log)
}

func TestClient_Transcribe(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "en", r.FormValue("language"))
		assert.Equal(t, "json", r.FormValue("response_format"))

		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}

		defer file.Close()

		data, _ := io.ReadAll(file)
		assert.Equal(t, "webm-bytes", string(data))
		assert.Equal(t, "clip.webm", header.Filename)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"text":"hello world"}`)
	}))
	defer server.Close()

	text, err := newTestClient(t, server.URL+"/v1", "sk-test", "en").
		Transcribe(context.Background(), "uploads/clip.webm", strings.NewReader("webm-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestClient_Transcribe_OmitsEmptyLanguage(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		_, present := r.MultipartForm.Value["language"]
		assert.False(t, present)

		_, header, err := r.FormFile("file")
		if assert.NoError(t, err) {
			assert.Equal(t, "recording.webm", header.Filename)
		}

		_, _ = io.WriteString(w, `{"text":"ok"}`)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, "sk-test", "").
		Transcribe(context.Background(), "", strings.NewReader("x"))
	require.NoError(t, err)
}

func TestClient_Transcribe_AddsExtensionToBareName(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, header, err := r.FormFile("file")
		if assert.NoError(t, err) {
			assert.Equal(t, "blob.webm", header.Filename)
		}

		_, _ = io.WriteString(w, `{"text":"ok"}`)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, "sk-test", "").
		Transcribe(context.Background(), "blob", strings.NewReader("x"))
	require.NoError(t, err)
}

func TestClient_Transcribe_Errors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{
			name:   "provider error",
			status: http.StatusBadRequest,
			body:   `{"error":{"message":"bad audio","type":"invalid_request_error"}}`,
			want:   core.ErrProviderRequest,
		},
		{name: "unstructured error body", status: http.StatusBadGateway, body: `upstream down`, want: core.ErrProviderRequest},
		{name: "malformed body", status: http.StatusOK, body: `not-json`, want: core.ErrMalformedResponse},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(testCase.status)
				_, _ = io.WriteString(w, testCase.body)
			}))
			defer server.Close()

			_, err := newTestClient(t, server.URL, "sk-test", "").
				Transcribe(context.Background(), "a.webm", strings.NewReader("x"))
			require.ErrorIs(t, err, testCase.want)
		})
	}
}

func TestClient_Transcribe_ProviderMessage(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, "sk-bad", "").
		Transcribe(context.Background(), "a.webm", strings.NewReader("x"))

	var providerErr *core.ProviderError
	require.ErrorAs(t, err, &providerErr)
	assert.Equal(t, "Whisper", providerErr.Provider)
	assert.Equal(t, http.StatusUnauthorized, providerErr.Status)
	assert.Equal(t, "invalid api key", providerErr.Message)
}

func TestClient_Transcribe_MissingCredential(t *testing.T) {
	t.Parallel()

	_, err := newTestClient(t, "http://127.0.0.1:1", "", "").
		Transcribe(context.Background(), "a.webm", strings.NewReader("x"))
	require.ErrorIs(t, err, core.ErrMissingCredential)
}
