// Package whisper provides the OpenAI Whisper transcription client.
package whisper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/book-expert/avatar-service/internal/config"
	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/fileutil"
	"github.com/book-expert/logger"
	openai "github.com/sashabaranov/go-openai"
)

const (
	errFailedToDecodeResponse = "%w: failed to decode transcription: %w"
	errFailedToTranscribe     = "transcription request failed: %w"
	logTranscribed            = "Transcribed %s into %d characters"
	logTranscribeFailed       = "Transcription of %s failed: %v"
)

const (
	providerName    = "Whisper"
	defaultFileName = "recording.webm"
	defaultExt      = ".webm"
)

// Client provides Whisper API client functionality.
type Client struct {
	api      *openai.Client
	apiKey   string
	model    string
	language string
	log      *logger.Logger
}

// NewClient creates a new Whisper API client. An empty base URL uses the
// public API.
func NewClient(cfg config.TranscriptionConfig, log *logger.Logger) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout()}

	return &Client{
		api:      openai.NewClientWithConfig(clientConfig),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		language: cfg.Language,
		log:      log,
	}
}

// Transcribe uploads the recording and returns the recognized text.
func (c *Client) Transcribe(ctx context.Context, fileName string, audio io.Reader) (string, error) {
	if c.apiKey == "" {
		return "", core.NewMissingCredentialError(config.EnvOpenAIAPIKey)
	}

	if audio == nil {
		return "", core.ErrFileRequired
	}

	name := uploadName(fileName)

	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.model,
		FilePath: name,
		Reader:   audio,
		Language: c.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		c.log.Error(logTranscribeFailed, name, err)

		return "", convertError(err)
	}

	c.log.Info(logTranscribed, name, len(resp.Text))

	return resp.Text, nil
}

// uploadName is the part name sent to the provider. Whisper infers the
// container from the extension; browsers upload "blob".
func uploadName(fileName string) string {
	name := filepath.Base(fileName)
	if fileName == "" || name == "." || name == string(filepath.Separator) {
		return defaultFileName
	}

	if filepath.Ext(name) == "" {
		name += fileutil.ExtOf(name, defaultExt)
	}

	return name
}

func convertError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &core.ProviderError{Provider: providerName, Status: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &core.ProviderError{Provider: providerName, Status: reqErr.HTTPStatusCode, Message: reqErr.Error()}
	}

	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return fmt.Errorf(errFailedToDecodeResponse, core.ErrMalformedResponse, err)
	}

	return fmt.Errorf(errFailedToTranscribe, err)
}
