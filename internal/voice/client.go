// Package voice implements the ElevenLabs voice provider: listing cloned
// voices, cloning a voice from a sample and synthesizing speech.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/book-expert/avatar-service/internal/config"
	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/logger"
	"github.com/tidwall/gjson"
)

// API endpoints and paths.
const (
	apiListVoices   = "/v1/voices"
	apiAddVoice     = "/v1/voices/add"
	apiTextToSpeech = "/v1/text-to-speech/"
)

// HTTP headers.
const (
	headerAPIKey      = "xi-api-key"
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeMPEG   = "audio/mpeg"
	audioMimePrefix   = "audio/"
)

// Form field names.
const (
	formFieldName        = "name"
	formFieldDescription = "description"
	formFieldFiles       = "files"
)

const (
	providerName      = "ElevenLabs"
	categoryCloned    = "cloned"
	labelDescription  = "description"
	defaultSampleName = "sample.mp3"
)

const (
	logFmtListed      = "Listed %d cloned voices"
	logFmtCloned      = "Cloned voice %q as %s"
	logFmtSynthesized = "Synthesized %d bytes of speech with voice %s"
)

// Client talks to the ElevenLabs REST API. It holds no per-request state.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
	log        *logger.Logger
}

type voicesResponse struct {
	Voices []struct {
		VoiceID  string            `json:"voice_id"`
		Name     string            `json:"name"`
		Category string            `json:"category"`
		Labels   map[string]string `json:"labels"`
	} `json:"voices"`
}

type addVoiceResponse struct {
	VoiceID string `json:"voice_id"`
}

type speechRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

// NewClient creates an ElevenLabs client from configuration.
func NewClient(cfg config.VoiceConfig, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		modelID: cfg.ModelID,
		log:     log,
		httpClient: &http.Client{
			Timeout: cfg.Timeout(),
		},
	}
}

// ListVoices returns the cloned voices of the account.
func (c *Client) ListVoices(ctx context.Context) ([]core.Voice, error) {
	req, err := c.newRequest(ctx, http.MethodGet, apiListVoices, http.NoBody)
	if err != nil {
		return nil, err
	}

	req.Header.Set(headerAccept, contentTypeJSON)

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload voicesResponse

	decodeErr := json.NewDecoder(resp.Body).Decode(&payload)
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: failed to decode voices: %w", core.ErrMalformedResponse, decodeErr)
	}

	voices := make([]core.Voice, 0, len(payload.Voices))

	for _, item := range payload.Voices {
		if item.Category != categoryCloned {
			continue
		}

		voices = append(voices, core.Voice{
			ID:          item.VoiceID,
			Name:        item.Name,
			Description: item.Labels[labelDescription],
		})
	}

	c.log.Info(logFmtListed, len(voices))

	return voices, nil
}

// CloneVoice uploads one sample and creates a new cloned voice.
func (c *Client) CloneVoice(ctx context.Context, cloneReq core.CloneRequest) (core.Voice, error) {
	if strings.TrimSpace(cloneReq.Name) == "" {
		return core.Voice{}, core.ErrNameRequired
	}

	if cloneReq.Sample == nil {
		return core.Voice{}, core.ErrFileRequired
	}

	pipeReader, pipeWriter := io.Pipe()
	writer := multipart.NewWriter(pipeWriter)
	writeDone := make(chan struct{})

	go func() {
		defer close(writeDone)

		_ = pipeWriter.CloseWithError(writeCloneForm(writer, cloneReq))
	}()

	// The sample belongs to the caller, so the writer must stop before we return.
	defer func() {
		_ = pipeReader.Close()

		<-writeDone
	}()

	req, err := c.newRequest(ctx, http.MethodPost, apiAddVoice, pipeReader)
	if err != nil {
		return core.Voice{}, err
	}

	req.Header.Set(headerContentType, writer.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return core.Voice{}, err
	}
	defer resp.Body.Close()

	var payload addVoiceResponse

	decodeErr := json.NewDecoder(resp.Body).Decode(&payload)
	if decodeErr != nil {
		return core.Voice{}, fmt.Errorf("%w: failed to decode clone response: %w", core.ErrMalformedResponse, decodeErr)
	}

	if payload.VoiceID == "" {
		return core.Voice{}, fmt.Errorf("%w: clone response has no voice_id", core.ErrMalformedResponse)
	}

	c.log.Info(logFmtCloned, cloneReq.Name, payload.VoiceID)

	return core.Voice{ID: payload.VoiceID, Name: cloneReq.Name, Description: cloneReq.Description}, nil
}

// writeCloneForm streams the clone form into writer and closes it.
func writeCloneForm(writer *multipart.Writer, cloneReq core.CloneRequest) error {
	err := writer.WriteField(formFieldName, cloneReq.Name)
	if err != nil {
		return fmt.Errorf("failed to write name field: %w", err)
	}

	err = writer.WriteField(formFieldDescription, cloneReq.Description)
	if err != nil {
		return fmt.Errorf("failed to write description field: %w", err)
	}

	fileName := cloneReq.FileName
	if fileName == "" {
		fileName = defaultSampleName
	}

	part, err := writer.CreateFormFile(formFieldFiles, fileName)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}

	_, err = io.Copy(part, cloneReq.Sample)
	if err != nil {
		return fmt.Errorf("failed to copy sample data: %w", err)
	}

	closeErr := writer.Close()
	if closeErr != nil {
		return fmt.Errorf("failed to close multipart writer: %w", closeErr)
	}

	return nil
}

// Synthesize converts text to MPEG audio with the given voice.
func (c *Client) Synthesize(ctx context.Context, voiceID, text string) ([]byte, error) {
	if text == "" {
		return nil, core.ErrTextRequired
	}

	if voiceID == "" {
		return nil, core.ErrVoiceRequired
	}

	requestBody, err := json.Marshal(speechRequest{Text: text, ModelID: c.modelID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, apiTextToSpeech+url.PathEscape(voiceID), bytes.NewReader(requestBody))
	if err != nil {
		return nil, err
	}

	req.Header.Set(headerContentType, contentTypeJSON)
	req.Header.Set(headerAccept, contentTypeMPEG)

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get(headerContentType)
	if !strings.HasPrefix(contentType, audioMimePrefix) {
		return nil, fmt.Errorf("%w: expected audio, got %s", core.ErrUnexpectedMimeType, contentType)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, core.ErrEmptyAudio
	}

	c.log.Info(logFmtSynthesized, len(audioData), voiceID)

	return audioData, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if c.apiKey == "" {
		return nil, core.NewMissingCredentialError(config.EnvVoiceAPIKey)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set(headerAPIKey, c.apiKey)

	return req, nil
}

// do sends req and converts any non-2xx answer into a ProviderError.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s at %s: %w", providerName, c.baseURL, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()

		return nil, parseErrorResponse(resp)
	}

	return resp, nil
}

// parseErrorResponse extracts detail.message or detail from a JSON error
// body, falling back to the raw body.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	message := strings.TrimSpace(string(body))

	if gjson.ValidBytes(body) {
		for _, path := range []string{"detail.message", "detail"} {
			result := gjson.GetBytes(body, path)
			if result.Type == gjson.String && result.String() != "" {
				message = result.String()

				break
			}
		}
	}

	return &core.ProviderError{Provider: providerName, Status: resp.StatusCode, Message: message}
}
