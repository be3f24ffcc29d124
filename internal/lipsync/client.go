// Package lipsync submits face and audio pairs to the lip-sync provider and
// resolves the job to an output video URL, polling when the provider answers
// asynchronously.
package lipsync

import (
	"bytes"
	"context"
	"errors"
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

// HTTP headers.
const (
	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	headerAccept        = "Accept"
	headerLocation      = "Location"
	contentTypeJSON     = "application/json"
)

// Form field names.
const (
	formFieldVideo = "video"
	formFieldAudio = "audio"
)

// Job status values.
const (
	statusCompleted = "completed"
	statusFailed    = "failed"
)

const maxResponseBytes = 1 << 20

const (
	logFmtSubmitted     = "Submitted lip-sync job (face %s, audio %s): status %d"
	logFmtSubmitRejects = "Lip-sync provider rejected submission with status %d"
	logFmtCloseFailed   = "failed to close upload %s: %v"
)

// Client issues the raw provider calls. It holds no per-job state.
type Client struct {
	httpClient *http.Client
	submitURL  *url.URL
	apiKey     string
	log        *logger.Logger
}

// submission is the provider's answer to a job submission. A nil location
// means the job finished synchronously and body holds the output.
type submission struct {
	location *url.URL
	body     []byte
}

// statusReport is one parsed status-check answer.
type statusReport struct {
	status   string
	videoURL string
	details  string
}

// transientError marks a status-check failure that may be retried.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

// NewClient creates a provider client from configuration. With an empty base
// URL every job fails with ErrEndpointMissing before any request is made. A
// base URL that is not an absolute http(s) URL is rejected.
func NewClient(cfg config.LipSyncConfig, log *logger.Logger) (*Client, error) {
	var submitURL *url.URL

	if strings.TrimSpace(cfg.BaseURL) != "" {
		parsed, err := parseSubmitURL(cfg)
		if err != nil {
			return nil, err
		}

		submitURL = parsed
	}

	return &Client{
		submitURL: submitURL,
		apiKey:    cfg.APIKey,
		log:       log,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout(),
		},
	}, nil
}

func parseSubmitURL(cfg config.LipSyncConfig) (*url.URL, error) {
	submitURL, err := url.Parse(cfg.SubmitURL())
	if err != nil {
		return nil, fmt.Errorf("%w: lip-sync submit URL %q: %w", core.ErrInvalidEndpoint, cfg.SubmitURL(), err)
	}

	if (submitURL.Scheme != "http" && submitURL.Scheme != "https") || submitURL.Host == "" {
		return nil, fmt.Errorf("%w: lipsync.base_url %q must be an absolute http(s) URL",
			core.ErrInvalidEndpoint, cfg.BaseURL)
	}

	return submitURL, nil
}

// submit posts the face video and audio as one multipart request. The body
// is streamed, so neither file is buffered in memory.
func (c *Client) submit(ctx context.Context, face, audio core.Upload) (submission, error) {
	if c.apiKey == "" {
		return submission{}, core.NewMissingCredentialError(config.EnvLipSyncAPIKey)
	}

	if c.submitURL == nil {
		return submission{}, fmt.Errorf("%w: lipsync.base_url", core.ErrEndpointMissing)
	}

	pipeReader, pipeWriter := io.Pipe()
	writer := multipart.NewWriter(pipeWriter)

	go func() {
		_ = pipeWriter.CloseWithError(c.writeParts(writer, face, audio))
	}()

	// Unblocks the writer if the provider answers before reading the whole body.
	defer pipeReader.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.submitURL.String(), pipeReader)
	if err != nil {
		return submission{}, fmt.Errorf("failed to create submit request: %w", err)
	}

	req.Header.Set(headerAuthorization, "Bearer "+c.apiKey)
	req.Header.Set(headerContentType, writer.FormDataContentType())
	req.Header.Set(headerAccept, contentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return submission{}, fmt.Errorf("failed to submit lip-sync job to %s: %w", c.submitURL.Host, err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if readErr != nil {
		return submission{}, fmt.Errorf("failed to read submit response: %w", readErr)
	}

	if !isSuccess(resp.StatusCode) {
		c.log.Warn(logFmtSubmitRejects, resp.StatusCode)

		return submission{}, &core.SubmissionFailedError{Status: resp.StatusCode, Body: string(body)}
	}

	c.log.Info(logFmtSubmitted, face.Name, audio.Name, resp.StatusCode)

	location := strings.TrimSpace(resp.Header.Get(headerLocation))
	if location == "" {
		return submission{body: body}, nil
	}

	statusURL, err := c.submitURL.Parse(location)
	if err != nil {
		return submission{}, fmt.Errorf("%w: invalid status location %q: %w", core.ErrMalformedResponse, location, err)
	}

	return submission{location: statusURL, body: body}, nil
}

func (c *Client) writeParts(writer *multipart.Writer, face, audio core.Upload) error {
	for _, part := range []struct {
		field  string
		upload core.Upload
	}{
		{field: formFieldVideo, upload: face},
		{field: formFieldAudio, upload: audio},
	} {
		err := c.copyPart(writer, part.field, part.upload)
		if err != nil {
			return err
		}
	}

	closeErr := writer.Close()
	if closeErr != nil {
		return fmt.Errorf("failed to close multipart writer: %w", closeErr)
	}

	return nil
}

func (c *Client) copyPart(writer *multipart.Writer, field string, upload core.Upload) error {
	source, err := upload.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s upload %s: %w", field, upload.Name, err)
	}

	defer func() {
		closeErr := source.Close()
		if closeErr != nil {
			c.log.Warn(logFmtCloseFailed, upload.Name, closeErr)
		}
	}()

	part, err := writer.CreateFormFile(field, upload.Name)
	if err != nil {
		return fmt.Errorf("failed to create %s form file: %w", field, err)
	}

	_, err = io.Copy(part, source)
	if err != nil {
		return fmt.Errorf("failed to copy %s data: %w", field, err)
	}

	return nil
}

// checkStatus fetches the job status once. Transport errors, 429 and 5xx
// answers are returned as transient; other non-2xx answers are fatal.
func (c *Client) checkStatus(ctx context.Context, location *url.URL) (statusReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location.String(), http.NoBody)
	if err != nil {
		return statusReport{}, fmt.Errorf("failed to create status request: %w", err)
	}

	req.Header.Set(headerAuthorization, "Bearer "+c.apiKey)
	req.Header.Set(headerAccept, contentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return statusReport{}, &transientError{err: fmt.Errorf("%w: %w", core.ErrStatusCheckFailed, err)}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if readErr != nil {
		return statusReport{}, &transientError{err: fmt.Errorf("%w: failed to read status: %w", core.ErrStatusCheckFailed, readErr)}
	}

	if !isSuccess(resp.StatusCode) {
		checkErr := &core.StatusCheckError{Status: resp.StatusCode, Body: string(body)}
		if isTransientStatus(resp.StatusCode) {
			return statusReport{}, &transientError{err: checkErr}
		}

		return statusReport{}, checkErr
	}

	return parseStatus(body)
}

func parseStatus(body []byte) (statusReport, error) {
	if !gjson.ValidBytes(body) {
		return statusReport{}, fmt.Errorf("%w: status body is not JSON", core.ErrMalformedResponse)
	}

	report := statusReport{status: strings.ToLower(gjson.GetBytes(body, "status").String())}

	switch report.status {
	case statusCompleted:
		report.videoURL = outputVideo(body)
		if report.videoURL == "" {
			return statusReport{}, fmt.Errorf("%w: completed job has no output video", core.ErrMalformedResponse)
		}
	case statusFailed:
		report.details = failureDetails(body)
	}

	return report, nil
}

// parseSynchronousOutput reads the output URL of a job that finished
// within the submission call.
func parseSynchronousOutput(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("%w: submit body is not JSON", core.ErrMalformedResponse)
	}

	videoURL := outputVideo(body)
	if videoURL == "" {
		return "", fmt.Errorf("%w: response has no output", core.ErrMalformedResponse)
	}

	return videoURL, nil
}

// outputVideo accepts both "output": "<url>" and "output": {"output_video": "<url>"}.
func outputVideo(body []byte) string {
	output := gjson.GetBytes(body, "output")

	switch {
	case output.Type == gjson.String:
		return strings.TrimSpace(output.String())
	case output.IsObject():
		return strings.TrimSpace(output.Get("output_video").String())
	default:
		return ""
	}
}

func failureDetails(body []byte) string {
	for _, path := range []string{"error", "details", "message"} {
		result := gjson.GetBytes(body, path)
		if !result.Exists() || result.Type == gjson.Null {
			continue
		}

		if result.IsObject() || result.IsArray() {
			return result.Raw
		}

		if text := strings.TrimSpace(result.String()); text != "" {
			return text
		}
	}

	return string(bytes.TrimSpace(body))
}

func isSuccess(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}

func isTransientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func isTransient(err error) bool {
	var transient *transientError

	return errors.As(err, &transient)
}
