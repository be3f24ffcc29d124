package core

import (
	"errors"
	"fmt"
)

// Domain errors. Structured errors below unwrap to one of these so callers
// can match with errors.Is.
var (
	ErrMissingCredential = errors.New("missing credential")
	ErrSubmissionFailed  = errors.New("lip-sync submission failed")
	ErrMalformedResponse = errors.New("malformed provider response")
	ErrLipSyncJobFailed  = errors.New("lip-sync job failed")
	ErrAssetNotFound     = errors.New("face video asset not found")
	ErrPollingTimeout    = errors.New("lip-sync polling timed out")
	ErrStatusCheckFailed = errors.New("lip-sync status check failed")
	ErrProviderRequest   = errors.New("provider request failed")
	ErrEndpointMissing   = errors.New("provider endpoint not configured")
	ErrInvalidEndpoint   = errors.New("invalid provider endpoint")
)

// Validation errors.
var (
	ErrTextRequired       = errors.New("text is required")
	ErrVoiceRequired      = errors.New("voice_id is required")
	ErrNameRequired       = errors.New("name is required")
	ErrFileRequired       = errors.New("file is required")
	ErrMessagesRequired   = errors.New("messages are required")
	ErrInvalidRole        = errors.New("invalid message role")
	ErrInvalidAssetName   = errors.New("invalid asset name")
	ErrEmptyAudio         = errors.New("received empty audio data")
	ErrUnexpectedMimeType = errors.New("unexpected content type")
)

const maxErrorBodyLen = 512

// NewMissingCredentialError names the credential that is not configured.
func NewMissingCredentialError(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingCredential, name)
}

// SubmissionFailedError is returned when the lip-sync provider rejects a job.
type SubmissionFailedError struct {
	Status int
	Body   string
}

func (e *SubmissionFailedError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", ErrSubmissionFailed, e.Status, truncate(e.Body))
}

func (e *SubmissionFailedError) Unwrap() error { return ErrSubmissionFailed }

// JobFailedError is returned when the provider reports a terminal failure.
type JobFailedError struct {
	Details string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrLipSyncJobFailed, truncate(e.Details))
}

func (e *JobFailedError) Unwrap() error { return ErrLipSyncJobFailed }

// StatusCheckError is returned for a non-success answer to a status check.
type StatusCheckError struct {
	Status int
	Body   string
}

func (e *StatusCheckError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", ErrStatusCheckFailed, e.Status, truncate(e.Body))
}

func (e *StatusCheckError) Unwrap() error { return ErrStatusCheckFailed }

// ProviderError is a non-success answer from the voice, chat or
// transcription provider.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s service error (status %d): %s", e.Provider, e.Status, truncate(e.Message))
}

func (e *ProviderError) Unwrap() error { return ErrProviderRequest }

func truncate(s string) string {
	if len(s) <= maxErrorBodyLen {
		return s
	}

	return s[:maxErrorBodyLen] + "..."
}
