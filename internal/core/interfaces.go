// Package core defines the domain types and interfaces shared by the avatar service.
package core

import (
	"context"
	"io"

	"github.com/book-expert/events"
)

// Artifact is a staged media file that can be reopened as an upload stream.
// Release removes the staged copy and is safe to call more than once.
type Artifact interface {
	Name() string
	Open() (io.ReadCloser, error)
	Release() error
}

// Stager persists transient artifacts under a unique per-request name.
type Stager interface {
	Stage(ctx context.Context, data []byte, ext string) (Artifact, error)
}

// Voice is a cloned voice as exposed by the HTTP surface.
type Voice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CloneRequest carries one audio sample used to clone a voice.
type CloneRequest struct {
	Name        string
	Description string
	FileName    string
	Sample      io.Reader
}

// SpeechSynthesizer turns text into audio bytes with a given voice.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, voiceID, text string) ([]byte, error)
}

// VoiceProvider is the voice cloning and text-to-speech provider.
type VoiceProvider interface {
	SpeechSynthesizer
	ListVoices(ctx context.Context) ([]Voice, error)
	CloneVoice(ctx context.Context, req CloneRequest) (Voice, error)
}

// ChatMessage is a single turn of a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatProvider produces the assistant reply for a conversation. The
// description is the persona used as the system prompt.
type ChatProvider interface {
	Complete(ctx context.Context, description string, messages []ChatMessage) (string, error)
}

// Transcriber converts recorded speech to text.
type Transcriber interface {
	Transcribe(ctx context.Context, fileName string, audio io.Reader) (string, error)
}

// Upload is a named, reopenable byte stream attached to a multipart request.
type Upload struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// CompletionMode tells how the lip-sync provider finished a job.
type CompletionMode string

// Completion modes.
const (
	ModeSynchronous CompletionMode = "synchronous"
	ModePolling     CompletionMode = "asynchronous-poll"
)

// LipSyncResult is the resolved outcome of a lip-sync job.
type LipSyncResult struct {
	VideoURL string         `json:"video_url"`
	Mode     CompletionMode `json:"-"`
	Polls    int            `json:"-"`
}

// LipSyncer submits a face video and an audio track and resolves the job.
type LipSyncer interface {
	SubmitAndResolve(ctx context.Context, face, audio Upload) (LipSyncResult, error)
}

// JobStage names a lip-sync job lifecycle event.
type JobStage string

// Job lifecycle stages.
const (
	JobSubmitted JobStage = "submitted"
	JobCompleted JobStage = "completed"
	JobFailed    JobStage = "failed"
)

// JobEvent reports a lip-sync job lifecycle transition.
type JobEvent struct {
	Header   events.EventHeader `json:"header"`
	JobID    string             `json:"job_id"`
	Stage    JobStage           `json:"stage"`
	Mode     CompletionMode     `json:"mode,omitempty"`
	Polls    int                `json:"polls"`
	VideoURL string             `json:"video_url,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// JobEventPublisher delivers job lifecycle events to observers.
type JobEventPublisher interface {
	Publish(ctx context.Context, event JobEvent) error
}
