// Package pipeline turns text, a voice and a saved face video into a
// lip-synced avatar video.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/logger"
)

const audioExt = ".mp3"

const (
	logFmtGenerating  = "Generating video for %q with voice %s (%d characters)"
	logFmtGenerated   = "Generated video for %q: %s"
	logFmtReleaseFail = "Failed to release staged audio %s: %v"
)

// FaceResolver finds the face video saved under a name.
type FaceResolver interface {
	Resolve(name string) (string, error)
}

// GenerateRequest is the input of one generation.
type GenerateRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id"`
	Name    string `json:"name"`
}

// Validate reports the first missing field.
func (r GenerateRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.Text) == "":
		return core.ErrTextRequired
	case strings.TrimSpace(r.VoiceID) == "":
		return core.ErrVoiceRequired
	case strings.TrimSpace(r.Name) == "":
		return core.ErrNameRequired
	default:
		return nil
	}
}

// Pipeline wires the providers together. It holds no per-request state.
type Pipeline struct {
	speech  core.SpeechSynthesizer
	faces   FaceResolver
	stager  core.Stager
	lipSync core.LipSyncer
	log     *logger.Logger
}

// New creates a pipeline.
func New(
	speech core.SpeechSynthesizer,
	faces FaceResolver,
	stager core.Stager,
	lipSync core.LipSyncer,
	log *logger.Logger,
) *Pipeline {
	return &Pipeline{speech: speech, faces: faces, stager: stager, lipSync: lipSync, log: log}
}

// Generate synthesizes the text, stages the audio under a unique name and
// lip-syncs it onto the named face. The staged audio is released before
// Generate returns, whatever the outcome.
func (p *Pipeline) Generate(ctx context.Context, req GenerateRequest) (core.LipSyncResult, error) {
	err := req.Validate()
	if err != nil {
		return core.LipSyncResult{}, err
	}

	facePath, err := p.faces.Resolve(req.Name)
	if err != nil {
		return core.LipSyncResult{}, err
	}

	p.log.Info(logFmtGenerating, req.Name, req.VoiceID, len(req.Text))

	audio, err := p.speech.Synthesize(ctx, req.VoiceID, req.Text)
	if err != nil {
		return core.LipSyncResult{}, fmt.Errorf("speech synthesis failed: %w", err)
	}

	artifact, err := p.stager.Stage(ctx, audio, audioExt)
	if err != nil {
		return core.LipSyncResult{}, fmt.Errorf("failed to stage audio: %w", err)
	}

	defer func() {
		releaseErr := artifact.Release()
		if releaseErr != nil {
			p.log.Warn(logFmtReleaseFail, artifact.Name(), releaseErr)
		}
	}()

	face := core.Upload{
		Name: filepath.Base(facePath),
		Open: func() (io.ReadCloser, error) { return os.Open(facePath) },
	}
	speech := core.Upload{Name: artifact.Name(), Open: artifact.Open}

	result, err := p.lipSync.SubmitAndResolve(ctx, face, speech)
	if err != nil {
		return core.LipSyncResult{}, fmt.Errorf("lip-sync failed: %w", err)
	}

	p.log.Info(logFmtGenerated, req.Name, result.VideoURL)

	return result, nil
}
