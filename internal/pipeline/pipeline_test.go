package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/pipeline"
	"github.com/book-expert/avatar-service/internal/staging"
	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errProviderDown = errors.New("provider down")

type fakeSynthesizer struct {
	err   error
	calls int
	mu    sync.Mutex
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, voiceID, text string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	return []byte("audio:" + voiceID + ":" + text), nil
}

// fakeLipSyncer reads both uploads and records what it saw.
type fakeLipSyncer struct {
	err       error
	mu        sync.Mutex
	audioSeen map[string]string
	faceSeen  []string
}

func (f *fakeLipSyncer) SubmitAndResolve(_ context.Context, face, audio core.Upload) (core.LipSyncResult, error) {
	faceData, err := readUpload(face)
	if err != nil {
		return core.LipSyncResult{}, err
	}

	audioData, err := readUpload(audio)
	if err != nil {
		return core.LipSyncResult{}, err
	}

	f.mu.Lock()
	if f.audioSeen == nil {
		f.audioSeen = make(map[string]string)
	}

	f.audioSeen[audio.Name] = audioData
	f.faceSeen = append(f.faceSeen, faceData)
	f.mu.Unlock()

	if f.err != nil {
		return core.LipSyncResult{}, f.err
	}

	return core.LipSyncResult{VideoURL: "https://cdn/" + audio.Name, Mode: core.ModeSynchronous}, nil
}

func readUpload(upload core.Upload) (string, error) {
	reader, err := upload.Open()
	if err != nil {
		return "", err
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)

	return string(data), err
}

type fixture struct {
	pipeline   *pipeline.Pipeline
	speech     *fakeSynthesizer
	lipSync    *fakeLipSyncer
	stagingDir string
}

func newFixture(t *testing.T, speechErr, lipSyncErr error) *fixture {
	t.Helper()

	root := t.TempDir()

	log, err := logger.New(root, "pipeline-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	faces, err := staging.NewFaceVideos(filepath.Join(root, "videos"), filepath.Join(root, "public"), log)
	require.NoError(t, err)

	_, err = faces.Save("patrick", strings.NewReader("patrick-face"))
	require.NoError(t, err)

	stagingDir := filepath.Join(root, "staging")

	stager, err := staging.NewLocalStager(stagingDir, log)
	require.NoError(t, err)

	speech := &fakeSynthesizer{err: speechErr}
	lipSync := &fakeLipSyncer{err: lipSyncErr}

	return &fixture{
		pipeline:   pipeline.New(speech, faces, stager, lipSync, log),
		speech:     speech,
		lipSync:    lipSync,
		stagingDir: stagingDir,
	}
}

func (f *fixture) assertNoStagedFiles(t *testing.T) {
	t.Helper()

	entries, err := os.ReadDir(f.stagingDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staged audio must be released")
}

func TestGenerate_Success(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t, nil, nil)

	result, err := fixture.pipeline.Generate(context.Background(), pipeline.GenerateRequest{
		Text: "hello", VoiceID: "v1", Name: "patrick",
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(result.VideoURL, "https://cdn/"))
	assert.Equal(t, []string{"patrick-face"}, fixture.lipSync.faceSeen)

	for name, data := range fixture.lipSync.audioSeen {
		assert.True(t, strings.HasSuffix(name, ".mp3"))
		assert.Equal(t, "audio:v1:hello", data)
	}

	fixture.assertNoStagedFiles(t)
}

func TestGenerate_Validation(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		req  pipeline.GenerateRequest
		want error
	}{
		{req: pipeline.GenerateRequest{VoiceID: "v", Name: "n"}, want: core.ErrTextRequired},
		{req: pipeline.GenerateRequest{Text: "t", Name: "n"}, want: core.ErrVoiceRequired},
		{req: pipeline.GenerateRequest{Text: "t", VoiceID: "v", Name: " "}, want: core.ErrNameRequired},
	}

	fixture := newFixture(t, nil, nil)

	for _, testCase := range testCases {
		_, err := fixture.pipeline.Generate(context.Background(), testCase.req)
		require.ErrorIs(t, err, testCase.want)
	}

	assert.Zero(t, fixture.speech.calls)
}

func TestGenerate_MissingFaceSkipsSynthesis(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t, nil, nil)

	_, err := fixture.pipeline.Generate(context.Background(), pipeline.GenerateRequest{
		Text: "hello", VoiceID: "v1", Name: "nobody",
	})
	require.ErrorIs(t, err, core.ErrAssetNotFound)
	assert.Zero(t, fixture.speech.calls)
	fixture.assertNoStagedFiles(t)
}

func TestGenerate_ReleasesAudioOnFailure(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		speechErr  error
		lipSyncErr error
		want       error
	}{
		{name: "synthesis fails", speechErr: errProviderDown, want: errProviderDown},
		{name: "lip-sync fails", lipSyncErr: &core.JobFailedError{Details: "x"}, want: core.ErrLipSyncJobFailed},
		{name: "lip-sync times out", lipSyncErr: core.ErrPollingTimeout, want: core.ErrPollingTimeout},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			fixture := newFixture(t, testCase.speechErr, testCase.lipSyncErr)

			_, err := fixture.pipeline.Generate(context.Background(), pipeline.GenerateRequest{
				Text: "hello", VoiceID: "v1", Name: "patrick",
			})
			require.ErrorIs(t, err, testCase.want)
			fixture.assertNoStagedFiles(t)
		})
	}
}

func TestGenerate_ConcurrentRequestsUseDistinctStaging(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t, nil, nil)

	const requests = 8

	var waitGroup sync.WaitGroup

	for index := range requests {
		waitGroup.Add(1)

		go func(text string) {
			defer waitGroup.Done()

			_, err := fixture.pipeline.Generate(context.Background(), pipeline.GenerateRequest{
				Text: text, VoiceID: "v1", Name: "patrick",
			})
			assert.NoError(t, err)
		}(fmt.Sprintf("line %d", index))
	}

	waitGroup.Wait()

	require.Len(t, fixture.lipSync.audioSeen, requests, "every request must stage its own file")

	seen := make(map[string]bool, requests)
	for _, data := range fixture.lipSync.audioSeen {
		seen[data] = true
	}

	assert.Len(t, seen, requests, "no request may read another request's audio")
	fixture.assertNoStagedFiles(t)
}
