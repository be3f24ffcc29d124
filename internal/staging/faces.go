package staging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/fileutil"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
)

const (
	assetPermissions = 0o644
	videoExt         = ".mp4"
	tmpFilePattern   = ".upload-%s.tmp"
	logFmtSavedFace  = "Saved face video %q to %s and %s"
)

// SavedVideo reports where a face video was written.
type SavedVideo struct {
	BackendPath  string
	FrontendPath string
}

// FaceVideos stores face videos keyed by name. The backend directory is the
// canonical lookup location; the frontend directory holds a public copy.
type FaceVideos struct {
	backendDir  string
	frontendDir string
	log         *logger.Logger
}

// NewFaceVideos creates a face video store, creating both directories.
func NewFaceVideos(backendDir, frontendDir string, log *logger.Logger) (*FaceVideos, error) {
	for _, dir := range []string{backendDir, frontendDir} {
		dirErr := fileutil.EnsureDir(dir)
		if dirErr != nil {
			return nil, fmt.Errorf("failed to prepare asset directory: %w", dirErr)
		}
	}

	return &FaceVideos{backendDir: backendDir, frontendDir: frontendDir, log: log}, nil
}

// Resolve returns the path of the face video saved under name.
func (f *FaceVideos) Resolve(name string) (string, error) {
	fileName, err := videoFileName(name)
	if err != nil {
		return "", err
	}

	path := filepath.Join(f.backendDir, fileName)

	info, statErr := os.Stat(path)
	if statErr != nil {
		if errors.Is(statErr, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %q", core.ErrAssetNotFound, name)
		}

		return "", fmt.Errorf("failed to check face video %q: %w", name, statErr)
	}

	if info.IsDir() {
		return "", fmt.Errorf("%w: %q", core.ErrAssetNotFound, name)
	}

	return path, nil
}

// Save writes video under name into both asset directories. Each copy is
// written to a temporary file first and renamed into place, so concurrent
// saves never leave a partially written asset behind.
func (f *FaceVideos) Save(name string, video io.Reader) (SavedVideo, error) {
	fileName, err := videoFileName(name)
	if err != nil {
		return SavedVideo{}, err
	}

	backendPath := filepath.Join(f.backendDir, fileName)
	frontendPath := filepath.Join(f.frontendDir, fileName)

	err = writeAtomic(backendPath, video)
	if err != nil {
		return SavedVideo{}, err
	}

	source, err := os.Open(backendPath)
	if err != nil {
		return SavedVideo{}, fmt.Errorf("failed to reopen saved video: %w", err)
	}
	defer source.Close()

	err = writeAtomic(frontendPath, source)
	if err != nil {
		return SavedVideo{}, err
	}

	f.log.Info(logFmtSavedFace, name, backendPath, frontendPath)

	return SavedVideo{BackendPath: backendPath, FrontendPath: frontendPath}, nil
}

func videoFileName(name string) (string, error) {
	cleaned := fileutil.SanitizeFilename(name)
	if cleaned == "" {
		return "", fmt.Errorf("%w: %q", core.ErrInvalidAssetName, name)
	}

	return cleaned + videoExt, nil
}

func writeAtomic(path string, data io.Reader) error {
	tmpPath := filepath.Join(filepath.Dir(path), fmt.Sprintf(tmpFilePattern, uuid.NewString()))

	tmpFile, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, assetPermissions)
	if err != nil {
		return fmt.Errorf("failed to create temporary video file: %w", err)
	}

	_, copyErr := io.Copy(tmpFile, data)
	closeErr := tmpFile.Close()

	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("failed to write video %s: %w", path, errors.Join(copyErr, closeErr))
	}

	renameErr := os.Rename(tmpPath, path)
	if renameErr != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("failed to move video into place: %w", renameErr)
	}

	return nil
}
