// Package staging persists transient media artifacts and resolves the face
// videos saved by the save-video operation.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/fileutil"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
)

const (
	filePermissions = 0o600
	stagePrefix     = "stage-"
	defaultExt      = ".bin"
)

const (
	logFmtStaged   = "Staged artifact %s (%s)"
	logFmtReleased = "Released artifact %s"
)

// LocalStager stages artifacts as uniquely named files in a directory.
type LocalStager struct {
	dir string
	log *logger.Logger
}

// NewLocalStager creates a stager rooted at dir, creating the directory if needed.
func NewLocalStager(dir string, log *logger.Logger) (*LocalStager, error) {
	dirErr := fileutil.EnsureDir(dir)
	if dirErr != nil {
		return nil, fmt.Errorf("failed to prepare staging directory: %w", dirErr)
	}

	return &LocalStager{dir: dir, log: log}, nil
}

// Stage writes data to a new file named after a fresh uuid. The file is
// created with O_EXCL so two requests can never share a staging path.
func (s *LocalStager) Stage(ctx context.Context, data []byte, ext string) (core.Artifact, error) {
	ctxErr := ctx.Err()
	if ctxErr != nil {
		return nil, ctxErr
	}

	name := stagePrefix + uuid.NewString() + fileutil.NormalizeExt(ext, defaultExt)
	path := filepath.Join(s.dir, name)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create staged file: %w", err)
	}

	_, writeErr := file.Write(data)
	closeErr := file.Close()

	if writeErr != nil || closeErr != nil {
		_ = os.Remove(path)

		return nil, fmt.Errorf("failed to write staged file %s: %w", name, errors.Join(writeErr, closeErr))
	}

	s.log.Info(logFmtStaged, name, fileutil.FormatFileSize(int64(len(data))))

	return &localArtifact{name: name, path: path, log: s.log}, nil
}

type localArtifact struct {
	name string
	path string
	log  *logger.Logger
	once sync.Once
	err  error
}

func (a *localArtifact) Name() string { return a.name }

// Path returns the location of the staged file on disk.
func (a *localArtifact) Path() string { return a.path }

func (a *localArtifact) Open() (io.ReadCloser, error) {
	file, err := os.Open(a.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open staged artifact %s: %w", a.name, err)
	}

	return file, nil
}

func (a *localArtifact) Release() error {
	a.once.Do(func() {
		removeErr := os.Remove(a.path)
		if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			a.err = fmt.Errorf("failed to remove staged artifact %s: %w", a.name, removeErr)

			return
		}

		a.log.Info(logFmtReleased, a.name)
	})

	return a.err
}
