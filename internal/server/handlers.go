package server

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/pipeline"
	"github.com/book-expert/logger"
	"github.com/gin-gonic/gin"
)

const (
	statusSuccess = "success"
	statusError   = "error"

	defaultCloneDescription = "Custom cloned voice for %s"
	msgVideoSaved           = "Video saved as %s.mp4"
)

const (
	logFmtHandlerError = "%s failed: %v"
	logFmtCloseUpload  = "failed to close upload %s: %v"
)

// Handler implements the HTTP endpoints.
type Handler struct {
	deps      Dependencies
	maxUpload int64
	log       *logger.Logger
}

type chatRequest struct {
	Messages    []core.ChatMessage `json:"messages"`
	Description string             `json:"description"`
}

// ListVoices returns the cloned voices.
func (h *Handler) ListVoices(c *gin.Context) {
	voices, err := h.deps.Voices.ListVoices(c.Request.Context())
	if err != nil {
		h.log.Error(logFmtHandlerError, "list voices", err)
		c.JSON(http.StatusOK, gin.H{"error": err.Error()})

		return
	}

	if voices == nil {
		voices = []core.Voice{}
	}

	c.JSON(http.StatusOK, voices)
}

// CloneVoice clones a voice from one uploaded sample.
func (h *Handler) CloneVoice(c *gin.Context) {
	h.limitBody(c)

	name := strings.TrimSpace(c.PostForm("name"))
	if name == "" {
		c.JSON(http.StatusOK, gin.H{"error": core.ErrNameRequired.Error()})

		return
	}

	description := strings.TrimSpace(c.PostForm("description"))
	if description == "" {
		description = fmt.Sprintf(defaultCloneDescription, name)
	}

	file, header, err := formFile(c, "file")
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"error": err.Error()})

		return
	}
	defer h.closeUpload(file, header)

	voice, err := h.deps.Voices.CloneVoice(c.Request.Context(), core.CloneRequest{
		Name:        name,
		Description: description,
		FileName:    header.Filename,
		Sample:      file,
	})
	if err != nil {
		h.log.Error(logFmtHandlerError, "clone voice", err)
		c.JSON(http.StatusOK, gin.H{"error": err.Error()})

		return
	}

	c.JSON(http.StatusOK, voice)
}

// Transcribe converts an uploaded recording to text. The recording may be
// sent as either the "file" or the "audio" field.
func (h *Handler) Transcribe(c *gin.Context) {
	h.limitBody(c)

	file, header, err := formFile(c, "file", "audio")
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"error": err.Error(), "status": statusError})

		return
	}
	defer h.closeUpload(file, header)

	text, err := h.deps.Transcriber.Transcribe(c.Request.Context(), header.Filename, file)
	if err != nil {
		h.log.Error(logFmtHandlerError, "transcribe", err)
		c.JSON(http.StatusOK, gin.H{"error": err.Error(), "status": statusError})

		return
	}

	c.JSON(http.StatusOK, gin.H{"text": text, "status": statusSuccess})
}

// Chat returns the assistant reply for a conversation.
func (h *Handler) Chat(c *gin.Context) {
	var req chatRequest

	err := c.ShouldBindJSON(&req)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"error": fmt.Sprintf("invalid request body: %v", err), "status": statusError})

		return
	}

	content, err := h.deps.Chat.Complete(c.Request.Context(), req.Description, req.Messages)
	if err != nil {
		h.log.Error(logFmtHandlerError, "chat", err)
		c.JSON(http.StatusOK, gin.H{"error": err.Error(), "status": statusError})

		return
	}

	c.JSON(http.StatusOK, gin.H{"content": content, "status": statusSuccess})
}

// Generate produces a lip-synced video. The request context is passed down,
// so a client disconnect stops polling.
func (h *Handler) Generate(c *gin.Context) {
	var req pipeline.GenerateRequest

	err := c.ShouldBindJSON(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": fmt.Sprintf("invalid request body: %v", err)})

		return
	}

	err = req.Validate()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})

		return
	}

	result, err := h.deps.Generator.Generate(c.Request.Context(), req)
	if err != nil {
		h.log.Error(logFmtHandlerError, "generate", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})

		return
	}

	c.JSON(http.StatusOK, gin.H{"video_url": result.VideoURL})
}

// SaveVideo stores an uploaded face video under a name.
func (h *Handler) SaveVideo(c *gin.Context) {
	h.limitBody(c)

	name := strings.TrimSpace(c.PostForm("name"))
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": core.ErrNameRequired.Error()})

		return
	}

	file, header, err := formFile(c, "video")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})

		return
	}
	defer h.closeUpload(file, header)

	saved, err := h.deps.Faces.Save(name, file)
	if err != nil {
		h.log.Error(logFmtHandlerError, "save video", err)

		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrInvalidAssetName) {
			status = http.StatusBadRequest
		}

		c.JSON(status, gin.H{"detail": err.Error()})

		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        statusSuccess,
		"message":       fmt.Sprintf(msgVideoSaved, name),
		"backend_path":  saved.BackendPath,
		"frontend_path": saved.FrontendPath,
	})
}

func (h *Handler) limitBody(c *gin.Context) {
	if h.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	}
}

func (h *Handler) closeUpload(file multipart.File, header *multipart.FileHeader) {
	closeErr := file.Close()
	if closeErr != nil {
		h.log.Warn(logFmtCloseUpload, header.Filename, closeErr)
	}
}

// formFile returns the first of fields present in the multipart form.
func formFile(c *gin.Context, fields ...string) (multipart.File, *multipart.FileHeader, error) {
	for _, field := range fields {
		header, err := c.FormFile(field)
		if err != nil {
			if errors.Is(err, http.ErrMissingFile) {
				continue
			}

			return nil, nil, fmt.Errorf("failed to read upload: %w", err)
		}

		file, err := header.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open upload: %w", err)
		}

		return file, header, nil
	}

	return nil, nil, core.ErrFileRequired
}
