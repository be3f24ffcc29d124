// Package server exposes the avatar service over HTTP.
package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/avatar-service/internal/config"
	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/pipeline"
	"github.com/book-expert/avatar-service/internal/staging"
	"github.com/book-expert/logger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const (
	logFmtRequest   = "%s %s -> %d (%s)"
	logFmtRecovered = "Recovered from panic in %s %s: %v"
	msgInternal     = "internal server error"
)

// Generator produces a lip-synced video for a request.
type Generator interface {
	Generate(ctx context.Context, req pipeline.GenerateRequest) (core.LipSyncResult, error)
}

// FaceSaver stores an uploaded face video under a name.
type FaceSaver interface {
	Save(name string, video io.Reader) (staging.SavedVideo, error)
}

// Dependencies are the collaborators behind the HTTP handlers.
type Dependencies struct {
	Voices      core.VoiceProvider
	Chat        core.ChatProvider
	Transcriber core.Transcriber
	Generator   Generator
	Faces       FaceSaver
}

// NewRouter builds the gin engine with recovery, request logging, CORS and
// every route registered.
func NewRouter(cfg config.ServerConfig, deps Dependencies, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.MaxMultipartMemory = cfg.MaxUploadBytes()

	router.Use(recovery(log), requestLogger(log), cors.New(corsConfig(cfg)))

	handler := &Handler{deps: deps, maxUpload: cfg.MaxUploadBytes(), log: log}

	router.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	router.GET("/voices", handler.ListVoices)
	router.POST("/clone", handler.CloneVoice)
	router.POST("/transcribe", handler.Transcribe)
	router.POST("/chat", handler.Chat)
	router.POST("/generate", handler.Generate)
	router.POST("/save-video", handler.SaveVideo)

	return router
}

func corsConfig(cfg config.ServerConfig) cors.Config {
	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
		corsCfg.AllowCredentials = true
	}

	corsCfg.AddAllowHeaders("Accept", "Authorization", "X-Requested-With")
	corsCfg.AllowMethods = []string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodHead, http.MethodOptions,
	}

	return corsCfg
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		log.Info(logFmtRequest, c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func recovery(log *logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error(logFmtRecovered, c.Request.Method, c.Request.URL.Path, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": msgInternal})
	})
}
