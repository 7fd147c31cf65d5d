// Package server exposes the classifier over HTTP with gin.
package server

import (
	"context"
	"embed"
	"net/http"

	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mpromonet/gin-malaria/classifier"
)

//go:embed ui
var uiFS embed.FS

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"

	DecoderStd    = "std"
	DecoderOpenCV = "opencv"
)

// Classifier is the part of classifier.Pipeline the handlers use.
type Classifier interface {
	Classify(ctx context.Context, img classifier.RawImage) (*classifier.Result, error)
	InputName() string
	OutputName() string
}

type Options struct {
	ModelPath string
	// StaticDir overrides the embedded UI when set.
	StaticDir      string
	MaxUploadBytes int64
	Decoder        string
}

type Server struct {
	classifier Classifier
	opts       Options
	decode     func([]byte) (classifier.RawImage, error)
}

func New(c Classifier, opts Options) *Server {
	s := &Server{classifier: c, opts: opts, decode: decodeStd}
	if opts.Decoder == DecoderOpenCV {
		s.decode = decodeOpenCV
	}
	return s
}

// Handler builds the gin engine serving the UI, /detect and /health.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(requestID(), gin.Logger(), gin.Recovery())
	if s.opts.MaxUploadBytes > 0 {
		r.MaxMultipartMemory = s.opts.MaxUploadBytes
	}

	if s.opts.StaticDir != "" {
		r.Use(static.Serve("/", static.LocalFile(s.opts.StaticDir, false)))
	} else {
		r.Use(static.Serve("/", static.EmbedFolder(uiFS, "ui")))
	}

	r.GET("/health", s.health)
	r.POST("/detect", s.detect)
	return r
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"model":  s.opts.ModelPath,
		"input":  s.classifier.InputName(),
		"output": s.classifier.OutputName(),
	})
}
