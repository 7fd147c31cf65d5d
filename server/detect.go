package server

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gocv.io/x/gocv"

	"github.com/mpromonet/gin-malaria/classifier"
)

// UploadField is the multipart field carrying the image.
const UploadField = "im"

var allowedExtensions = map[string]bool{"jpg": true, "jpeg": true, "png": true}

func extension(filename string) string {
	i := strings.LastIndex(filename, ".")
	if i < 0 {
		return ""
	}
	return strings.ToLower(filename[i+1:])
}

// cappedBody remembers whether the size limit was hit, multipart parsing
// does not always keep the *http.MaxBytesError in its chain.
type cappedBody struct {
	io.ReadCloser
	exceeded bool
}

func (b *cappedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if errors.As(err, new(*http.MaxBytesError)) {
		b.exceeded = true
	}
	return n, err
}

func detail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": msg})
}

func (s *Server) detect(c *gin.Context) {
	id := c.GetString(requestIDKey)

	body := &cappedBody{ReadCloser: c.Request.Body}
	if limit := s.opts.MaxUploadBytes; limit > 0 {
		if c.Request.ContentLength > limit {
			detail(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload larger than %d bytes", limit))
			return
		}
		body.ReadCloser = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Request.Body = body
	}

	fh, err := c.FormFile(UploadField)
	if body.exceeded || errors.As(err, new(*http.MaxBytesError)) {
		detail(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload larger than %d bytes", s.opts.MaxUploadBytes))
		return
	}
	if err != nil {
		detail(c, http.StatusBadRequest, fmt.Sprintf("no image file provided, use %q as the form field name", UploadField))
		return
	}
	if !allowedExtensions[extension(fh.Filename)] {
		detail(c, http.StatusUnsupportedMediaType, "Only JPG, JPEG, and PNG images are supported")
		return
	}

	f, err := fh.Open()
	if err != nil {
		detail(c, http.StatusBadRequest, "cannot read upload")
		return
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		detail(c, http.StatusBadRequest, "cannot read upload")
		return
	}

	raw, err := s.decode(data)
	if err != nil {
		log.Printf("[%s] decode %s: %v", id, fh.Filename, err)
		detail(c, http.StatusBadRequest, "invalid image, supported: JPEG, PNG")
		return
	}

	res, err := s.classifier.Classify(c.Request.Context(), raw)
	switch {
	case errors.Is(err, classifier.ErrInvalidImageShape):
		log.Printf("[%s] %s: %v", id, fh.Filename, err)
		detail(c, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		log.Printf("[%s] classify %s: %v", id, fh.Filename, err)
		detail(c, http.StatusInternalServerError, "classification failed")
		return
	}

	log.Printf("[%s] %s %v: %s (%.4f)", id, fh.Filename, raw.Shape, res.Prediction, res.Confidence())
	c.JSON(http.StatusOK, res)
}

func decodeStd(data []byte) (classifier.RawImage, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return classifier.RawImage{}, err
	}
	raw := classifier.FromImage(img)
	if format != "png" || raw.Channels() != 4 {
		return raw, nil
	}
	// image/png turns a tRNS chunk into an alpha channel, the file itself
	// stays gray or truecolor.
	switch pngColorType(data) {
	case pngColorGray:
		return raw.DropAlpha(true), nil
	case pngColorTruecolor:
		return raw.DropAlpha(false), nil
	}
	return raw, nil
}

const (
	pngColorGray      = 0
	pngColorTruecolor = 2
)

// pngColorType reads the color type byte of the IHDR chunk, -1 if absent.
func pngColorType(data []byte) int {
	const sig = "\x89PNG\r\n\x1a\n"
	if len(data) < 26 || string(data[:8]) != sig || string(data[12:16]) != "IHDR" {
		return -1
	}
	return int(data[25])
}

func decodeOpenCV(data []byte) (classifier.RawImage, error) {
	img, err := gocv.IMDecode(data, gocv.IMReadUnchanged)
	if err != nil {
		return classifier.RawImage{}, err
	}
	defer img.Close()
	return classifier.FromMat(img)
}
