package server

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpromonet/gin-malaria/classifier"
)

type stubClassifier struct {
	result *classifier.Result
	err    error
	got    []classifier.RawImage
}

func (s *stubClassifier) Classify(_ context.Context, img classifier.RawImage) (*classifier.Result, error) {
	s.got = append(s.got, img)
	return s.result, s.err
}

func (s *stubClassifier) InputName() string  { return "input_1" }
func (s *stubClassifier) OutputName() string { return "dense" }

func init() {
	gin.SetMode(gin.TestMode)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func upload(t *testing.T, h http.Handler, field, filename string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	return uploadWithLength(t, h, field, filename, data, true)
}

// uploadWithLength sends the form with an unknown length when known is false.
func uploadWithLength(t *testing.T, h http.Handler, field, filename string, data []byte, known bool) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/detect", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if !known {
		req.ContentLength = -1
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func pngChunk(buf *bytes.Buffer, typ string, data []byte) {
	binary.Write(buf, binary.BigEndian, uint32(len(data)))
	buf.WriteString(typ)
	buf.Write(data)
	crc := crc32.NewIEEE()
	crc.Write([]byte(typ))
	crc.Write(data)
	binary.Write(buf, binary.BigEndian, crc.Sum32())
}

// pngWithTransparency encodes an 8-bit gray or truecolor PNG whose first
// sample value is marked transparent by a tRNS chunk.
func pngWithTransparency(t *testing.T, colorType byte, w, h int) []byte {
	t.Helper()
	channels := 1
	if colorType == pngColorTruecolor {
		channels = 3
	}

	var raw bytes.Buffer
	for y := 0; y < h; y++ {
		raw.WriteByte(0)
		for x := 0; x < w; x++ {
			for c := 0; c < channels; c++ {
				raw.WriteByte(uint8(10*x + y + c))
			}
		}
	}
	var idat bytes.Buffer
	zw := zlib.NewWriter(&idat)
	_, err := zw.Write(raw.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], uint32(w))
	binary.BigEndian.PutUint32(ihdr[4:], uint32(h))
	ihdr[8], ihdr[9] = 8, colorType

	// transparent key: the first pixel, one 16-bit value per channel
	trns := make([]byte, 2*channels)
	for c := 0; c < channels; c++ {
		trns[2*c+1] = uint8(c)
	}

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	pngChunk(&buf, "IHDR", ihdr)
	pngChunk(&buf, "tRNS", trns)
	pngChunk(&buf, "IDAT", idat.Bytes())
	pngChunk(&buf, "IEND", nil)
	return buf.Bytes()
}

func newTestServer(c Classifier) http.Handler {
	return New(c, Options{ModelPath: "models/test.onnx", MaxUploadBytes: 1 << 20}).Handler()
}

func TestDetect(t *testing.T) {
	stub := &stubClassifier{result: classifier.NewResult(classifier.NewProbabilities(0.9))}
	rec := upload(t, newTestServer(stub), UploadField, "cell.PNG", pngBytes(t, 40, 30))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Prediction    string    `json:"prediction"`
		ClassIndex    int       `json:"class_index"`
		Probabilities []float64 `json:"probabilities"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Uninfected", body.Prediction)
	assert.Equal(t, 0, body.ClassIndex)
	require.Len(t, body.Probabilities, 2)
	assert.InDelta(t, 0.9, body.Probabilities[0], 1e-9)
	assert.InDelta(t, 0.1, body.Probabilities[1], 1e-9)

	require.Len(t, stub.got, 1)
	assert.Equal(t, []int{30, 40, 3}, stub.got[0].Shape)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestDetectKeepsRequestID(t *testing.T) {
	stub := &stubClassifier{result: classifier.NewResult(classifier.NewProbabilities(0.1))}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile(UploadField, "a.jpg")
	fw.Write(pngBytes(t, 4, 4))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/detect", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(requestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	newTestServer(stub).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
}

func TestDetectRejectsExtension(t *testing.T) {
	stub := &stubClassifier{}
	for _, name := range []string{"cell.gif", "cell.bmp", "cell", "png"} {
		rec := upload(t, newTestServer(stub), UploadField, name, pngBytes(t, 4, 4))
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code, name)
		assert.Contains(t, rec.Body.String(), "Only JPG, JPEG, and PNG images are supported")
	}
	assert.Empty(t, stub.got)
}

func TestDetectBadRequests(t *testing.T) {
	stub := &stubClassifier{}
	h := newTestServer(stub)

	rec := upload(t, h, "file", "cell.png", pngBytes(t, 4, 4))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = upload(t, h, UploadField, "cell.jpeg", []byte("not an image"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, stub.got)
}

func TestDetectTooLarge(t *testing.T) {
	stub := &stubClassifier{}
	h := New(stub, Options{MaxUploadBytes: 64}).Handler()
	rec := upload(t, h, UploadField, "cell.png", pngBytes(t, 64, 64))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = uploadWithLength(t, h, UploadField, "cell.png", make([]byte, 4<<10), false)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "form field name")
	assert.Empty(t, stub.got)
}

func TestDetectPNGTransparencyKey(t *testing.T) {
	stub := &stubClassifier{result: classifier.NewResult(classifier.NewProbabilities(0.9))}
	h := newTestServer(stub)

	rec := upload(t, h, UploadField, "rgb.png", pngWithTransparency(t, pngColorTruecolor, 3, 2))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = upload(t, h, UploadField, "gray.png", pngWithTransparency(t, pngColorGray, 3, 2))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, stub.got, 2)
	rgb := stub.got[0]
	assert.Equal(t, []int{2, 3, 3}, rgb.Shape)
	assert.Equal(t, []uint8{0, 1, 2, 10, 11, 12}, rgb.Pix[:6])
	gray := stub.got[1]
	assert.Equal(t, []int{2, 3}, gray.Shape)
	assert.Equal(t, []uint8{0, 10, 20, 1, 11, 21}, gray.Pix)
}

func TestDetectPNGWithAlphaKeepsFourChannels(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.SetNRGBA(0, 0, color.NRGBA{R: 1, G: 2, B: 3, A: 128})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	stub := &stubClassifier{result: classifier.NewResult(classifier.NewProbabilities(0.9))}
	rec := upload(t, newTestServer(stub), UploadField, "rgba.png", buf.Bytes())
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, stub.got, 1)
	assert.Equal(t, []int{2, 2, 4}, stub.got[0].Shape)
	assert.Equal(t, []uint8{1, 2, 3, 128}, stub.got[0].Pix[:4])
}

func TestDetectClassifierErrors(t *testing.T) {
	stub := &stubClassifier{err: classifier.ErrInvalidImageShape}
	rec := upload(t, newTestServer(stub), UploadField, "cell.png", pngBytes(t, 4, 4))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	stub = &stubClassifier{err: errors.New("runtime unavailable")}
	rec = upload(t, newTestServer(stub), UploadField, "cell.png", pngBytes(t, 4, 4))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "runtime unavailable")
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer(&stubClassifier{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "input_1", body["input"])
	assert.Equal(t, "dense", body["output"])
	assert.Equal(t, "models/test.onnx", body["model"])
}

func TestUI(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer(&stubClassifier{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Malaria Detection System")
}

func TestExtension(t *testing.T) {
	assert.Equal(t, "png", extension("a.b.PNG"))
	assert.Equal(t, "jpg", extension("x.jpg"))
	assert.Equal(t, "", extension("noext"))
	assert.Equal(t, "", extension("trailing."))
}

func TestPNGColorType(t *testing.T) {
	assert.Equal(t, pngColorTruecolor, pngColorType(pngWithTransparency(t, pngColorTruecolor, 1, 1)))
	assert.Equal(t, pngColorGray, pngColorType(pngWithTransparency(t, pngColorGray, 1, 1)))
	assert.Equal(t, -1, pngColorType([]byte("\xff\xd8\xff")))
}
