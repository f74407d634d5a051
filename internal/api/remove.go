package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/cutout/internal/cache"
	"go.uber.org/zap"
)

const (
	multipartMemory = 8 << 20
	// base64 grows payloads by a third; allow that plus form overhead.
	bodyOverhead = 64 << 10
)

type removeResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	ProcessedImage string `json:"processed_image"`
	Format         string `json:"format"`
	SizeBytes      int    `json:"size_bytes"`
	DataURI        string `json:"data_uri"`
	ProcessingTime string `json:"processing_time"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Strategy       string `json:"strategy"`
	Fallback       bool   `json:"fallback"`
	Cached         bool   `json:"cached"`
}

func (s *Server) handleRemoveBackground(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	fail := func(err error) {
		apiErr := fromPipelineError(err)
		s.metrics.removalErrors.WithLabelValues(apiErr.Code).Inc()
		writeError(w, apiErr)
	}

	data, shape, err := s.readImage(w, r)
	if err != nil {
		fail(err)
		return
	}
	s.metrics.observeUpload(shape, len(data))

	var key string
	if s.cache != nil {
		key = cache.Key(data, s.remover.Fingerprint())
		if entry := s.cachedResult(r, key); entry != nil {
			writeJSON(w, http.StatusOK, newRemoveResponse(entry.PNG, entry.Width, entry.Height, entry.Strategy, false, true, time.Since(start)))
			return
		}
	}

	release, err := s.acquire(r.Context())
	if err != nil {
		fail(err)
		return
	}
	res, err := s.remover.RemoveBackground(r.Context(), data)
	release()
	if err != nil {
		s.logger.Warn("background removal failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Int("source_bytes", len(data)),
			zap.Error(err),
		)
		fail(err)
		return
	}
	s.metrics.pipeline.ObserveResult(res)
	s.metrics.outputBytes.Observe(float64(len(res.PNG)))

	if s.cache != nil && !res.Fallback {
		entry := cache.Entry{PNG: res.PNG, Width: res.Width, Height: res.Height, Strategy: res.Strategy}
		if err := s.cache.Set(r.Context(), key, entry); err != nil {
			s.logger.Warn("cache write failed", zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, newRemoveResponse(res.PNG, res.Width, res.Height, res.Strategy, res.Fallback, false, time.Since(start)))
}

func (s *Server) cachedResult(r *http.Request, key string) *cache.Entry {
	entry, ok, err := s.cache.Get(r.Context(), key)
	switch {
	case err != nil:
		s.metrics.observeCache("error")
		s.logger.Warn("cache read failed", zap.Error(err))
		return nil
	case !ok:
		s.metrics.observeCache("miss")
		return nil
	default:
		s.metrics.observeCache("hit")
		return entry
	}
}

func newRemoveResponse(png []byte, width, height int, strategy string, fallback, cached bool, elapsed time.Duration) removeResponse {
	encoded := base64.StdEncoding.EncodeToString(png)
	return removeResponse{
		Success:        true,
		Message:        "Background removed successfully",
		ProcessedImage: encoded,
		Format:         "png",
		SizeBytes:      len(png),
		DataURI:        "data:image/png;base64," + encoded,
		ProcessingTime: fmt.Sprintf("%.2fs", elapsed.Seconds()),
		Width:          width,
		Height:         height,
		Strategy:       strategy,
		Fallback:       fallback,
		Cached:         cached,
	}
}

// Request shapes accepted by /remove-background.
const (
	shapeMultipart = "multipart"
	shapeJSON      = "json"
	shapeForm      = "form"
)

// readImage accepts a multipart file field "image", a JSON body
// {"image": "<base64 or data URI>"} or a form field "image" holding base64,
// and reports which shape it found.
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	shape := requestShape(r.Header.Get("Content-Type"))
	data, err := s.readImageAs(w, r, shape)
	return data, shape, err
}

func requestShape(contentType string) string {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case "multipart/form-data":
		return shapeMultipart
	case "application/json":
		return shapeJSON
	default:
		return shapeForm
	}
}

func (s *Server) readImageAs(w http.ResponseWriter, r *http.Request, shape string) ([]byte, error) {
	limit := s.remover.Config().MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+limit/3+bodyOverhead)

	switch shape {
	case shapeMultipart:
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return nil, bodyError(err)
		}
		if file, _, err := r.FormFile("image"); err == nil {
			defer file.Close()
			data, err := io.ReadAll(file)
			if err != nil {
				return nil, bodyError(err)
			}
			if len(data) == 0 {
				return nil, newAPIError(http.StatusBadRequest, "NO_FILE", "No file selected")
			}
			return data, nil
		} else if !errors.Is(err, http.ErrMissingFile) {
			return nil, bodyError(err)
		}
		// An empty file input arrives as a plain field without a filename.
		if values, ok := r.MultipartForm.Value["image"]; ok && len(values) > 0 && values[0] == "" {
			return nil, newAPIError(http.StatusBadRequest, "NO_FILE", "No file selected")
		}
		return decodeImageField(r.FormValue("image"))

	case shapeJSON:
		var body struct {
			Image string `json:"image"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, bodyError(err)
			}
			return nil, newAPIError(http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body").withDetails(err.Error())
		}
		return decodeImageField(body.Image)

	default:
		if err := r.ParseForm(); err != nil {
			return nil, bodyError(err)
		}
		return decodeImageField(r.PostFormValue("image"))
	}
}

// decodeImageField decodes base64 image data, with or without a data URI
// prefix.
func decodeImageField(field string) ([]byte, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return nil, newAPIError(http.StatusBadRequest, "NO_IMAGE", "No image")
	}
	if strings.HasPrefix(field, "data:") {
		comma := strings.IndexByte(field, ',')
		if comma < 0 {
			return nil, newAPIError(http.StatusBadRequest, "INVALID_INPUT", "Malformed data URI")
		}
		field = field[comma+1:]
	}

	data, err := base64.StdEncoding.DecodeString(field)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(field, "="))
	}
	if err != nil {
		return nil, newAPIError(http.StatusBadRequest, "INVALID_BASE64", "Image is not valid base64").withDetails(err.Error())
	}
	if len(data) == 0 {
		return nil, newAPIError(http.StatusBadRequest, "NO_IMAGE", "No image")
	}
	return data, nil
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return newAPIError(http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Image too large").
			withDetails(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
	}
	return newAPIError(http.StatusBadRequest, "INVALID_INPUT", "Could not read request body").withDetails(err.Error())
}
