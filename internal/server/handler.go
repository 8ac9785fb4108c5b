package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-hclog"

	"github.com/klippa-app/godds/internal/client"
	"github.com/klippa-app/godds/internal/supervisor"
)

type Host interface {
	LoadImage(ctx context.Context, img client.Image) (client.Rendered, error)
	State() supervisor.State
}

type Handler struct {
	host      Host
	maxBodyMB int64
	logger    hclog.Logger
	validator *validator.Validate
}

func New(host Host, maxBodyMB int64, logger hclog.Logger) *Handler {
	return &Handler{
		host:      host,
		maxBodyMB: maxBodyMB,
		logger:    logger.Named("server"),
		validator: validator.New(),
	}
}

type ConvertParams struct {
	MediaType string `validate:"omitempty,max=255,contains=/"`
}

type ConvertResponse struct {
	Source      string `json:"source"`
	Orientation int    `json:"orientation"`
}

type HealthResponse struct {
	State string `json:"state"`
}

// Convert renders the raw image in the request body.
func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyMB<<20)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, "uploaded image exceeds maximum allowed size", http.StatusRequestEntityTooLarge)
			return
		}
		writeJSONError(w, "could not read request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if len(body) == 0 {
		writeJSONError(w, "missing image in request body", http.StatusBadRequest)
		return
	}

	params := ConvertParams{MediaType: requestMediaType(r)}
	if err := h.validator.Struct(params); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(validationErrorsToMap(err))
		return
	}

	if params.MediaType == "" {
		params.MediaType = client.Sniff(body)
	}

	if params.MediaType == client.MediaTypeDDS && h.host.State() != supervisor.StateReady {
		writeJSONError(w, "worker is not ready", http.StatusServiceUnavailable)
		return
	}

	rendered, err := h.host.LoadImage(r.Context(), client.Image{MediaType: params.MediaType, RawContents: body})
	if err != nil {
		h.logger.Warn("could not render image", "media_type", params.MediaType, "size", len(body), "error", err)
		writeJSONError(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, ConvertResponse{Source: rendered.Source, Orientation: rendered.Orientation})
}

// Health reports the worker state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	state := h.host.State()

	code := http.StatusOK
	if state != supervisor.StateReady {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, HealthResponse{State: state.String()})
}

// requestMediaType prefers the mediaType query parameter over the
// Content-Type header. A generic binary content type counts as absent.
func requestMediaType(r *http.Request) string {
	if mt := r.URL.Query().Get("mediaType"); mt != "" {
		return mt
	}

	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}

	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ct
	}

	switch mt {
	case "application/octet-stream", "application/x-www-form-urlencoded":
		return ""
	}

	return mt
}

func statusFor(err error) int {
	var convErr *client.ConversionError
	switch {
	case errors.As(err, &convErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, client.ErrWorkerClosed), errors.Is(err, client.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
