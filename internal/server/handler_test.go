package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/klippa-app/godds/internal/client"
	"github.com/klippa-app/godds/internal/dds/ddstest"
	"github.com/klippa-app/godds/internal/server"
	"github.com/klippa-app/godds/internal/supervisor"
)

type fakeHost struct {
	state    supervisor.State
	rendered client.Rendered
	err      error
	got      client.Image
	calls    int
}

func (f *fakeHost) LoadImage(_ context.Context, img client.Image) (client.Rendered, error) {
	f.calls++
	f.got = img
	return f.rendered, f.err
}

func (f *fakeHost) State() supervisor.State {
	return f.state
}

func serve(t *testing.T, host *fakeHost, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	router := server.NewRouter(server.New(host, 1, hclog.NewNullLogger()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	return rec
}

func TestConvertDDS(t *testing.T) {
	host := &fakeHost{
		state:    supervisor.StateReady,
		rendered: client.Rendered{Source: "data:image/png;base64,AAAA"},
	}
	texture := ddstest.DXT1(4, 4, 0, 0, 0)

	rec := serve(t, host, httptest.NewRequest(http.MethodPost, "/convert", bytes.NewReader(texture)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp server.ConvertResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "data:image/png;base64,AAAA", resp.Source)

	require.Equal(t, client.MediaTypeDDS, host.got.MediaType)
	require.Equal(t, texture, host.got.RawContents)
}

func TestConvertMediaTypeSources(t *testing.T) {
	host := &fakeHost{state: supervisor.StateReady}

	req := httptest.NewRequest(http.MethodPost, "/convert?mediaType=image/gif", bytes.NewReader([]byte("GIF89a")))
	req.Header.Set("Content-Type", "image/png")
	require.Equal(t, http.StatusOK, serve(t, host, req).Code)
	require.Equal(t, "image/gif", host.got.MediaType)

	req = httptest.NewRequest(http.MethodPost, "/convert", bytes.NewReader([]byte("GIF89a")))
	req.Header.Set("Content-Type", "image/jpeg; charset=binary")
	require.Equal(t, http.StatusOK, serve(t, host, req).Code)
	require.Equal(t, "image/jpeg", host.got.MediaType)

	req = httptest.NewRequest(http.MethodPost, "/convert", bytes.NewReader([]byte("GIF89a")))
	req.Header.Set("Content-Type", "application/octet-stream")
	require.Equal(t, http.StatusOK, serve(t, host, req).Code)
	require.Equal(t, "image/gif", host.got.MediaType)
}

func TestConvertInvalidMediaType(t *testing.T) {
	host := &fakeHost{state: supervisor.StateReady}

	req := httptest.NewRequest(http.MethodPost, "/convert?mediaType=png", bytes.NewReader([]byte("x")))
	rec := serve(t, host, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "is not a media type")
	require.Equal(t, 0, host.calls)
}

func TestConvertEmptyBody(t *testing.T) {
	host := &fakeHost{state: supervisor.StateReady}

	rec := serve(t, host, httptest.NewRequest(http.MethodPost, "/convert", http.NoBody))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConvertTooLarge(t *testing.T) {
	host := &fakeHost{state: supervisor.StateReady}

	body := make([]byte, 1<<20+1)
	rec := serve(t, host, httptest.NewRequest(http.MethodPost, "/convert?mediaType=image/png", bytes.NewReader(body)))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Equal(t, 0, host.calls)
}

func TestConvertWorkerNotReady(t *testing.T) {
	host := &fakeHost{state: supervisor.StateLoading}

	rec := serve(t, host, httptest.NewRequest(http.MethodPost, "/convert", bytes.NewReader(ddstest.DXT1(4, 4, 0, 0, 0))))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, 0, host.calls)

	// Other images do not need the worker.
	req := httptest.NewRequest(http.MethodPost, "/convert?mediaType=image/png", bytes.NewReader([]byte("x")))
	require.Equal(t, http.StatusOK, serve(t, host, req).Code)
}

func TestConvertErrors(t *testing.T) {
	for name, tc := range map[string]struct {
		err  error
		code int
	}{
		"conversion":   {err: &client.ConversionError{Message: "bad texture"}, code: http.StatusUnprocessableEntity},
		"worker":       {err: client.ErrWorkerClosed, code: http.StatusServiceUnavailable},
		"timeout":      {err: context.DeadlineExceeded, code: http.StatusGatewayTimeout},
		"unclassified": {err: errors.New("boom"), code: http.StatusInternalServerError},
	} {
		t.Run(name, func(t *testing.T) {
			host := &fakeHost{state: supervisor.StateReady, err: tc.err}

			rec := serve(t, host, httptest.NewRequest(http.MethodPost, "/convert", bytes.NewReader(ddstest.DXT1(4, 4, 0, 0, 0))))
			require.Equal(t, tc.code, rec.Code)

			var apiErr server.APIError
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
			require.Equal(t, tc.err.Error(), apiErr.Error)
		})
	}
}

func TestHealth(t *testing.T) {
	host := &fakeHost{state: supervisor.StateReady}

	rec := serve(t, host, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp server.HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, supervisor.StateReady.String(), resp.State)

	host.state = supervisor.StateFailed
	rec = serve(t, host, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
