package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"face-gallery-go/config"
	"face-gallery-go/internal/api/middleware"
	"face-gallery-go/internal/capture"
	"face-gallery-go/internal/gallery"
	"face-gallery-go/internal/profile"
	"face-gallery-go/internal/recognition"
	"face-gallery-go/internal/settings"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCamera struct {
	running  bool
	index    int
	startErr error
}

func (f *fakeCamera) Start(_ context.Context, index int) error {
	if f.startErr != nil {
		return f.startErr
	}
	if f.running {
		return capture.ErrAlreadyRunning
	}
	f.running, f.index = true, index
	return nil
}

func (f *fakeCamera) Stop() error {
	f.running = false
	return nil
}

func (f *fakeCamera) Stats() capture.Stats {
	return capture.Stats{Running: f.running, CameraIndex: f.index}
}

type fakeModel struct {
	retrains int
}

func (f *fakeModel) Status() recognition.Status {
	return recognition.Status{State: recognition.StateTrained, Adapter: "lbph"}
}

func (f *fakeModel) Retrain(context.Context) error {
	f.retrains++
	return nil
}

type testEnv struct {
	router   *gin.Engine
	store    *gallery.Store
	settings *settings.Store
	camera   *fakeCamera
	model    *fakeModel
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := gallery.NewStore(filepath.Join(t.TempDir(), "faces"))
	profiles := profile.NewService(store, nil, nil, config.RecognitionConfig{MaxDimension: 800, CaptureMargin: 20, JPEGQuality: 90, ImportWorkers: 2})
	t.Cleanup(profiles.Close)

	settingsStore := settings.NewStore(filepath.Join(t.TempDir(), "settings.json"))
	settingsStore.Load()

	tr, err := middleware.NewTranslator("en")
	require.NoError(t, err)

	env := &testEnv{
		router:   gin.New(),
		store:    store,
		settings: settingsStore,
		camera:   &fakeCamera{},
		model:    &fakeModel{},
	}
	env.router.Use(middleware.I18n(tr))
	api := env.router.Group("/api")
	NewAPIHandler(context.Background(), profiles, store, env.camera, env.model, settingsStore).RegisterRoutes(api)
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for i := range img.Pix {
		img.Pix[i] = 0xaa
	}
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, name, query string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if data != nil {
		fw, err := mw.CreateFormFile("image", "upload.png")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/profiles/"+name+query, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(method, url, body string) *http.Request {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Code
}

func TestUploadProfile(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(uploadRequest(t, "alice", "", pngBytes(t)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.True(t, env.store.Exists("alice"))

	w = env.do(uploadRequest(t, "alice", "", pngBytes(t)))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "error.not_confirmed", errorCode(t, w))

	w = env.do(uploadRequest(t, "alice", "?overwrite=true", pngBytes(t)))
	assert.Equal(t, http.StatusCreated, w.Code)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/profiles", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count    int `json:"count"`
		Profiles []struct {
			Identity string `json:"identity"`
			ImageURL string `json:"image_url"`
		} `json:"profiles"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, "/api/profiles/alice/image", list.Profiles[0].ImageURL)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/profiles/alice/image", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
}

func TestUploadProfile_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		identity string
		data     []byte
		status   int
		code     string
	}{
		{"missing file", "bob", nil, http.StatusBadRequest, ""},
		{"corrupt image", "bob", []byte("nope"), http.StatusUnprocessableEntity, "error.decode_failure"},
		{"hidden name", ".bob", pngBytes(t), http.StatusBadRequest, "error.invalid_identity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(uploadRequest(t, tt.identity, "", tt.data))
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.code != "" {
				assert.Equal(t, tt.code, errorCode(t, w))
			}
		})
	}
	assert.False(t, env.store.Exists("bob"))
}

func TestRenameAndDeleteProfile(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.AddOrReplace("alice", []byte("a")))
	require.NoError(t, env.store.AddOrReplace("bob", []byte("b")))

	w := env.do(jsonRequest(http.MethodPut, "/api/profiles/alice", `{"name":"bob"}`))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.True(t, env.store.Exists("alice"))

	w = env.do(jsonRequest(http.MethodPut, "/api/profiles/alice", `{"name":"bob","overwrite":true}`))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.store.Exists("alice"))

	w = env.do(jsonRequest(http.MethodPut, "/api/profiles/ghost", `{"name":"casper"}`))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(httptest.NewRequest(http.MethodDelete, "/api/profiles/bob", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.True(t, env.store.Exists("bob"))

	w = env.do(httptest.NewRequest(http.MethodDelete, "/api/profiles/bob?confirm=true", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.store.Exists("bob"))

	w = env.do(httptest.NewRequest(http.MethodDelete, "/api/profiles/bob?confirm=true", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestErrorMessagesAreLocalized(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/profiles/zoe/image", nil)
	req.Header.Set("Accept-Language", "de")
	w := env.do(req)

	require.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, `Profil "zoe" nicht gefunden`, body["error"])
}

func TestImportExportEndpoints(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(uploadRequest(t, "alice", "", pngBytes(t))).Code)

	dest := filepath.Join(t.TempDir(), "out")
	w := env.do(jsonRequest(http.MethodPost, "/api/profiles/export", fmt.Sprintf(`{"dir":%q}`, dest)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.FileExists(t, filepath.Join(dest, "alice.jpg"))

	w = env.do(jsonRequest(http.MethodPost, "/api/profiles/import", fmt.Sprintf(`{"dir":%q}`, dest)))
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Zero(t, res.Count, "existing profiles are not overwritten without confirmation")

	w = env.do(jsonRequest(http.MethodPost, "/api/profiles/import", `{}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportIntoGalleryIsConflict(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(uploadRequest(t, "alice", "", pngBytes(t))).Code)

	w := env.do(jsonRequest(http.MethodPost, "/api/profiles/export", fmt.Sprintf(`{"dir":%q}`, env.store.Dir())))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "error.export_into_gallery", errorCode(t, w))

	path, ok := env.store.ImagePath("alice")
	require.True(t, ok)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Size())
}

func TestCaptureWithoutCamera(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(httptest.NewRequest(http.MethodPost, "/api/profiles/alice/capture", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "error.no_live_frame", errorCode(t, w))
}

func TestCameraEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(jsonRequest(http.MethodPost, "/api/camera/start", `{"camera_index":2}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, env.camera.index)

	w = env.do(httptest.NewRequest(http.MethodPost, "/api/camera/start", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(httptest.NewRequest(http.MethodPost, "/api/camera/stop", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.camera.running)

	env.camera.startErr = fmt.Errorf("camera 0: %w", gallery.ErrDeviceUnavailable)
	w = env.do(httptest.NewRequest(http.MethodPost, "/api/camera/start", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSettingsEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(jsonRequest(http.MethodPut, "/api/settings", `{"face_tolerance":0.45,"sample_rate":3}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 0.45, env.settings.Get().FaceTolerance)
	assert.Equal(t, 3, env.settings.Get().SampleRate)
	assert.Equal(t, "hog", env.settings.Get().DetectionModel)
	assert.FileExists(t, env.settings.Path())

	w = env.do(jsonRequest(http.MethodPut, "/api/settings", `{"detection_interval":5}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "error.invalid_settings", errorCode(t, w))
	assert.Equal(t, 30, env.settings.Get().DetectionInterval)

	w = env.do(httptest.NewRequest(http.MethodPost, "/api/settings/defaults", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, settings.Defaults(), env.settings.Get())
}

func TestModelEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/model", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"trained"`)

	w = env.do(httptest.NewRequest(http.MethodPost, "/api/model/retrain", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, env.model.retrains)
}
