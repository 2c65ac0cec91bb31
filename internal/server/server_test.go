package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videohub/internal/camera"
	"videohub/internal/capture"
	"videohub/internal/config"
	"videohub/internal/handle"
	"videohub/internal/hub"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0 // ランダムポートを使用
	cfg.Server.ShutdownTimeout = 2 * time.Second
	return cfg
}

func newTestServer(t *testing.T) (*Server, *hub.Instance) {
	t.Helper()
	inst := hub.New(hub.Options{
		Discovery: capture.NewMockDiscovery([]string{"/dev/video0"}),
	})
	t.Cleanup(inst.Shutdown)
	return New(testConfig(), inst), inst
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func hpath(format string, h handle.Handle) string {
	return fmt.Sprintf(format, int32(h))
}

// TestServerEndpoints はサーバーのエンドポイントをテストする
func TestServerEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	testCases := []struct {
		name           string
		endpoint       string
		expectedStatus int
	}{
		{"ルートエンドポイント", "/", http.StatusOK},
		{"ヘルスチェックエンドポイント", "/health", http.StatusOK},
		{"ステータスエンドポイント", "/api/status", http.StatusOK},
		{"ソース一覧", "/api/sources", http.StatusOK},
		{"シンク一覧", "/api/sinks", http.StatusOK},
		{"カメラ一覧", "/api/cameras", http.StatusOK},
		{"存在しないパス", "/api/unknown", http.StatusNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec, _ := do(t, s, http.MethodGet, tc.endpoint, "")
			assert.Equal(t, tc.expectedStatus, rec.Code)
		})
	}
}

func TestStatus(t *testing.T) {
	s, inst := newTestServer(t)
	_, err := inst.CreateFrameSource("cv", camera.VideoMode{})
	require.NoError(t, err)
	_, err = inst.CreateFrameSink("grab")
	require.NoError(t, err)

	rec, body := do(t, s, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, s.id, body["instance"])
	assert.EqualValues(t, 1, body["sources"])
	assert.EqualValues(t, 1, body["sinks"])

	_, health := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, "healthy", health["status"])
}

func TestSources(t *testing.T) {
	s, inst := newTestServer(t)
	src, err := inst.CreateFrameSource("cv", camera.VideoMode{PixelFormat: camera.PixelFormatMJPEG, Width: 320, Height: 240, FPS: 30})
	require.NoError(t, err)
	_, err = inst.CreateSourceProperty(src, "brightness", camera.PropertyInteger, 0, 100, 1, 50, 50)
	require.NoError(t, err)

	rec, body := do(t, s, http.MethodGet, "/api/sources", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := body["sources"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "cv", list[0].(map[string]any)["name"])

	rec, body = do(t, s, http.MethodGet, hpath("/api/sources/%d", src), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "frame", body["kind"])
	assert.Equal(t, true, body["connected"])
	mode := body["mode"].(map[string]any)
	assert.Equal(t, "mjpeg", mode["pixel_format"])
	assert.EqualValues(t, 320, mode["width"])
	props := body["properties"].([]any)
	require.Len(t, props, 1)
	assert.Equal(t, "brightness", props[0].(map[string]any)["name"])

	// 16進数でも指定できる
	rec, _ = do(t, s, http.MethodGet, hpath("/api/sources/0x%x", src), "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleErrors(t *testing.T) {
	s, inst := newTestServer(t)
	sink, err := inst.CreateFrameSink("grab")
	require.NoError(t, err)
	src, err := inst.CreateFrameSource("cv", camera.VideoMode{})
	require.NoError(t, err)
	require.NoError(t, inst.ReleaseSource(src))

	testCases := []struct {
		name       string
		path       string
		wantCode   int
		wantError  string
		wantStatus camera.Status
	}{
		{"数値でないハンドル", "/api/sources/abc", http.StatusBadRequest, "malformed_request", camera.StatusMalformedRequest},
		{"シンクのハンドルでソースを参照", hpath("/api/sources/%d", sink), http.StatusBadRequest, "wrong_handle_kind", camera.StatusWrongHandleKind},
		{"破棄済みのソース", hpath("/api/sources/%d", src), http.StatusNotFound, "invalid_handle", camera.StatusInvalidHandle},
		{"ソースのハンドルでシンクを参照", hpath("/api/sinks/%d", src), http.StatusBadRequest, "wrong_handle_kind", camera.StatusWrongHandleKind},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := do(t, s, http.MethodGet, tc.path, "")
			assert.Equal(t, tc.wantCode, rec.Code)
			assert.Equal(t, tc.wantError, body["error"])
			assert.EqualValues(t, tc.wantStatus, body["status"])
			assert.NotEmpty(t, body["message"])
			assert.NotEmpty(t, body["timestamp"])
		})
	}
}

func TestSetSourceMode(t *testing.T) {
	s, inst := newTestServer(t)
	src, err := inst.CreateFrameSource("cv", camera.VideoMode{})
	require.NoError(t, err)

	rec, body := do(t, s, http.MethodPut, hpath("/api/sources/%d/mode", src),
		`{"pixel_format":"bgr","width":640,"height":480,"fps":15}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bgr", body["mode"].(map[string]any)["pixel_format"])

	mode, err := inst.GetSourceVideoMode(src)
	require.NoError(t, err)
	assert.Equal(t, camera.VideoMode{PixelFormat: camera.PixelFormatBGR, Width: 640, Height: 480, FPS: 15}, mode)

	// サポート一覧に無いモードは拒否される
	require.NoError(t, inst.SetSourceVideoModes(src, []camera.VideoMode{mode}))
	rec, body = do(t, s, http.MethodPut, hpath("/api/sources/%d/mode", src),
		`{"pixel_format":"gray","width":640,"height":480,"fps":15}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "mode_not_supported", body["error"])

	rec, body = do(t, s, http.MethodPut, hpath("/api/sources/%d/mode", src), `{"pixel_format":"h264"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed_request", body["error"])

	rec, _ = do(t, s, http.MethodPut, hpath("/api/sources/%d/mode", src), `{"width":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetSourceProperty(t *testing.T) {
	s, inst := newTestServer(t)
	src, err := inst.CreateFrameSource("cv", camera.VideoMode{})
	require.NoError(t, err)
	_, err = inst.CreateSourceProperty(src, "brightness", camera.PropertyInteger, 0, 100, 1, 50, 50)
	require.NoError(t, err)
	mode, err := inst.CreateSourceProperty(src, "mode", camera.PropertyEnum, 0, 0, 1, 0, 0)
	require.NoError(t, err)
	require.NoError(t, inst.SetSourceEnumPropertyChoices(src, mode, []string{"auto", "manual"}))
	label, err := inst.CreateSourceProperty(src, "label", camera.PropertyString, 0, 0, 0, 0, 0)
	require.NoError(t, err)

	rec, body := do(t, s, http.MethodPut, hpath("/api/sources/%d/properties/brightness", src), `{"value":80}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 80, body["value"])

	rec, body = do(t, s, http.MethodPut, hpath("/api/sources/%d/properties/mode", src), `{"string":"manual"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["value"])
	v, err := inst.GetProperty(mode)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	rec, _ = do(t, s, http.MethodPut, hpath("/api/sources/%d/properties/label", src), `{"string":"front door"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	str, err := inst.GetStringProperty(label)
	require.NoError(t, err)
	assert.Equal(t, "front door", str)

	testCases := []struct {
		name      string
		property  string
		body      string
		wantCode  int
		wantError string
	}{
		{"存在しないプロパティ", "missing", `{"value":1}`, http.StatusNotFound, "property_not_found"},
		{"整数に文字列", "brightness", `{"string":"x"}`, http.StatusBadRequest, "wrong_property_type"},
		{"文字列に整数", "label", `{"value":1}`, http.StatusBadRequest, "wrong_property_type"},
		{"存在しない選択肢", "mode", `{"string":"night"}`, http.StatusBadRequest, "malformed_request"},
		{"値の指定なし", "brightness", `{}`, http.StatusBadRequest, "malformed_request"},
		{"不正なJSON", "brightness", `{"value":`, http.StatusBadRequest, "malformed_request"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := do(t, s, http.MethodPut, hpath("/api/sources/%d/properties/", src)+tc.property, tc.body)
			assert.Equal(t, tc.wantCode, rec.Code)
			assert.Equal(t, tc.wantError, body["error"])
		})
	}
}

func TestSinks(t *testing.T) {
	s, inst := newTestServer(t)
	src, err := inst.CreateFrameSource("cv", camera.VideoMode{})
	require.NoError(t, err)
	sink, err := inst.CreateMJPEGServer("web", "127.0.0.1", 0)
	require.NoError(t, err)

	rec, body := do(t, s, http.MethodGet, "/api/sinks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := body["sinks"].([]any)
	require.Len(t, list, 1)
	info := list[0].(map[string]any)
	assert.Equal(t, "web", info["name"])
	assert.Equal(t, "mjpeg", info["kind"])
	assert.NotZero(t, info["port"])

	rec, body = do(t, s, http.MethodPut, hpath("/api/sinks/%d/source", sink), fmt.Sprintf(`{"source":%d}`, int32(src)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, int32(src), body["source"])

	rec, body = do(t, s, http.MethodPut, hpath("/api/sinks/%d/enabled", sink), `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["enabled"])
	enabled, err := inst.IsSinkEnabled(sink)
	require.NoError(t, err)
	assert.False(t, enabled)

	rec, _ = do(t, s, http.MethodPut, hpath("/api/sinks/%d/enabled", sink), `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 0 で結び付けを解除する
	rec, body = do(t, s, http.MethodPut, hpath("/api/sinks/%d/source", sink), `{"source":0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["source"])

	require.NoError(t, inst.ReleaseSource(src))
	rec, body = do(t, s, http.MethodPut, hpath("/api/sinks/%d/source", sink), fmt.Sprintf(`{"source":%d}`, int32(src)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "invalid_handle", body["error"])
}

func TestCameras(t *testing.T) {
	s, _ := newTestServer(t)

	rec, body := do(t, s, http.MethodGet, "/api/cameras", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cameras := body["cameras"].([]any)
	require.Len(t, cameras, 1)
	cam := cameras[0].(map[string]any)
	assert.Equal(t, "/dev/video0", cam["path"])
	assert.EqualValues(t, 0, cam["dev"])
}

func TestRootListsStreams(t *testing.T) {
	s, inst := newTestServer(t)
	sink, err := inst.CreateMJPEGServer("web", "127.0.0.1", 0)
	require.NoError(t, err)
	port, err := inst.GetMJPEGServerPort(sink)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "example.local:8080"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), fmt.Sprintf("http://example.local:%d/stream.mjpg", port))
}

func TestProvision(t *testing.T) {
	inst := hub.New(hub.Options{Discovery: capture.NewMockDiscovery(nil)})
	t.Cleanup(inst.Shutdown)

	cfg := testConfig()
	cfg.Sources = []config.SourceConfig{
		{Name: "pattern", Type: config.SourceTypeTestPattern, PixelFormat: "gray", Width: 160, Height: 120, FPS: 30},
		{Name: "cv", Type: config.SourceTypeFrame},
		{Name: "missing", Type: config.SourceTypeUSB, Device: "/dev/videohub-missing"},
	}
	cfg.MJPEGServers = []config.MJPEGServerConfig{
		{Name: "pattern-stream", Source: "pattern", Address: "127.0.0.1", FPS: 5},
		{Name: "missing-stream", Source: "missing", Address: "127.0.0.1"},
	}

	require.NoError(t, Provision(inst, cfg))

	sources := inst.EnumerateSources()
	require.Len(t, sources, 2, "開けない USB カメラは読み飛ばす")
	pattern, ok := inst.FindSource("pattern")
	require.True(t, ok)
	kind, err := inst.GetSourceKind(pattern)
	require.NoError(t, err)
	assert.Equal(t, camera.SourceTestPattern, kind)

	sinks := inst.EnumerateSinks()
	require.Len(t, sinks, 2)
	bound := map[string]handle.Handle{}
	for _, h := range sinks {
		info, err := inst.DescribeSink(h)
		require.NoError(t, err)
		assert.True(t, info.Enabled)
		assert.NotZero(t, info.Port)
		bound[info.Name] = info.Source
	}
	assert.Equal(t, pattern, bound["pattern-stream"])
	assert.Zero(t, bound["missing-stream"])
}

func TestProvisionFailure(t *testing.T) {
	inst := hub.New(hub.Options{Discovery: capture.NewMockDiscovery(nil)})
	t.Cleanup(inst.Shutdown)

	cfg := testConfig()
	cfg.Sources = []config.SourceConfig{
		{Name: "pattern", Type: config.SourceTypeTestPattern, PixelFormat: "yuyv", Width: 160, Height: 120},
	}
	assert.Error(t, Provision(inst, cfg))
}

func TestMJPEGOptions(t *testing.T) {
	cfg := config.Default().Stream
	cfg.FPS = 12
	opts := MJPEGOptions(cfg)
	assert.Equal(t, cfg.MaxRequestLine, opts.MaxRequestLine)
	assert.Equal(t, cfg.FrameTimeout, opts.FrameTimeout)
	assert.Equal(t, cfg.Quality, opts.Quality)
	assert.Equal(t, 12, opts.FPS)
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	srv, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	var health HealthResponse
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(bytes.NewReader(body)).Decode(&health))
	assert.Equal(t, "healthy", health.Status)

	// コンテキストをキャンセルしてサーバーを停止
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}
}

func TestServerStartOnBusyAddress(t *testing.T) {
	first, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = first.Start(ctx) }()
	require.Eventually(t, func() bool { return first.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	cfg := testConfig()
	_, port, _ := strings.Cut(first.Addr(), ":")
	_, err := fmt.Sscanf(port, "%d", &cfg.Server.Port)
	require.NoError(t, err)

	inst := hub.New(hub.Options{Discovery: capture.NewMockDiscovery(nil)})
	t.Cleanup(inst.Shutdown)
	assert.Error(t, New(cfg, inst).Start(context.Background()))
}
