package server

import (
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"videohub/internal/camera"
	"videohub/internal/capture"
	"videohub/internal/handle"
	"videohub/internal/hub"
)

// HealthResponse はヘルスチェックのレスポンス
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerInfo は制御 API の待ち受け情報
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StatusResponse はシステム状態のレスポンス
type StatusResponse struct {
	Status    string     `json:"status"`
	Instance  string     `json:"instance"`
	Server    ServerInfo `json:"server"`
	Sources   int        `json:"sources"`
	Sinks     int        `json:"sinks"`
	Uptime    string     `json:"uptime"`
	Timestamp time.Time  `json:"timestamp"`
}

// SourcesResponse はソース一覧のレスポンス
type SourcesResponse struct {
	Sources []hub.SourceInfo `json:"sources"`
}

// SinksResponse はシンク一覧のレスポンス
type SinksResponse struct {
	Sinks []hub.SinkInfo `json:"sinks"`
}

// CamerasResponse は USB カメラ一覧のレスポンス
type CamerasResponse struct {
	Cameras []capture.USBCameraInfo `json:"cameras"`
}

// ModeRequest はビデオモード変更のリクエスト
type ModeRequest struct {
	PixelFormat string `json:"pixel_format" binding:"required"`
	Width       int    `json:"width" binding:"min=0"`
	Height      int    `json:"height" binding:"min=0"`
	FPS         int    `json:"fps" binding:"min=0"`
}

// PropertyRequest はプロパティ変更のリクエスト（value か string のどちらか）
type PropertyRequest struct {
	Value  *int    `json:"value"`
	String *string `json:"string"`
}

// EnabledRequest はシンクの有効・無効切り替えのリクエスト
type EnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SinkSourceRequest はシンクのソース付け替えのリクエスト（0 で解除）
type SinkSourceRequest struct {
	Source *int64 `json:"source" binding:"required"`
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// handleStatus はステータス確認エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Status:   "running",
		Instance: s.id,
		Server: ServerInfo{
			Host: s.config.Server.Host,
			Port: s.config.Server.Port,
		},
		Sources:   len(s.hub.EnumerateSources()),
		Sinks:     len(s.hub.EnumerateSinks()),
		Uptime:    time.Since(s.started).Truncate(time.Second).String(),
		Timestamp: time.Now(),
	})
}

// handleCameras は接続されている USB カメラを列挙する
func (s *Server) handleCameras(c *gin.Context) {
	cameras, err := s.hub.EnumerateUSBCameras(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, CamerasResponse{Cameras: cameras})
}

func (s *Server) handleListSources(c *gin.Context) {
	handles := s.hub.EnumerateSources()
	sources := make([]hub.SourceInfo, 0, len(handles))
	for _, h := range handles {
		info, err := s.hub.DescribeSource(h)
		if err != nil {
			// 列挙後に破棄されたソース
			continue
		}
		sources = append(sources, info)
	}
	c.JSON(http.StatusOK, SourcesResponse{Sources: sources})
}

func (s *Server) handleGetSource(c *gin.Context) {
	h, ok := handleParam(c)
	if !ok {
		return
	}
	info, err := s.hub.DescribeSource(h)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleSetSourceMode はソースのビデオモードを変更する
func (s *Server) handleSetSourceMode(c *gin.Context) {
	h, ok := handleParam(c)
	if !ok {
		return
	}
	var req ModeRequest
	if !bindJSON(c, &req) {
		return
	}
	format, ok := camera.ParsePixelFormat(req.PixelFormat)
	if !ok {
		respondError(c, fmt.Errorf("%w: 不明なピクセルフォーマット %q", camera.StatusMalformedRequest, req.PixelFormat))
		return
	}

	mode := camera.VideoMode{PixelFormat: format, Width: req.Width, Height: req.Height, FPS: req.FPS}
	if err := s.hub.SetSourceVideoMode(h, mode); err != nil {
		respondError(c, err)
		return
	}
	info, err := s.hub.DescribeSource(h)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleSetSourceProperty はソースのプロパティを名前で変更する
//
// Enum に string を渡した場合は選択肢の名前として解釈する。
func (s *Server) handleSetSourceProperty(c *gin.Context) {
	h, ok := handleParam(c)
	if !ok {
		return
	}
	var req PropertyRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Value == nil && req.String == nil {
		respondError(c, fmt.Errorf("%w: value または string を指定してください", camera.StatusMalformedRequest))
		return
	}

	prop, err := s.hub.GetSourceProperty(h, c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.writeProperty(prop, req); err != nil {
		respondError(c, err)
		return
	}

	info, err := s.hub.GetPropertyInfo(prop)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) writeProperty(prop handle.Handle, req PropertyRequest) error {
	if req.String == nil {
		return s.hub.SetProperty(prop, *req.Value)
	}

	kind, err := s.hub.GetPropertyKind(prop)
	if err != nil {
		return err
	}
	if kind != camera.PropertyEnum {
		return s.hub.SetStringProperty(prop, *req.String)
	}

	choices, err := s.hub.GetEnumPropertyChoices(prop)
	if err != nil {
		return err
	}
	for i, choice := range choices {
		if choice == *req.String {
			return s.hub.SetProperty(prop, i)
		}
	}
	return fmt.Errorf("%w: 選択肢 %q は存在しません", camera.StatusMalformedRequest, *req.String)
}

func (s *Server) handleListSinks(c *gin.Context) {
	handles := s.hub.EnumerateSinks()
	sinks := make([]hub.SinkInfo, 0, len(handles))
	for _, h := range handles {
		info, err := s.hub.DescribeSink(h)
		if err != nil {
			continue
		}
		sinks = append(sinks, info)
	}
	c.JSON(http.StatusOK, SinksResponse{Sinks: sinks})
}

func (s *Server) handleGetSink(c *gin.Context) {
	h, ok := handleParam(c)
	if !ok {
		return
	}
	info, err := s.hub.DescribeSink(h)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleSetSinkEnabled(c *gin.Context) {
	h, ok := handleParam(c)
	if !ok {
		return
	}
	var req EnabledRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := s.hub.SetSinkEnabled(h, *req.Enabled); err != nil {
		respondError(c, err)
		return
	}
	s.respondSink(c, h)
}

func (s *Server) handleSetSinkSource(c *gin.Context) {
	h, ok := handleParam(c)
	if !ok {
		return
	}
	var req SinkSourceRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := s.hub.SetSinkSource(h, handle.Handle(*req.Source)); err != nil {
		respondError(c, err)
		return
	}
	s.respondSink(c, h)
}

func (s *Server) respondSink(c *gin.Context, h handle.Handle) {
	info, err := s.hub.DescribeSink(h)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

var rootTemplate = template.Must(template.New("root").Parse(`<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <title>videohub</title>
</head>
<body>
    <h1>videohub</h1>
    <p>サーバーが正常に起動しています。</p>
    <p>ステータス: <a href="/api/status">/api/status</a></p>
    <p>ヘルスチェック: <a href="/health">/health</a></p>
    <h2>ストリーム</h2>
    <ul>
    {{- range .}}
        <li>{{.Name}}: <a href="{{.URL}}">{{.URL}}</a></li>
    {{- else}}
        <li>MJPEG サーバはありません</li>
    {{- end}}
    </ul>
</body>
</html>`))

type streamLink struct {
	Name string
	URL  string
}

// handleRoot はルートパスのハンドラ
func (s *Server) handleRoot(c *gin.Context) {
	host := c.Request.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	var links []streamLink
	for _, h := range s.hub.EnumerateSinks() {
		port, err := s.hub.GetMJPEGServerPort(h)
		if err != nil || port == 0 {
			continue
		}
		name, _ := s.hub.GetSinkName(h)
		links = append(links, streamLink{
			Name: name,
			URL:  fmt.Sprintf("http://%s/stream.mjpg", net.JoinHostPort(host, strconv.Itoa(port))),
		})
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := rootTemplate.Execute(c.Writer, links); err != nil {
		_ = c.Error(err)
	}
}

// ヘルパー関数

// handleParam はパスの :handle を解釈する（10進数または 0x 付きの16進数）
func handleParam(c *gin.Context) (handle.Handle, bool) {
	raw := c.Param("handle")
	v, err := strconv.ParseInt(raw, 0, 32)
	if err != nil {
		respondError(c, fmt.Errorf("%w: 不正なハンドル %q", camera.StatusMalformedRequest, raw))
		return 0, false
	}
	return handle.Handle(v), true
}

// bindJSON はリクエストボディを検証付きで読み込む
func bindJSON(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		respondError(c, fmt.Errorf("%w: %v", camera.StatusMalformedRequest, err))
		return false
	}
	return true
}
