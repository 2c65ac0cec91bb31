package mjpeg

import (
	"bufio"
	"bytes"
	"fmt"
	"image/jpeg"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videohub/internal/camera"
	"videohub/internal/handle"
)

var qvga = camera.VideoMode{PixelFormat: camera.PixelFormatMJPEG, Width: 320, Height: 240, FPS: 30}

func newSource(t *testing.T) *camera.Source {
	t.Helper()
	src := camera.NewSource("cam0", camera.SourceFrame, qvga, nil)
	src.SetConnected(true)
	return src
}

func startServer(t *testing.T, src *camera.Source, opts Options) (*Server, *camera.Sink) {
	t.Helper()
	sink := camera.NewSink("server", camera.SinkMJPEG, nil)
	srv := New(sink, "127.0.0.1", 0, opts)
	if src != nil {
		sink.SetSource(handle.New(handle.KindSource, 0, 0), src)
	}
	require.NoError(t, sink.SetEnabled(true))
	t.Cleanup(srv.Stop)
	return srv, sink
}

func dial(t *testing.T, srv *Server, request string) (net.Conn, *bufio.Reader) {
	t.Helper()
	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Port())))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = io.WriteString(c, request)
	require.NoError(t, err)
	return c, bufio.NewReader(c)
}

type response struct {
	status  string
	headers map[string]string
}

func readHeaders(t *testing.T, r *bufio.Reader) response {
	t.Helper()
	status, err := r.ReadString('\n')
	require.NoError(t, err)
	resp := response{status: strings.TrimSpace(status), headers: map[string]string{}}
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if line == "" {
			return resp
		}
		k, v, _ := strings.Cut(line, ":")
		resp.headers[strings.ToLower(k)] = strings.TrimSpace(v)
	}
}

func readBody(t *testing.T, r *bufio.Reader, resp response) []byte {
	t.Helper()
	n, err := strconv.Atoi(resp.headers["content-length"])
	require.NoError(t, err)
	body := make([]byte, n)
	_, err = io.ReadFull(r, body)
	require.NoError(t, err)
	return body
}

// readPart はマルチパートの1フレーム分を読み、ヘッダと本体を返す
func readPart(t *testing.T, r *bufio.Reader) (map[string]string, []byte) {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "--"+boundary, strings.TrimSpace(line))

	headers := map[string]string{}
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		k, v, _ := strings.Cut(line, ":")
		headers[strings.ToLower(k)] = strings.TrimSpace(v)
	}

	n, err := strconv.Atoi(headers["content-length"])
	require.NoError(t, err)
	data := make([]byte, n)
	_, err = io.ReadFull(r, data)
	require.NoError(t, err)

	crlf := make([]byte, 2)
	_, err = io.ReadFull(r, crlf)
	require.NoError(t, err)
	assert.Equal(t, "\r\n", string(crlf))
	return headers, data
}

func TestServer_StreamDeliversInjectedFrame(t *testing.T) {
	src := newSource(t)
	frame := []byte{0xff, 0xd8, 0xff, 0xe0, 1, 2, 3, 4, 5, 0xff, 0xd9}
	require.NoError(t, src.PutFrame(camera.Image{Format: camera.PixelFormatMJPEG, Width: 320, Height: 240, Data: frame}))
	srv, _ := startServer(t, src, Options{})

	_, r := dial(t, srv, "GET /stream.mjpg HTTP/1.1\r\nHost: localhost\r\n\r\n")
	resp := readHeaders(t, r)
	assert.Equal(t, "HTTP/1.0 200 OK", resp.status)
	assert.Equal(t, "multipart/x-mixed-replace;boundary="+boundary, resp.headers["content-type"])
	assert.Equal(t, "close", resp.headers["connection"])

	headers, data := readPart(t, r)
	assert.Equal(t, "image/jpeg", headers["content-type"])
	assert.Equal(t, strconv.Itoa(len(frame)), headers["content-length"])
	assert.Equal(t, frame, data)
	assert.NotEmpty(t, headers["x-timestamp"])

	require.NoError(t, src.PutFrame(camera.Image{Format: camera.PixelFormatMJPEG, Data: []byte{9, 9}}))
	_, data = readPart(t, r)
	assert.Equal(t, []byte{9, 9}, data)
}

func TestServer_StreamCompressesRawFrames(t *testing.T) {
	src := camera.NewSource("gray", camera.SourceFrame, camera.VideoMode{PixelFormat: camera.PixelFormatGray, Width: 16, Height: 16}, nil)
	src.SetConnected(true)
	require.NoError(t, src.PutFrame(camera.Image{Format: camera.PixelFormatGray, Width: 16, Height: 16, Data: make([]byte, 256)}))
	srv, _ := startServer(t, src, Options{})

	_, r := dial(t, srv, "GET /?action=stream&compression=50 HTTP/1.1\r\n\r\n")
	resp := readHeaders(t, r)
	require.Equal(t, "HTTP/1.0 200 OK", resp.status)

	_, data := readPart(t, r)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Width)
}

func TestServer_ResolutionNotSupported(t *testing.T) {
	src := newSource(t)
	src.SetVideoModes([]camera.VideoMode{qvga})
	srv, _ := startServer(t, src, Options{})

	_, r := dial(t, srv, "GET /?width=640&height=480 HTTP/1.1\r\n\r\n")
	resp := readHeaders(t, r)

	assert.Equal(t, "HTTP/1.0 400 Bad Request", resp.status)
	assert.Equal(t, "text/plain; charset=utf-8", resp.headers["content-type"])
	body := readBody(t, r, resp)
	assert.Contains(t, string(body), "400")
	assert.Equal(t, qvga, src.VideoMode())
}

func TestServer_InvalidParameterValues(t *testing.T) {
	src := newSource(t)
	srv, _ := startServer(t, src, Options{})

	for _, query := range []string{
		"width=abc",
		"fps=-1",
		"resolution=640",
		"compression=101",
		"pixelformat=h264",
		"single=maybe",
	} {
		t.Run(query, func(t *testing.T) {
			_, r := dial(t, srv, "GET /stream.mjpg?"+query+" HTTP/1.1\r\n\r\n")
			resp := readHeaders(t, r)
			assert.Equal(t, "HTTP/1.0 400 Bad Request", resp.status)
		})
	}
}

func TestServer_UnknownParametersAreIgnored(t *testing.T) {
	src := newSource(t)
	srv, _ := startServer(t, src, Options{})

	_, r := dial(t, srv, "GET /?foo=bar&zoom=2 HTTP/1.1\r\n\r\n")
	resp := readHeaders(t, r)
	assert.Equal(t, "HTTP/1.0 200 OK", resp.status)
}

func TestServer_NotFound(t *testing.T) {
	srv, _ := startServer(t, newSource(t), Options{})

	_, r := dial(t, srv, "GET /missing.html HTTP/1.1\r\n\r\n")
	resp := readHeaders(t, r)
	assert.Equal(t, "HTTP/1.0 404 Not Found", resp.status)
	assert.Contains(t, string(readBody(t, r, resp)), "/missing.html")
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv, _ := startServer(t, newSource(t), Options{})

	_, r := dial(t, srv, "POST / HTTP/1.1\r\n\r\n")
	resp := readHeaders(t, r)
	assert.Equal(t, "HTTP/1.0 405 Method Not Allowed", resp.status)
}

func TestServer_BadPercentEncoding(t *testing.T) {
	srv, _ := startServer(t, newSource(t), Options{})

	for _, target := range []string{"/stream%2", "/%ZZ"} {
		_, r := dial(t, srv, "GET "+target+" HTTP/1.1\r\n\r\n")
		resp := readHeaders(t, r)
		assert.Equal(t, "HTTP/1.0 400 Bad Request", resp.status, target)
	}
}

func TestServer_RequestLineLimit(t *testing.T) {
	const max = 64
	srv, _ := startServer(t, newSource(t), Options{MaxRequestLine: max})

	line := func(n int) string {
		prefix := "GET /?pad="
		suffix := " HTTP/1.0"
		return prefix + strings.Repeat("x", n-len(prefix)-len(suffix)) + suffix
	}
	require.Len(t, line(max), max)

	_, r := dial(t, srv, line(max)+"\r\n\r\n")
	assert.Equal(t, "HTTP/1.0 200 OK", readHeaders(t, r).status)

	_, r = dial(t, srv, line(max+1)+"\r\n\r\n")
	assert.Equal(t, "HTTP/1.0 400 Bad Request", readHeaders(t, r).status)
}

func TestServer_JSONDocument(t *testing.T) {
	src := newSource(t)
	src.SetDescription("front door")
	src.SetVideoModes([]camera.VideoMode{qvga})
	src.AddProperty(camera.NewProperty("brightness", camera.PropertyInteger, 0, 100, 1, 50, 42))
	wb := src.AddProperty(camera.NewProperty("white_balance", camera.PropertyEnum, 0, 1, 1, 0, 1))
	require.NoError(t, wb.SetChoices([]string{"auto", "manual"}))
	srv, _ := startServer(t, src, Options{})

	_, r := dial(t, srv, "GET /settings.json HTTP/1.1\r\n\r\n")
	resp := readHeaders(t, r)
	require.Equal(t, "HTTP/1.0 200 OK", resp.status)
	assert.Equal(t, "application/json", resp.headers["content-type"])

	var doc jsonDocument
	require.NoError(t, json.Unmarshal(readBody(t, r, resp), &doc))
	assert.Equal(t, "server", doc.Sink)
	assert.Equal(t, "cam0", doc.Source)
	assert.Equal(t, "front door", doc.Description)
	assert.True(t, doc.Connected)
	require.NotNil(t, doc.Mode)
	assert.Equal(t, 320, doc.Mode.Width)
	assert.Len(t, doc.Modes, 1)
	require.Len(t, doc.Controls, 2)
	assert.Equal(t, "brightness", doc.Controls[0].Name)
	assert.Equal(t, 42, doc.Controls[0].Value)
	assert.Equal(t, "integer", doc.Controls[0].Type)
	assert.Equal(t, map[string]string{"0": "auto", "1": "manual"}, doc.Controls[1].Menu)

	// JSON 応答は1回で切断される
	_, err := r.ReadByte()
	assert.Equal(t, io.EOF, err)
}

func TestServer_CommandSetsProperties(t *testing.T) {
	src := newSource(t)
	brightness := src.AddProperty(camera.NewProperty("brightness", camera.PropertyInteger, 0, 100, 1, 50, 50))
	auto := src.AddProperty(camera.NewProperty("auto_exposure", camera.PropertyBoolean, 0, 1, 1, 0, 0))
	wb := src.AddProperty(camera.NewProperty("white_balance", camera.PropertyEnum, 0, 1, 1, 0, 0))
	require.NoError(t, wb.SetChoices([]string{"auto", "manual"}))
	label := src.AddProperty(camera.NewProperty("label", camera.PropertyString, 0, 0, 0, 0, 0))
	srv, _ := startServer(t, src, Options{})

	_, r := dial(t, srv, "GET /command?brightness=30&auto_exposure=true&white_balance=Manual&label=a%20b&fps=15 HTTP/1.1\r\n\r\n")
	resp := readHeaders(t, r)
	require.Equal(t, "HTTP/1.0 200 OK", resp.status)
	assert.Equal(t, "Ok", string(readBody(t, r, resp)))

	v, _ := brightness.Value()
	assert.Equal(t, 30, v)
	v, _ = auto.Value()
	assert.Equal(t, 1, v)
	v, _ = wb.Value()
	assert.Equal(t, 1, v)
	s, _ := label.StringValue()
	assert.Equal(t, "a b", s)
	assert.Equal(t, 15, src.VideoMode().FPS)

	_, r = dial(t, srv, "GET /?action=command&brightness=bright HTTP/1.1\r\n\r\n")
	assert.Equal(t, "HTTP/1.0 400 Bad Request", readHeaders(t, r).status)
}

func TestServer_NoSource(t *testing.T) {
	srv, _ := startServer(t, nil, Options{FrameTimeout: 20 * time.Millisecond})

	_, r := dial(t, srv, "GET /?width=640 HTTP/1.1\r\n\r\n")
	assert.Equal(t, "HTTP/1.0 503 Service Unavailable", readHeaders(t, r).status)

	_, r = dial(t, srv, "GET /snapshot.jpg HTTP/1.1\r\n\r\n")
	assert.Equal(t, "HTTP/1.0 503 Service Unavailable", readHeaders(t, r).status)

	// ストリームは待ち続けずに代替フレームを送る
	_, r = dial(t, srv, "GET /stream.mjpg HTTP/1.1\r\n\r\n")
	require.Equal(t, "HTTP/1.0 200 OK", readHeaders(t, r).status)
	for i := 0; i < 2; i++ {
		_, data := readPart(t, r)
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, placeholderWidth, cfg.Width)
		assert.Equal(t, placeholderHeight, cfg.Height)
	}
}

func TestServer_DisconnectedSourceSendsPlaceholder(t *testing.T) {
	src := camera.NewSource("cam0", camera.SourceUSB, qvga, nil)
	require.NoError(t, src.PutFrame(camera.Image{Format: camera.PixelFormatMJPEG, Data: []byte{1, 2, 3}}))
	srv, _ := startServer(t, src, Options{FrameTimeout: 20 * time.Millisecond})

	_, r := dial(t, srv, "GET /stream.mjpg HTTP/1.1\r\n\r\n")
	require.Equal(t, "HTTP/1.0 200 OK", readHeaders(t, r).status)
	_, data := readPart(t, r)
	assert.NotEqual(t, []byte{1, 2, 3}, data)

	src.SetConnected(true)
	for i := 0; ; i++ {
		require.Less(t, i, 50, "接続後もフレームが届かない")
		_, data := readPart(t, r)
		if bytes.Equal(data, []byte{1, 2, 3}) {
			break
		}
	}
}

func TestServer_Snapshot(t *testing.T) {
	src := newSource(t)
	require.NoError(t, src.PutFrame(camera.Image{Format: camera.PixelFormatMJPEG, Data: []byte{7, 7, 7}}))
	srv, _ := startServer(t, src, Options{})

	for _, target := range []string{"/?action=snapshot", "/snapshot.jpg", "/stream.mjpg?single=1"} {
		_, r := dial(t, srv, "GET "+target+" HTTP/1.1\r\n\r\n")
		resp := readHeaders(t, r)
		require.Equal(t, "HTTP/1.0 200 OK", resp.status, target)
		assert.Equal(t, "image/jpeg", resp.headers["content-type"])
		assert.Equal(t, []byte{7, 7, 7}, readBody(t, r, resp))
	}
}

func TestServer_StopJoinsAllConnections(t *testing.T) {
	src := newSource(t)
	require.NoError(t, src.PutFrame(camera.Image{Format: camera.PixelFormatMJPEG, Data: []byte{1}}))
	srv, _ := startServer(t, src, Options{})

	readers := make([]*bufio.Reader, 3)
	for i := range readers {
		_, r := dial(t, srv, "GET /stream.mjpg HTTP/1.1\r\n\r\n")
		require.Equal(t, "HTTP/1.0 200 OK", readHeaders(t, r).status)
		readPart(t, r)
		readers[i] = r
	}
	require.Equal(t, 3, srv.ConnCount())

	srv.Stop()

	assert.Zero(t, srv.ConnCount(), "Stop は全ての接続の終了を待って戻る")
	assert.False(t, srv.Active())
	for i, r := range readers {
		_, err := io.ReadAll(r)
		assert.NoError(t, err, "接続 %d は閉じられている", i)
	}

	srv.Stop()
	_, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Port())), time.Second)
	assert.Error(t, err)
}

func TestServer_ConcurrentStopsAllWaitForConnections(t *testing.T) {
	for iter := 0; iter < 20; iter++ {
		src := newSource(t)
		require.NoError(t, src.PutFrame(camera.Image{Format: camera.PixelFormatMJPEG, Data: []byte{1}}))
		srv, _ := startServer(t, src, Options{})

		for i := 0; i < 3; i++ {
			_, r := dial(t, srv, "GET /stream.mjpg HTTP/1.1\r\n\r\n")
			require.Equal(t, "HTTP/1.0 200 OK", readHeaders(t, r).status)
			readPart(t, r)
		}
		require.Equal(t, 3, srv.ConnCount())

		remaining := make(chan int, 2)
		for i := 0; i < 2; i++ {
			go func() {
				srv.Stop()
				remaining <- srv.ConnCount()
			}()
		}
		for i := 0; i < 2; i++ {
			select {
			case n := <-remaining:
				assert.Zero(t, n, "iteration %d: Stop が接続の終了前に戻った", iter)
			case <-time.After(5 * time.Second):
				t.Fatal("Stop がタイムアウトしました")
			}
		}
	}
}

func TestServer_StopFromConnectionTeardown(t *testing.T) {
	var current atomic.Pointer[Server]
	var closed atomic.Int32
	opts := Options{
		OnConnClosed: func(string) {
			closed.Add(1)
			current.Load().Stop()
		},
	}
	srv, _ := startServer(t, newSource(t), opts)
	current.Store(srv)

	_, r := dial(t, srv, "GET /nope HTTP/1.1\r\n\r\n")
	assert.Equal(t, "HTTP/1.0 404 Not Found", readHeaders(t, r).status)

	require.Eventually(t, func() bool {
		return closed.Load() == 1 && !srv.Active()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServer_DisableAndReenable(t *testing.T) {
	src := newSource(t)
	srv, sink := startServer(t, src, Options{})
	port := srv.Port()

	require.NoError(t, sink.SetEnabled(false))
	assert.False(t, srv.Active())
	_, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	assert.Error(t, err)

	require.NoError(t, sink.SetEnabled(true))
	assert.Equal(t, port, srv.Port(), "同じポートで再開する")
	_, r := dial(t, srv, "GET / HTTP/1.1\r\n\r\n")
	assert.Equal(t, "HTTP/1.0 200 OK", readHeaders(t, r).status)
}

func TestServer_StartFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	sink := camera.NewSink("busy", camera.SinkMJPEG, nil)
	New(sink, "127.0.0.1", port, Options{})

	err = sink.SetEnabled(true)
	assert.Equal(t, camera.StatusNetworkAcceptFailure, camera.StatusOf(err))
	assert.False(t, sink.IsEnabled())
}
