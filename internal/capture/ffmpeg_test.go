package capture

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videohub/internal/camera"
)

func TestSplitJPEG(t *testing.T) {
	frameA := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
	frameB := []byte{0xFF, 0xD8, 0x03, 0xFF, 0xD9}

	var stream bytes.Buffer
	stream.Write([]byte("garbage"))
	stream.Write(frameA)
	stream.Write([]byte{0x00, 0xFF})
	stream.Write(frameB)
	stream.Write([]byte{0xFF, 0xD8, 0x04}) // 途中で切れたフレーム

	// 1バイトずつ読ませても境界をまたいで切り出せる
	scanner := bufio.NewScanner(iotest.OneByteReader(bytes.NewReader(stream.Bytes())))
	scanner.Split(splitJPEG)

	var frames [][]byte
	for scanner.Scan() {
		frames = append(frames, append([]byte(nil), scanner.Bytes()...))
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, [][]byte{frameA, frameB}, frames)
}

func TestFFmpegArgs(t *testing.T) {
	t.Run("画面キャプチャ", func(t *testing.T) {
		args := ffmpegArgs("x11grab", ":0.0", camera.VideoMode{PixelFormat: camera.PixelFormatMJPEG, Width: 1280, Height: 720, FPS: 10}, 3)
		assert.Equal(t, []string{
			"-hide_banner", "-loglevel", "error", "-nostdin",
			"-f", "x11grab", "-video_size", "1280x720", "-framerate", "10",
			"-i", ":0.0",
			"-an", "-vf", "format=yuvj420p",
			"-f", "image2pipe", "-c:v", "mjpeg", "-q:v", "3", "-",
		}, args)
	})

	t.Run("ファイル入力", func(t *testing.T) {
		args := ffmpegArgs("", "movie.mp4", camera.VideoMode{PixelFormat: camera.PixelFormatMJPEG, Width: 320, Height: 240, FPS: 5}, 10)
		assert.Equal(t, []string{
			"-hide_banner", "-loglevel", "error", "-nostdin",
			"-re", "-i", "movie.mp4",
			"-an", "-vf", "scale=320:240,fps=5,format=yuvj420p",
			"-f", "image2pipe", "-c:v", "mjpeg", "-q:v", "10", "-",
		}, args)
	})
}

func TestNewFFmpeg_Errors(t *testing.T) {
	src := camera.NewSource("ff", camera.SourceFFmpeg, camera.VideoMode{}, nil)

	_, err := NewFFmpeg(src, Config{})
	assert.Error(t, err)

	_, err = NewFFmpeg(src, Config{Device: "in.mp4", Mode: camera.VideoMode{PixelFormat: camera.PixelFormatYUYV}})
	assert.Equal(t, camera.StatusModeNotSupported, camera.StatusOf(err))

	_, err = NewFFmpeg(src, Config{Device: "in.mp4", Command: filepath.Join(t.TempDir(), "no-such-ffmpeg")})
	assert.Equal(t, camera.StatusSourceDisconnected, camera.StatusOf(err))
}

// fakeFFmpeg は JPEG を2枚書き出して待機するスクリプトを作る
func fakeFFmpeg(t *testing.T) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh がありません")
	}

	img, err := renderTestPattern(camera.VideoMode{PixelFormat: camera.PixelFormatMJPEG, Width: 64, Height: 48}, 1, false)
	require.NoError(t, err)

	dir := t.TempDir()
	jpegPath := filepath.Join(dir, "frame.jpg")
	require.NoError(t, os.WriteFile(jpegPath, img.Data, 0o600))

	script := filepath.Join(dir, "ffmpeg")
	body := fmt.Sprintf("#!/bin/sh\ncat '%s'\ncat '%s'\nexec sleep 30\n", jpegPath, jpegPath)
	require.NoError(t, os.WriteFile(script, []byte(body), 0o700))
	return script
}

func TestFFmpeg_ProducesFrames(t *testing.T) {
	command := fakeFFmpeg(t)

	src := camera.NewSource("ff", camera.SourceFFmpeg, camera.VideoMode{}, nil)
	backend, err := NewFFmpeg(src, Config{Device: ":0.0", InputFormat: "x11grab", Command: command})
	require.NoError(t, err)
	src.SetBackend(backend)

	require.Eventually(t, func() bool { return src.LastFrameTime() != 0 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, src.IsConnected())

	// 解像度は最初のフレームから得る
	mode := src.VideoMode()
	assert.Equal(t, camera.PixelFormatMJPEG, mode.PixelFormat)
	assert.Equal(t, 64, mode.Width)
	assert.Equal(t, 48, mode.Height)

	frame := src.LatestFrame()
	assert.Equal(t, camera.PixelFormatMJPEG, frame.Image().Format)
	assert.Equal(t, []byte{0xFF, 0xD8}, frame.Image().Data[:2])

	p, err := src.Property("quality")
	require.NoError(t, err)
	require.NoError(t, p.SetValue(5))
	require.Eventually(t, func() bool { return src.IsConnected() }, 5*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		src.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ffmpegソースの停止がタイムアウトしました")
	}
	assert.NoError(t, backend.Close(), "二重の Close は何もしない")
}

func TestFFmpeg_ExitRecordsStderr(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh がありません")
	}
	script := filepath.Join(t.TempDir(), "ffmpeg")
	body := "#!/bin/sh\necho 'first line' >&2\necho 'No such file or directory' >&2\nexit 1\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o700))

	src := camera.NewSource("ff", camera.SourceFFmpeg, camera.VideoMode{}, nil)
	backend, err := NewFFmpeg(src, Config{Device: "missing.mp4", Command: script})
	require.NoError(t, err)
	src.SetBackend(backend)
	t.Cleanup(func() { src.Close() })

	require.Eventually(t, func() bool {
		return src.LastError() != ""
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ffmpeg が終了しました: No such file or directory", src.LastError())
	assert.False(t, src.IsConnected())
}
