package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"videohub/internal/camera"
)

const (
	defaultFFmpegCommand = "ffmpeg"
	defaultFFmpegQuality = 3
	maxJPEGFrameSize     = 8 << 20

	// ffmpeg が終了した後に再起動するまでの待ち時間
	ffmpegRestartDelay = 2 * time.Second
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// grabFormats は入力側で解像度とフレームレートを指定するキャプチャデバイス形式
var grabFormats = map[string]bool{
	"x11grab": true,
	"v4l2":    true,
}

// FFmpeg は ffmpeg プロセスの MJPEG 出力をフレームとしてソースへ供給する
//
// 入力は ffmpeg が読めるもの（X11 画面、動画ファイル、RTSP/HTTP の URL など）。
// プロセスが終了した場合は切断状態にして一定時間後に再起動する。
type FFmpeg struct {
	src         *camera.Source
	command     string
	input       string
	inputFormat string

	mu      sync.Mutex
	mode    camera.VideoMode
	quality int
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

// NewFFmpeg は ffmpeg を起動してフレームの供給を開始する
func NewFFmpeg(src *camera.Source, cfg Config) (camera.Backend, error) {
	if cfg.Device == "" {
		return nil, errors.New("ffmpeg の入力が指定されていません")
	}
	mode := cfg.Mode
	if mode.PixelFormat == camera.PixelFormatUnknown {
		mode.PixelFormat = camera.PixelFormatMJPEG
	}
	if mode.PixelFormat != camera.PixelFormatMJPEG {
		return nil, fmt.Errorf("%w: ffmpeg ソースは mjpeg のみ対応しています: %s", camera.StatusModeNotSupported, mode.PixelFormat)
	}

	command := cfg.Command
	if command == "" {
		command = defaultFFmpegCommand
	}
	if _, err := exec.LookPath(command); err != nil {
		return nil, fmt.Errorf("%w: %s が見つかりません: %v", camera.StatusSourceDisconnected, command, err)
	}

	f := &FFmpeg{
		src:         src,
		command:     command,
		input:       cfg.Device,
		inputFormat: cfg.InputFormat,
		mode:        mode,
		quality:     defaultFFmpegQuality,
	}

	// -q:v の値（小さいほど高画質）
	if _, err := cfg.addProperty(src, "quality", camera.PropertyInteger, 2, 31, 1, defaultFFmpegQuality, defaultFFmpegQuality); err != nil {
		return nil, fmt.Errorf("プロパティの作成に失敗: %w", err)
	}

	src.SetDescription(fmt.Sprintf("ffmpeg %s", cfg.Device))
	src.UpdateVideoMode(mode)

	f.mu.Lock()
	f.startLocked()
	f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "NewFFmpeg",
		"source":   src.Name(),
		"input":    cfg.Device,
		"format":   cfg.InputFormat,
		"mode":     mode.String(),
	}).Info("ffmpegソースを開始しました")
	return f, nil
}

// SetVideoMode は新しいモードで ffmpeg を起動し直す
func (f *FFmpeg) SetVideoMode(mode camera.VideoMode) error {
	if mode.PixelFormat != camera.PixelFormatMJPEG {
		return fmt.Errorf("ffmpeg ソースは mjpeg のみ対応しています: %s", mode.PixelFormat)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("ffmpeg ソースは停止済みです")
	}
	f.stopLocked()
	f.mode = mode
	f.startLocked()
	return nil
}

// WriteProperty は quality の変更を反映して ffmpeg を起動し直す
func (f *FFmpeg) WriteProperty(p *camera.Property, value int, _ string) error {
	if p.Name() != "quality" {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("ffmpeg ソースは停止済みです")
	}
	f.stopLocked()
	f.quality = value
	f.startLocked()
	return nil
}

// Close は ffmpeg を停止して終了を待つ（複数回呼んでもよい）
func (f *FFmpeg) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.stopLocked()
	return nil
}

func (f *FFmpeg) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	f.cancel = cancel
	f.done = done
	go f.supervise(ctx, f.mode, f.quality, done)
}

func (f *FFmpeg) stopLocked() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
	f.cancel = nil
	f.done = nil
}

// supervise は ffmpeg を起動し、終了したら待ってから再起動する
func (f *FFmpeg) supervise(ctx context.Context, mode camera.VideoMode, quality int, done chan struct{}) {
	defer close(done)

	log := logrus.WithFields(logrus.Fields{
		"function": "supervise",
		"source":   f.src.Name(),
		"input":    f.input,
	})

	for {
		err := f.runOnce(ctx, mode, quality)
		f.src.SetConnected(false)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errSourceReleased) {
			return
		}

		msg := "ffmpeg が終了しました"
		if err != nil {
			msg = err.Error()
		}
		f.src.NotifyError(msg)
		log.WithField("error", msg).Warn("ffmpegが終了したため再起動します")

		timer := time.NewTimer(ffmpegRestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

var errSourceReleased = errors.New("ソースは解放済みです")

func (f *FFmpeg) runOnce(ctx context.Context, mode camera.VideoMode, quality int) error {
	cmd := exec.CommandContext(ctx, f.command, ffmpegArgs(f.inputFormat, f.input, mode, quality)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	readErr := f.readFrames(stdout, mode)
	if readErr != nil {
		// 読み取りをやめたのでプロセスも止める
		_ = cmd.Process.Kill()
	}
	// Wait が戻るまで stderr には書き込まれ続ける
	_ = cmd.Wait() // キャンセル時のエラーは無視する

	if errors.Is(readErr, errSourceReleased) {
		return readErr
	}
	if ctx.Err() != nil {
		return nil
	}
	if readErr != nil {
		return fmt.Errorf("フレーム読み取りエラー: %w", readErr)
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return fmt.Errorf("ffmpeg が終了しました: %s", lastLine(msg))
	}
	return nil
}

// readFrames は stdout が閉じるまで JPEG を切り出してソースへ渡す
func (f *FFmpeg) readFrames(stdout io.Reader, mode camera.VideoMode) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 256<<10), maxJPEGFrameSize)
	scanner.Split(splitJPEG)

	for scanner.Scan() {
		frame := scanner.Bytes()
		img := camera.Image{Format: camera.PixelFormatMJPEG, Width: mode.Width, Height: mode.Height, Data: frame}
		if img.Width == 0 || img.Height == 0 {
			if cfg, err := jpeg.DecodeConfig(bytes.NewReader(frame)); err == nil {
				img.Width, img.Height = cfg.Width, cfg.Height
				mode.Width, mode.Height = cfg.Width, cfg.Height
				f.src.UpdateVideoMode(mode)
			}
		}
		if !f.src.IsConnected() {
			f.src.SetConnected(true)
		}
		if err := f.src.PutFrame(img); err != nil {
			return errSourceReleased
		}
	}
	return scanner.Err()
}

// ffmpegArgs は MJPEG を標準出力へ書き出す ffmpeg の引数を組み立てる
func ffmpegArgs(inputFormat, input string, mode camera.VideoMode, quality int) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}

	grab := grabFormats[inputFormat]
	if inputFormat != "" {
		args = append(args, "-f", inputFormat)
	}
	if grab {
		if mode.Width > 0 && mode.Height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", mode.Width, mode.Height))
		}
		if mode.FPS > 0 {
			args = append(args, "-framerate", strconv.Itoa(mode.FPS))
		}
	} else {
		// ファイル入力は実時間で読み込む
		args = append(args, "-re")
	}
	args = append(args, "-i", input)

	var filters []string
	if !grab {
		if mode.Width > 0 && mode.Height > 0 {
			filters = append(filters, fmt.Sprintf("scale=%d:%d", mode.Width, mode.Height))
		}
		if mode.FPS > 0 {
			filters = append(filters, fmt.Sprintf("fps=%d", mode.FPS))
		}
	}
	filters = append(filters, "format=yuvj420p")

	return append(args,
		"-an",
		"-vf", strings.Join(filters, ","),
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", strconv.Itoa(quality),
		"-",
	)
}

// splitJPEG は SOI から EOI までを1フレームとして切り出す bufio.SplitFunc
//
// SOI より前のデータは読み捨てる。
func splitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// 末尾の 0xFF は次の SOI の先頭かもしれない
		if n := len(data) - 1; n > 0 {
			return n, nil, nil
		}
		return 0, nil, nil
	}

	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	end += start + len(jpegSOI) + len(jpegEOI)
	return end, data[start:end], nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
