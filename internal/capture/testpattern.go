package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"videohub/internal/camera"
)

// DefaultTestPatternMode はテストパターンの既定のビデオモード
var DefaultTestPatternMode = camera.VideoMode{
	PixelFormat: camera.PixelFormatBGR,
	Width:       320,
	Height:      240,
	FPS:         15,
}

var testPatternFormats = []camera.PixelFormat{
	camera.PixelFormatBGR,
	camera.PixelFormatGray,
	camera.PixelFormatMJPEG,
}

var testPatternSizes = [][2]int{{160, 120}, {320, 240}, {640, 480}}

// colorBars は左から白・黄・シアン・緑・マゼンタ・赤・青・黒
var colorBars = []color.RGBA{
	{0xc0, 0xc0, 0xc0, 0xff},
	{0xc0, 0xc0, 0x00, 0xff},
	{0x00, 0xc0, 0xc0, 0xff},
	{0x00, 0xc0, 0x00, 0xff},
	{0xc0, 0x00, 0xc0, 0xff},
	{0xc0, 0x00, 0x00, 0xff},
	{0x00, 0x00, 0xc0, 0xff},
	{0x10, 0x10, 0x10, 0xff},
}

// TestPattern はカラーバーとフレーム番号を描いたフレームを一定間隔で生成する
type TestPattern struct {
	src *camera.Source

	mu    sync.Mutex
	mode  camera.VideoMode
	count uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewTestPattern はテストパターンを作成して生成を開始する
func NewTestPattern(src *camera.Source, cfg Config) (camera.Backend, error) {
	mode := cfg.Mode
	if mode.PixelFormat == camera.PixelFormatUnknown {
		mode.PixelFormat = DefaultTestPatternMode.PixelFormat
	}
	if mode.Width <= 0 || mode.Height <= 0 {
		mode.Width, mode.Height = DefaultTestPatternMode.Width, DefaultTestPatternMode.Height
	}
	if mode.FPS <= 0 {
		mode.FPS = DefaultTestPatternMode.FPS
	}
	if !supportedTestPatternFormat(mode.PixelFormat) {
		return nil, fmt.Errorf("%w: テストパターンは %s に対応していません", camera.StatusModeNotSupported, mode.PixelFormat)
	}

	modes := make([]camera.VideoMode, 0, len(testPatternFormats)*len(testPatternSizes)+1)
	for _, f := range testPatternFormats {
		for _, size := range testPatternSizes {
			modes = append(modes, camera.VideoMode{PixelFormat: f, Width: size[0], Height: size[1]})
		}
	}
	if !containsMode(modes, mode) {
		modes = append(modes, camera.VideoMode{PixelFormat: mode.PixelFormat, Width: mode.Width, Height: mode.Height})
	}

	tp := &TestPattern{
		src:  src,
		mode: mode,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if _, err := cfg.addProperty(src, "show_counter", camera.PropertyBoolean, 0, 1, 1, 1, 1); err != nil {
		return nil, fmt.Errorf("プロパティの作成に失敗: %w", err)
	}

	src.SetVideoModes(modes)
	src.UpdateVideoMode(mode)
	src.SetConnected(true)

	go tp.run()

	logrus.WithFields(logrus.Fields{
		"function": "NewTestPattern",
		"source":   src.Name(),
		"mode":     mode.String(),
	}).Info("テストパターンを開始しました")
	return tp, nil
}

// SetVideoMode は次のフレームから新しいモードで生成する
func (tp *TestPattern) SetVideoMode(mode camera.VideoMode) error {
	if !supportedTestPatternFormat(mode.PixelFormat) {
		return fmt.Errorf("テストパターンは %s に対応していません", mode.PixelFormat)
	}
	if mode.Width <= 0 || mode.Height <= 0 {
		return fmt.Errorf("不正な解像度 %dx%d", mode.Width, mode.Height)
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.mode = mode
	return nil
}

// Close は生成ゴルーチンを止めて終了を待つ
func (tp *TestPattern) Close() error {
	tp.stopOnce.Do(func() { close(tp.stop) })
	<-tp.done
	return nil
}

func (tp *TestPattern) run() {
	defer close(tp.done)

	for {
		tp.mu.Lock()
		mode := tp.mode
		tp.count++
		count := tp.count
		tp.mu.Unlock()

		showCounter := true
		if p, err := tp.src.Property("show_counter"); err == nil {
			if v, err := p.Value(); err == nil {
				showCounter = v != 0
			}
		}

		img, err := renderTestPattern(mode, count, showCounter)
		if err != nil {
			tp.src.NotifyError(err.Error())
		} else if err := tp.src.PutFrame(img); err != nil {
			return
		}

		fps := mode.FPS
		if fps <= 0 {
			fps = DefaultTestPatternMode.FPS
		}
		timer := time.NewTimer(time.Second / time.Duration(fps))
		select {
		case <-tp.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// renderTestPattern は1フレーム分の画像をモードのピクセルフォーマットで生成する
func renderTestPattern(mode camera.VideoMode, count uint64, showCounter bool) (camera.Image, error) {
	rgba := image.NewRGBA(image.Rect(0, 0, mode.Width, mode.Height))
	barWidth := (mode.Width + len(colorBars) - 1) / len(colorBars)
	for i, c := range colorBars {
		bar := image.Rect(i*barWidth, 0, (i+1)*barWidth, mode.Height)
		draw.Draw(rgba, bar, image.NewUniform(c), image.Point{}, draw.Src)
	}

	if showCounter {
		label := fmt.Sprintf("frame %d", count)
		box := image.Rect(4, mode.Height-20, 12+len(label)*7, mode.Height-4)
		draw.Draw(rgba, box, image.NewUniform(color.Black), image.Point{}, draw.Src)
		d := &font.Drawer{
			Dst:  rgba,
			Src:  image.NewUniform(color.White),
			Face: basicfont.Face7x13,
			Dot:  fixed.P(8, mode.Height-8),
		}
		d.DrawString(label)
	}

	out := camera.Image{Format: mode.PixelFormat, Width: mode.Width, Height: mode.Height}
	pixels := mode.Width * mode.Height

	switch mode.PixelFormat {
	case camera.PixelFormatBGR:
		out.Data = make([]byte, pixels*3)
		for i := 0; i < pixels; i++ {
			out.Data[i*3+0] = rgba.Pix[i*4+2]
			out.Data[i*3+1] = rgba.Pix[i*4+1]
			out.Data[i*3+2] = rgba.Pix[i*4+0]
		}
	case camera.PixelFormatGray:
		gray := image.NewGray(rgba.Bounds())
		draw.Draw(gray, gray.Bounds(), rgba, image.Point{}, draw.Src)
		out.Data = gray.Pix
	case camera.PixelFormatMJPEG:
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: camera.DefaultJPEGQuality}); err != nil {
			return camera.Image{}, fmt.Errorf("テストパターンのJPEG圧縮に失敗: %w", err)
		}
		out.Data = buf.Bytes()
	default:
		return camera.Image{}, fmt.Errorf("テストパターンは %s に対応していません", mode.PixelFormat)
	}
	return out, nil
}

func supportedTestPatternFormat(f camera.PixelFormat) bool {
	for _, supported := range testPatternFormats {
		if f == supported {
			return true
		}
	}
	return false
}

func containsMode(modes []camera.VideoMode, want camera.VideoMode) bool {
	for _, m := range modes {
		if m.Accepts(want) {
			return true
		}
	}
	return false
}
