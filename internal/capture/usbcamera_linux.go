//go:build linux

package capture

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/blackjack/webcam"
	"github.com/sirupsen/logrus"

	"videohub/internal/camera"
)

const (
	usbBufferCount = 4
	usbWaitSeconds = 1
)

// USBCamera は V4L2 デバイスからフレームを読み込むバックエンド
type USBCamera struct {
	src  *camera.Source
	path string

	mu       sync.Mutex
	cam      *webcam.Webcam
	mode     camera.VideoMode
	controls map[string]webcam.ControlID
	closed   bool

	loopStop chan struct{}
	loopDone chan struct{}
}

// NewUSBCamera はデバイスを開いてキャプチャを開始する
func NewUSBCamera(src *camera.Source, cfg Config) (camera.Backend, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("%w: デバイスパスが指定されていません", camera.StatusSourceDisconnected)
	}

	cam, err := webcam.Open(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("%w: デバイス %s を開けません: %v", camera.StatusSourceDisconnected, cfg.Device, err)
	}

	u := &USBCamera{
		src:      src,
		path:     cfg.Device,
		cam:      cam,
		controls: make(map[string]webcam.ControlID),
	}

	modes := u.supportedModes()
	mode := chooseInitialMode(modes, cfg.Mode)
	if mode.PixelFormat == camera.PixelFormatUnknown {
		cam.Close()
		return nil, fmt.Errorf("%w: %s に対応するフォーマットがありません", camera.StatusModeNotSupported, cfg.Device)
	}

	actual, err := u.startStreaming(mode)
	if err != nil {
		cam.Close()
		return nil, err
	}

	if err := u.registerControls(cfg); err != nil {
		u.stopStreaming()
		cam.Close()
		return nil, err
	}

	src.SetVideoModes(modes)
	src.UpdateVideoMode(actual)
	src.SetConnected(true)
	u.startLoop()

	logrus.WithFields(logrus.Fields{
		"function": "NewUSBCamera",
		"device":   cfg.Device,
		"mode":     actual.String(),
		"controls": len(u.controls),
	}).Info("USBカメラを開始しました")
	return u, nil
}

func (u *USBCamera) supportedModes() []camera.VideoMode {
	var modes []camera.VideoMode
	for code := range u.cam.GetSupportedFormats() {
		format := fromFourCC(uint32(code))
		if format == camera.PixelFormatUnknown {
			continue
		}
		var sizes []frameSize
		for _, s := range u.cam.GetSupportedFrameSizes(code) {
			sizes = append(sizes, frameSize{
				minWidth: int(s.MinWidth), maxWidth: int(s.MaxWidth), stepWidth: int(s.StepWidth),
				minHeight: int(s.MinHeight), maxHeight: int(s.MaxHeight), stepHeight: int(s.StepHeight),
			})
		}
		for _, size := range expandFrameSizes(sizes) {
			modes = append(modes, camera.VideoMode{PixelFormat: format, Width: size[0], Height: size[1]})
		}
	}
	sort.SliceStable(modes, func(i, j int) bool {
		if modes[i].PixelFormat != modes[j].PixelFormat {
			return modes[i].PixelFormat < modes[j].PixelFormat
		}
		return modes[i].Width*modes[i].Height < modes[j].Width*modes[j].Height
	})
	return modes
}

// startStreaming はフォーマットを設定してストリーミングを開始し、実際のモードを返す
func (u *USBCamera) startStreaming(mode camera.VideoMode) (camera.VideoMode, error) {
	code, ok := toFourCC(mode.PixelFormat)
	if !ok {
		return camera.VideoMode{}, fmt.Errorf("%w: %s", camera.StatusModeNotSupported, mode.PixelFormat)
	}

	gotCode, width, height, err := u.cam.SetImageFormat(webcam.PixelFormat(code), uint32(mode.Width), uint32(mode.Height))
	if err != nil {
		return camera.VideoMode{}, fmt.Errorf("%w: フォーマットの設定に失敗: %v", camera.StatusModeNotSupported, err)
	}
	actual := camera.VideoMode{
		PixelFormat: fromFourCC(uint32(gotCode)),
		Width:       int(width),
		Height:      int(height),
		FPS:         mode.FPS,
	}

	if mode.FPS > 0 {
		if err := u.cam.SetFramerate(float32(mode.FPS)); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "startStreaming",
				"device":   u.path,
				"fps":      mode.FPS,
				"error":    err.Error(),
			}).Warn("フレームレートの設定に失敗しました")
		}
	}

	if err := u.cam.SetBufferCount(usbBufferCount); err != nil {
		return camera.VideoMode{}, fmt.Errorf("バッファ数の設定に失敗: %w", err)
	}
	if err := u.cam.StartStreaming(); err != nil {
		return camera.VideoMode{}, fmt.Errorf("%w: ストリーミングの開始に失敗: %v", camera.StatusReadFailed, err)
	}

	u.mode = actual
	return actual, nil
}

func (u *USBCamera) stopStreaming() {
	if err := u.cam.StopStreaming(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "stopStreaming",
			"device":   u.path,
			"error":    err.Error(),
		}).Debug("ストリーミングの停止に失敗しました")
	}
}

// registerControls はデバイスのコントロールをソースのプロパティとして登録する
func (u *USBCamera) registerControls(cfg Config) error {
	controls := u.cam.GetControls()
	ids := make([]webcam.ControlID, 0, len(controls))
	for id := range controls {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		c := controls[id]
		kind, ok := controlKind(c.Type)
		if !ok {
			continue
		}
		name := controlName(c.Name)
		if name == "" {
			continue
		}
		value, err := u.cam.GetControl(id)
		if err != nil {
			continue
		}

		if _, err := cfg.addProperty(u.src, name, kind, int(c.Min), int(c.Max), int(c.Step), int(value), int(value)); err != nil {
			return fmt.Errorf("プロパティ %s の作成に失敗: %w", name, err)
		}
		u.controls[name] = id
	}
	return nil
}

func (u *USBCamera) startLoop() {
	u.loopStop = make(chan struct{})
	u.loopDone = make(chan struct{})
	go u.captureLoop(u.cam, u.mode, u.loopStop, u.loopDone)
}

func (u *USBCamera) stopLoop() {
	if u.loopStop == nil {
		return
	}
	close(u.loopStop)
	<-u.loopDone
	u.loopStop = nil
	u.loopDone = nil
}

func (u *USBCamera) captureLoop(cam *webcam.Webcam, mode camera.VideoMode, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		err := cam.WaitForFrame(usbWaitSeconds)
		var timeout *webcam.Timeout
		switch {
		case err == nil:
		case errors.As(err, &timeout):
			continue
		default:
			u.src.NotifyError(fmt.Sprintf("フレーム待機に失敗: %v", err))
			u.src.SetConnected(false)
			return
		}

		buf, index, err := cam.GetFrame()
		if err != nil || len(buf) == 0 {
			continue
		}
		putErr := u.src.PutFrame(camera.Image{
			Format: mode.PixelFormat,
			Width:  mode.Width,
			Height: mode.Height,
			Data:   buf,
		})
		cam.ReleaseFrame(index)
		if putErr != nil {
			return
		}
	}
}

// SetVideoMode はキャプチャを止めてフォーマットを変更し、再開する
func (u *USBCamera) SetVideoMode(mode camera.VideoMode) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return camera.StatusSourceDisconnected
	}

	previous := u.mode
	u.stopLoop()
	u.stopStreaming()

	if _, err := u.startStreaming(mode); err != nil {
		if _, rerr := u.startStreaming(previous); rerr == nil {
			u.startLoop()
		}
		return err
	}
	u.startLoop()
	return nil
}

// CurrentVideoMode はドライバが実際に受け入れたモードを返す
func (u *USBCamera) CurrentVideoMode() camera.VideoMode {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.mode
}

// WriteProperty はプロパティの値を V4L2 コントロールへ書き込む
func (u *USBCamera) WriteProperty(p *camera.Property, value int, _ string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return camera.StatusSourceDisconnected
	}

	id, ok := u.controls[p.Name()]
	if !ok {
		return nil
	}
	if err := u.cam.SetControl(id, int32(value)); err != nil {
		return fmt.Errorf("コントロール %s の書き込みに失敗: %w", p.Name(), err)
	}
	return nil
}

// Close はキャプチャを停止してデバイスを閉じる
func (u *USBCamera) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true

	u.stopLoop()
	if err := u.cam.Close(); err != nil {
		return fmt.Errorf("デバイス %s のクローズに失敗: %w", u.path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"device":   u.path,
	}).Info("USBカメラを停止しました")
	return nil
}
