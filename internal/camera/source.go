package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"videohub/internal/handle"
)

// SourceKind はソースの種類
type SourceKind int

const (
	SourceUnknown     SourceKind = 0
	SourceUSB         SourceKind = 1
	SourceHTTP        SourceKind = 2
	SourceFrame       SourceKind = 4  // 呼び出し側がフレームを投入する
	SourceTestPattern SourceKind = 8  // 合成テストパターン
	SourceFFmpeg      SourceKind = 16 // 外部 ffmpeg プロセスの出力
)

// String はソース種類の名前を返す
func (k SourceKind) String() string {
	switch k {
	case SourceUSB:
		return "usb"
	case SourceHTTP:
		return "http"
	case SourceFrame:
		return "frame"
	case SourceTestPattern:
		return "test_pattern"
	case SourceFFmpeg:
		return "ffmpeg"
	default:
		return "unknown"
	}
}

// MarshalText は JSON 出力で種類名を使うためのもの
func (k SourceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Backend はソースにフレームを供給するキャプチャバックエンド
type Backend interface {
	// SetVideoMode はデバイスのキャプチャ設定を変更する
	SetVideoMode(mode VideoMode) error

	// Close はキャプチャを停止して資源を解放する
	Close() error
}

// ModeReporter はデバイスが実際に受け入れたモードを報告できるバックエンド
//
// ドライバが解像度などを丸める場合、ソースは要求ではなくこのモードを現在のモードとする。
type ModeReporter interface {
	CurrentVideoMode() VideoMode
}

// PropertyWriter はプロパティの書き込みをデバイスへ反映できるバックエンド
type PropertyWriter interface {
	WriteProperty(p *Property, value int, str string) error
}

// Source はフレームの生産者
//
// フレームとビデオモードはキャプチャバックエンドが更新し、プロパティは
// ハンドルを持つ任意の呼び出し側が更新する。フィールドごとに内部ロックで保護する。
type Source struct {
	handle   handle.Handle
	kind     SourceKind
	notifier Notifier

	// configMu はバックエンド呼び出しを含むモード変更を直列化する
	configMu sync.Mutex

	mu          sync.RWMutex
	name        string
	description string
	connected   bool
	mode        VideoMode
	modes       []VideoMode
	props       []*Property
	propIndex   map[string]*Property
	lastError   string
	backend     Backend
	released    bool

	frameMu    sync.Mutex
	frame      *Frame
	seq        uint64
	frameReady chan struct{}
}

// NewSource は新しいソースを作成する
func NewSource(name string, kind SourceKind, mode VideoMode, notifier Notifier) *Source {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Source{
		kind:       kind,
		notifier:   notifier,
		name:       name,
		mode:       mode,
		propIndex:  make(map[string]*Property),
		frame:      emptyFrame,
		frameReady: make(chan struct{}),
	}
}

// BindHandle はレジストリが割り当てたハンドルを設定する（公開前に一度だけ呼ぶ）
func (s *Source) BindHandle(h handle.Handle) {
	s.handle = h
}

// Handle はソースのハンドルを返す
func (s *Source) Handle() handle.Handle {
	return s.handle
}

// Kind はソースの種類を返す
func (s *Source) Kind() SourceKind {
	return s.kind
}

// Name はソース名を返す
func (s *Source) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// Description は説明文を返す
func (s *Source) Description() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.description
}

// SetDescription は説明文を設定する
func (s *Source) SetDescription(description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.description = description
}

// SetBackend はキャプチャバックエンドを設定する
func (s *Source) SetBackend(b Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend = b
}

// IsConnected は接続状態を返す
func (s *Source) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// SetConnected はバックエンドが接続状態を報告する
func (s *Source) SetConnected(connected bool) {
	s.mu.Lock()
	if s.released || s.connected == connected {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	s.mu.Unlock()

	kind := EventSourceDisconnected
	if connected {
		kind = EventSourceConnected
	}
	s.notifier.Notify(SourceEvent(kind, s))
}

// NotifyError は状態遷移なしで最後のエラーを記録する
func (s *Source) NotifyError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	name := s.name
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "NotifyError",
		"source":   name,
		"error":    msg,
	}).Warn("ソースがエラーを報告しました")
}

// LastError は最後に記録されたエラーを返す
func (s *Source) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// VideoMode は現在のビデオモードを返す
func (s *Source) VideoMode() VideoMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// VideoModes はサポートされるビデオモード一覧のコピーを返す
func (s *Source) VideoModes() []VideoMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]VideoMode(nil), s.modes...)
}

// SetVideoModes はバックエンドがサポートするモード一覧を公開する
func (s *Source) SetVideoModes(modes []VideoMode) {
	s.mu.Lock()
	s.modes = append([]VideoMode(nil), modes...)
	s.mu.Unlock()

	s.notifier.Notify(SourceEvent(EventSourceVideoModesUpdated, s))
}

// UpdateVideoMode はバックエンドが実際に適用したモードを報告する
func (s *Source) UpdateVideoMode(mode VideoMode) {
	s.mu.Lock()
	changed := s.mode != mode
	s.mode = mode
	s.mu.Unlock()

	if changed {
		s.notifier.Notify(SourceEvent(EventSourceVideoModeChanged, s))
	}
}

// SetVideoMode はビデオモードを変更する
//
// サポート一覧が空でない場合、一覧に一致しないモードは StatusModeNotSupported で拒否する。
func (s *Source) SetVideoMode(mode VideoMode) error {
	if err := mode.Validate(); err != nil {
		return err
	}

	s.configMu.Lock()
	defer s.configMu.Unlock()

	s.mu.RLock()
	released := s.released
	backend := s.backend
	supported := s.supportsLocked(mode)
	s.mu.RUnlock()

	if released {
		return fmt.Errorf("%w: ソースは解放済みです", StatusInvalidHandle)
	}
	if !supported {
		return fmt.Errorf("%w: %s", StatusModeNotSupported, mode)
	}
	if backend != nil {
		if err := backend.SetVideoMode(mode); err != nil {
			return fmt.Errorf("%w: %v", StatusModeNotSupported, err)
		}
		if r, ok := backend.(ModeReporter); ok {
			mode = r.CurrentVideoMode()
		}
	}

	s.UpdateVideoMode(mode)
	return nil
}

func (s *Source) supportsLocked(mode VideoMode) bool {
	if len(s.modes) == 0 {
		return true
	}
	for _, m := range s.modes {
		if m.Accepts(mode) {
			return true
		}
	}
	return false
}

// SetPixelFormat はピクセルフォーマットだけを変更する
func (s *Source) SetPixelFormat(format PixelFormat) error {
	mode := s.VideoMode()
	mode.PixelFormat = format
	return s.SetVideoMode(mode)
}

// SetResolution は解像度だけを変更する
func (s *Source) SetResolution(width, height int) error {
	mode := s.VideoMode()
	mode.Width = width
	mode.Height = height
	return s.SetVideoMode(mode)
}

// SetFPS はフレームレートだけを変更する
func (s *Source) SetFPS(fps int) error {
	mode := s.VideoMode()
	mode.FPS = fps
	return s.SetVideoMode(mode)
}

// AddProperty はプロパティを登録して登録済みのプロパティを返す
//
// 同名のプロパティが既にある場合はそのメタデータを p の内容で更新し、既存の方を返す。
func (s *Source) AddProperty(p *Property) *Property {
	s.mu.Lock()
	if existing, ok := s.propIndex[p.name]; ok {
		s.mu.Unlock()
		info := p.Info()
		existing.redefine(info.Kind, info.Min, info.Max, info.Step, info.Default, info.Value)
		return existing
	}
	p.owner = s
	s.props = append(s.props, p)
	s.propIndex[p.name] = p
	s.mu.Unlock()

	s.notifier.Notify(PropertyEvent(EventSourcePropertyCreated, s, p))
	return p
}

// Property は名前でプロパティを探す
func (s *Source) Property(name string) (*Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.propIndex[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", StatusPropertyNotFound, name)
	}
	return p, nil
}

// Properties は登録順のプロパティ一覧のコピーを返す
func (s *Source) Properties() []*Property {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Property(nil), s.props...)
}

func (s *Source) applyProperty(p *Property, value int, str string) error {
	s.mu.RLock()
	backend := s.backend
	s.mu.RUnlock()

	writer, ok := backend.(PropertyWriter)
	if !ok {
		return nil
	}
	if err := writer.WriteProperty(p, value, str); err != nil {
		return fmt.Errorf("%w: %s: %v", StatusPropertyWriteFailed, p.name, err)
	}
	return nil
}

func (s *Source) notifyProperty(kind EventKind, p *Property) {
	s.notifier.Notify(PropertyEvent(kind, s, p))
}

// PutFrame は新しいフレームで最新フレームを原子的に置き換える
//
// 画像データはコピーされるため、呼び出し後にバッファを再利用してよい。
func (s *Source) PutFrame(img Image) error {
	s.mu.RLock()
	released := s.released
	s.mu.RUnlock()
	if released {
		return fmt.Errorf("%w: ソースは解放済みです", StatusInvalidHandle)
	}

	data := make([]byte, len(img.Data))
	copy(data, img.Data)
	img.Data = data
	now := uint64(time.Now().UnixMicro())

	s.frameMu.Lock()
	s.seq++
	s.frame = &Frame{image: img, time: now, seq: s.seq}
	close(s.frameReady)
	s.frameReady = make(chan struct{})
	s.frameMu.Unlock()
	return nil
}

// LatestFrame は最新のフレームを返す（未受信の場合は空フレーム）
func (s *Source) LatestFrame() *Frame {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	return s.frame
}

// LastFrameTime は最新フレームのタイムスタンプを返す（未受信の場合は 0）
func (s *Source) LastFrameTime() uint64 {
	return s.LatestFrame().Time()
}

// WaitForFrame は通し番号 after より新しいフレームを待つ
//
// timeout 経過またはコンテキスト終了時は、その時点の最新フレーム（空の場合もある）を返す。
func (s *Source) WaitForFrame(ctx context.Context, after uint64, timeout time.Duration) *Frame {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.frameMu.Lock()
		frame := s.frame
		ready := s.frameReady
		s.frameMu.Unlock()

		if frame.seq > after {
			return frame
		}

		select {
		case <-ready:
		case <-timer.C:
			return s.LatestFrame()
		case <-ctx.Done():
			return s.LatestFrame()
		}
	}
}

// IsReleased はソースが終端状態かを返す
func (s *Source) IsReleased() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.released
}

// Close はソースを終端状態にしてバックエンドを停止する
//
// 登録されていたプロパティを返すので、呼び出し側はそれらのハンドルを解放する。
func (s *Source) Close() []*Property {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	s.connected = false
	backend := s.backend
	s.backend = nil
	props := s.props
	s.props = nil
	s.propIndex = make(map[string]*Property)
	name := s.name
	s.mu.Unlock()

	if backend != nil {
		if err := backend.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Close",
				"source":   name,
				"error":    err.Error(),
			}).Warn("バックエンドの停止に失敗しました")
		}
	}
	return props
}
