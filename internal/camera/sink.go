package camera

import (
	"sync"

	"videohub/internal/handle"
)

// SinkKind はシンクの種類
type SinkKind int

const (
	SinkUnknown SinkKind = 0
	SinkMJPEG   SinkKind = 2
	SinkFrame   SinkKind = 4
)

// String はシンク種類の名前を返す
func (k SinkKind) String() string {
	switch k {
	case SinkMJPEG:
		return "mjpeg"
	case SinkFrame:
		return "frame"
	default:
		return "unknown"
	}
}

// MarshalText は JSON 出力で種類名を使うためのもの
func (k SinkKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// SinkImpl はシンク種類ごとの実装（MJPEG サーバなど）
type SinkImpl interface {
	// SetEnabled は有効・無効の切り替えを実装に反映する
	SetEnabled(enabled bool) error

	// Close はシンクの破棄時に一度だけ呼ばれる
	Close()
}

// SourceObserver は上流ソースの変更を知りたい実装が満たす
type SourceObserver interface {
	SourceChanged(src *Source)
}

// Sink はひとつのソースに結び付くフレームの消費者
type Sink struct {
	handle   handle.Handle
	kind     SinkKind
	notifier Notifier

	mu           sync.RWMutex
	name         string
	description  string
	source       *Source
	sourceHandle handle.Handle
	enabled      bool
	lastError    string
	impl         SinkImpl
	closed       bool
}

// NewSink は無効状態の新しいシンクを作成する
func NewSink(name string, kind SinkKind, notifier Notifier) *Sink {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Sink{
		kind:     kind,
		notifier: notifier,
		name:     name,
	}
}

// BindHandle はレジストリが割り当てたハンドルを設定する（公開前に一度だけ呼ぶ）
func (s *Sink) BindHandle(h handle.Handle) {
	s.handle = h
}

// Handle はシンクのハンドルを返す
func (s *Sink) Handle() handle.Handle {
	return s.handle
}

// Kind はシンクの種類を返す
func (s *Sink) Kind() SinkKind {
	return s.kind
}

// Name はシンク名を返す
func (s *Sink) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// Description は説明文を返す
func (s *Sink) Description() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.description
}

// SetDescription は説明文を設定する
func (s *Sink) SetDescription(description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.description = description
}

// SetImpl は種類ごとの実装を設定する
func (s *Sink) SetImpl(impl SinkImpl) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.impl = impl
}

// Impl は種類ごとの実装を返す
func (s *Sink) Impl() SinkImpl {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.impl
}

// Source は結び付いているソースを返す（未設定なら nil）
func (s *Sink) Source() *Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

// SourceHandle は結び付いているソースのハンドルを返す（未設定なら 0）
func (s *Sink) SourceHandle() handle.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sourceHandle
}

// SetSource は上流ソースを差し替え、以前のソースのハンドルを返す
//
// ハンドルの参照カウントはレジストリ側で管理する。ここでは付け替えだけを行う。
func (s *Sink) SetSource(h handle.Handle, src *Source) handle.Handle {
	s.mu.Lock()
	prev := s.sourceHandle
	s.sourceHandle = h
	s.source = src
	impl := s.impl
	s.mu.Unlock()

	if observer, ok := impl.(SourceObserver); ok {
		observer.SourceChanged(src)
	}
	s.notifier.Notify(SinkEvent(EventSinkSourceChanged, s))
	return prev
}

// IsEnabled は有効状態を返す
func (s *Sink) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// SetEnabled はシンクを有効・無効にする
//
// 実装への反映に失敗した場合は状態を変えずにエラーを返す。
func (s *Sink) SetEnabled(enabled bool) error {
	s.mu.Lock()
	if s.closed || s.enabled == enabled {
		s.mu.Unlock()
		return nil
	}
	impl := s.impl
	s.mu.Unlock()

	if impl != nil {
		if err := impl.SetEnabled(enabled); err != nil {
			s.SetError(err.Error())
			return err
		}
	}

	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()

	kind := EventSinkDisabled
	if enabled {
		kind = EventSinkEnabled
	}
	s.notifier.Notify(SinkEvent(kind, s))
	return nil
}

// SetError は最後のエラーを記録する
func (s *Sink) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = msg
}

// LastError は最後に記録されたエラーを返す
func (s *Sink) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// Close はシンクを停止し、結び付いていたソースのハンドルを返す
func (s *Sink) Close() handle.Handle {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	s.closed = true
	s.enabled = false
	impl := s.impl
	prev := s.sourceHandle
	s.sourceHandle = 0
	s.source = nil
	s.mu.Unlock()

	if impl != nil {
		impl.Close()
	}
	return prev
}
