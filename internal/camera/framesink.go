package camera

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultGrabTimeout はフレーム取得の既定の待ち時間
const DefaultGrabTimeout = time.Second

// FrameSink は呼び出し側がフレームを直接取り出すシンク実装
type FrameSink struct {
	sink *Sink

	mu      sync.Mutex
	lastSeq uint64
}

// NewFrameSink はフレームシンクを作成して sink に取り付ける
func NewFrameSink(sink *Sink) *FrameSink {
	fs := &FrameSink{sink: sink}
	sink.SetImpl(fs)
	return fs
}

// SetEnabled は状態の記録のみで、実装側の処理はない
func (fs *FrameSink) SetEnabled(bool) error {
	return nil
}

// Close は何もしない
func (fs *FrameSink) Close() {}

// SourceChanged は前回取得位置をリセットする
func (fs *FrameSink) SourceChanged(*Source) {
	fs.mu.Lock()
	fs.lastSeq = 0
	fs.mu.Unlock()
}

// GrabFrame は前回取得したものより新しいフレームを待って返す
//
// timeout 内に新しいフレームが来なければ最新（空の場合もある）のフレームを返す。
// 空フレームのタイムスタンプは 0 になる。
func (fs *FrameSink) GrabFrame(ctx context.Context, timeout time.Duration) (*Frame, error) {
	if !fs.sink.IsEnabled() {
		return emptyFrame, fmt.Errorf("%w: シンクが無効です", StatusReadFailed)
	}
	src := fs.sink.Source()
	if src == nil {
		return emptyFrame, fmt.Errorf("%w: ソースが設定されていません", StatusSourceDisconnected)
	}
	if timeout <= 0 {
		timeout = DefaultGrabTimeout
	}

	fs.mu.Lock()
	after := fs.lastSeq
	fs.mu.Unlock()

	frame := src.WaitForFrame(ctx, after, timeout)

	fs.mu.Lock()
	if frame.Seq() > fs.lastSeq {
		fs.lastSeq = frame.Seq()
	}
	fs.mu.Unlock()
	return frame, nil
}
