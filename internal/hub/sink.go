package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"videohub/internal/camera"
	"videohub/internal/handle"
	"videohub/internal/mjpeg"
)

// CreateMJPEGServer は MJPEG サーバのシンクを作成して待ち受けを開始する
//
// port が 0 の場合は空きポートを割り当てる。待ち受けに失敗した場合、シンクは破棄される。
func (i *Instance) CreateMJPEGServer(name, address string, port int) (handle.Handle, error) {
	return i.CreateMJPEGServerWithOptions(name, address, port, i.mjpegOpts)
}

// CreateMJPEGServerWithOptions はサーバごとの設定を指定して MJPEG サーバを作成する
func (i *Instance) CreateMJPEGServerWithOptions(name, address string, port int, opts mjpeg.Options) (handle.Handle, error) {
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("%w: 不正なポート番号 %d", camera.StatusNetworkAcceptFailure, port)
	}

	h, sink, err := i.createSink(name, camera.SinkMJPEG, func(sink *camera.Sink) {
		mjpeg.New(sink, address, port, opts)
	})
	if err != nil {
		return 0, err
	}

	if err := sink.SetEnabled(true); err != nil {
		_ = i.ReleaseSink(h)
		return 0, fmt.Errorf("MJPEGサーバ %s の開始に失敗: %w", name, err)
	}
	return h, nil
}

// CreateFrameSink は呼び出し側がフレームを取り出すシンクを作成する（有効状態で作成される）
func (i *Instance) CreateFrameSink(name string) (handle.Handle, error) {
	h, sink, err := i.createSink(name, camera.SinkFrame, func(sink *camera.Sink) {
		camera.NewFrameSink(sink)
	})
	if err != nil {
		return 0, err
	}
	if err := sink.SetEnabled(true); err != nil {
		_ = i.ReleaseSink(h)
		return 0, err
	}
	return h, nil
}

func (i *Instance) createSink(name string, kind camera.SinkKind, attach func(*camera.Sink)) (handle.Handle, *camera.Sink, error) {
	var sink *camera.Sink
	h, err := i.sinks.CreateFunc(func(h handle.Handle) *camera.Sink {
		sink = camera.NewSink(name, kind, i.events)
		sink.BindHandle(h)
		attach(sink)
		return sink
	})
	if err != nil {
		return 0, nil, fmt.Errorf("シンク %s の作成に失敗: %w", name, err)
	}

	i.events.Notify(camera.SinkEvent(camera.EventSinkCreated, sink))

	logrus.WithFields(logrus.Fields{
		"function": "createSink",
		"sink":     name,
		"kind":     kind.String(),
		"handle":   h.String(),
	}).Info("シンクを作成しました")
	return h, sink, nil
}

func (i *Instance) sink(h handle.Handle) (*camera.Sink, error) {
	sink, err := i.sinks.Get(h)
	if err != nil {
		return nil, fmt.Errorf("シンク %s: %w", h, err)
	}
	return sink, nil
}

func (i *Instance) mjpegServer(h handle.Handle) (*mjpeg.Server, error) {
	sink, err := i.sink(h)
	if err != nil {
		return nil, err
	}
	srv, ok := sink.Impl().(*mjpeg.Server)
	if !ok {
		return nil, fmt.Errorf("%w: シンク %s は MJPEG サーバではありません", camera.StatusInvalidHandle, h)
	}
	return srv, nil
}

// GetSinkKind はシンクの種類を返す
func (i *Instance) GetSinkKind(h handle.Handle) (camera.SinkKind, error) {
	sink, err := i.sink(h)
	if err != nil {
		return camera.SinkUnknown, err
	}
	return sink.Kind(), nil
}

// GetSinkName はシンク名を返す
func (i *Instance) GetSinkName(h handle.Handle) (string, error) {
	sink, err := i.sink(h)
	if err != nil {
		return "", err
	}
	return sink.Name(), nil
}

// GetSinkDescription はシンクの説明文を返す
func (i *Instance) GetSinkDescription(h handle.Handle) (string, error) {
	sink, err := i.sink(h)
	if err != nil {
		return "", err
	}
	return sink.Description(), nil
}

// SetSinkDescription はシンクの説明文を設定する
func (i *Instance) SetSinkDescription(h handle.Handle, description string) error {
	sink, err := i.sink(h)
	if err != nil {
		return err
	}
	sink.SetDescription(description)
	return nil
}

// SetSinkSource はシンクの上流ソースを付け替える
//
// 新しいソースの参照を1つ保持し、以前のソースの参照を解放する。
// source に 0 を渡すと結び付けを解除する。解放済みのソースは InvalidHandle で拒否する。
func (i *Instance) SetSinkSource(sinkHandle, sourceHandle handle.Handle) error {
	sink, err := i.sink(sinkHandle)
	if err != nil {
		return err
	}

	var src *camera.Source
	if sourceHandle != 0 {
		if src, err = i.source(sourceHandle); err != nil {
			return err
		}
		if _, err := i.sources.Copy(sourceHandle); err != nil {
			return fmt.Errorf("ソース %s: %w", sourceHandle, err)
		}
	}

	prev := sink.SetSource(sourceHandle, src)
	if prev != 0 {
		if err := i.ReleaseSource(prev); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SetSinkSource",
				"sink":     sink.Name(),
				"previous": prev.String(),
				"error":    err.Error(),
			}).Warn("以前のソースの解放に失敗しました")
		}
	}
	return nil
}

// GetSinkSource は結び付いているソースのハンドルを返す（未設定なら 0）
func (i *Instance) GetSinkSource(h handle.Handle) (handle.Handle, error) {
	sink, err := i.sink(h)
	if err != nil {
		return 0, err
	}
	return sink.SourceHandle(), nil
}

// GetSinkSourceProperty は上流ソースのプロパティのハンドルを名前で得る
func (i *Instance) GetSinkSourceProperty(h handle.Handle, name string) (handle.Handle, error) {
	sink, err := i.sink(h)
	if err != nil {
		return 0, err
	}
	src := sink.SourceHandle()
	if src == 0 {
		return 0, fmt.Errorf("%w: シンク %s にソースが設定されていません", camera.StatusInvalidHandle, h)
	}
	return i.GetSourceProperty(src, name)
}

// GrabSinkFrame はフレームシンクから次のフレームとタイムスタンプを取り出す
//
// timeout 内に新しいフレームが来なければ最新（空の場合もある）のフレームを返す。
func (i *Instance) GrabSinkFrame(ctx context.Context, h handle.Handle, timeout time.Duration) (camera.Image, uint64, error) {
	sink, err := i.sink(h)
	if err != nil {
		return camera.Image{}, 0, err
	}
	fs, ok := sink.Impl().(*camera.FrameSink)
	if !ok {
		return camera.Image{}, 0, fmt.Errorf("%w: シンク %s はフレームシンクではありません", camera.StatusInvalidHandle, h)
	}

	frame, err := fs.GrabFrame(ctx, timeout)
	if err != nil {
		sink.SetError(err.Error())
		return camera.Image{}, 0, err
	}
	return frame.Image(), frame.Time(), nil
}

// GetSinkError は最後に記録されたエラーを返す
func (i *Instance) GetSinkError(h handle.Handle) (string, error) {
	sink, err := i.sink(h)
	if err != nil {
		return "", err
	}
	return sink.LastError(), nil
}

// SetSinkEnabled はシンクを有効・無効にする
func (i *Instance) SetSinkEnabled(h handle.Handle, enabled bool) error {
	sink, err := i.sink(h)
	if err != nil {
		return err
	}
	return sink.SetEnabled(enabled)
}

// IsSinkEnabled は有効状態を返す
func (i *Instance) IsSinkEnabled(h handle.Handle) (bool, error) {
	sink, err := i.sink(h)
	if err != nil {
		return false, err
	}
	return sink.IsEnabled(), nil
}

// GetMJPEGServerListenAddress は MJPEG サーバの待ち受けアドレスを返す
func (i *Instance) GetMJPEGServerListenAddress(h handle.Handle) (string, error) {
	srv, err := i.mjpegServer(h)
	if err != nil {
		return "", err
	}
	return srv.ListenAddress(), nil
}

// GetMJPEGServerPort は MJPEG サーバの待ち受けポートを返す
func (i *Instance) GetMJPEGServerPort(h handle.Handle) (int, error) {
	srv, err := i.mjpegServer(h)
	if err != nil {
		return 0, err
	}
	return srv.Port(), nil
}

// CopySink は参照カウントを1増やす
func (i *Instance) CopySink(h handle.Handle) (handle.Handle, error) {
	out, err := i.sinks.Copy(h)
	if err != nil {
		return 0, fmt.Errorf("シンク %s: %w", h, err)
	}
	return out, nil
}

// ReleaseSink は参照カウントを1減らし、0 になればシンクを停止して破棄する
//
// シンクが保持していたソースの参照も解放する。
func (i *Instance) ReleaseSink(h handle.Handle) error {
	sink, destroyed, err := i.sinks.Release(h)
	if err != nil {
		return fmt.Errorf("シンク %s: %w", h, err)
	}
	if !destroyed {
		return nil
	}

	i.events.Notify(camera.SinkEvent(camera.EventSinkDestroyed, sink))
	if prev := sink.Close(); prev != 0 {
		if err := i.ReleaseSource(prev); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ReleaseSink",
				"sink":     sink.Name(),
				"source":   prev.String(),
				"error":    err.Error(),
			}).Warn("ソースの解放に失敗しました")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "ReleaseSink",
		"sink":     sink.Name(),
		"handle":   h.String(),
	}).Info("シンクを破棄しました")
	return nil
}
