package hub

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"videohub/internal/camera"
	"videohub/internal/capture"
	"videohub/internal/handle"
	"videohub/internal/listener"
	"videohub/internal/mjpeg"
)

// Options はインスタンスの構築時設定
type Options struct {
	// Listener はイベント配送の設定（Snapshot はインスタンスが設定する）
	Listener listener.Options

	// MJPEG は作成する MJPEG サーバの既定設定
	MJPEG mjpeg.Options

	// Factory が nil の場合は capture.NewFactory() を使う
	Factory *capture.Factory

	// Discovery が nil の場合は capture.NewLinuxDiscovery() を使う
	Discovery capture.Discovery
}

// Instance はソース・シンク・プロパティ・リスナーをハンドルで管理するレジストリ
//
// 全ての操作はハンドルを受け取り、失敗時は camera.StatusOf で変換できるエラーを返す。
// テーブルのロックはスロット操作の間だけ保持し、オブジェクト自身の操作中には保持しない。
type Instance struct {
	sources *handle.Table[*camera.Source]
	sinks   *handle.Table[*camera.Sink]
	props   *handle.Table[*camera.Property]
	events  *listener.Dispatcher

	factory   *capture.Factory
	discovery capture.Discovery
	mjpegOpts mjpeg.Options

	shutdownOnce sync.Once
}

// New は新しいインスタンスを作成する
func New(opts Options) *Instance {
	i := &Instance{
		sources:   handle.NewTable[*camera.Source](handle.KindSource),
		sinks:     handle.NewTable[*camera.Sink](handle.KindSink),
		props:     handle.NewTable[*camera.Property](handle.KindProperty),
		factory:   opts.Factory,
		discovery: opts.Discovery,
		mjpegOpts: opts.MJPEG,
	}
	if i.factory == nil {
		i.factory = capture.NewFactory()
	}
	if i.discovery == nil {
		i.discovery = capture.NewLinuxDiscovery()
	}

	listenerOpts := opts.Listener
	listenerOpts.Snapshot = i.snapshot
	i.events = listener.New(listenerOpts)
	return i
}

// AddListener はイベントリスナーを登録する
//
// immediate が真の場合、現存するオブジェクトの状態を合成イベントとして同期的に配送してから戻る。
func (i *Instance) AddListener(callback listener.Callback, mask camera.EventKind, immediate bool) (handle.Handle, error) {
	return i.events.AddListener(callback, mask, immediate)
}

// RemoveListener はリスナーを削除する（削除済みのハンドルには何もしない）
func (i *Instance) RemoveListener(h handle.Handle) error {
	return i.events.RemoveListener(h)
}

// snapshot は即時通知用に現存するオブジェクトごとの合成イベントを作る
func (i *Instance) snapshot(mask camera.EventKind) []camera.Event {
	var events []camera.Event

	for _, entry := range i.sources.Entries() {
		src := entry.Value
		if src.IsReleased() {
			continue
		}
		events = append(events, camera.SourceEvent(camera.EventSourceCreated, src))
		if src.IsConnected() {
			events = append(events, camera.SourceEvent(camera.EventSourceConnected, src))
		}
		events = append(events, camera.SourceEvent(camera.EventSourceVideoModeChanged, src))
		for _, p := range src.Properties() {
			events = append(events, camera.PropertyEvent(camera.EventSourcePropertyCreated, src, p))
		}
	}

	for _, entry := range i.sinks.Entries() {
		sink := entry.Value
		events = append(events, camera.SinkEvent(camera.EventSinkCreated, sink))
		if sink.IsEnabled() {
			events = append(events, camera.SinkEvent(camera.EventSinkEnabled, sink))
		}
	}

	filtered := events[:0]
	for _, e := range events {
		if e.Kind&mask != 0 {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// EnumerateSources は生存中のソースハンドルのスナップショットを返す
func (i *Instance) EnumerateSources() []handle.Handle {
	return i.sources.Handles()
}

// EnumerateSinks は生存中のシンクハンドルのスナップショットを返す
func (i *Instance) EnumerateSinks() []handle.Handle {
	return i.sinks.Handles()
}

// EnumerateUSBCameras は接続されている USB カメラを列挙する
func (i *Instance) EnumerateUSBCameras(ctx context.Context) ([]capture.USBCameraInfo, error) {
	cameras, err := i.discovery.ScanDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("USBカメラの列挙に失敗: %w", err)
	}
	return cameras, nil
}

// Shutdown は全てのシンクとソースを破棄し、イベント配送を止める
//
// 参照カウントに関係なく破棄する。冪等。
func (i *Instance) Shutdown() {
	i.shutdownOnce.Do(func() {
		sinks := i.sinks.Handles()
		for _, h := range sinks {
			sink, err := i.sinks.Destroy(h)
			if err != nil {
				continue
			}
			i.events.Notify(camera.SinkEvent(camera.EventSinkDestroyed, sink))
			sink.Close()
		}

		sources := i.sources.Handles()
		for _, h := range sources {
			src, err := i.sources.Destroy(h)
			if err != nil {
				continue
			}
			i.destroySource(src)
		}

		i.events.Stop()

		logrus.WithFields(logrus.Fields{
			"function": "Shutdown",
			"sinks":    len(sinks),
			"sources":  len(sources),
		}).Info("全てのシンクとソースを破棄しました")
	})
}
