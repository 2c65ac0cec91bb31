package capture

import (
	"fmt"
	"sort"
	"sync"

	"videohub/internal/camera"
)

// Type はキャプチャバックエンドの種類
type Type string

const (
	// TypeUSB は V4L2 の USB カメラ
	TypeUSB Type = "usb"
	// TypeTestPattern は合成テストパターン
	TypeTestPattern Type = "test_pattern"
	// TypeFFmpeg は ffmpeg が出力する MJPEG を読み込む（入力は画面・ファイル・URL など）
	TypeFFmpeg Type = "ffmpeg"
)

// PropertyRegistrar はバックエンドがソースにプロパティを作成するための関数
//
// レジストリ経由でハンドルを割り当てたプロパティを返す。
type PropertyRegistrar func(name string, kind camera.PropertyKind, min, max, step, def, value int) (*camera.Property, error)

// Config はバックエンド作成時の設定
type Config struct {
	Device      string           // デバイスパス（USB カメラ）または ffmpeg の入力
	InputFormat string           // ffmpeg の -f に渡す入力形式（空なら自動判別）
	Command     string           // ffmpeg の実行ファイル（空なら "ffmpeg"）
	Mode        camera.VideoMode // 初期ビデオモード（ゼロ値はバックエンドの既定）
	Properties  PropertyRegistrar
}

// addProperty は Properties が未設定ならソースへ直接登録する
func (c Config) addProperty(src *camera.Source, name string, kind camera.PropertyKind, min, max, step, def, value int) (*camera.Property, error) {
	if c.Properties != nil {
		return c.Properties(name, kind, min, max, step, def, value)
	}
	return src.AddProperty(camera.NewProperty(name, kind, min, max, step, def, value)), nil
}

// Creator はソースにフレームを供給するバックエンドを作成する
type Creator func(src *camera.Source, cfg Config) (camera.Backend, error)

type registration struct {
	kind    camera.SourceKind
	creator Creator
}

// Factory は種類ごとのバックエンド作成関数を保持する
type Factory struct {
	mu       sync.RWMutex
	creators map[Type]registration
}

// NewFactory は USB カメラ・テストパターン・ffmpeg を登録済みのファクトリーを作成する
func NewFactory() *Factory {
	f := &Factory{
		creators: make(map[Type]registration),
	}

	f.Register(TypeUSB, camera.SourceUSB, NewUSBCamera)
	f.Register(TypeTestPattern, camera.SourceTestPattern, NewTestPattern)
	f.Register(TypeFFmpeg, camera.SourceFFmpeg, NewFFmpeg)

	return f
}

// Register は作成関数を登録する（同じ種類は上書きする）
func (f *Factory) Register(t Type, kind camera.SourceKind, creator Creator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators[t] = registration{kind: kind, creator: creator}
}

// SourceKind は種類に対応するソース種類を返す
func (f *Factory) SourceKind(t Type) (camera.SourceKind, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	reg, ok := f.creators[t]
	if !ok {
		return camera.SourceUnknown, fmt.Errorf("サポートされていないソースタイプ: %s", t)
	}
	return reg.kind, nil
}

// Create はバックエンドを作成して src に取り付ける
func (f *Factory) Create(t Type, src *camera.Source, cfg Config) (camera.Backend, error) {
	f.mu.RLock()
	reg, ok := f.creators[t]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("サポートされていないソースタイプ: %s", t)
	}

	backend, err := reg.creator(src, cfg)
	if err != nil {
		return nil, err
	}
	src.SetBackend(backend)
	return backend, nil
}

// SupportedTypes はサポートされているソースタイプを名前順で返す
func (f *Factory) SupportedTypes() []Type {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]Type, 0, len(f.creators))
	for t := range f.creators {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
