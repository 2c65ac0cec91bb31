package hub

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"videohub/internal/camera"
	"videohub/internal/capture"
	"videohub/internal/handle"
)

// CreateFrameSource は呼び出し側がフレームを投入するソースを作成する
//
// 作成直後から接続状態になる。
func (i *Instance) CreateFrameSource(name string, mode camera.VideoMode) (handle.Handle, error) {
	if err := mode.Validate(); err != nil {
		return 0, err
	}
	h, src, err := i.createSource(name, camera.SourceFrame, mode)
	if err != nil {
		return 0, err
	}
	src.SetConnected(true)
	return h, nil
}

// CreateTestPatternSource は合成テストパターンのソースを作成する
func (i *Instance) CreateTestPatternSource(name string, mode camera.VideoMode) (handle.Handle, error) {
	return i.CreateCaptureSource(capture.TypeTestPattern, name, capture.Config{Mode: mode})
}

// CreateUSBCamera は V4L2 デバイスのソースを作成する
func (i *Instance) CreateUSBCamera(name, path string, mode camera.VideoMode) (handle.Handle, error) {
	return i.CreateCaptureSource(capture.TypeUSB, name, capture.Config{Device: path, Mode: mode})
}

// CreateFFmpegSource は ffmpeg の MJPEG 出力を読み込むソースを作成する
//
// inputFormat は ffmpeg の -f に渡す入力形式（x11grab など）で、空なら自動判別させる。
func (i *Instance) CreateFFmpegSource(name, input, inputFormat string, mode camera.VideoMode) (handle.Handle, error) {
	return i.CreateCaptureSource(capture.TypeFFmpeg, name, capture.Config{Device: input, InputFormat: inputFormat, Mode: mode})
}

// CreateCaptureSource はファクトリーに登録されたバックエンドのソースを作成する
//
// バックエンドの作成に失敗した場合、ソースは破棄される。
func (i *Instance) CreateCaptureSource(t capture.Type, name string, cfg capture.Config) (handle.Handle, error) {
	kind, err := i.factory.SourceKind(t)
	if err != nil {
		return 0, err
	}
	if err := cfg.Mode.Validate(); err != nil {
		return 0, err
	}

	h, src, err := i.createSource(name, kind, cfg.Mode)
	if err != nil {
		return 0, err
	}

	cfg.Properties = func(pname string, pkind camera.PropertyKind, min, max, step, def, value int) (*camera.Property, error) {
		return i.addProperty(src, pname, pkind, min, max, step, def, value)
	}
	if _, err := i.factory.Create(t, src, cfg); err != nil {
		_ = i.ReleaseSource(h)
		return 0, fmt.Errorf("ソース %s のバックエンド作成に失敗: %w", name, err)
	}
	return h, nil
}

func (i *Instance) createSource(name string, kind camera.SourceKind, mode camera.VideoMode) (handle.Handle, *camera.Source, error) {
	var src *camera.Source
	h, err := i.sources.CreateFunc(func(h handle.Handle) *camera.Source {
		src = camera.NewSource(name, kind, mode, i.events)
		src.BindHandle(h)
		return src
	})
	if err != nil {
		return 0, nil, fmt.Errorf("ソース %s の作成に失敗: %w", name, err)
	}

	i.events.Notify(camera.SourceEvent(camera.EventSourceCreated, src))

	logrus.WithFields(logrus.Fields{
		"function": "createSource",
		"source":   name,
		"kind":     kind.String(),
		"handle":   h.String(),
	}).Info("ソースを作成しました")
	return h, src, nil
}

// addProperty はプロパティにハンドルを割り当ててソースへ登録する
//
// 同名のプロパティが既にある場合はそれを更新し、既存のハンドルを使い続ける。
func (i *Instance) addProperty(src *camera.Source, name string, kind camera.PropertyKind, min, max, step, def, value int) (*camera.Property, error) {
	var p *camera.Property
	h, err := i.props.CreateFunc(func(h handle.Handle) *camera.Property {
		p = camera.NewProperty(name, kind, min, max, step, def, value)
		p.BindHandle(h)
		return p
	})
	if err != nil {
		return nil, fmt.Errorf("プロパティ %s の作成に失敗: %w", name, err)
	}

	stored := src.AddProperty(p)
	if stored != p {
		_, _ = i.props.Destroy(h)
	}
	return stored, nil
}

// source はハンドルを解決する（解放処理中のソースも InvalidHandle とする）
func (i *Instance) source(h handle.Handle) (*camera.Source, error) {
	src, err := i.sources.Get(h)
	if err != nil {
		return nil, fmt.Errorf("ソース %s: %w", h, err)
	}
	if src.IsReleased() {
		return nil, fmt.Errorf("%w: ソース %s は解放済みです", camera.StatusInvalidHandle, h)
	}
	return src, nil
}

// frameSource はフレーム投入型のソースだけを解決する
func (i *Instance) frameSource(h handle.Handle) (*camera.Source, error) {
	src, err := i.source(h)
	if err != nil {
		return nil, err
	}
	if src.Kind() != camera.SourceFrame {
		return nil, fmt.Errorf("%w: ソース %s は %s 型です", camera.StatusInvalidHandle, h, src.Kind())
	}
	return src, nil
}

// GetSourceKind はソースの種類を返す
func (i *Instance) GetSourceKind(h handle.Handle) (camera.SourceKind, error) {
	src, err := i.source(h)
	if err != nil {
		return camera.SourceUnknown, err
	}
	return src.Kind(), nil
}

// GetSourceName はソース名を返す
func (i *Instance) GetSourceName(h handle.Handle) (string, error) {
	src, err := i.source(h)
	if err != nil {
		return "", err
	}
	return src.Name(), nil
}

// GetSourceDescription はソースの説明文を返す
func (i *Instance) GetSourceDescription(h handle.Handle) (string, error) {
	src, err := i.source(h)
	if err != nil {
		return "", err
	}
	return src.Description(), nil
}

// SetSourceDescription はフレーム投入型ソースの説明文を設定する
func (i *Instance) SetSourceDescription(h handle.Handle, description string) error {
	src, err := i.frameSource(h)
	if err != nil {
		return err
	}
	src.SetDescription(description)
	return nil
}

// GetSourceLastFrameTime は最新フレームのタイムスタンプ（マイクロ秒）を返す
func (i *Instance) GetSourceLastFrameTime(h handle.Handle) (uint64, error) {
	src, err := i.source(h)
	if err != nil {
		return 0, err
	}
	return src.LastFrameTime(), nil
}

// IsSourceConnected は接続状態を返す
func (i *Instance) IsSourceConnected(h handle.Handle) (bool, error) {
	src, err := i.source(h)
	if err != nil {
		return false, err
	}
	return src.IsConnected(), nil
}

// SetSourceConnected はフレーム投入型ソースの接続状態を設定する
func (i *Instance) SetSourceConnected(h handle.Handle, connected bool) error {
	src, err := i.frameSource(h)
	if err != nil {
		return err
	}
	src.SetConnected(connected)
	return nil
}

// GetSourceProperty は名前からプロパティのハンドルを得る
func (i *Instance) GetSourceProperty(h handle.Handle, name string) (handle.Handle, error) {
	src, err := i.source(h)
	if err != nil {
		return 0, err
	}
	p, err := src.Property(name)
	if err != nil {
		return 0, err
	}
	return p.Handle(), nil
}

// EnumerateSourceProperties はプロパティのハンドル一覧のスナップショットを登録順で返す
func (i *Instance) EnumerateSourceProperties(h handle.Handle) ([]handle.Handle, error) {
	src, err := i.source(h)
	if err != nil {
		return nil, err
	}
	props := src.Properties()
	handles := make([]handle.Handle, 0, len(props))
	for _, p := range props {
		handles = append(handles, p.Handle())
	}
	return handles, nil
}

// CreateSourceProperty はフレーム投入型ソースにプロパティを作成する
//
// 同名のプロパティが既にある場合は型と範囲を更新して既存のハンドルを返す。
func (i *Instance) CreateSourceProperty(h handle.Handle, name string, kind camera.PropertyKind, min, max, step, def, value int) (handle.Handle, error) {
	src, err := i.frameSource(h)
	if err != nil {
		return 0, err
	}
	if kind == camera.PropertyNone {
		return 0, fmt.Errorf("%w: プロパティ %s の型が指定されていません", camera.StatusWrongPropertyType, name)
	}
	p, err := i.addProperty(src, name, kind, min, max, step, def, value)
	if err != nil {
		return 0, err
	}
	return p.Handle(), nil
}

// SetSourceEnumPropertyChoices はフレーム投入型ソースの Enum プロパティの選択肢を置き換える
func (i *Instance) SetSourceEnumPropertyChoices(h, property handle.Handle, choices []string) error {
	src, err := i.frameSource(h)
	if err != nil {
		return err
	}
	p, err := i.property(property)
	if err != nil {
		return err
	}
	if p.Owner() != src {
		return fmt.Errorf("%w: プロパティ %s はソース %s のものではありません", camera.StatusInvalidHandle, property, h)
	}
	return p.SetChoices(choices)
}

// GetSourceVideoMode は現在のビデオモードを返す
func (i *Instance) GetSourceVideoMode(h handle.Handle) (camera.VideoMode, error) {
	src, err := i.source(h)
	if err != nil {
		return camera.VideoMode{}, err
	}
	return src.VideoMode(), nil
}

// SetSourceVideoMode はビデオモードを変更する
func (i *Instance) SetSourceVideoMode(h handle.Handle, mode camera.VideoMode) error {
	src, err := i.source(h)
	if err != nil {
		return err
	}
	return src.SetVideoMode(mode)
}

// SetSourcePixelFormat はピクセルフォーマットだけを変更する
func (i *Instance) SetSourcePixelFormat(h handle.Handle, format camera.PixelFormat) error {
	src, err := i.source(h)
	if err != nil {
		return err
	}
	return src.SetPixelFormat(format)
}

// SetSourceResolution は解像度だけを変更する
func (i *Instance) SetSourceResolution(h handle.Handle, width, height int) error {
	src, err := i.source(h)
	if err != nil {
		return err
	}
	return src.SetResolution(width, height)
}

// SetSourceFPS はフレームレートだけを変更する
func (i *Instance) SetSourceFPS(h handle.Handle, fps int) error {
	src, err := i.source(h)
	if err != nil {
		return err
	}
	return src.SetFPS(fps)
}

// EnumerateSourceVideoModes はサポートするビデオモードのスナップショットを返す
func (i *Instance) EnumerateSourceVideoModes(h handle.Handle) ([]camera.VideoMode, error) {
	src, err := i.source(h)
	if err != nil {
		return nil, err
	}
	return src.VideoModes(), nil
}

// SetSourceVideoModes はフレーム投入型ソースのサポートモード一覧を置き換える
func (i *Instance) SetSourceVideoModes(h handle.Handle, modes []camera.VideoMode) error {
	src, err := i.frameSource(h)
	if err != nil {
		return err
	}
	for _, m := range modes {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	src.SetVideoModes(modes)
	return nil
}

// PutSourceFrame はフレーム投入型ソースへフレームを投入する
func (i *Instance) PutSourceFrame(h handle.Handle, img camera.Image) error {
	src, err := i.frameSource(h)
	if err != nil {
		return err
	}
	return src.PutFrame(img)
}

// NotifySourceError はフレーム投入型ソースにエラーメッセージを記録する
func (i *Instance) NotifySourceError(h handle.Handle, msg string) error {
	src, err := i.frameSource(h)
	if err != nil {
		return err
	}
	src.NotifyError(msg)
	return nil
}

// GetSourceError は最後に記録されたエラーメッセージを返す
func (i *Instance) GetSourceError(h handle.Handle) (string, error) {
	src, err := i.source(h)
	if err != nil {
		return "", err
	}
	return src.LastError(), nil
}

// CopySource は参照カウントを1増やす
func (i *Instance) CopySource(h handle.Handle) (handle.Handle, error) {
	if _, err := i.source(h); err != nil {
		return 0, err
	}
	out, err := i.sources.Copy(h)
	if err != nil {
		return 0, fmt.Errorf("ソース %s: %w", h, err)
	}
	return out, nil
}

// ReleaseSource は参照カウントを1減らし、0 になればソースを破棄する
func (i *Instance) ReleaseSource(h handle.Handle) error {
	src, destroyed, err := i.sources.Release(h)
	if err != nil {
		return fmt.Errorf("ソース %s: %w", h, err)
	}
	if destroyed {
		i.destroySource(src)
	}
	return nil
}

// destroySource はテーブルから外したソースを停止し、プロパティのハンドルを無効にする
func (i *Instance) destroySource(src *camera.Source) {
	i.events.Notify(camera.SourceEvent(camera.EventSourceDestroyed, src))
	for _, p := range src.Close() {
		_, _ = i.props.Destroy(p.Handle())
	}

	logrus.WithFields(logrus.Fields{
		"function": "destroySource",
		"source":   src.Name(),
		"handle":   src.Handle().String(),
	}).Info("ソースを破棄しました")
}
