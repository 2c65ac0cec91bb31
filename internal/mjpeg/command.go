package mjpeg

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"videohub/internal/camera"
)

// httpError は応答ヘッダ送信前に返すエラー
type httpError struct {
	code    int
	message string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.code, http.StatusText(e.code), e.message)
}

func badRequest(format string, args ...any) *httpError {
	return &httpError{code: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}
}

// statusToHTTP はソース層のエラーを HTTP エラーへ変換する
func statusToHTTP(err error) *httpError {
	var he *httpError
	if errors.As(err, &he) {
		return he
	}
	switch camera.StatusOf(err) {
	case camera.StatusModeNotSupported, camera.StatusWrongPropertyType,
		camera.StatusMalformedRequest, camera.StatusPropertyNotFound:
		return &httpError{code: http.StatusBadRequest, message: err.Error()}
	case camera.StatusSourceDisconnected, camera.StatusInvalidHandle:
		return &httpError{code: http.StatusServiceUnavailable, message: err.Error()}
	default:
		return &httpError{code: http.StatusInternalServerError, message: err.Error()}
	}
}

// streamSettings は接続ごとのストリーム設定
type streamSettings struct {
	quality  int
	interval time.Duration // 0 は制限なし
	single   bool
}

// processCommand はクエリパラメータをソースのビデオモードとプロパティへ反映する
//
// width/height/resolution/fps/pixelformat はまとめて1回の SetVideoMode にする。
// ソースのプロパティ名と一致するキーはそのプロパティを設定する。それ以外は無視する。
func processCommand(src *camera.Source, req *request, settings *streamSettings) error {
	var (
		mode       camera.VideoMode
		modeWanted bool
		width      = -1
		height     = -1
		fps        = -1
		format     = camera.PixelFormatUnknown
	)

	type propWrite struct {
		name  string
		value string
	}
	var props []propWrite

	for _, p := range req.params {
		switch p.key {
		case "width":
			v, err := parsePositive(p.key, p.value)
			if err != nil {
				return err
			}
			width = v
		case "height":
			v, err := parsePositive(p.key, p.value)
			if err != nil {
				return err
			}
			height = v
		case "resolution":
			w, h, ok := strings.Cut(strings.ToLower(p.value), "x")
			if !ok {
				return badRequest("resolution は WxH 形式で指定してください: %q", p.value)
			}
			wv, err := parsePositive("resolution", w)
			if err != nil {
				return err
			}
			hv, err := parsePositive("resolution", h)
			if err != nil {
				return err
			}
			width, height = wv, hv
		case "fps":
			v, err := parsePositive(p.key, p.value)
			if err != nil {
				return err
			}
			fps = v
			settings.interval = time.Second / time.Duration(v)
		case "pixelformat", "format":
			f, ok := camera.ParsePixelFormat(p.value)
			if !ok {
				return badRequest("不明なピクセルフォーマット: %q", p.value)
			}
			format = f
		case "compression":
			v, err := strconv.Atoi(p.value)
			if err != nil || v < 0 || v > 100 {
				return badRequest("compression は 0〜100 の整数です: %q", p.value)
			}
			if v > 0 {
				settings.quality = v
			}
		case "single":
			v, err := strconv.ParseBool(p.value)
			if err != nil {
				return badRequest("single は真偽値です: %q", p.value)
			}
			settings.single = v
		case "action", "name":
		default:
			if src == nil {
				continue
			}
			if _, err := src.Property(p.key); err == nil {
				props = append(props, propWrite{name: p.key, value: p.value})
			}
		}
	}

	modeWanted = width >= 0 || height >= 0 || fps >= 0 || format != camera.PixelFormatUnknown
	if !modeWanted && len(props) == 0 {
		return nil
	}
	if src == nil {
		return &httpError{code: http.StatusServiceUnavailable, message: "ソースが設定されていません"}
	}

	if modeWanted {
		mode = src.VideoMode()
		if width >= 0 {
			mode.Width = width
		}
		if height >= 0 {
			mode.Height = height
		}
		if fps >= 0 {
			mode.FPS = fps
		}
		if format != camera.PixelFormatUnknown {
			mode.PixelFormat = format
		}
		if mode != src.VideoMode() {
			if err := src.SetVideoMode(mode); err != nil {
				return statusToHTTP(err)
			}
		}
	}

	for _, w := range props {
		if err := setProperty(src, w.name, w.value); err != nil {
			return statusToHTTP(err)
		}
	}
	return nil
}

// setProperty は文字列の値をプロパティの型に合わせて設定する
func setProperty(src *camera.Source, name, value string) error {
	p, err := src.Property(name)
	if err != nil {
		return err
	}

	switch p.Kind() {
	case camera.PropertyString:
		return p.SetString(value)
	case camera.PropertyBoolean:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return badRequest("%s は真偽値です: %q", name, value)
		}
		v := 0
		if b {
			v = 1
		}
		return p.SetValue(v)
	case camera.PropertyEnum:
		if i, ok := p.ChoiceIndex(value); ok {
			return p.SetValue(i)
		}
		v, err := strconv.Atoi(value)
		if err != nil {
			return badRequest("%s の選択肢に %q はありません", name, value)
		}
		return p.SetValue(v)
	default:
		v, err := strconv.Atoi(value)
		if err != nil {
			return badRequest("%s は整数です: %q", name, value)
		}
		return p.SetValue(v)
	}
}

func parsePositive(key, value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil || v <= 0 {
		return 0, badRequest("%s は正の整数です: %q", key, value)
	}
	return v, nil
}
