package capture

import (
	"sort"
	"strings"
	"unicode"

	"videohub/internal/camera"
)

// fourCC は4文字のコードを V4L2 のピクセルフォーマット値へ変換する
func fourCC(code string) uint32 {
	var v uint32
	for i := 0; i < 4 && i < len(code); i++ {
		v |= uint32(code[i]) << (8 * i)
	}
	return v
}

var (
	fourCCMJPEG  = fourCC("MJPG")
	fourCCJPEG   = fourCC("JPEG")
	fourCCYUYV   = fourCC("YUYV")
	fourCCRGB565 = fourCC("RGBP")
	fourCCBGR    = fourCC("BGR3")
	fourCCGray   = fourCC("GREY")
)

// fromFourCC は V4L2 のフォーマット値を PixelFormat へ変換する
func fromFourCC(code uint32) camera.PixelFormat {
	switch code {
	case fourCCMJPEG, fourCCJPEG:
		return camera.PixelFormatMJPEG
	case fourCCYUYV:
		return camera.PixelFormatYUYV
	case fourCCRGB565:
		return camera.PixelFormatRGB565
	case fourCCBGR:
		return camera.PixelFormatBGR
	case fourCCGray:
		return camera.PixelFormatGray
	default:
		return camera.PixelFormatUnknown
	}
}

// toFourCC は PixelFormat を V4L2 のフォーマット値へ変換する
func toFourCC(format camera.PixelFormat) (uint32, bool) {
	switch format {
	case camera.PixelFormatMJPEG:
		return fourCCMJPEG, true
	case camera.PixelFormatYUYV:
		return fourCCYUYV, true
	case camera.PixelFormatRGB565:
		return fourCCRGB565, true
	case camera.PixelFormatBGR:
		return fourCCBGR, true
	case camera.PixelFormatGray:
		return fourCCGray, true
	default:
		return 0, false
	}
}

// usbDefaultWidth はモード未指定時に優先する MJPEG の幅
const usbDefaultWidth = 640

// chooseInitialMode は要求されたモード、なければ MJPEG の 640 幅、なければ先頭を選ぶ
func chooseInitialMode(modes []camera.VideoMode, want camera.VideoMode) camera.VideoMode {
	if want.PixelFormat != camera.PixelFormatUnknown && want.Width > 0 && want.Height > 0 {
		return want
	}
	for _, m := range modes {
		if m.PixelFormat == camera.PixelFormatMJPEG && m.Width == usbDefaultWidth {
			m.FPS = want.FPS
			return m
		}
	}
	if len(modes) > 0 {
		m := modes[0]
		m.FPS = want.FPS
		return m
	}
	return camera.VideoMode{}
}

// frameSize はデバイスが報告するフレームサイズ（固定サイズは step が 0）
type frameSize struct {
	minWidth, maxWidth, stepWidth    int
	minHeight, maxHeight, stepHeight int
}

// commonResolutions は段階指定のデバイスに対して候補とする解像度
var commonResolutions = [][2]int{
	{160, 120}, {176, 144}, {320, 240}, {352, 288},
	{640, 360}, {640, 480}, {800, 600}, {1024, 768},
	{1280, 720}, {1280, 960}, {1600, 1200}, {1920, 1080},
}

// expandFrameSizes はフレームサイズ一覧を具体的な解像度の一覧にする
//
// 段階指定の範囲は範囲内の一般的な解像度と最大解像度で代表させる。
// 結果は面積の小さい順で重複を含まない。
func expandFrameSizes(sizes []frameSize) [][2]int {
	seen := make(map[[2]int]bool)
	var out [][2]int
	add := func(w, h int) {
		key := [2]int{w, h}
		if w <= 0 || h <= 0 || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, key)
	}

	for _, s := range sizes {
		if s.stepWidth == 0 && s.stepHeight == 0 {
			add(s.maxWidth, s.maxHeight)
			continue
		}
		for _, r := range commonResolutions {
			if fitsStep(r[0], s.minWidth, s.maxWidth, s.stepWidth) && fitsStep(r[1], s.minHeight, s.maxHeight, s.stepHeight) {
				add(r[0], r[1])
			}
		}
		add(s.maxWidth, s.maxHeight)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := out[i][0]*out[i][1], out[j][0]*out[j][1]
		if ai != aj {
			return ai < aj
		}
		return out[i][0] < out[j][0]
	})
	return out
}

func fitsStep(v, min, max, step int) bool {
	if v < min || v > max {
		return false
	}
	if step <= 1 {
		return true
	}
	return (v-min)%step == 0
}

// controlName は V4L2 のコントロール名をプロパティ名に正規化する
//
// 例: "White Balance Temperature, Auto" → "white_balance_temperature_auto"
func controlName(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			underscore = false
		case b.Len() > 0 && !underscore:
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// controlKind は V4L2 のコントロール種別をプロパティの型へ変換する
//
// 0: integer, 1: boolean, 2: menu（メニューは項目番号の整数として扱う）。
func controlKind(v4l2Type int32) (camera.PropertyKind, bool) {
	switch v4l2Type {
	case 0:
		return camera.PropertyInteger, true
	case 1:
		return camera.PropertyBoolean, true
	case 2:
		return camera.PropertyInteger, true
	default:
		return camera.PropertyNone, false
	}
}
