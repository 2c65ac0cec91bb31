package camera

import (
	"fmt"
	"strings"
)

// PixelFormat はフレームのピクセルフォーマット
type PixelFormat int

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatMJPEG
	PixelFormatYUYV
	PixelFormatRGB565
	PixelFormatBGR
	PixelFormatGray
)

// String はピクセルフォーマットの名前を返す
func (p PixelFormat) String() string {
	switch p {
	case PixelFormatMJPEG:
		return "mjpeg"
	case PixelFormatYUYV:
		return "yuyv"
	case PixelFormatRGB565:
		return "rgb565"
	case PixelFormatBGR:
		return "bgr"
	case PixelFormatGray:
		return "gray"
	default:
		return "unknown"
	}
}

// MarshalText は JSON 出力でフォーマット名を使うためのもの
func (p PixelFormat) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText はフォーマット名を解釈する
func (p *PixelFormat) UnmarshalText(text []byte) error {
	format, ok := ParsePixelFormat(string(text))
	if !ok {
		return fmt.Errorf("%w: 不明なピクセルフォーマット %q", StatusModeNotSupported, string(text))
	}
	*p = format
	return nil
}

// ParsePixelFormat は名前からピクセルフォーマットを得る（大文字小文字は区別しない）
func ParsePixelFormat(name string) (PixelFormat, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mjpeg", "mjpg", "jpeg", "jpg":
		return PixelFormatMJPEG, true
	case "yuyv", "yuy2":
		return PixelFormatYUYV, true
	case "rgb565":
		return PixelFormatRGB565, true
	case "bgr", "bgr24":
		return PixelFormatBGR, true
	case "gray", "grey", "y8":
		return PixelFormatGray, true
	default:
		return PixelFormatUnknown, false
	}
}

// VideoMode はピクセルフォーマット・解像度・フレームレートの組
//
// 不変の値型で、比較は構造的に行う。
type VideoMode struct {
	PixelFormat PixelFormat `json:"pixel_format" yaml:"pixel_format"`
	Width       int         `json:"width" yaml:"width"`
	Height      int         `json:"height" yaml:"height"`
	FPS         int         `json:"fps" yaml:"fps"`
}

// String は "mjpeg 320x240@30" 形式の文字列を返す
func (m VideoMode) String() string {
	return fmt.Sprintf("%s %dx%d@%d", m.PixelFormat, m.Width, m.Height, m.FPS)
}

// Validate は値の範囲を検証する
func (m VideoMode) Validate() error {
	if m.Width < 0 || m.Height < 0 || m.FPS < 0 {
		return fmt.Errorf("%w: %s", StatusModeNotSupported, m)
	}
	return nil
}

// Accepts はサポート一覧の要素 m が要求 want を満たすかを返す
//
// 一覧側の FPS が 0 の場合は任意のフレームレートを許可する。
func (m VideoMode) Accepts(want VideoMode) bool {
	if m.PixelFormat != want.PixelFormat || m.Width != want.Width || m.Height != want.Height {
		return false
	}
	return m.FPS == 0 || m.FPS == want.FPS
}
