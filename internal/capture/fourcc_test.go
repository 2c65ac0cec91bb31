package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"videohub/internal/camera"
)

func TestFourCC_RoundTrip(t *testing.T) {
	assert.Equal(t, uint32(0x47504a4d), fourCC("MJPG"))

	for _, format := range []camera.PixelFormat{
		camera.PixelFormatMJPEG,
		camera.PixelFormatYUYV,
		camera.PixelFormatRGB565,
		camera.PixelFormatBGR,
		camera.PixelFormatGray,
	} {
		t.Run(format.String(), func(t *testing.T) {
			code, ok := toFourCC(format)
			assert.True(t, ok)
			assert.Equal(t, format, fromFourCC(code))
		})
	}

	_, ok := toFourCC(camera.PixelFormatUnknown)
	assert.False(t, ok)
	assert.Equal(t, camera.PixelFormatMJPEG, fromFourCC(fourCC("JPEG")))
	assert.Equal(t, camera.PixelFormatUnknown, fromFourCC(fourCC("H264")))
}

func TestExpandFrameSizes(t *testing.T) {
	t.Run("固定サイズは面積順で重複なし", func(t *testing.T) {
		sizes := []frameSize{
			{maxWidth: 1280, maxHeight: 720},
			{maxWidth: 640, maxHeight: 480},
			{maxWidth: 640, maxHeight: 480},
		}
		assert.Equal(t, [][2]int{{640, 480}, {1280, 720}}, expandFrameSizes(sizes))
	})

	t.Run("段階指定は範囲内の一般的な解像度と最大値", func(t *testing.T) {
		sizes := []frameSize{{
			minWidth: 320, maxWidth: 700, stepWidth: 160,
			minHeight: 240, maxHeight: 500, stepHeight: 120,
		}}
		got := expandFrameSizes(sizes)
		assert.Contains(t, got, [2]int{320, 240})
		assert.Contains(t, got, [2]int{640, 480})
		assert.Contains(t, got, [2]int{700, 500})
		assert.NotContains(t, got, [2]int{352, 288})
		assert.NotContains(t, got, [2]int{800, 600})
	})

	t.Run("ゼロサイズは無視", func(t *testing.T) {
		assert.Empty(t, expandFrameSizes([]frameSize{{}}))
	})
}

func TestControlName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Brightness", "brightness"},
		{"White Balance Temperature, Auto", "white_balance_temperature_auto"},
		{"  Exposure (Absolute) ", "exposure_absolute"},
		{"Power Line Frequency", "power_line_frequency"},
		{"---", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, controlName(tt.in))
		})
	}
}

func TestControlKind(t *testing.T) {
	kind, ok := controlKind(0)
	assert.True(t, ok)
	assert.Equal(t, camera.PropertyInteger, kind)

	kind, ok = controlKind(1)
	assert.True(t, ok)
	assert.Equal(t, camera.PropertyBoolean, kind)

	_, ok = controlKind(7)
	assert.False(t, ok)
}

func TestChooseInitialMode(t *testing.T) {
	modes := []camera.VideoMode{
		{PixelFormat: camera.PixelFormatMJPEG, Width: 320, Height: 240},
		{PixelFormat: camera.PixelFormatMJPEG, Width: 640, Height: 480},
		{PixelFormat: camera.PixelFormatYUYV, Width: 640, Height: 480},
	}

	want := camera.VideoMode{PixelFormat: camera.PixelFormatYUYV, Width: 640, Height: 480, FPS: 15}
	assert.Equal(t, want, chooseInitialMode(modes, want))

	got := chooseInitialMode(modes, camera.VideoMode{FPS: 30})
	assert.Equal(t, camera.VideoMode{PixelFormat: camera.PixelFormatMJPEG, Width: 640, Height: 480, FPS: 30}, got)

	got = chooseInitialMode(modes[2:], camera.VideoMode{})
	assert.Equal(t, camera.PixelFormatYUYV, got.PixelFormat)

	assert.Equal(t, camera.VideoMode{}, chooseInitialMode(nil, camera.VideoMode{}))
}
