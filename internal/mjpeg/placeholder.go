package mjpeg

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	placeholderWidth  = 320
	placeholderHeight = 240
)

// placeholders はメッセージごとの代替フレームのキャッシュ
var placeholders sync.Map // map[string][]byte

// placeholderFrame はソースがない・切断中のときに送る JPEG を返す
func placeholderFrame(message string) ([]byte, error) {
	if data, ok := placeholders.Load(message); ok {
		return data.([]byte), nil
	}

	data, err := renderPlaceholder(message, placeholderWidth, placeholderHeight)
	if err != nil {
		return nil, err
	}
	actual, _ := placeholders.LoadOrStore(message, data)
	return actual.([]byte), nil
}

// renderPlaceholder は暗い背景の中央にメッセージを描いた JPEG を生成する
func renderPlaceholder(message string, width, height int) ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Gray{Y: 0x20}), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Gray{Y: 0xe0}),
		Face: basicfont.Face7x13,
	}
	textWidth := d.MeasureString(message)
	d.Dot = fixed.Point26_6{
		X: (fixed.I(width) - textWidth) / 2,
		Y: fixed.I(height / 2),
	}
	d.DrawString(message)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, fmt.Errorf("代替フレームの生成に失敗: %w", err)
	}
	return buf.Bytes(), nil
}
