package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
)

// DefaultJPEGQuality は圧縮品質が指定されない場合の JPEG 品質
const DefaultJPEGQuality = 80

// Image はキャプチャバックエンドから渡される生の画像バッファ
type Image struct {
	Format PixelFormat
	Width  int
	Height int
	Data   []byte
}

// Frame はソースが保持する不変の画像と付随情報
//
// PutFrame 後に内容が変化することはなく、複数のシンクから同時に読み取れる。
type Frame struct {
	image Image
	time  uint64 // UNIX エポックからのマイクロ秒
	seq   uint64 // ソース内の通し番号（0 はフレーム未受信）

	mu   sync.Mutex
	jpeg map[int][]byte
}

var emptyFrame = &Frame{}

// Image は画像を返す（Data は読み取り専用として扱うこと）
func (f *Frame) Image() Image {
	return f.image
}

// Data は画像データを返す（読み取り専用）
func (f *Frame) Data() []byte {
	return f.image.Data
}

// Time はフレームのタイムスタンプ（マイクロ秒）を返す
func (f *Frame) Time() uint64 {
	return f.time
}

// Seq はソース内での通し番号を返す
func (f *Frame) Seq() uint64 {
	return f.seq
}

// Empty はフレームが未受信（空）かを返す
func (f *Frame) Empty() bool {
	return f.seq == 0 || len(f.image.Data) == 0
}

// JPEG はフレームを JPEG バイト列として返す
//
// MJPEG フォーマットのフレームはそのまま返し、生フォーマットは指定品質で圧縮する。
// 圧縮結果は品質ごとにキャッシュし、複数の接続で共有する。
func (f *Frame) JPEG(quality int) ([]byte, error) {
	if f.Empty() {
		return nil, fmt.Errorf("%w: 空のフレーム", StatusReadFailed)
	}
	if f.image.Format == PixelFormatMJPEG {
		return f.image.Data, nil
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if data, ok := f.jpeg[quality]; ok {
		return data, nil
	}

	data, err := EncodeJPEG(f.image, quality)
	if err != nil {
		return nil, err
	}
	if f.jpeg == nil {
		f.jpeg = make(map[int][]byte)
	}
	f.jpeg[quality] = data
	return data, nil
}

// EncodeJPEG は生画像を JPEG に圧縮する
func EncodeJPEG(img Image, quality int) ([]byte, error) {
	decoded, err := img.Decode()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, decoded, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("JPEG圧縮に失敗: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode は生画像バッファを image.Image に変換する
func (img Image) Decode() (image.Image, error) {
	if img.Width <= 0 || img.Height <= 0 {
		return nil, fmt.Errorf("%w: 不正な画像サイズ %dx%d", StatusReadFailed, img.Width, img.Height)
	}
	rect := image.Rect(0, 0, img.Width, img.Height)
	pixels := img.Width * img.Height

	switch img.Format {
	case PixelFormatMJPEG:
		decoded, err := jpeg.Decode(bytes.NewReader(img.Data))
		if err != nil {
			return nil, fmt.Errorf("%w: JPEGのデコードに失敗: %v", StatusReadFailed, err)
		}
		return decoded, nil

	case PixelFormatGray:
		if err := img.checkSize(pixels); err != nil {
			return nil, err
		}
		return &image.Gray{Pix: img.Data[:pixels], Stride: img.Width, Rect: rect}, nil

	case PixelFormatBGR:
		if err := img.checkSize(pixels * 3); err != nil {
			return nil, err
		}
		out := image.NewRGBA(rect)
		for i := 0; i < pixels; i++ {
			out.Pix[i*4+0] = img.Data[i*3+2]
			out.Pix[i*4+1] = img.Data[i*3+1]
			out.Pix[i*4+2] = img.Data[i*3+0]
			out.Pix[i*4+3] = 0xff
		}
		return out, nil

	case PixelFormatRGB565:
		if err := img.checkSize(pixels * 2); err != nil {
			return nil, err
		}
		out := image.NewRGBA(rect)
		for i := 0; i < pixels; i++ {
			v := uint16(img.Data[i*2]) | uint16(img.Data[i*2+1])<<8
			out.SetRGBA(i%img.Width, i/img.Width, color.RGBA{
				R: uint8((v>>11)&0x1f) << 3,
				G: uint8((v>>5)&0x3f) << 2,
				B: uint8(v&0x1f) << 3,
				A: 0xff,
			})
		}
		return out, nil

	case PixelFormatYUYV:
		if img.Width%2 != 0 {
			return nil, fmt.Errorf("%w: YUYVの幅は偶数である必要があります", StatusReadFailed)
		}
		if err := img.checkSize(pixels * 2); err != nil {
			return nil, err
		}
		out := image.NewYCbCr(rect, image.YCbCrSubsampleRatio422)
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width/2; x++ {
				base := y*img.Width*2 + x*4
				out.Y[y*out.YStride+x*2] = img.Data[base]
				out.Y[y*out.YStride+x*2+1] = img.Data[base+2]
				out.Cb[y*out.CStride+x] = img.Data[base+1]
				out.Cr[y*out.CStride+x] = img.Data[base+3]
			}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: 未対応のピクセルフォーマット %s", StatusReadFailed, img.Format)
	}
}

func (img Image) checkSize(want int) error {
	if len(img.Data) < want {
		return fmt.Errorf("%w: %s %dx%d には %d バイト必要ですが %d バイトしかありません",
			StatusReadFailed, img.Format, img.Width, img.Height, want, len(img.Data))
	}
	return nil
}
