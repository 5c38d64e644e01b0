// Package imaging turns a snapshot into a model input tensor.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"failuredetector/internal/inference"
)

// MaxPixels bounds the declared dimensions accepted before pixel data is decoded.
const MaxPixels = 50_000_000

var (
	ErrEmpty    = errors.New("empty image")
	ErrTooLarge = errors.New("image dimensions too large")
)

// Decode parses JPEG, PNG, WebP or BMP data. The header is checked against
// MaxPixels first so a small file cannot declare a huge canvas.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmpty
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, format, ErrEmpty
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, format, fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, format, ErrEmpty
	}
	return img, format, nil
}

// Resize scales src to w x h with bilinear interpolation, ignoring aspect ratio.
func Resize(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// Tensor packs an RGBA image into a 1xHxWx3 tensor. Float32 input is normalized to
// [-1,1] with (v-127.5)/127.5; uint8 input is copied unchanged. Alpha is dropped.
func Tensor(img *image.RGBA, dtype inference.DType) inference.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	spec := inference.InputSpec{Height: h, Width: w, DType: dtype}
	n := spec.Elements()

	t := inference.Tensor{Spec: spec}
	if dtype == inference.Uint8 {
		t.U8 = make([]uint8, 0, n)
	} else {
		t.F32 = make([]float32, 0, n)
	}
	for y := range h {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := range w {
			px := row[x*4 : x*4+3]
			if dtype == inference.Uint8 {
				t.U8 = append(t.U8, px...)
				continue
			}
			for _, v := range px {
				t.F32 = append(t.F32, (float32(v)-127.5)/127.5)
			}
		}
	}
	return t
}

// Preprocess decodes data and builds a tensor matching spec.
func Preprocess(data []byte, spec inference.InputSpec) (inference.Tensor, error) {
	if !spec.Valid() {
		return inference.Tensor{}, fmt.Errorf("invalid input spec %dx%d/%q", spec.Height, spec.Width, spec.DType)
	}
	img, _, err := Decode(data)
	if err != nil {
		return inference.Tensor{}, err
	}
	return Tensor(Resize(img, spec.Width, spec.Height), spec.DType), nil
}
