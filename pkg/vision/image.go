package vision

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Image holds a decoded radiograph converted to RGBA.
type Image struct {
	RGBA   *image.RGBA
	Width  int
	Height int
}

// Load reads and decodes an image from a file path.
func Load(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image %s: %w", path, err)
	}
	return DecodeBytes(data)
}

// DecodeBytes decodes an image from raw bytes. JPEG, PNG, BMP, TIFF, and
// WebP are supported via the registered decoders.
func DecodeBytes(data []byte) (*Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	rgba := toRGBA(img)
	bounds := rgba.Bounds()
	return &Image{
		RGBA:   rgba,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

// Decode decodes an image from a reader.
func Decode(r io.Reader) (*Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	return DecodeBytes(data)
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)
	return rgba
}

// Resize scales the image to width x height using bilinear interpolation.
func (img *Image) Resize(width, height int) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid resize target %dx%d", width, height)
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img.RGBA, img.RGBA.Bounds(), draw.Src, nil)

	return &Image{RGBA: dst, Width: width, Height: height}, nil
}

// CenterCrop cuts a centered width x height region out of the image.
func (img *Image) CenterCrop(width, height int) (*Image, error) {
	if width > img.Width || height > img.Height {
		return nil, fmt.Errorf("crop %dx%d larger than image %dx%d", width, height, img.Width, img.Height)
	}

	offsetX := (img.Width - width) / 2
	offsetY := (img.Height - height) / 2

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	srcRect := image.Rect(offsetX, offsetY, offsetX+width, offsetY+height)
	draw.Draw(dst, dst.Bounds(), img.RGBA, srcRect.Min, draw.Src)

	return &Image{RGBA: dst, Width: width, Height: height}, nil
}
