package downloader

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/ligustah/picfetch/pkg/imagecache"
)

// decode turns a response body into a cache image, applying EXIF orientation
// and the configured size bound.
func decode(key Key, body []byte, opts DecodeOptions) (*imagecache.Image, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("decode: empty body")
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	img, err := imaging.Decode(bytes.NewReader(body), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", format, err)
	}

	if opts.MaxWidth > 0 || opts.MaxHeight > 0 {
		b := img.Bounds()
		maxW, maxH := opts.MaxWidth, opts.MaxHeight
		if maxW <= 0 {
			maxW = b.Dx()
		}
		if maxH <= 0 {
			maxH = b.Dy()
		}
		if b.Dx() > maxW || b.Dy() > maxH {
			img = imaging.Fit(img, maxW, maxH, imaging.Lanczos)
		}
	}

	return &imagecache.Image{
		Image:  img,
		Scale:  ScaleFromKey(key),
		Format: format,
	}, nil
}
