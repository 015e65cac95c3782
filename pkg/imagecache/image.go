package imagecache

import (
	"image"
	"math"
)

// Image is a decoded image together with the display scale it was fetched for.
type Image struct {
	image.Image

	// Scale is the ratio of pixels to points (1 for "@1x", 2 for "@2x").
	// Zero is treated as 1.
	Scale float64

	// Format is the name reported by the decoder ("png", "jpeg", ...).
	Format string
}

// PointSize returns the image dimensions in points.
func (i *Image) PointSize() (width, height float64) {
	b := i.Bounds()
	s := i.scale()
	return float64(b.Dx()) / s, float64(b.Dy()) / s
}

func (i *Image) scale() float64 {
	if i.Scale <= 0 {
		return 1
	}
	return i.Scale
}

// bytesPerPixel is the RGBA footprint assumed for every decoded bitmap.
const bytesPerPixel = 4

// DefaultCost estimates the decoded memory footprint of img.
func DefaultCost(img *Image) int64 {
	if img == nil || img.Image == nil {
		return 0
	}
	w, h := img.PointSize()
	s := img.scale()
	return int64(math.Ceil(w * h * s * s * bytesPerPixel))
}
