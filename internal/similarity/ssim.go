// Package similarity scores how alike two camera frames are.
package similarity

import (
	"errors"
	"image"
	"math"

	"golang.org/x/image/draw"
)

// Func scores the similarity of two frames. Lower means more different.
type Func func(a, b image.Image) (float64, error)

// MaxWidth is the width frames are downscaled to before comparison.
const MaxWidth = 320

const window = 8

var (
	c1 = math.Pow(0.01*255, 2)
	c2 = math.Pow(0.03*255, 2)
)

var ErrEmptyImage = errors.New("similarity: empty image")

// SSIM returns the mean structural similarity of the luminance of a and b,
// computed over non-overlapping 8x8 windows. Both frames are scaled to the
// geometry of a (capped at MaxWidth). Identical frames score 1.
func SSIM(a, b image.Image) (float64, error) {
	if a == nil || b == nil || a.Bounds().Empty() || b.Bounds().Empty() {
		return 0, ErrEmptyImage
	}

	w, h := targetSize(a.Bounds())
	ga := Luminance(a, w, h)
	gb := Luminance(b, w, h)

	if w < window || h < window {
		return ssimBlock(ga, gb, 0, 0, w, h), nil
	}

	var sum float64
	var n int
	for y := 0; y+window <= h; y += window {
		for x := 0; x+window <= w; x += window {
			sum += ssimBlock(ga, gb, x, y, window, window)
			n++
		}
	}
	return sum / float64(n), nil
}

// Luminance scales img to w x h and converts it to 8-bit gray.
func Luminance(img image.Image, w, h int) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, w, h))
	if img.Bounds().Dx() == w && img.Bounds().Dy() == h {
		draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
		return dst
	}
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

func targetSize(r image.Rectangle) (int, int) {
	w, h := r.Dx(), r.Dy()
	if w <= MaxWidth {
		return w, h
	}
	h = int(math.Round(float64(h) * MaxWidth / float64(w)))
	if h < 1 {
		h = 1
	}
	return MaxWidth, h
}

func ssimBlock(a, b *image.Gray, x0, y0, w, h int) float64 {
	n := float64(w * h)
	var sa, sb float64
	for y := y0; y < y0+h; y++ {
		for x := x0; x < x0+w; x++ {
			sa += float64(a.GrayAt(x, y).Y)
			sb += float64(b.GrayAt(x, y).Y)
		}
	}
	ma, mb := sa/n, sb/n

	var va, vb, cov float64
	for y := y0; y < y0+h; y++ {
		for x := x0; x < x0+w; x++ {
			da := float64(a.GrayAt(x, y).Y) - ma
			db := float64(b.GrayAt(x, y).Y) - mb
			va += da * da
			vb += db * db
			cov += da * db
		}
	}
	if n > 1 {
		va /= n - 1
		vb /= n - 1
		cov /= n - 1
	}

	return ((2*ma*mb + c1) * (2*cov + c2)) / ((ma*ma + mb*mb + c1) * (va + vb + c2))
}
