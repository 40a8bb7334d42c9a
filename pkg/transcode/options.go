package transcode

import (
	"github.com/disintegration/imaging"
)

type Option func(p *Pipeline)

// WithJPEGQuality sets the quality used for JPEG devices (1-100).
func WithJPEGQuality(q int) Option {
	return func(p *Pipeline) {
		if q >= 1 && q <= 100 {
			p.quality = q
		}
	}
}

func WithFilter(f imaging.ResampleFilter) Option {
	return func(p *Pipeline) {
		p.filter = f
	}
}

// WithMaxSourceBytes rejects host bitmaps larger than n bytes before decoding them.
func WithMaxSourceBytes(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxSource = n
		}
	}
}

// WithMaxSourcePixels rejects encoded bitmaps whose declared dimensions exceed n pixels.
func WithMaxSourcePixels(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxPixels = n
		}
	}
}

// FilterByName maps a config name to a resample filter.
func FilterByName(name string) (imaging.ResampleFilter, bool) {
	switch name {
	case "nearest":
		return imaging.NearestNeighbor, true
	case "box":
		return imaging.Box, true
	case "linear":
		return imaging.Linear, true
	case "catmullrom":
		return imaging.CatmullRom, true
	case "lanczos", "":
		return imaging.Lanczos, true
	}
	return imaging.ResampleFilter{}, false
}
