package imagepipeline

import (
	"bytes"
	"image"
	"image/draw"
	"image/jpeg"

	// Canonical output is JPEG; these register the decode paths for the
	// formats capture devices and file pickers are known to hand us.
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"go.uber.org/zap"
)

// BBoxFormat selects how the four detector coordinates are read. The
// detection backend does not guarantee a convention, so it is configurable.
type BBoxFormat int

const (
	// FormatCorners reads the box as [x1, y1, x2, y2] corner points.
	FormatCorners BBoxFormat = iota
	// FormatXYWH reads the box as [x, y, width, height].
	FormatXYWH
)

// ParseBBoxFormat maps a config string to a BBoxFormat, defaulting to corners.
func ParseBBoxFormat(s string) BBoxFormat {
	if s == "xywh" {
		return FormatXYWH
	}
	return FormatCorners
}

// BBox is a detected document rectangle as received from the detector. The
// field names are deliberately neutral: whether (C, D) is a corner or a size
// depends on the configured BBoxFormat.
type BBox struct {
	A, B, C, D float64
}

// NewBBox builds a BBox from the wire-order coordinate array.
func NewBBox(coords [4]float64) BBox {
	return BBox{A: coords[0], B: coords[1], C: coords[2], D: coords[3]}
}

const jpegQuality = 90

// Pipeline decodes, crops and re-encodes captured document images.
type Pipeline struct {
	margin int
	format BBoxFormat
	logger *zap.Logger
}

// New constructs a pipeline with the given crop margin and coordinate format.
func New(margin int, format BBoxFormat, logger *zap.Logger) *Pipeline {
	if margin < 0 {
		margin = 0
	}
	return &Pipeline{margin: margin, format: format, logger: logger.Named("imagepipeline")}
}

// Crop cuts the detected document region out of data, expanded by the
// configured margin and clamped to image bounds. Coordinates are tried as
// absolute pixels first; if the bottom-right corner falls outside the image
// they are reinterpreted as 0-1 fractions of the image dimensions. Crop never
// fails: any condition that would produce an unusable region returns the
// input unchanged.
func (p *Pipeline) Crop(data []byte, box BBox) []byte {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		p.logger.Warn("crop skipped, image not decodable", zap.Error(err))
		return data
	}

	bounds := src.Bounds()
	w := float64(bounds.Dx())
	h := float64(bounds.Dy())

	x1, y1, x2, y2 := p.corners(box, 1, 1)
	if x2 > w || y2 > h {
		// Detector replied in normalized fractions rather than pixels.
		x1, y1, x2, y2 = p.corners(box, w, h)
	}

	m := float64(p.margin)
	rx1 := clamp(x1-m, 0, w)
	ry1 := clamp(y1-m, 0, h)
	rx2 := clamp(x2+m, 0, w)
	ry2 := clamp(y2+m, 0, h)

	// image.Rect canonicalizes inverted rectangles, so the degenerate check
	// has to happen on the raw coordinates.
	if int(rx2)-int(rx1) < 1 || int(ry2)-int(ry1) < 1 {
		p.logger.Warn("crop skipped, degenerate region",
			zap.Float64s("bbox", []float64{box.A, box.B, box.C, box.D}))
		return data
	}
	rect := image.Rect(int(rx1), int(ry1), int(rx2), int(ry2))

	out := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(out, out.Bounds(), src, rect.Min.Add(bounds.Min), draw.Src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: jpegQuality}); err != nil {
		p.logger.Warn("crop skipped, re-encode failed", zap.Error(err))
		return data
	}
	return buf.Bytes()
}

// CropRegion reports the pixel rectangle Crop would cut for the given image
// dimensions, without decoding anything. Exposed for callers that need the
// region itself.
func (p *Pipeline) CropRegion(box BBox, width, height int) image.Rectangle {
	w := float64(width)
	h := float64(height)
	x1, y1, x2, y2 := p.corners(box, 1, 1)
	if x2 > w || y2 > h {
		x1, y1, x2, y2 = p.corners(box, w, h)
	}
	m := float64(p.margin)
	return image.Rect(
		int(clamp(x1-m, 0, w)),
		int(clamp(y1-m, 0, h)),
		int(clamp(x2+m, 0, w)),
		int(clamp(y2+m, 0, h)),
	)
}

// NormalizeToCanonical re-encodes bytes as JPEG, the one format the rest of
// the flow (uploads included) speaks. Best effort: undecodable input is
// returned unchanged.
func (p *Pipeline) NormalizeToCanonical(data []byte) []byte {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		p.logger.Debug("normalize skipped, image not decodable", zap.Error(err))
		return data
	}
	if format == "jpeg" {
		return data
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: jpegQuality}); err != nil {
		p.logger.Debug("normalize skipped, re-encode failed", zap.Error(err))
		return data
	}
	return buf.Bytes()
}

// corners resolves the configured coordinate convention into corner points,
// scaling by (sx, sy) so the same code serves both the absolute and the
// normalized reading.
func (p *Pipeline) corners(box BBox, sx, sy float64) (x1, y1, x2, y2 float64) {
	switch p.format {
	case FormatXYWH:
		x1 = box.A * sx
		y1 = box.B * sy
		x2 = x1 + box.C*sx
		y2 = y1 + box.D*sy
	default:
		x1 = box.A * sx
		y1 = box.B * sy
		x2 = box.C * sx
		y2 = box.D * sy
	}
	return x1, y1, x2, y2
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
