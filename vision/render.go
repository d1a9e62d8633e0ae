package vision

import (
	"context"

	"github.com/epeer1/axon-vision-ha/message"
	"github.com/epeer1/axon-vision-ha/stage"
)

// Renderer defaults
const (
	DefaultBlockSize = 12
	DefaultBorder    = 2
	borderValue      = 255
)

// BlurRenderer pixelates detected regions when blur is enabled and outlines
// them when annotation is enabled. The input payload is never modified.
type BlurRenderer struct {
	blur     bool
	annotate bool
	block    int
	border   int
}

// NewBlurRenderer creates a renderer with the default block and border sizes.
func NewBlurRenderer(blur, annotate bool) *BlurRenderer {
	return &BlurRenderer{blur: blur, annotate: annotate, block: DefaultBlockSize, border: DefaultBorder}
}

// Render returns the displayed frame. Frames without detections, or with
// nothing enabled, are returned unchanged.
func (r *BlurRenderer) Render(ctx context.Context, p message.Payload, result stage.AnalysisResult) (message.Payload, error) {
	g, err := frameGeometry(p, "BlurRenderer")
	if err != nil {
		return message.Payload{}, err
	}
	if err := ctx.Err(); err != nil {
		return message.Payload{}, err
	}
	if len(result.Detections) == 0 || (!r.blur && !r.annotate) {
		return p, nil
	}

	out := p.Clone()
	for _, d := range result.Detections {
		x0, y0, x1, y1, ok := clip(d.BBox, g)
		if !ok {
			continue
		}
		if r.blur {
			r.pixelate(out.Data, g, x0, y0, x1, y1)
		}
		if r.annotate {
			r.outline(out.Data, g, x0, y0, x1, y1)
		}
	}
	return out, nil
}

// clip converts an x, y, w, h box to half-open bounds inside the frame.
func clip(b [4]int, g geometry) (x0, y0, x1, y1 int, ok bool) {
	x0, y0 = max(b[0], 0), max(b[1], 0)
	x1, y1 = min(b[0]+b[2], g.width), min(b[1]+b[3], g.height)
	return x0, y0, x1, y1, x0 < x1 && y0 < y1
}

// pixelate replaces every block of the region with its mean value.
func (r *BlurRenderer) pixelate(data []byte, g geometry, x0, y0, x1, y1 int) {
	for by := y0; by < y1; by += r.block {
		for bx := x0; bx < x1; bx += r.block {
			ex, ey := min(bx+r.block, x1), min(by+r.block, y1)
			n := (ex - bx) * (ey - by)
			for c := 0; c < g.channels; c++ {
				sum := 0
				for y := by; y < ey; y++ {
					for x := bx; x < ex; x++ {
						sum += int(data[g.offset(x, y)+c])
					}
				}
				mean := byte(sum / n)
				for y := by; y < ey; y++ {
					for x := bx; x < ex; x++ {
						data[g.offset(x, y)+c] = mean
					}
				}
			}
		}
	}
}

func (r *BlurRenderer) outline(data []byte, g geometry, x0, y0, x1, y1 int) {
	t := min(r.border, (x1-x0+1)/2, (y1-y0+1)/2)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			if x-x0 >= t && x1-1-x >= t && y-y0 >= t && y1-1-y >= t {
				continue
			}
			o := g.offset(x, y)
			for c := 0; c < g.channels; c++ {
				data[o+c] = borderValue
			}
		}
	}
}
