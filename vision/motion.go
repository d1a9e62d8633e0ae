package vision

import (
	"context"
	"sync"

	"github.com/epeer1/axon-vision-ha/message"
	"github.com/epeer1/axon-vision-ha/stage"
)

// Motion detector defaults
const (
	DefaultThreshold = 25
	DefaultMinArea   = 500
	DefaultCellSize  = 8

	MethodFrameDifference = "frame_difference"
	DetectionTypeMotion   = "motion"

	// area at which confidence saturates
	fullConfidenceArea = 10000.0
)

// MotionAnalyzer detects moving regions by differencing consecutive frames.
//
// Pixels whose brightness changed by more than the threshold form a mask,
// optionally dilated by a 3x3 square kernel, which is marked on a coarse grid; marked cells that touch (including diagonally) form one
// region, which fills the small gaps a per-pixel mask would leave. A region
// is reported when the bounding box of its changed pixels covers at least
// the minimum area.
type MotionAnalyzer struct {
	threshold int
	minArea   int
	cell      int
	dilate    int

	mu   sync.Mutex
	prev []byte
	geom geometry
}

// MotionOption configures a MotionAnalyzer.
type MotionOption func(*MotionAnalyzer)

// WithDilation dilates the change mask n times before regions are formed,
// growing every region by n pixels on each side. Zero disables it.
func WithDilation(n int) MotionOption {
	return func(a *MotionAnalyzer) {
		a.dilate = max(n, 0)
	}
}

// NewMotionAnalyzer creates an analyzer. Threshold and minimum area values
// <= 0 take the defaults. The mask is not dilated unless WithDilation says so.
func NewMotionAnalyzer(threshold, minArea int, opts ...MotionOption) *MotionAnalyzer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if minArea <= 0 {
		minArea = DefaultMinArea
	}
	a := &MotionAnalyzer{threshold: threshold, minArea: minArea, cell: DefaultCellSize}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze compares p with the previous frame. The first frame, and the
// first frame after a size change, only becomes the reference.
func (a *MotionAnalyzer) Analyze(ctx context.Context, p message.Payload) (stage.AnalysisResult, error) {
	g, err := frameGeometry(p, "MotionAnalyzer")
	if err != nil {
		return stage.AnalysisResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return stage.AnalysisResult{}, err
	}
	gray := luma(p, g)

	a.mu.Lock()
	defer a.mu.Unlock()

	var detections []message.Detection
	if a.prev != nil && a.geom.width == g.width && a.geom.height == g.height {
		detections = a.detect(a.prev, gray, g)
	}
	// gray may alias the received payload
	a.prev = append(a.prev[:0], gray...)
	a.geom = g

	return stage.AnalysisResult{
		Detections: detections,
		Method:     MethodFrameDifference,
		Details: map[string]any{
			"threshold":      a.threshold,
			"min_area":       a.minArea,
			"contours_found": len(detections),
		},
	}, nil
}

type region struct {
	minX, minY, maxX, maxY int
}

func (a *MotionAnalyzer) detect(prev, cur []byte, g geometry) []message.Detection {
	cols := (g.width + a.cell - 1) / a.cell
	rows := (g.height + a.cell - 1) / a.cell

	mask := make([]bool, len(cur))
	for i := range mask {
		d := int(cur[i]) - int(prev[i])
		if d < 0 {
			d = -d
		}
		mask[i] = d > a.threshold
	}
	if a.dilate > 0 {
		mask = dilate(mask, g, a.dilate)
	}

	// per cell bounds of the changed pixels; nil when unchanged
	cells := make([]*region, cols*rows)
	for y := 0; y < g.height; y++ {
		line := y * g.width
		for x := 0; x < g.width; x++ {
			if !mask[line+x] {
				continue
			}
			i := (y/a.cell)*cols + x/a.cell
			if r := cells[i]; r != nil {
				r.minX, r.maxX = min(r.minX, x), max(r.maxX, x)
				r.minY, r.maxY = min(r.minY, y), max(r.maxY, y)
			} else {
				cells[i] = &region{minX: x, minY: y, maxX: x, maxY: y}
			}
		}
	}

	var detections []message.Detection
	seen := make([]bool, len(cells))
	stack := make([]int, 0, 64)
	for start := range cells {
		if cells[start] == nil || seen[start] {
			continue
		}
		r := *cells[start]
		seen[start] = true
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			c := cells[i]
			r.minX, r.maxX = min(r.minX, c.minX), max(r.maxX, c.maxX)
			r.minY, r.maxY = min(r.minY, c.minY), max(r.maxY, c.maxY)

			cx, cy := i%cols, i/cols
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := cx+dx, cy+dy
					if nx < 0 || ny < 0 || nx >= cols || ny >= rows {
						continue
					}
					n := ny*cols + nx
					if cells[n] != nil && !seen[n] {
						seen[n] = true
						stack = append(stack, n)
					}
				}
			}
		}

		w, h := r.maxX-r.minX+1, r.maxY-r.minY+1
		area := w * h
		if area < a.minArea {
			continue
		}
		detections = append(detections, message.Detection{
			BBox:       [4]int{r.minX, r.minY, w, h},
			Confidence: min(1.0, float64(area)/fullConfidenceArea),
			Type:       DetectionTypeMotion,
			Area:       area,
		})
	}
	return detections
}

// dilate applies a 3x3 square kernel r times. The square is separable, so
// this is one horizontal and one vertical pass of radius r.
func dilate(mask []bool, g geometry, r int) []bool {
	rows := make([]bool, len(mask))
	for y := 0; y < g.height; y++ {
		line := y * g.width
		for x := 0; x < g.width; x++ {
			if !mask[line+x] {
				continue
			}
			for nx := max(0, x-r); nx <= min(g.width-1, x+r); nx++ {
				rows[line+nx] = true
			}
		}
	}
	out := make([]bool, len(mask))
	for y := 0; y < g.height; y++ {
		for x := 0; x < g.width; x++ {
			if !rows[y*g.width+x] {
				continue
			}
			for ny := max(0, y-r); ny <= min(g.height-1, y+r); ny++ {
				out[ny*g.width+x] = true
			}
		}
	}
	return out
}

// Reset forgets the reference frame.
func (a *MotionAnalyzer) Reset() {
	a.mu.Lock()
	a.prev = nil
	a.mu.Unlock()
}
