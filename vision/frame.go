package vision

import (
	"fmt"

	"github.com/epeer1/axon-vision-ha/errors"
	"github.com/epeer1/axon-vision-ha/message"
)

// geometry describes the pixel layout of a uint8 frame.
type geometry struct {
	height   int
	width    int
	channels int
}

func (g geometry) pixels() int { return g.height * g.width }

func (g geometry) offset(x, y int) int { return (y*g.width + x) * g.channels }

func frameGeometry(p message.Payload, component string) (geometry, error) {
	if p.DType != message.DTypeUint8 {
		return geometry{}, errors.WrapInvalid(
			fmt.Errorf("%w: frames must be uint8, got %s", errors.ErrInvalidData, p.DType),
			component, "frameGeometry", "check dtype")
	}
	var g geometry
	switch len(p.Shape) {
	case 2:
		g = geometry{height: int(p.Shape[0]), width: int(p.Shape[1]), channels: 1}
	case 3:
		g = geometry{height: int(p.Shape[0]), width: int(p.Shape[1]), channels: int(p.Shape[2])}
	default:
		return geometry{}, errors.WrapInvalid(
			fmt.Errorf("%w: frame shape %v", errors.ErrInvalidData, p.Shape),
			component, "frameGeometry", "check shape")
	}
	if g.pixels() == 0 || g.channels == 0 {
		return geometry{}, errors.WrapInvalid(
			fmt.Errorf("%w: empty frame %v", errors.ErrInvalidData, p.Shape),
			component, "frameGeometry", "check shape")
	}
	if err := p.Validate(); err != nil {
		return geometry{}, err
	}
	return g, nil
}

// luma returns the single-channel brightness of a frame. Gray frames are
// returned as is.
func luma(p message.Payload, g geometry) []byte {
	if g.channels == 1 {
		return p.Data
	}
	out := make([]byte, g.pixels())
	for i := range out {
		px := p.Data[i*g.channels:]
		if g.channels < 3 {
			out[i] = px[0]
			continue
		}
		out[i] = byte((299*int(px[0]) + 587*int(px[1]) + 114*int(px[2])) / 1000)
	}
	return out
}

// GrayFrame builds a single-channel payload.
func GrayFrame(width, height int, data []byte) message.Payload {
	return message.Payload{
		Shape: []uint32{uint32(height), uint32(width)},
		DType: message.DTypeUint8,
		Data:  data,
	}
}
