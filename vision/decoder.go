package vision

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"github.com/epeer1/axon-vision-ha/errors"
	"github.com/epeer1/axon-vision-ha/message"
	"github.com/epeer1/axon-vision-ha/stage"
)

// Synthetic frame defaults
const (
	DefaultWidth      = 320
	DefaultHeight     = 240
	syntheticBG       = 48
	syntheticFG       = 230
	defaultBoxSize    = 64
	defaultBoxStep    = 16
	maxRawFrameLength = 64 << 20
)

// SyntheticDecoder generates gray frames of a bright box sliding across a
// dark background. The box bounces off the edges.
type SyntheticDecoder struct {
	width, height int
	frames        int
	box, step     int

	next int
	x, y int
	dir  int
}

// NewSyntheticDecoder generates frames frames of width x height. Zero sizes
// take the defaults.
func NewSyntheticDecoder(width, height, frames int) *SyntheticDecoder {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	box := max(min(defaultBoxSize, width/2, height/2), 1)
	return &SyntheticDecoder{
		width:  width,
		height: height,
		frames: frames,
		box:    box,
		step:   max(defaultBoxStep*box/defaultBoxSize, 1),
		y:      (height - box) / 2,
		dir:    1,
	}
}

// Next renders the next frame.
func (d *SyntheticDecoder) Next(ctx context.Context) (message.Payload, error) {
	if err := ctx.Err(); err != nil {
		return message.Payload{}, err
	}
	if d.next >= d.frames {
		return message.Payload{}, stage.ErrEndOfInput
	}
	d.next++

	data := make([]byte, d.width*d.height)
	for i := range data {
		data[i] = syntheticBG
	}
	for row := d.y; row < d.y+d.box; row++ {
		line := data[row*d.width:]
		for col := d.x; col < d.x+d.box; col++ {
			line[col] = syntheticFG
		}
	}

	d.x += d.dir * d.step
	if d.x+d.box > d.width || d.x < 0 {
		d.dir = -d.dir
		d.x = max(0, min(d.x, d.width-d.box))
	}
	return GrayFrame(d.width, d.height, data), nil
}

// RawFileDecoder reads concatenated raw gray frames of a fixed size.
type RawFileDecoder struct {
	path          string
	width, height int

	f    *os.File
	r    *bufio.Reader
	read int
}

// NewRawFileDecoder opens path.
func NewRawFileDecoder(path string, width, height int) (*RawFileDecoder, error) {
	if width <= 0 || height <= 0 || width*height > maxRawFrameLength {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: frame size %dx%d", errors.ErrInvalidConfig, width, height),
			"RawFileDecoder", "NewRawFileDecoder", "check frame size")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "RawFileDecoder", "NewRawFileDecoder", "open "+path)
	}
	return &RawFileDecoder{
		path:   path,
		width:  width,
		height: height,
		f:      f,
		r:      bufio.NewReaderSize(f, width*height),
	}, nil
}

// Next reads one frame. A partial trailing frame is an error.
func (d *RawFileDecoder) Next(ctx context.Context) (message.Payload, error) {
	if err := ctx.Err(); err != nil {
		return message.Payload{}, err
	}
	data := make([]byte, d.width*d.height)
	_, err := io.ReadFull(d.r, data)
	switch {
	case err == nil:
		d.read++
		return GrayFrame(d.width, d.height, data), nil
	case stderrors.Is(err, io.EOF):
		return message.Payload{}, stage.ErrEndOfInput
	case stderrors.Is(err, io.ErrUnexpectedEOF):
		return message.Payload{}, errors.WrapInvalid(
			fmt.Errorf("%w: truncated frame %d in %s", errors.ErrInvalidData, d.read, d.path),
			"RawFileDecoder", "Next", "read frame")
	default:
		return message.Payload{}, errors.WrapTransient(err, "RawFileDecoder", "Next", "read frame")
	}
}

// Frames returns how many frames were read
func (d *RawFileDecoder) Frames() int {
	return d.read
}

func (d *RawFileDecoder) Close() error {
	return d.f.Close()
}
