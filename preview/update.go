package preview

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/bytedance/sonic"

	"github.com/epeer1/axon-vision-ha/errors"
	"github.com/epeer1/axon-vision-ha/message"
)

// Update types sent to clients as text messages
const (
	TypeFrame = "frame"
	TypeEnd   = "end"
)

// Update is the JSON header of one preview message. A frame update is
// followed by one binary message with the JPEG image.
type Update struct {
	Type       string              `json:"type"`
	FrameID    uint64              `json:"frame_id"`
	Timestamp  float64             `json:"timestamp,omitempty"`
	Width      int                 `json:"width,omitempty"`
	Height     int                 `json:"height,omitempty"`
	Flags      uint32              `json:"flags,omitempty"`
	Detections []message.Detection `json:"detections,omitempty"`
	Format     string              `json:"format,omitempty"`
	Reason     string              `json:"reason,omitempty"`
}

// encoded is an update ready to be written to any client.
type encoded struct {
	header []byte
	image  []byte
}

func encodeFrame(env *message.Envelope, quality int) (*encoded, error) {
	img, err := toImage(env.Payload)
	if err != nil {
		return nil, err
	}
	detections, err := env.Detections()
	if err != nil {
		return nil, errors.WrapInvalid(err, "preview", "encodeFrame", "read detections")
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, errors.WrapInvalid(err, "preview", "encodeFrame", "encode jpeg")
	}

	b := img.Bounds()
	header, err := sonic.Marshal(Update{
		Type:       TypeFrame,
		FrameID:    env.FrameID,
		Timestamp:  env.Timestamp,
		Width:      b.Dx(),
		Height:     b.Dy(),
		Flags:      uint32(env.Flags),
		Detections: detections,
		Format:     "jpeg",
	})
	if err != nil {
		return nil, errors.WrapInvalid(err, "preview", "encodeFrame", "marshal header")
	}
	return &encoded{header: header, image: buf.Bytes()}, nil
}

func encodeEnd(lastFrameID uint64, reason string) (*encoded, error) {
	header, err := sonic.Marshal(Update{Type: TypeEnd, FrameID: lastFrameID, Reason: reason})
	if err != nil {
		return nil, errors.WrapInvalid(err, "preview", "encodeEnd", "marshal header")
	}
	return &encoded{header: header}, nil
}

// toImage wraps a uint8 gray or RGB payload as an image without copying
// gray data.
func toImage(p message.Payload) (image.Image, error) {
	if p.DType != message.DTypeUint8 || len(p.Shape) < 2 || len(p.Shape) > 3 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: cannot preview %s frame of shape %v", errors.ErrInvalidData, p.DType, p.Shape),
			"preview", "toImage", "check frame")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	h, w := int(p.Shape[0]), int(p.Shape[1])
	channels := 1
	if len(p.Shape) == 3 {
		channels = int(p.Shape[2])
	}
	if w == 0 || h == 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: empty frame", errors.ErrInvalidData),
			"preview", "toImage", "check frame")
	}

	switch channels {
	case 1:
		return &image.Gray{Pix: p.Data, Stride: w, Rect: image.Rect(0, 0, w, h)}, nil
	case 3:
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for i := 0; i < w*h; i++ {
			px := p.Data[i*3:]
			img.SetRGBA(i%w, i/w, color.RGBA{R: px[0], G: px[1], B: px[2], A: 255})
		}
		return img, nil
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %d channels", errors.ErrInvalidData, channels),
			"preview", "toImage", "check channels")
	}
}
