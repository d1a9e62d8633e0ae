package message

// Detection is one region of interest found by an analyzer.
type Detection struct {
	BBox       [4]int  `json:"bbox"` // x, y, width, height
	Confidence float64 `json:"confidence"`
	Type       string  `json:"type"`
	Area       int     `json:"area"`
}

// SetDetections stores detections in the envelope metadata and updates DetectionCount.
func (e *Envelope) SetDetections(ds []Detection) error {
	if ds == nil {
		ds = []Detection{}
	}
	if err := e.Metadata.Set(MetaDetections, ds); err != nil {
		return err
	}
	e.DetectionCount = uint32(len(ds))
	return nil
}

// Detections decodes the detections stored in the envelope metadata.
func (e *Envelope) Detections() ([]Detection, error) {
	var ds []Detection
	if _, err := e.Metadata.Get(MetaDetections, &ds); err != nil {
		return nil, err
	}
	return ds, nil
}
