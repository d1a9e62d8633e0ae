package stage

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/epeer1/axon-vision-ha/message"
)

type analyzerProcessor struct {
	analyzer Analyzer
	features Features
}

// AnalyzerProcessor runs a on every frame and records the detections, the
// analysis details and the applied features in the envelope.
func AnalyzerProcessor(a Analyzer, f Features) Processor {
	return &analyzerProcessor{analyzer: a, features: f}
}

func (p *analyzerProcessor) Process(ctx context.Context, env *message.Envelope) (*message.Envelope, error) {
	result, err := p.analyzer.Analyze(ctx, env.Payload)
	if err != nil {
		return nil, fmt.Errorf("analyze frame %d: %w", env.FrameID, err)
	}

	out := derive(env)
	if err := out.SetDetections(result.Detections); err != nil {
		return nil, fmt.Errorf("store detections: %w", err)
	}
	if result.Method != "" {
		if err := out.Metadata.Set(message.MetaDetectionMethod, result.Method); err != nil {
			return nil, err
		}
	}
	for _, k := range slices.Sorted(maps.Keys(result.Details)) {
		if err := out.Metadata.Set(k, result.Details[k]); err != nil {
			return nil, fmt.Errorf("store %s: %w", k, err)
		}
	}
	if err := out.Metadata.Set(message.MetaFeatures, p.features); err != nil {
		return nil, err
	}

	out.Flags |= message.FlagAnalyzed
	if len(result.Detections) > 0 {
		out.Flags |= message.FlagMotion
	}
	return out, nil
}

type rendererProcessor struct {
	renderer Renderer
	features Features
}

// RendererProcessor renders every frame using the detections an upstream
// analyzer stored in the envelope.
func RendererProcessor(r Renderer, f Features) Processor {
	return &rendererProcessor{renderer: r, features: f}
}

func (p *rendererProcessor) Process(ctx context.Context, env *message.Envelope) (*message.Envelope, error) {
	detections, err := env.Detections()
	if err != nil {
		return nil, fmt.Errorf("read detections of frame %d: %w", env.FrameID, err)
	}
	result := AnalysisResult{Detections: detections}
	_, _ = env.Metadata.Get(message.MetaDetectionMethod, &result.Method)

	payload, err := p.renderer.Render(ctx, env.Payload, result)
	if err != nil {
		return nil, fmt.Errorf("render frame %d: %w", env.FrameID, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	out := derive(env)
	out.Payload = payload
	if p.features.Annotate {
		out.Flags |= message.FlagAnnotated
	}
	if p.features.Blur && len(detections) > 0 {
		out.Flags |= message.FlagBlurred
	}
	return out, nil
}

// derive copies env so that metadata can be changed without touching the
// received envelope. The payload is shared.
func derive(env *message.Envelope) *message.Envelope {
	out := *env
	out.Metadata = env.Metadata.Clone()
	return &out
}
