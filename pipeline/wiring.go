// Package pipeline assembles the stages of the video pipeline.
//
// The supervisor process resolves every channel name once into a Plan and
// hands each stage process its Wiring: the run id, the full endpoint table,
// the names of the channels the stage owns and the configuration. Stage
// processes never resolve names themselves, so a run cannot disagree with
// itself about where a channel lives.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"

	"github.com/epeer1/axon-vision-ha/config"
	"github.com/epeer1/axon-vision-ha/errors"
	"github.com/epeer1/axon-vision-ha/logbus"
	"github.com/epeer1/axon-vision-ha/supervisor"
	"github.com/epeer1/axon-vision-ha/transport"
)

// Stage names in pipeline order.
const (
	StageSource   = "source"
	StageAnalyzer = "analyzer"
	StageRenderer = "renderer"
)

// Stages lists the stages in the order they are started.
var Stages = []string{StageSource, StageAnalyzer, StageRenderer}

// PreviewChannel is the fan-out channel from the renderer to the preview server.
const PreviewChannel = "preview"

// dataChannelNames maps the short stage names to the data channel names.
var dataChannelNames = map[string]string{
	StageSource:   "src",
	StageAnalyzer: "analyzer",
	StageRenderer: "renderer",
}

// DataChannel names the ordered channel between two adjacent stages,
// e.g. "src->analyzer".
func DataChannel(from, to string) string {
	return short(from) + "->" + short(to)
}

func short(stage string) string {
	if s, ok := dataChannelNames[stage]; ok {
		return s
	}
	return stage
}

// ChannelNames returns every channel of a pipeline over stages in the
// order they are resolved: data channels first, then control, command and
// log channels per stage, then the preview channel.
func ChannelNames(stages []string) []string {
	names := make([]string, 0, 4*len(stages))
	for i := 1; i < len(stages); i++ {
		names = append(names, DataChannel(stages[i-1], stages[i]))
	}
	for _, s := range stages {
		names = append(names, supervisor.ControlName(s), supervisor.CommandName(s), logbus.ChannelName(s))
	}
	return append(names, PreviewChannel)
}

// Plan is the resolved layout of one run.
type Plan struct {
	RunID     string
	Kind      transport.Kind
	SocketDir string // empty for TCP
	Endpoints transport.Table

	ownsDir bool
}

// NewPlan resolves the channels of a run. Unix sockets go to the configured
// socket directory or to a fresh per-run directory under the system temp dir.
func NewPlan(cfg *config.Config, runID string) *Plan {
	caps := transport.DetectCapabilities()
	sel := transport.NewSelector(caps, cfg.Transport.ForceTCP, transport.SelectorConfig{
		SocketDir: cfg.Transport.SocketDir,
		Host:      cfg.Transport.Host,
		BasePort:  cfg.Transport.BasePort,
	})

	p := &Plan{RunID: runID, Kind: sel.Kind()}
	if p.Kind == transport.KindUnix {
		p.SocketDir = cfg.Transport.SocketDir
		if p.SocketDir == "" {
			id := runID
			if len(id) > 8 {
				id = id[:8]
			}
			p.SocketDir = filepath.Join(os.TempDir(), "vp-"+id)
			p.ownsDir = true
		}
		sel = transport.NewSelector(caps, cfg.Transport.ForceTCP, transport.SelectorConfig{
			SocketDir: p.SocketDir,
			Host:      cfg.Transport.Host,
			BasePort:  cfg.Transport.BasePort,
		})
	}
	p.Endpoints = sel.Resolve(ChannelNames(Stages))
	return p
}

// Prepare creates the socket directory.
func (p *Plan) Prepare() error {
	if p.SocketDir == "" {
		return nil
	}
	if err := os.MkdirAll(p.SocketDir, 0o700); err != nil {
		return errors.WrapFatal(err, "Plan", "Prepare", "create socket dir")
	}
	return nil
}

// Cleanup removes the socket directory if the plan created it.
func (p *Plan) Cleanup() error {
	if !p.ownsDir {
		return nil
	}
	return os.RemoveAll(p.SocketDir)
}

// Wiring returns what the stage at index i needs to join the run.
func (p *Plan) Wiring(i int, cfg *config.Config) Wiring {
	w := Wiring{
		RunID:     p.RunID,
		Stage:     Stages[i],
		Endpoints: p.Endpoints.Endpoints(),
		Config:    cfg,
		table:     p.Endpoints,
	}
	if i > 0 {
		w.Input = DataChannel(Stages[i-1], Stages[i])
	}
	if i < len(Stages)-1 {
		w.Output = DataChannel(Stages[i], Stages[i+1])
	} else {
		w.Tap = PreviewChannel
	}
	return w
}

// Wiring is handed to a stage process in supervisor.WiringEnv.
type Wiring struct {
	RunID     string               `json:"run_id"`
	Stage     string               `json:"stage"`
	Input     string               `json:"input,omitempty"`
	Output    string               `json:"output,omitempty"`
	Tap       string               `json:"tap,omitempty"`
	Endpoints []transport.Endpoint `json:"endpoints"`
	Config    *config.Config       `json:"config"`

	table transport.Table
}

// Marshal encodes w for the stage environment.
func (w Wiring) Marshal() ([]byte, error) {
	data, err := sonic.Marshal(w)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Wiring", "Marshal", "encode wiring")
	}
	return data, nil
}

// ParseWiring decodes and validates a wiring.
func ParseWiring(data []byte) (*Wiring, error) {
	var w Wiring
	if err := sonic.Unmarshal(data, &w); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"Wiring", "Parse", "decode wiring")
	}
	w.table = transport.NewTable(w.Endpoints...)
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// WiringFromEnv reads the wiring the supervisor passed to this process.
func WiringFromEnv() (*Wiring, error) {
	data := os.Getenv(supervisor.WiringEnv)
	if data == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s is not set", errors.ErrMissingConfig, supervisor.WiringEnv),
			"Wiring", "FromEnv", "read environment")
	}
	return ParseWiring([]byte(data))
}

// Validate checks that every channel the stage uses has an endpoint.
func (w *Wiring) Validate() error {
	if w.Config == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: no config", errors.ErrMissingConfig),
			"Wiring", "Validate", "check config")
	}
	if err := w.Config.Validate(); err != nil {
		return err
	}

	known := false
	for _, s := range Stages {
		known = known || s == w.Stage
	}
	if !known {
		return errors.WrapInvalid(fmt.Errorf("%w: unknown stage %q", errors.ErrInvalidConfig, w.Stage),
			"Wiring", "Validate", "check stage")
	}

	for _, name := range w.channels() {
		if _, ok := w.table.Endpoint(name); !ok {
			return errors.WrapInvalid(fmt.Errorf("%w: no endpoint for %s", errors.ErrMissingConfig, name),
				"Wiring", "Validate", "check endpoints")
		}
	}
	return nil
}

// channels lists the names the stage binds or connects to.
func (w *Wiring) channels() []string {
	names := []string{
		supervisor.ControlName(w.Stage),
		supervisor.CommandName(w.Stage),
		logbus.ChannelName(w.Stage),
	}
	for _, n := range []string{w.Input, w.Output, w.Tap} {
		if n != "" {
			names = append(names, n)
		}
	}
	return names
}

// Endpoint looks up a channel of the wiring.
func (w *Wiring) Endpoint(name string) transport.Endpoint {
	return w.table.MustEndpoint(name)
}
