// Package transport picks the inter-process transport for the host and
// provides the framed stream connections that channels are built on.
//
// A Selector turns the logical endpoint names of a pipeline into concrete
// addresses. Resolution is pure: every process that resolves the same names
// with the same configuration gets the same table, which is how the stages of
// one pipeline agree on where to bind and where to connect without talking to
// each other first.
//
// Unix domain sockets are used where the platform has them. Otherwise, or
// when the TCP override is set, endpoints are loopback TCP ports allocated
// from a base port in the order the names are given.
package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Kind is the transport family of an endpoint.
type Kind string

const (
	KindUnix Kind = "ipc"
	KindTCP  Kind = "tcp"
)

// Endpoint is a resolved channel address.
type Endpoint struct {
	Name    string `json:"name"`
	Kind    Kind   `json:"kind"`
	Address string `json:"address"` // socket path or host:port
}

// Network returns the net package network name for the endpoint.
func (e Endpoint) Network() string {
	if e.Kind == KindUnix {
		return "unix"
	}
	return "tcp"
}

func (e Endpoint) String() string {
	return string(e.Kind) + "://" + e.Address
}

// Capabilities describes what the host supports.
type Capabilities struct {
	UnixSockets bool
}

// DetectCapabilities reports the capabilities of the running platform.
func DetectCapabilities() Capabilities {
	return Capabilities{UnixSockets: runtime.GOOS != "windows"}
}

// SelectorConfig holds the address space endpoints are resolved into.
type SelectorConfig struct {
	SocketDir string // directory for unix socket files
	Host      string // loopback host for TCP endpoints
	BasePort  int    // port of the first TCP endpoint
}

const (
	DefaultHost     = "127.0.0.1"
	DefaultBasePort = 5555
)

// DefaultSelectorConfig returns the default address space.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		SocketDir: os.TempDir(),
		Host:      DefaultHost,
		BasePort:  DefaultBasePort,
	}
}

// Selector chooses the transport and resolves endpoint names.
type Selector struct {
	caps     Capabilities
	forceTCP bool
	cfg      SelectorConfig
}

// NewSelector creates a selector. Empty config fields take their defaults.
func NewSelector(caps Capabilities, forceTCP bool, cfg SelectorConfig) *Selector {
	def := DefaultSelectorConfig()
	if cfg.SocketDir == "" {
		cfg.SocketDir = def.SocketDir
	}
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.BasePort <= 0 {
		cfg.BasePort = def.BasePort
	}
	return &Selector{caps: caps, forceTCP: forceTCP, cfg: cfg}
}

// Kind returns the transport family every endpoint resolves to.
func (s *Selector) Kind() Kind {
	if s.caps.UnixSockets && !s.forceTCP {
		return KindUnix
	}
	return KindTCP
}

// Resolve maps names to endpoints. TCP ports are assigned by each name's
// position in names; a repeated name keeps its first position.
func (s *Selector) Resolve(names []string) Table {
	t := Table{endpoints: make(map[string]Endpoint, len(names))}
	kind := s.Kind()
	for i, name := range names {
		if _, dup := t.endpoints[name]; dup {
			continue
		}
		ep := Endpoint{Name: name, Kind: kind}
		if kind == KindUnix {
			ep.Address = filepath.Join(s.cfg.SocketDir, socketFileName(name))
		} else {
			ep.Address = s.cfg.Host + ":" + strconv.Itoa(s.cfg.BasePort+i)
		}
		t.endpoints[name] = ep
		t.names = append(t.names, name)
	}
	return t
}

// Table is an immutable set of resolved endpoints.
type Table struct {
	endpoints map[string]Endpoint
	names     []string
}

// NewTable builds a table from endpoints resolved elsewhere, for example
// by the supervisor of a stage process. A repeated name keeps its first
// endpoint.
func NewTable(eps ...Endpoint) Table {
	t := Table{endpoints: make(map[string]Endpoint, len(eps))}
	for _, ep := range eps {
		if _, dup := t.endpoints[ep.Name]; dup {
			continue
		}
		t.endpoints[ep.Name] = ep
		t.names = append(t.names, ep.Name)
	}
	return t
}

// Endpoints returns the endpoints in resolution order.
func (t Table) Endpoints() []Endpoint {
	out := make([]Endpoint, 0, len(t.names))
	for _, name := range t.names {
		out = append(out, t.endpoints[name])
	}
	return out
}

// Endpoint looks up a resolved endpoint by name.
func (t Table) Endpoint(name string) (Endpoint, bool) {
	ep, ok := t.endpoints[name]
	return ep, ok
}

// MustEndpoint is Endpoint for names the caller itself resolved.
func (t Table) MustEndpoint(name string) Endpoint {
	ep, ok := t.endpoints[name]
	if !ok {
		panic(fmt.Sprintf("transport: endpoint %q not resolved", name))
	}
	return ep
}

// Names returns the resolved names in resolution order.
func (t Table) Names() []string {
	return append([]string(nil), t.names...)
}

func (t Table) Len() int {
	return len(t.names)
}

var socketNameReplacer = strings.NewReplacer("->", "-to-", "/", "_", "\\", "_", ":", "_", " ", "_")

func socketFileName(name string) string {
	return socketNameReplacer.Replace(name) + ".sock"
}
