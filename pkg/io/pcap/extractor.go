package pcap

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/hed1ad/abuseguard/pkg/features"
	dataio "github.com/hed1ad/abuseguard/pkg/io"
)

// DefaultWindow is the tumbling window length used to aggregate requests.
const DefaultWindow = 60 * time.Second

var _ dataio.FeatureExtractor = (*Extractor)(nil)

// Option configures an Extractor.
type Option func(*Extractor)

// WithPort counts only segments sent to port. Zero accepts any port.
func WithPort(port uint16) Option {
	return func(e *Extractor) {
		e.port = layers.TCPPort(port)
	}
}

// WithWindow sets the aggregation window.
func WithWindow(d time.Duration) Option {
	return func(e *Extractor) {
		e.window = d
	}
}

// WithMinRequests drops windows with fewer requests than n.
func WithMinRequests(n int) Option {
	return func(e *Extractor) {
		e.minRequests = n
	}
}

// Stats counts what the extractor has seen.
type Stats struct {
	Packets  int
	Requests int
	Windows  int
}

// Extractor groups API requests by client IP into tumbling windows and turns
// each window into a feature vector.
//
// A request is a TCP segment carrying payload to the API port. Windows are
// aligned to the first request seen; packets that arrive out of order are
// credited to the current window.
type Extractor struct {
	port        layers.TCPPort
	window      time.Duration
	minRequests int

	origin  time.Time
	current int64
	started bool
	clients map[string]*features.Window
	last    map[string]time.Time
	stats   Stats
}

// NewExtractor creates an extractor with a 60 s window accepting any port.
func NewExtractor(opts ...Option) (*Extractor, error) {
	e := &Extractor{
		window:      DefaultWindow,
		minRequests: 1,
		clients:     make(map[string]*features.Window),
		last:        make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.window <= 0 {
		return nil, fmt.Errorf("pcap window must be positive, got %s", e.window)
	}
	if e.minRequests < 1 {
		e.minRequests = 1
	}
	return e, nil
}

// Stats returns counters accumulated so far.
func (e *Extractor) Stats() Stats {
	return e.stats
}

// FeatureNames returns the names of extracted features.
func (e *Extractor) FeatureNames() []string {
	return append([]string(nil), features.Names...)
}

// Extract consumes a gopacket.Packet.
func (e *Extractor) Extract(data any) ([]dataio.Observation, error) {
	p, ok := data.(gopacket.Packet)
	if !ok {
		return nil, fmt.Errorf("pcap extractor wants gopacket.Packet, got %T", data)
	}
	return e.ExtractPacket(p), nil
}

// ExtractPacket consumes one packet and returns the windows it closes.
func (e *Extractor) ExtractPacket(p gopacket.Packet) []dataio.Observation {
	e.stats.Packets++

	src, ts, ok := e.request(p)
	if !ok {
		return nil
	}
	e.stats.Requests++

	if !e.started {
		e.origin = ts
		e.started = true
	}

	var out []dataio.Observation
	if idx := e.index(ts); idx > e.current {
		out = e.closeWindows()
		e.current = idx
	}

	w, ok := e.clients[src]
	if !ok {
		w = features.NewWindow(e.window)
		e.clients[src] = w
	}
	if last, seen := e.last[src]; seen && ts.Before(last) {
		ts = last
	}
	e.last[src] = ts
	w.Add(ts)
	return out
}

// Flush closes every open window.
func (e *Extractor) Flush() []dataio.Observation {
	return e.closeWindows()
}

func (e *Extractor) index(ts time.Time) int64 {
	return int64(ts.Sub(e.origin) / e.window)
}

// closeWindows emits the current window of every client ordered by source.
func (e *Extractor) closeWindows() []dataio.Observation {
	if len(e.clients) == 0 {
		return nil
	}

	sources := make([]string, 0, len(e.clients))
	for src := range e.clients {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	start := e.origin.Add(time.Duration(e.current) * e.window)
	var out []dataio.Observation
	for _, src := range sources {
		w := e.clients[src]
		if w.Len() >= e.minRequests {
			out = append(out, dataio.Observation{Source: src, Start: start, Vector: w.Vector()})
			e.stats.Windows++
		}
	}
	clear(e.clients)
	clear(e.last)
	return out
}

// request reports the client address and timestamp of p when it is an API
// request.
func (e *Extractor) request(p gopacket.Packet) (string, time.Time, bool) {
	tcpLayer := p.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return "", time.Time{}, false
	}
	tcp := tcpLayer.(*layers.TCP)
	if len(tcp.Payload) == 0 {
		return "", time.Time{}, false
	}
	if e.port != 0 && tcp.DstPort != e.port {
		return "", time.Time{}, false
	}

	var src string
	if ip := p.Layer(layers.LayerTypeIPv4); ip != nil {
		src = ip.(*layers.IPv4).SrcIP.String()
	} else if ip := p.Layer(layers.LayerTypeIPv6); ip != nil {
		src = ip.(*layers.IPv6).SrcIP.String()
	} else {
		return "", time.Time{}, false
	}

	md := p.Metadata()
	if md == nil || md.Timestamp.IsZero() {
		return "", time.Time{}, false
	}
	return src, md.Timestamp, true
}
