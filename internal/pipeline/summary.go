package pipeline

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hed1ad/abuseguard/pkg/features"
	"github.com/hed1ad/abuseguard/pkg/traffic"
)

// Write prints a human-readable report of the run.
func (s Summary) Write(w io.Writer) error {
	p := &printer{w: w}

	p.line("Training data (%s)", s.Source)
	p.line("  normal samples:  %d", s.Counts.Normal)
	if s.Counts.Abuse() > 0 {
		p.line("  abusive samples: %d", s.Counts.Abuse())
		for _, b := range traffic.Buckets[1:] {
			p.line("    %-6s %d", b.String()+":", s.Counts.Of(b))
		}
	}
	p.line("  total samples:   %d", s.Counts.Total())
	for i, r := range s.Ranges {
		name := fmt.Sprintf("feature %d", i)
		if i < len(features.Names) {
			name = features.Names[i]
		}
		p.line("  %-11s [%.2f, %.2f]", name+":", r.Min, r.Max)
	}

	p.line("")
	p.line("Model")
	p.line("  trees:       %d (%d nodes, max depth %d)", s.Forest.Trees, s.Forest.Nodes, s.Forest.MaxDepth)
	p.line("  subsample:   %d", s.SampleSize)
	p.line("  anomalies:   %d (%.1f%%)", s.Anomalies, 100*s.AnomalyShare())
	p.line("  score range: [%.3f, %.3f]", s.Statistics.Min, s.Statistics.Max)

	if len(s.Probes) > 0 {
		p.line("")
		p.line("Risk assessment (warn > %.2f, block > %.2f)", s.Thresholds.Warn, s.Thresholds.Block)
		p.line("  %s", strings.Repeat("-", 72))
		for _, r := range s.Probes {
			p.line("  %-32s | risk %.3f | %-5s | rank %3.0f%%",
				r.Name, r.Assessment.Risk, r.Assessment.Tier, 100*r.Rank)
			p.line("    rps=%.1f burstiness=%.1f", r.Vector.RPS, r.Vector.Burstiness)
		}
		p.line("  %s", strings.Repeat("-", 72))
	}

	p.line("")
	p.line("Artifact")
	p.line("  path: %s", s.Artifact.Path)
	p.line("  size: %.2f KB", float64(s.Artifact.Bytes)/1024)
	if s.MetricsFile != "" {
		p.line("  metrics: %s", s.MetricsFile)
	}
	p.line("  elapsed: %s", s.Elapsed.Round(time.Millisecond))
	return p.err
}

// printer keeps the first write error.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) line(format string, args ...any) {
	if p.err != nil {
		return
	}
	if _, p.err = fmt.Fprintf(p.w, format, args...); p.err == nil {
		_, p.err = io.WriteString(p.w, "\n")
	}
}
