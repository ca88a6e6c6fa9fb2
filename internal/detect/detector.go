// Package detect finds failure signatures in captured output.
//
// A Detector keeps a cursor (the highest sequence number it has scanned), so
// repeated scans over the same buffer never report the same line twice.
package detect

import (
	"sync"

	"github.com/benaskins/watchmin/internal/logbuf"
)

// DefaultPatterns are the substrings matched when no rules are configured.
var DefaultPatterns = []string{"error", "exception", "traceback"}

const defaultMaxEvidence = 20

// Result is the outcome of a scan.
type Result struct {
	Detected bool
	Evidence []logbuf.Record
	Rule     string // first rule that matched
	Missed   uint64 // records evicted from the buffer before they were scanned
}

// Lines returns the evidence lines verbatim.
func (r Result) Lines() []string {
	lines := make([]string, len(r.Evidence))
	for i, rec := range r.Evidence {
		lines[i] = rec.Line
	}
	return lines
}

// Detector scans buffer snapshots for lines matching any rule.
type Detector struct {
	mu          sync.Mutex
	rules       []Rule
	ignore      []Rule
	cursor      uint64
	maxEvidence int
	pending     []match // observed matches not yet reported by Scan
}

type match struct {
	rec  logbuf.Record
	rule string
}

// Option configures a Detector.
type Option func(*Detector)

// WithIgnore suppresses lines matching any of the given rules.
func WithIgnore(rules ...Rule) Option {
	return func(d *Detector) {
		d.ignore = append(d.ignore, rules...)
	}
}

// WithMaxEvidence caps how many matching lines a result carries.
func WithMaxEvidence(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.maxEvidence = n
		}
	}
}

// WithRules adds rules to the detector. Rules shared between detectors must
// be safe for concurrent use.
func WithRules(rules ...Rule) Option {
	return func(d *Detector) {
		d.rules = append(d.rules, rules...)
	}
}

// New creates a detector over the given rules.
func New(rules []Rule, opts ...Option) *Detector {
	d := &Detector{
		rules:       append([]Rule(nil), rules...),
		maxEvidence: defaultMaxEvidence,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Default returns a detector for DefaultPatterns.
func Default(opts ...Option) *Detector {
	rules := make([]Rule, len(DefaultPatterns))
	for i, p := range DefaultPatterns {
		rules[i] = Substring(p)
	}
	return New(rules, opts...)
}

// Observe checks a single record as it is appended and holds a match until
// the next Scan. Attached to a buffer with logbuf.Ring.Observe, no record can
// be evicted before the detector has seen it.
func (d *Detector) Observe(rec logbuf.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if rec.Seq <= d.cursor {
		return
	}
	d.cursor = rec.Seq
	if rule := d.match(rec); rule != nil && len(d.pending) < d.maxEvidence {
		d.pending = append(d.pending, match{rec: rec, rule: rule.String()})
	}
}

// Scan reports observed matches plus any records in snapshot appended since
// the previous scan, and advances the cursor past everything in snapshot.
func (d *Detector) Scan(snapshot []logbuf.Record) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	var res Result
	add := func(rec logbuf.Record, rule string) {
		if !res.Detected {
			res.Detected = true
			res.Rule = rule
		}
		if len(res.Evidence) < d.maxEvidence {
			res.Evidence = append(res.Evidence, rec)
		}
	}

	for _, m := range d.pending {
		add(m.rec, m.rule)
	}
	d.pending = nil

	for _, rec := range snapshot {
		if rec.Seq <= d.cursor {
			continue
		}
		if rec.Seq > d.cursor+1 {
			res.Missed += rec.Seq - d.cursor - 1
		}
		d.cursor = rec.Seq

		if rule := d.match(rec); rule != nil {
			add(rec, rule.String())
		}
	}
	return res
}

func (d *Detector) match(rec logbuf.Record) Rule {
	for _, ig := range d.ignore {
		if ig.Match(rec) {
			return nil
		}
	}
	for _, r := range d.rules {
		if r.Match(rec) {
			return r
		}
	}
	return nil
}

// Cursor returns the highest sequence number scanned so far.
func (d *Detector) Cursor() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor
}

// Skip moves the cursor forward to seq without scanning and drops observed
// matches at or before seq.
func (d *Detector) Skip(seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq > d.cursor {
		d.cursor = seq
	}
	kept := d.pending[:0]
	for _, m := range d.pending {
		if m.rec.Seq > seq {
			kept = append(kept, m)
		}
	}
	d.pending = kept
}

// Rules describes the configured rules.
func (d *Detector) Rules() []string {
	names := make([]string, len(d.rules))
	for i, r := range d.rules {
		names[i] = r.String()
	}
	return names
}
