package detect

import "errors"

// Config lists rule sources. With no Patterns, Regex, Expr or WithRules
// option the detector falls back to DefaultPatterns.
type Config struct {
	Patterns []string
	Regex    []string
	Expr     []string
	Ignore   []string
}

// FromConfig builds a detector from cfg. Ignore entries are substrings.
func FromConfig(cfg Config, opts ...Option) (*Detector, error) {
	var rules []Rule
	for _, p := range cfg.Patterns {
		rules = append(rules, Substring(p))
	}

	var errs []error
	for _, p := range cfg.Regex {
		r, err := Regexp(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rules = append(rules, r)
	}
	for _, src := range cfg.Expr {
		r, err := Expr(src)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rules = append(rules, r)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	var ignore []Rule
	for _, s := range cfg.Ignore {
		ignore = append(ignore, Substring(s))
	}
	opts = append([]Option{WithIgnore(ignore...)}, opts...)

	d := New(rules, opts...)
	if len(d.rules) == 0 {
		for _, p := range DefaultPatterns {
			d.rules = append(d.rules, Substring(p))
		}
	}
	return d, nil
}
