package detect

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/benaskins/watchmin/internal/logbuf"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Rule decides whether a single captured line is a failure signature.
type Rule interface {
	Match(rec logbuf.Record) bool
	String() string
}

type substringRule struct {
	needle string
}

// Substring matches lines containing s, ignoring case.
func Substring(s string) Rule {
	return substringRule{needle: strings.ToLower(s)}
}

func (r substringRule) Match(rec logbuf.Record) bool {
	return strings.Contains(strings.ToLower(rec.Line), r.needle)
}

func (r substringRule) String() string { return fmt.Sprintf("substring %q", r.needle) }

type regexpRule struct {
	re *regexp.Regexp
}

// Regexp matches lines against pattern. Case-insensitive unless the pattern
// sets its own flags.
func Regexp(pattern string) (Rule, error) {
	if !strings.HasPrefix(pattern, "(?") {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling regexp %q: %w", pattern, err)
	}
	return regexpRule{re: re}, nil
}

func (r regexpRule) Match(rec logbuf.Record) bool { return r.re.MatchString(rec.Line) }

func (r regexpRule) String() string { return fmt.Sprintf("regexp %q", r.re.String()) }

type exprRule struct {
	src     string
	program *vm.Program
}

// exprEnv is the environment visible to expression rules.
func exprEnv(rec logbuf.Record) map[string]any {
	return map[string]any{
		"line":   rec.Line,
		"lower":  strings.ToLower(rec.Line),
		"stream": string(rec.Stream),
		"time":   rec.Time,
	}
}

// Expr compiles an expr-lang condition over line, lower, stream and time,
// e.g. `stream == "stderr" && line contains "FATAL"`.
func Expr(src string) (Rule, error) {
	program, err := expr.Compile(src, expr.Env(exprEnv(logbuf.Record{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compiling expression %q: %w", src, err)
	}
	return exprRule{src: src, program: program}, nil
}

func (r exprRule) Match(rec logbuf.Record) bool {
	out, err := expr.Run(r.program, exprEnv(rec))
	if err != nil {
		return false
	}
	matched, _ := out.(bool)
	return matched
}

func (r exprRule) String() string { return fmt.Sprintf("expr %q", r.src) }

type predicateRule struct {
	name string
	fn   func(logbuf.Record) bool
}

// Predicate adapts a function into a Rule.
func Predicate(name string, fn func(logbuf.Record) bool) Rule {
	return predicateRule{name: name, fn: fn}
}

func (r predicateRule) Match(rec logbuf.Record) bool { return r.fn(rec) }

func (r predicateRule) String() string { return r.name }
