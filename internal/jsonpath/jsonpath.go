// Package jsonpath evaluates JSONPath expressions against envelope payloads.
package jsonpath

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/ohler55/ojg/jp"

	"github.com/adamrehn/websocket-server-demo/pkg/envelope"
)

// Path is a compiled JSONPath expression.
type Path struct {
	src  string
	expr jp.Expr
}

// Compile parses a JSONPath expression such as "$.user.name". A leading
// "$." may be omitted.
func Compile(path string) (*Path, error) {
	src := strings.TrimSpace(path)
	if src == "" {
		return nil, fmt.Errorf("empty JSONPath expression")
	}
	if !strings.HasPrefix(src, "$") {
		src = "$." + src
	}

	expr, err := jp.ParseString(src)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONPath expression %q: %w", path, err)
	}
	return &Path{src: src, expr: expr}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(path string) *Path {
	p, err := Compile(path)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Path) String() string {
	return p.src
}

// Get returns every value the expression selects from doc.
func (p *Path) Get(doc envelope.Document) []any {
	return p.expr.Get(map[string]any(doc))
}

// First returns the first selected value.
func (p *Path) First(doc envelope.Document) (any, bool) {
	results := p.Get(doc)
	if len(results) == 0 {
		return nil, false
	}
	return results[0], true
}

// Condition requires the value at Path to equal Value. With Exists set only
// presence (or absence when Value is false) is checked.
type Condition struct {
	Path   *Path
	Value  any
	Exists bool
}

// ParseCondition parses "path=value" or "path?" (present) or "path!" (absent).
// The value is read as JSON when possible and as a plain string otherwise.
func ParseCondition(s string) (Condition, error) {
	if path, ok := strings.CutSuffix(s, "?"); ok && !strings.Contains(path, "=") {
		p, err := Compile(path)
		return Condition{Path: p, Value: true, Exists: true}, err
	}
	if path, ok := strings.CutSuffix(s, "!"); ok && !strings.Contains(path, "=") {
		p, err := Compile(path)
		return Condition{Path: p, Value: false, Exists: true}, err
	}

	path, raw, ok := strings.Cut(s, "=")
	if !ok {
		return Condition{}, fmt.Errorf("condition %q must be path=value, path? or path!", s)
	}
	p, err := Compile(path)
	if err != nil {
		return Condition{}, err
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}
	return Condition{Path: p, Value: value}, nil
}

// Matches reports whether doc satisfies c.
func (c Condition) Matches(doc envelope.Document) bool {
	results := c.Path.Get(doc)

	if c.Exists {
		want, _ := c.Value.(bool)
		return (len(results) > 0) == want
	}

	// wildcard paths match when any selected value does
	for _, result := range results {
		if ValuesEqual(result, c.Value) {
			return true
		}
	}
	return false
}

// MatchAll reports whether doc satisfies every condition.
func MatchAll(conditions []Condition, doc envelope.Document) bool {
	for _, c := range conditions {
		if !c.Matches(doc) {
			return false
		}
	}
	return true
}

// ValuesEqual compares two decoded JSON values, treating all numeric
// representations (including json.Number) as equal when their values are.
func ValuesEqual(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	if reflect.DeepEqual(actual, expected) {
		return true
	}

	actualNum, actualIsNum := toFloat64(actual)
	expectedNum, expectedIsNum := toFloat64(expected)
	if actualIsNum && expectedIsNum {
		return actualNum == expectedNum
	}

	return false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	default:
		return 0, false
	}
}
