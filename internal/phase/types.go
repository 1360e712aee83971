package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
)

// TypeTag names the runtime shape of a phase input or output.
type TypeTag string

const (
	// TypeString is a Go string.
	TypeString TypeTag = "string"
	// TypeJSON is a JSON document: json.RawMessage, []byte holding valid
	// JSON, or any value encoding/json can marshal.
	TypeJSON TypeTag = "JSON"
)

// Valid reports whether t is a known tag.
func (t TypeTag) Valid() bool {
	return t == TypeString || t == TypeJSON
}

// Arity is the declared input to output cardinality of a phase.
type Arity string

// OneToOne maps each input to exactly one output.
const OneToOne Arity = "1:1"

// Valid reports whether a is a known arity.
func (a Arity) Valid() bool {
	return a == OneToOne
}

// Descriptor declares a phase to the pipeline engine.
type Descriptor struct {
	Name   string  `json:"name"`
	Input  TypeTag `json:"input"`
	Output TypeTag `json:"output"`
	Arity  Arity   `json:"arity"`
	Async  bool    `json:"async"`
	// MaxParallel bounds concurrent invocations of this phase. It is a
	// contract for the engine; the registry does not enforce it.
	MaxParallel int     `json:"max_parallel"`
	Defaults    Options `json:"defaults"`
}

// clone returns a copy that shares no mutable state with d.
func (d Descriptor) clone() Descriptor {
	d.Defaults = d.Defaults.Clone()
	return d
}

// Func is a phase body. opts are the defaults merged with the caller's
// overrides and belong to this invocation only.
type Func func(ctx context.Context, input any, opts Options) (any, error)

// Options are per-invocation settings such as browser and iterations.
type Options map[string]any

// Clone returns a shallow copy. A nil Options clones to an empty map.
func (o Options) Clone() Options {
	out := make(Options, len(o))
	maps.Copy(out, o)
	return out
}

// Merge returns a new Options holding o overridden by overrides. Neither
// input is modified.
func (o Options) Merge(overrides Options) Options {
	out := o.Clone()
	maps.Copy(out, overrides)
	return out
}

// Has reports whether key is set.
func (o Options) Has(key string) bool {
	_, ok := o[key]
	return ok
}

// String returns the value of key formatted as a string, or "" when unset.
func (o Options) String(key string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the value of key as an int. Integers, integral floats (as
// decoded from JSON) and numeric strings are accepted.
func (o Options) Int(key string) (int, error) {
	v, ok := o[key]
	if !ok {
		return 0, fmt.Errorf("option %q is not set", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("option %q: %v is not an integer", key, n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("option %q: %w", key, err)
		}
		return int(i), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("option %q: %w", key, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("option %q: unsupported type %T", key, v)
	}
}

// ParseOptions parses key=value pairs as given on a command line. Values
// stay strings; typed getters convert them on use.
func ParseOptions(pairs []string) (Options, error) {
	out := make(Options, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid option %q: expected key=value", p)
		}
		out[k] = v
	}
	return out, nil
}
