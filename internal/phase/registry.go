// Package phase declares processing units for a pipeline engine. Each phase
// pairs a static Descriptor with a plain function; the Registry validates
// descriptors once and invokes phases with per-call merged options.
package phase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devtrace/internal/faults"
	"github.com/fyrsmithlabs/devtrace/internal/logging"
	"github.com/fyrsmithlabs/devtrace/internal/metrics"
)

// Errors for registry operations.
var (
	ErrPhaseNotFound   = errors.New("phase not found")
	ErrDuplicatePhase  = errors.New("phase already registered")
	ErrInvalidName     = errors.New("invalid phase name: must start with a letter and contain only letters, digits, hyphens or underscores")
	ErrInvalidType     = errors.New("invalid type tag")
	ErrInvalidArity    = errors.New("invalid arity")
	ErrInvalidParallel = errors.New("max parallel must be at least 1")
	ErrNilFunc         = errors.New("phase function is nil")
	ErrInputMismatch   = errors.New("input does not match declared type")
	ErrOutputMismatch  = errors.New("output does not match declared type")
)

var namePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// ResultHook observes successful invocations.
type ResultHook func(ctx context.Context, name string, output any)

type entry struct {
	desc Descriptor
	fn   Func
}

// Registry holds phase descriptors. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	phases  map[string]entry
	aliases map[string]string
	hooks   []ResultHook

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		phases:  make(map[string]entry),
		aliases: make(map[string]string),
		Logger:  logging.NewNop(),
	}
}

// ValidateDescriptor checks a descriptor independently of any registry.
func ValidateDescriptor(d Descriptor) error {
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, d.Name)
	}
	if !d.Input.Valid() {
		return fmt.Errorf("%s input: %w %q", d.Name, ErrInvalidType, d.Input)
	}
	if !d.Output.Valid() {
		return fmt.Errorf("%s output: %w %q", d.Name, ErrInvalidType, d.Output)
	}
	if !d.Arity.Valid() {
		return fmt.Errorf("%s: %w %q", d.Name, ErrInvalidArity, d.Arity)
	}
	if d.MaxParallel < 1 {
		return fmt.Errorf("%s: %w, got %d", d.Name, ErrInvalidParallel, d.MaxParallel)
	}
	return nil
}

// Register adds a phase. The descriptor is copied; later changes to the
// caller's Defaults map do not affect the registered phase.
func (r *Registry) Register(d Descriptor, fn Func) error {
	if err := ValidateDescriptor(d); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("%s: %w", d.Name, ErrNilFunc)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taken(d.Name) {
		return fmt.Errorf("%w: %s", ErrDuplicatePhase, d.Name)
	}
	r.phases[d.Name] = entry{desc: d.clone(), fn: fn}
	return nil
}

// Alias makes name resolve to the registered phase target.
func (r *Registry) Alias(name, target string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.phases[target]; !ok {
		return fmt.Errorf("%w: %s", ErrPhaseNotFound, target)
	}
	if r.taken(name) {
		return fmt.Errorf("%w: %s", ErrDuplicatePhase, name)
	}
	r.aliases[name] = target
	return nil
}

func (r *Registry) taken(name string) bool {
	_, isPhase := r.phases[name]
	_, isAlias := r.aliases[name]
	return isPhase || isAlias
}

// OnResult adds a hook run after every successful invocation.
func (r *Registry) OnResult(hook ResultHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

func (r *Registry) resolve(name string) (entry, bool) {
	if target, ok := r.aliases[name]; ok {
		name = target
	}
	e, ok := r.phases[name]
	return e, ok
}

// Lookup returns a copy of the descriptor for name or one of its aliases.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.resolve(name)
	if !ok {
		return Descriptor{}, false
	}
	return e.desc.clone(), true
}

// List returns copies of all registered descriptors sorted by name. Aliases
// are not listed.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.phases))
	for _, e := range r.phases {
		out = append(out, e.desc.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Aliases returns alias to target mappings.
func (r *Registry) Aliases() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.aliases))
	for k, v := range r.aliases {
		out[k] = v
	}
	return out
}

// Invoke runs phase name with input. Options are the phase defaults merged
// with overrides into a map private to this call.
func (r *Registry) Invoke(ctx context.Context, name string, input any, overrides Options) (any, error) {
	r.mu.RLock()
	e, ok := r.resolve(name)
	hooks := append([]ResultHook(nil), r.hooks...)
	r.mu.RUnlock()
	if !ok {
		return nil, faults.New(faults.KindInvalidInput, "invoke "+name, ErrPhaseNotFound)
	}

	desc := e.desc
	op := "invoke " + desc.Name
	ctx = logging.WithPhase(ctx, desc.Name)

	if err := conforms(desc.Input, input); err != nil {
		return nil, faults.New(faults.KindInvalidInput, op, fmt.Errorf("%w: %w", ErrInputMismatch, err))
	}

	opts := desc.Defaults.Merge(overrides)
	log := r.logger()
	log.Debug(ctx, "invoking phase", zap.Any("options", map[string]any(opts)))

	start := time.Now()
	output, err := e.fn(ctx, input, opts)
	if err == nil {
		if cerr := conforms(desc.Output, output); cerr != nil {
			err = faults.New(faults.KindOutputParse, op, fmt.Errorf("%w: %w", ErrOutputMismatch, cerr))
		}
	}
	elapsed := time.Since(start)

	if err != nil {
		r.Metrics.ObservePhase(desc.Name, string(faults.KindOf(err)), elapsed)
		log.Error(ctx, "phase failed",
			zap.String("kind", string(faults.KindOf(err))),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		return nil, err
	}

	r.Metrics.ObservePhase(desc.Name, "success", elapsed)
	log.Info(ctx, "phase completed", zap.Duration("duration", elapsed))
	for _, hook := range hooks {
		hook(ctx, desc.Name, output)
	}
	return output, nil
}

func (r *Registry) logger() *logging.Logger {
	if r.Logger == nil {
		return logging.NewNop()
	}
	return r.Logger
}

// conforms checks v against tag.
func conforms(tag TypeTag, v any) error {
	switch tag {
	case TypeString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("want string, got %T", v)
		}
		return nil
	case TypeJSON:
		switch doc := v.(type) {
		case nil:
			return errors.New("want JSON, got nil")
		case json.RawMessage:
			if !json.Valid(doc) {
				return errors.New("invalid JSON document")
			}
		case []byte:
			if !json.Valid(doc) {
				return errors.New("invalid JSON document")
			}
		default:
			if _, err := json.Marshal(doc); err != nil {
				return fmt.Errorf("not JSON-encodable: %w", err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w %q", ErrInvalidType, tag)
	}
}
