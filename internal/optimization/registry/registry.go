// Package registry maps component names to factories so engines can be
// assembled from configuration. There is no global registry; callers own
// a *Registry, usually from NewDefault.
package registry

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"evoopt/internal/config"
	"evoopt/internal/logging"
	"evoopt/internal/optimization"
	"evoopt/internal/optimization/generator"
)

// ErrConflict is returned when a name is already bound to a different
// factory.
var ErrConflict = errors.New("component name already registered")

// Options carries configuration and external collaborators to factories.
type Options struct {
	Config   *config.Config
	Judge    optimization.Judge
	Runner   optimization.TargetRunner
	Source   generator.VariantSource
	Recorder optimization.Recorder
}

func (o Options) cfg() *config.Config {
	if o.Config == nil {
		return config.DefaultConfig()
	}
	return o.Config
}

type (
	GeneratorFactory  func(Options) (optimization.Generator, error)
	EvaluatorFactory  func(Options) (optimization.Evaluator, error)
	SelectorFactory   func(Options) (optimization.Selector, error)
	ControllerFactory func(Options) (optimization.Controller, error)
)

// Kinds of components.
const (
	KindGenerator  = "generator"
	KindEvaluator  = "evaluator"
	KindSelector   = "selector"
	KindController = "controller"
)

// Registry holds named factories for each role. It is safe for concurrent
// use.
type Registry struct {
	mu          sync.RWMutex
	generators  map[string]GeneratorFactory
	evaluators  map[string]EvaluatorFactory
	selectors   map[string]SelectorFactory
	controllers map[string]ControllerFactory
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		generators:  make(map[string]GeneratorFactory),
		evaluators:  make(map[string]EvaluatorFactory),
		selectors:   make(map[string]SelectorFactory),
		controllers: make(map[string]ControllerFactory),
	}
}

// register binds name to f in m. Registering the same function again is a
// no-op.
func register[F any](mu *sync.RWMutex, m map[string]F, kind, name string, f F) error {
	if name == "" {
		return &optimization.ConfigError{Field: kind, Reason: "component name is empty"}
	}
	fv := reflect.ValueOf(f)
	if fv.Kind() != reflect.Func || fv.IsNil() {
		return &optimization.ConfigError{Field: kind, Reason: fmt.Sprintf("factory for %q is nil", name)}
	}

	mu.Lock()
	defer mu.Unlock()
	if existing, ok := m[name]; ok {
		if reflect.ValueOf(existing).Pointer() == fv.Pointer() {
			return nil
		}
		return fmt.Errorf("%w: %s %q", ErrConflict, kind, name)
	}
	m[name] = f
	logging.RegistryDebug("registered %s %q", kind, name)
	return nil
}

func lookup[F any](mu *sync.RWMutex, m map[string]F, kind, name string) (F, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := m[name]
	if !ok {
		return f, &optimization.ConfigError{
			Field:  kind,
			Reason: fmt.Sprintf("unknown %s %q (available: %s)", kind, name, strings.Join(sortedKeys(m), ", ")),
		}
	}
	return f, nil
}

func sortedKeys[F any](m map[string]F) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RegisterGenerator binds a generator factory to name.
func (r *Registry) RegisterGenerator(name string, f GeneratorFactory) error {
	return register(&r.mu, r.generators, KindGenerator, name, f)
}

// RegisterEvaluator binds an evaluator factory to name.
func (r *Registry) RegisterEvaluator(name string, f EvaluatorFactory) error {
	return register(&r.mu, r.evaluators, KindEvaluator, name, f)
}

// RegisterSelector binds a selector factory to name.
func (r *Registry) RegisterSelector(name string, f SelectorFactory) error {
	return register(&r.mu, r.selectors, KindSelector, name, f)
}

// RegisterController binds a controller factory to name.
func (r *Registry) RegisterController(name string, f ControllerFactory) error {
	return register(&r.mu, r.controllers, KindController, name, f)
}

// NewGenerator builds the generator registered under name.
func (r *Registry) NewGenerator(name string, o Options) (optimization.Generator, error) {
	f, err := lookup(&r.mu, r.generators, KindGenerator, name)
	if err != nil {
		return nil, err
	}
	return f(o)
}

// NewEvaluator builds the evaluator registered under name.
func (r *Registry) NewEvaluator(name string, o Options) (optimization.Evaluator, error) {
	f, err := lookup(&r.mu, r.evaluators, KindEvaluator, name)
	if err != nil {
		return nil, err
	}
	return f(o)
}

// NewSelector builds the selector registered under name.
func (r *Registry) NewSelector(name string, o Options) (optimization.Selector, error) {
	f, err := lookup(&r.mu, r.selectors, KindSelector, name)
	if err != nil {
		return nil, err
	}
	return f(o)
}

// NewController builds the controller registered under name.
func (r *Registry) NewController(name string, o Options) (optimization.Controller, error) {
	f, err := lookup(&r.mu, r.controllers, KindController, name)
	if err != nil {
		return nil, err
	}
	return f(o)
}

// Names lists registered names per kind, sorted.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		KindGenerator:  sortedKeys(r.generators),
		KindEvaluator:  sortedKeys(r.evaluators),
		KindSelector:   sortedKeys(r.selectors),
		KindController: sortedKeys(r.controllers),
	}
}
