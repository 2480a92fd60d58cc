package sandbox

import (
	"sort"
	"time"
)

const (
	DefaultMaxSourceLength = 100 * 1024
	DefaultMaxEvalTime     = 30 * time.Second
	DefaultMaxSteps        = 1_000_000
)

// PolicyConfig is the mutable description a Policy is built from. It is what
// the config file carries.
type PolicyConfig struct {
	AllowedModules    []string      `yaml:"allowed_modules"`
	AllowedCallables  []string      `yaml:"allowed_callables"`
	AllowedAttributes []string      `yaml:"allowed_attributes"`
	MaxSourceLength   int           `yaml:"max_source_length"`
	MaxEvalTime       time.Duration `yaml:"max_eval_time"`
	MaxSteps          int           `yaml:"max_steps"`
}

// Policy is the frozen whitelist a snippet is checked against. The
// constructor copies its inputs; there are no mutators.
type Policy struct {
	modules    map[string]struct{}
	callables  map[string]struct{}
	attributes map[string]struct{}
	maxSource  int
	maxEval    time.Duration
	maxSteps   int
}

// HostAttributes are the attribute and method names of the objects the
// gateway binds into a snippet's namespace.
var HostAttributes = []string{
	"ID", "Name", "Type", "CRS", "Extent", "FeatureCount", "Fields",
	"Title", "Layers", "Layer", "Features",
}

// HostMethods are the HostAttributes that may be called.
var HostMethods = []string{"Layers", "Layer", "Features"}

// DefaultPolicyConfig allows the built-in modules, every builtin and module
// function, and the host object surface.
func DefaultPolicyConfig() PolicyConfig {
	callables := builtinNames()
	for name, mod := range stdModules() {
		for _, fn := range mod.funcNames() {
			callables = append(callables, name+"."+fn)
		}
	}
	callables = append(callables, HostMethods...)
	return PolicyConfig{
		AllowedModules:    []string{"math", "strings"},
		AllowedCallables:  callables,
		AllowedAttributes: append([]string(nil), HostAttributes...),
		MaxSourceLength:   DefaultMaxSourceLength,
		MaxEvalTime:       DefaultMaxEvalTime,
		MaxSteps:          DefaultMaxSteps,
	}
}

// DefaultPolicy is NewPolicy(DefaultPolicyConfig()).
func DefaultPolicy() *Policy {
	return NewPolicy(DefaultPolicyConfig())
}

// NewPolicy freezes cfg. Zero limits fall back to the defaults.
func NewPolicy(cfg PolicyConfig) *Policy {
	p := &Policy{
		modules:    toSet(cfg.AllowedModules),
		callables:  toSet(cfg.AllowedCallables),
		attributes: toSet(cfg.AllowedAttributes),
		maxSource:  cfg.MaxSourceLength,
		maxEval:    cfg.MaxEvalTime,
		maxSteps:   cfg.MaxSteps,
	}
	if p.maxSource <= 0 {
		p.maxSource = DefaultMaxSourceLength
	}
	if p.maxEval <= 0 {
		p.maxEval = DefaultMaxEvalTime
	}
	if p.maxSteps <= 0 {
		p.maxSteps = DefaultMaxSteps
	}
	return p
}

func (p *Policy) AllowsModule(name string) bool {
	_, ok := p.modules[name]
	return ok
}

func (p *Policy) AllowsCallable(name string) bool {
	_, ok := p.callables[name]
	return ok
}

func (p *Policy) AllowsAttribute(name string) bool {
	_, ok := p.attributes[name]
	return ok
}

func (p *Policy) MaxSourceLength() int       { return p.maxSource }
func (p *Policy) MaxEvalTime() time.Duration { return p.maxEval }
func (p *Policy) MaxSteps() int              { return p.maxSteps }

// Config returns a copy of the policy as a PolicyConfig.
func (p *Policy) Config() PolicyConfig {
	return PolicyConfig{
		AllowedModules:    fromSet(p.modules),
		AllowedCallables:  fromSet(p.callables),
		AllowedAttributes: fromSet(p.attributes),
		MaxSourceLength:   p.maxSource,
		MaxEvalTime:       p.maxEval,
		MaxSteps:          p.maxSteps,
	}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}

func fromSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
