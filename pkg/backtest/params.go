package backtest

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
)

// ============================================================================
// PARAMETER DEFINITION
// ============================================================================

// ParamType defines the numeric type of a parameter
type ParamType string

const (
	ParamTypeInt   ParamType = "int"
	ParamTypeFloat ParamType = "float"
)

// Parameter represents a tunable parameter for strategy optimization
type Parameter struct {
	Name string    `json:"name" yaml:"name" mapstructure:"name"`
	Type ParamType `json:"type" yaml:"type" mapstructure:"type"`
	Min  float64   `json:"min" yaml:"min" mapstructure:"min"`    // Inclusive
	Max  float64   `json:"max" yaml:"max" mapstructure:"max"`    // Inclusive
	Step float64   `json:"step" yaml:"step" mapstructure:"step"` // Grid/mutation granularity, 0 = continuous
}

// lower returns the smallest admissible value
func (p *Parameter) lower() float64 {
	if p.Type == ParamTypeInt {
		return math.Ceil(p.Min)
	}
	return p.Min
}

// upper returns the largest admissible value
func (p *Parameter) upper() float64 {
	if p.Type == ParamTypeInt {
		return math.Floor(p.Max)
	}
	return p.Max
}

// steps returns how many whole steps fit between the bounds
func (p *Parameter) steps() int {
	if p.Step <= 0 {
		return 0
	}
	return int(math.Floor((p.upper()-p.lower())/p.Step + 1e-9))
}

// Contains reports whether v is admissible for this parameter
func (p *Parameter) Contains(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	if v < p.Min || v > p.Max {
		return false
	}
	if p.Type == ParamTypeInt && v != math.Trunc(v) {
		return false
	}
	return true
}

// Clamp pulls v into the declared bounds and rounds integer parameters
func (p *Parameter) Clamp(v float64) float64 {
	lo, hi := p.lower(), p.upper()
	if math.IsNaN(v) {
		return lo
	}
	if p.Type == ParamTypeInt {
		v = math.Round(v)
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Random draws a value uniformly within bounds for the declared type.
// A positive Step restricts the draw to the grid Min + k*Step.
func (p *Parameter) Random(rng *rand.Rand) float64 {
	lo, hi := p.lower(), p.upper()
	if n := p.steps(); n > 0 {
		return p.Clamp(lo + float64(rng.Intn(n+1))*p.Step)
	}
	if p.Type == ParamTypeInt {
		return lo + float64(rng.Intn(int(hi-lo)+1))
	}
	return p.Clamp(lo + rng.Float64()*(hi-lo))
}

// Grid enumerates the values visited by grid search
func (p *Parameter) Grid() []float64 {
	lo, hi := p.lower(), p.upper()
	step := p.Step
	if step <= 0 && p.Type == ParamTypeInt {
		step = 1
	}
	if step <= 0 {
		if lo == hi {
			return []float64{lo}
		}
		return []float64{lo, hi}
	}

	n := int(math.Floor((hi-lo)/step + 1e-9))
	values := make([]float64, 0, n+1)
	for k := 0; k <= n; k++ {
		values = append(values, p.Clamp(lo+float64(k)*step))
	}
	return values
}

func (p *Parameter) validate() error {
	if p.Name == "" {
		return configErrorf("parameters", ErrInvalidBounds, "parameter name is required")
	}
	if p.Type != ParamTypeInt && p.Type != ParamTypeFloat {
		return configErrorf(p.Name, ErrInvalidBounds, "unsupported type %q", p.Type)
	}
	for _, v := range []float64{p.Min, p.Max, p.Step} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return configErrorf(p.Name, ErrInvalidBounds, "bounds must be finite")
		}
	}
	if p.Min > p.Max {
		return configErrorf(p.Name, ErrInvalidBounds, "min %.6g exceeds max %.6g", p.Min, p.Max)
	}
	if p.Step < 0 {
		return configErrorf(p.Name, ErrInvalidBounds, "step must not be negative")
	}
	if p.lower() > p.upper() {
		return configErrorf(p.Name, ErrInvalidBounds, "no integer lies in [%.6g, %.6g]", p.Min, p.Max)
	}
	return nil
}

// ============================================================================
// PARAMETER SPACE
// ============================================================================

// ParameterSpace is a validated, ordered set of parameters
type ParameterSpace struct {
	params []Parameter
	index  map[string]int
}

// NewParameterSpace validates the declaration and builds a space.
// Parameter order is preserved and used as the crossover order.
func NewParameterSpace(params ...Parameter) (*ParameterSpace, error) {
	if len(params) == 0 {
		return nil, &ConfigurationError{Field: "parameters", Err: ErrEmptyParameterSpace}
	}

	space := &ParameterSpace{
		params: make([]Parameter, len(params)),
		index:  make(map[string]int, len(params)),
	}
	for i, p := range params {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, exists := space.index[p.Name]; exists {
			return nil, configErrorf(p.Name, ErrDuplicateParameter, "declared more than once")
		}
		space.params[i] = p
		space.index[p.Name] = i
	}

	return space, nil
}

// Len returns the number of parameters
func (s *ParameterSpace) Len() int { return len(s.params) }

// Names returns the ordered parameter names
func (s *ParameterSpace) Names() []string {
	names := make([]string, len(s.params))
	for i, p := range s.params {
		names[i] = p.Name
	}
	return names
}

// Parameters returns a copy of the declared parameters
func (s *ParameterSpace) Parameters() []Parameter {
	out := make([]Parameter, len(s.params))
	copy(out, s.params)
	return out
}

// Lookup returns the named parameter
func (s *ParameterSpace) Lookup(name string) (Parameter, bool) {
	i, ok := s.index[name]
	if !ok {
		return Parameter{}, false
	}
	return s.params[i], true
}

// Check validates a single value against its declaration
func (s *ParameterSpace) Check(name string, v float64) error {
	p, ok := s.Lookup(name)
	if !ok {
		return configErrorf(name, ErrUnknownParameter, "not declared in parameter space")
	}
	if !p.Contains(v) {
		return configErrorf(name, ErrParameterOutOfBounds, "%v not an admissible %s in [%v, %v]", v, p.Type, p.Min, p.Max)
	}
	return nil
}

// NewParams builds a validated assignment. Every declared parameter must be
// present and no undeclared key is accepted.
func (s *ParameterSpace) NewParams(values map[string]float64) (Params, error) {
	for name := range values {
		if _, ok := s.index[name]; !ok {
			return Params{}, configErrorf(name, ErrUnknownParameter, "not declared in parameter space")
		}
	}

	out := Params{names: s.Names(), values: make([]float64, len(s.params))}
	for i, p := range s.params {
		v, ok := values[p.Name]
		if !ok {
			return Params{}, configErrorf(p.Name, ErrUnknownParameter, "missing value")
		}
		if err := s.Check(p.Name, v); err != nil {
			return Params{}, err
		}
		out.values[i] = v
	}
	return out, nil
}

// Validate checks that p is a complete, in-bounds assignment for this space
func (s *ParameterSpace) Validate(p Params) error {
	if len(p.names) != len(s.params) {
		return configErrorf("parameters", ErrUnknownParameter, "expected %d values, got %d", len(s.params), len(p.names))
	}
	for i, name := range p.names {
		if err := s.Check(name, p.values[i]); err != nil {
			return err
		}
	}
	return nil
}

// Random draws a full assignment uniformly within bounds
func (s *ParameterSpace) Random(rng *rand.Rand) Params {
	out := Params{names: s.Names(), values: make([]float64, len(s.params))}
	for i := range s.params {
		out.values[i] = s.params[i].Random(rng)
	}
	return out
}

// Clamp returns p with every value pulled into bounds
func (s *ParameterSpace) Clamp(p Params) Params {
	out := p.clone()
	for i, name := range out.names {
		if j, ok := s.index[name]; ok {
			out.values[i] = s.params[j].Clamp(out.values[i])
		}
	}
	return out
}

// ============================================================================
// PARAMETER ASSIGNMENT
// ============================================================================

// Params is an immutable, ordered assignment of parameter values
type Params struct {
	names  []string
	values []float64
}

// Len returns the number of assigned parameters
func (p Params) Len() int { return len(p.names) }

// Names returns the ordered parameter names
func (p Params) Names() []string {
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

// Get returns the named value
func (p Params) Get(name string) (float64, bool) {
	for i, n := range p.names {
		if n == name {
			return p.values[i], true
		}
	}
	return 0, false
}

// Float returns the named value, or 0 when absent
func (p Params) Float(name string) float64 {
	v, _ := p.Get(name)
	return v
}

// Int returns the named value rounded to an int, or 0 when absent
func (p Params) Int(name string) int {
	v, _ := p.Get(name)
	return int(math.Round(v))
}

// Map returns the assignment as a map
func (p Params) Map() map[string]float64 {
	out := make(map[string]float64, len(p.names))
	for i, n := range p.names {
		out[n] = p.values[i]
	}
	return out
}

// Equal reports whether both assignments hold identical values in the same order
func (p Params) Equal(other Params) bool {
	if len(p.names) != len(other.names) {
		return false
	}
	for i := range p.names {
		if p.names[i] != other.names[i] || p.values[i] != other.values[i] {
			return false
		}
	}
	return true
}

func (p Params) String() string {
	parts := make([]string, len(p.names))
	for i, n := range p.names {
		parts[i] = fmt.Sprintf("%s=%g", n, p.values[i])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (p Params) clone() Params {
	out := Params{names: make([]string, len(p.names)), values: make([]float64, len(p.values))}
	copy(out.names, p.names)
	copy(out.values, p.values)
	return out
}

// with returns a copy with the value at index i replaced
func (p Params) with(i int, v float64) Params {
	out := p.clone()
	out.values[i] = v
	return out
}

// MarshalJSON encodes the assignment as a name to value object
func (p Params) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Map())
}

// UnmarshalJSON decodes a name to value object. Names are ordered alphabetically.
func (p *Params) UnmarshalJSON(data []byte) error {
	var m map[string]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)

	p.names = names
	p.values = make([]float64, len(names))
	for i, n := range names {
		p.values[i] = m[n]
	}
	return nil
}
