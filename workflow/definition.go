package workflow

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ConditionFunc is a programmatic step or edge predicate evaluated over the
// condition variables (context snapshot plus _run_id and _steps).
type ConditionFunc func(vars map[string]any) (bool, error)

// Definition is a named, reusable workflow. It is immutable once registered.
type Definition struct {
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []StepSpec `json:"steps" yaml:"steps"`
	Edges       []Edge     `json:"edges,omitempty" yaml:"edges,omitempty"`
	// MaxParallel is the default parallelism for runs; 0 means unbounded.
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
}

// StepSpec describes one unit of work assigned to an agent.
type StepSpec struct {
	ID      string `json:"id" yaml:"id"`
	AgentID string `json:"agent_id" yaml:"agent_id"`
	Command string `json:"command,omitempty" yaml:"command,omitempty"`
	// Condition is a dsl expression; the step is skipped when it is false.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	// Predicate is evaluated in addition to Condition.
	Predicate ConditionFunc  `json:"-" yaml:"-"`
	Retry     *RetryPolicy   `json:"retry,omitempty" yaml:"retry,omitempty"`
	Timeout   Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Input     map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	// Compensation names a compensation-only step scheduled when this step
	// exhausts its retries.
	Compensation string `json:"compensation,omitempty" yaml:"compensation,omitempty"`
}

// Edge declares that To depends on From. An edge condition gates To in
// addition to To's own condition.
type Edge struct {
	From      string        `json:"from" yaml:"from"`
	To        string        `json:"to" yaml:"to"`
	Condition string        `json:"condition,omitempty" yaml:"condition,omitempty"`
	Predicate ConditionFunc `json:"-" yaml:"-"`
}

// RetryPolicy bounds the attempts of a step.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt; 1 means no retries.
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Backoff     BackoffPolicy `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

// BackoffPolicy is an exponential, optionally jittered delay schedule.
type BackoffPolicy struct {
	Initial    Duration `json:"initial,omitempty" yaml:"initial,omitempty"`
	Max        Duration `json:"max,omitempty" yaml:"max,omitempty"`
	Multiplier float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	// Jitter is the randomization factor in [0, 1]. Nil takes the default
	// policy's factor; an explicit 0 disables jitter.
	Jitter *float64 `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// JitterOf returns a Jitter value for f.
func JitterOf(f float64) *float64 { return &f }

// JitterFactor returns the randomization factor, 0 when unset.
func (b BackoffPolicy) JitterFactor() float64 {
	if b.Jitter == nil {
		return 0
	}
	return *b.Jitter
}

// DefaultRetryPolicy is a single attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 1,
		Backoff: BackoffPolicy{
			Initial:    Duration(500 * time.Millisecond),
			Max:        Duration(30 * time.Second),
			Multiplier: 2,
			Jitter:     JitterOf(0.2),
		},
	}
}

// Clone returns a deep copy of the definition's slices and maps. Predicates
// are shared.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	out := *d
	out.Steps = make([]StepSpec, len(d.Steps))
	for i, s := range d.Steps {
		if s.Retry != nil {
			r := *s.Retry
			if r.Backoff.Jitter != nil {
				r.Backoff.Jitter = JitterOf(*r.Backoff.Jitter)
			}
			s.Retry = &r
		}
		s.Input = maps.Clone(s.Input)
		out.Steps[i] = s
	}
	out.Edges = slices.Clone(d.Edges)
	return &out
}

// Duration is a time.Duration that encodes as a Go duration string ("1.5s")
// and decodes from either a string or a number of nanoseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case nil:
		*d = 0
	case string:
		if val == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(int64(val))
	case int:
		*d = Duration(int64(val))
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}
