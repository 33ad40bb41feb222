package model

import (
	"errors"
	"fmt"
)

// ErrInvalidOptions reports generation options outside their domain.
var ErrInvalidOptions = errors.New("model: invalid options")

// SamplingMode selects how tokens are drawn.
type SamplingMode string

const (
	SamplingGreedy SamplingMode = "greedy"
	SamplingTopK   SamplingMode = "top_k"
	SamplingTopP   SamplingMode = "top_p"
)

// Sampling configures token selection. TopK applies to SamplingTopK and TopP
// to SamplingTopP; Seed makes random sampling reproducible where supported.
type Sampling struct {
	Mode SamplingMode `json:"mode"`
	TopK int          `json:"top_k,omitempty"`
	TopP float64      `json:"top_p,omitempty"`
	Seed *uint64      `json:"seed,omitempty"`
}

// Greedy always picks the most likely token.
func Greedy() *Sampling { return &Sampling{Mode: SamplingGreedy} }

// RandomTopK samples from the k most likely tokens.
func RandomTopK(k int, seed *uint64) *Sampling {
	return &Sampling{Mode: SamplingTopK, TopK: k, Seed: seed}
}

// RandomTopP samples from the smallest token set whose mass reaches p.
func RandomTopP(p float64, seed *uint64) *Sampling {
	return &Sampling{Mode: SamplingTopP, TopP: p, Seed: seed}
}

// Options tune one generation. Zero values leave the provider default.
type Options struct {
	Temperature           *float64  `json:"temperature,omitempty"`
	MaximumResponseTokens *int      `json:"maximum_response_tokens,omitempty"`
	Sampling              *Sampling `json:"sampling,omitempty"`
}

// Validate checks every set option against its domain.
func (o Options) Validate() error {
	if t := o.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("%w: temperature %v outside [0, 2]", ErrInvalidOptions, *t)
	}
	if n := o.MaximumResponseTokens; n != nil && *n <= 0 {
		return fmt.Errorf("%w: maximum_response_tokens must be positive, got %d", ErrInvalidOptions, *n)
	}
	s := o.Sampling
	if s == nil {
		return nil
	}
	switch s.Mode {
	case SamplingGreedy:
	case SamplingTopK:
		if s.TopK <= 0 {
			return fmt.Errorf("%w: top_k must be positive, got %d", ErrInvalidOptions, s.TopK)
		}
	case SamplingTopP:
		if s.TopP <= 0 || s.TopP > 1 {
			return fmt.Errorf("%w: top_p %v outside (0, 1]", ErrInvalidOptions, s.TopP)
		}
	default:
		return fmt.Errorf("%w: unknown sampling mode %q", ErrInvalidOptions, s.Mode)
	}
	return nil
}

// EffectiveTemperature folds greedy sampling into a zero temperature.
func (o Options) EffectiveTemperature() (float64, bool) {
	if o.Sampling != nil && o.Sampling.Mode == SamplingGreedy {
		return 0, true
	}
	if o.Temperature != nil {
		return *o.Temperature, true
	}
	return 0, false
}

// MaxTokens returns the response token cap, or fallback when unset.
func (o Options) MaxTokens(fallback int) int {
	if o.MaximumResponseTokens != nil {
		return *o.MaximumResponseTokens
	}
	return fallback
}
