// Package sampler decides whether a request is traced.
package sampler

import (
	"fmt"
	"math/rand"

	"golang.org/x/time/rate"
)

// Sampler reports whether the current request should be sampled. It is polled
// once per request.
type Sampler interface {
	ShouldSample() bool
}

const (
	TypeAlwaysOn    = "always_on"
	TypeAlwaysOff   = "always_off"
	TypeProbability = "probability"
	TypeRateLimited = "rate_limited"
)

type alwaysOn struct{}

func (alwaysOn) ShouldSample() bool { return true }

// AlwaysOn samples every request.
func AlwaysOn() Sampler { return alwaysOn{} }

type alwaysOff struct{}

func (alwaysOff) ShouldSample() bool { return false }

// AlwaysOff samples nothing.
func AlwaysOff() Sampler { return alwaysOff{} }

type probability struct {
	rate  float64
	float func() float64
}

func (p *probability) ShouldSample() bool {
	return p.float() < p.rate
}

// Probability samples each request independently with the given rate, clamped to [0, 1].
func Probability(r float64) Sampler {
	switch {
	case r <= 0:
		return AlwaysOff()
	case r >= 1:
		return AlwaysOn()
	}
	return &probability{rate: r, float: rand.Float64}
}

type rateLimited struct {
	limiter *rate.Limiter
}

func (r *rateLimited) ShouldSample() bool {
	return r.limiter.Allow()
}

// RateLimited samples at most perSecond requests per second, allowing a burst of
// the same size.
func RateLimited(perSecond float64) Sampler {
	if perSecond <= 0 {
		return AlwaysOff()
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// FromConfig builds a sampler by type name. rateOrQPS is the probability for
// TypeProbability and the per-second budget for TypeRateLimited.
func FromConfig(kind string, rateOrQPS float64) (Sampler, error) {
	switch kind {
	case "", TypeAlwaysOn:
		return AlwaysOn(), nil
	case TypeAlwaysOff:
		return AlwaysOff(), nil
	case TypeProbability:
		return Probability(rateOrQPS), nil
	case TypeRateLimited:
		return RateLimited(rateOrQPS), nil
	default:
		return nil, fmt.Errorf("unknown sampler type %q", kind)
	}
}
