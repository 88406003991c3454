package otel

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// endpointExcluder drops spans for excluded endpoints and applies probability
// based sampling to everything else.
type endpointExcluder struct {
	endpoints   map[string]struct{}
	probability sdktrace.Sampler
}

func newEndpointExcluder(endpoints map[string]struct{}, probability float64) endpointExcluder {
	return endpointExcluder{
		endpoints:   endpoints,
		probability: sdktrace.ParentBased(sdktrace.TraceIDRatioBased(probability)),
	}
}

// ShouldSample implements the sampler interface. It drops any span whose name
// matches an excluded endpoint.
func (ee endpointExcluder) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if _, exists := ee.endpoints[params.Name]; exists {
		return sdktrace.SamplingResult{Decision: sdktrace.Drop}
	}
	return ee.probability.ShouldSample(params)
}

// Description implements the sampler interface.
func (ee endpointExcluder) Description() string { return "endpointExcluder" }
