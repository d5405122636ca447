// Package spike overlays a spiking-activation network on the reasoning
// bank. Patterns carry a potential in [0, 1]; firing a pattern discharges
// it and propagates weighted potential along directed links built from
// trace co-occurrence. Potentials decay lazily toward zero between
// spikes, and spike-rate statistics drive z-score anomaly detection.
package spike
