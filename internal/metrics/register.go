// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import "go.opentelemetry.io/otel/metric"

// mustRegisterCounter registers a Counter with the meter and panics if it fails.
func mustRegisterCounter(meter metric.Meter, name string, options ...metric.Float64CounterOption) metric.Float64Counter {
	h, err := meter.Float64Counter(name, options...)
	if err != nil {
		panic(err)
	}
	return h
}

// mustRegisterHistogram registers a histogram with the meter and panics if it fails.
func mustRegisterHistogram(meter metric.Meter, name string, options ...metric.Float64HistogramOption) metric.Float64Histogram {
	h, err := meter.Float64Histogram(name, options...)
	if err != nil {
		panic(err)
	}
	return h
}
