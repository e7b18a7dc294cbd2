// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package docs

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("cargolens.docs")
	meter  = otel.Meter("cargolens.docs")
)

// Metrics for documentation builds and queries.
var (
	buildLatency   metric.Float64Histogram
	buildTotal     metric.Int64Counter
	pagesConverted metric.Int64Counter
	cacheLookups   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		buildLatency, err = meter.Float64Histogram(
			"docs_build_duration_seconds",
			metric.WithDescription("Duration of documentation builds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		buildTotal, err = meter.Int64Counter(
			"docs_build_total",
			metric.WithDescription("Total number of documentation builds"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		pagesConverted, err = meter.Int64Counter(
			"docs_pages_converted_total",
			metric.WithDescription("Rustdoc pages converted to markdown"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheLookups, err = meter.Int64Counter(
			"docs_cache_lookups_total",
			metric.WithDescription("Documentation cache lookups by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordBuild records one documentation build.
func recordBuild(ctx context.Context, dep string, duration time.Duration, pages int, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("dependency", dep),
		attribute.Bool("success", success),
	)
	buildLatency.Record(ctx, duration.Seconds(), attrs)
	buildTotal.Add(ctx, 1, attrs)
	if success {
		pagesConverted.Add(ctx, int64(pages), metric.WithAttributes(attribute.String("dependency", dep)))
	}
}

// recordLookup records a cache lookup outcome: hit, miss or stale.
func recordLookup(ctx context.Context, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
