// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package trace provides tracing and metrics for the connector's internal
// operations, backed by OpenCensus.
package trace

import (
	"context"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	octrace "go.opencensus.io/trace"
)

var (
	keyInstance, _ = tag.NewKey("instance")
	keyDialerID, _ = tag.NewKey("dialer_id")
	keyStatus, _   = tag.NewKey("status")

	mDialCount    = stats.Int64("cloudsqlconn/dial_count", "number of dial attempts", stats.UnitDimensionless)
	mDialLatency  = stats.Int64("cloudsqlconn/dial_latency", "latency of dial attempts", stats.UnitMilliseconds)
	mOpenConns    = stats.Int64("cloudsqlconn/open_connections", "number of currently open connections", stats.UnitDimensionless)
	mRefreshCount = stats.Int64("cloudsqlconn/refresh_count", "number of refresh operations", stats.UnitDimensionless)
)

// InitMetrics registers this package's OpenCensus views. It is safe to call
// more than once; subsequent registrations of already-registered views are
// no-ops.
func InitMetrics() error {
	views := []*view.View{
		{
			Name:        "cloudsqlconn/dial_count",
			Measure:     mDialCount,
			Description: "Cumulative number of dial attempts",
			TagKeys:     []tag.Key{keyInstance, keyDialerID, keyStatus},
			Aggregation: view.Count(),
		},
		{
			Name:        "cloudsqlconn/dial_latency",
			Measure:     mDialLatency,
			Description: "Distribution of dial latencies",
			TagKeys:     []tag.Key{keyInstance, keyDialerID},
			Aggregation: view.Distribution(0, 25, 50, 100, 200, 400, 800, 1600, 3200, 6400),
		},
		{
			Name:        "cloudsqlconn/open_connections",
			Measure:     mOpenConns,
			Description: "Number of currently open connections",
			TagKeys:     []tag.Key{keyInstance, keyDialerID},
			Aggregation: view.LastValue(),
		},
		{
			Name:        "cloudsqlconn/refresh_count",
			Measure:     mRefreshCount,
			Description: "Cumulative number of refresh operations",
			TagKeys:     []tag.Key{keyInstance, keyDialerID, keyStatus},
			Aggregation: view.Count(),
		},
	}
	return view.Register(views...)
}

// EndSpanFunc ends a span started by StartSpan, recording err as the span's
// status if non-nil.
type EndSpanFunc func(err error)

// SpanOption configures a span started by StartSpan.
type SpanOption func(*spanConfig)

type spanConfig struct {
	instance string
	dialerID string
}

// AddInstanceName attaches the instance connection name to a span.
func AddInstanceName(name string) SpanOption {
	return func(c *spanConfig) { c.instance = name }
}

// AddDialerID attaches the dialer's unique ID to a span.
func AddDialerID(id string) SpanOption {
	return func(c *spanConfig) { c.dialerID = id }
}

// StartSpan starts a new span named name, returning a context carrying the
// span and a function that must be called to end it.
func StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, EndSpanFunc) {
	var cfg spanConfig
	for _, o := range opts {
		o(&cfg)
	}
	ctx, span := octrace.StartSpan(ctx, name)
	if cfg.instance != "" {
		span.AddAttributes(octrace.StringAttribute("instance", cfg.instance))
	}
	if cfg.dialerID != "" {
		span.AddAttributes(octrace.StringAttribute("dialer_id", cfg.dialerID))
	}
	return ctx, func(err error) {
		if err != nil {
			span.SetStatus(octrace.Status{Code: int32(octrace.StatusCodeUnknown), Message: err.Error()})
		}
		span.End()
	}
}

func statusValue(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordDialError records the outcome of a Dial attempt against instance.
func RecordDialError(ctx context.Context, instance, dialerID string, err error) {
	ctx, tagErr := tag.New(ctx,
		tag.Upsert(keyInstance, instance),
		tag.Upsert(keyDialerID, dialerID),
		tag.Upsert(keyStatus, statusValue(err)),
	)
	if tagErr != nil {
		return
	}
	stats.Record(ctx, mDialCount.M(1))
}

// RecordRefreshResult records the outcome of a refresh operation against
// instance.
func RecordRefreshResult(ctx context.Context, instance, dialerID string, err error) {
	ctx, tagErr := tag.New(ctx,
		tag.Upsert(keyInstance, instance),
		tag.Upsert(keyDialerID, dialerID),
		tag.Upsert(keyStatus, statusValue(err)),
	)
	if tagErr != nil {
		return
	}
	stats.Record(ctx, mRefreshCount.M(1))
}

// RecordOpenConnections records the current number of open connections for
// instance.
func RecordOpenConnections(ctx context.Context, n int64, dialerID, instance string) {
	ctx, tagErr := tag.New(ctx,
		tag.Upsert(keyInstance, instance),
		tag.Upsert(keyDialerID, dialerID),
	)
	if tagErr != nil {
		return
	}
	stats.Record(ctx, mOpenConns.M(n))
}

// RecordDialLatency records the latency, in milliseconds, of a successful
// dial to instance.
func RecordDialLatency(ctx context.Context, instance, dialerID string, latencyMS int64) {
	ctx, tagErr := tag.New(ctx,
		tag.Upsert(keyInstance, instance),
		tag.Upsert(keyDialerID, dialerID),
	)
	if tagErr != nil {
		return
	}
	stats.Record(ctx, mDialLatency.M(latencyMS))
}
