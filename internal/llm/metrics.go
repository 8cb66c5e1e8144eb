package llm

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/relaycrm/relay/internal/llm"

var (
	attemptsHistogram metric.Int64Histogram
	metricsOnce       sync.Once
	metricsRegistered bool
)

func initMetrics() {
	meter := otel.Meter(meterName)
	var err error
	attemptsHistogram, err = meter.Int64Histogram(
		"relay.llm.attempts",
		metric.WithDescription("Attempts consumed per LLM call, including the successful one"),
	)
	if err != nil {
		return
	}
	metricsRegistered = true
}

// recordAttempts records how many attempts a completion consumed and whether
// it ultimately succeeded.
func recordAttempts(ctx context.Context, provider, model string, attempts int, success bool) {
	metricsOnce.Do(initMetrics)
	if !metricsRegistered {
		return
	}
	attemptsHistogram.Record(ctx, int64(attempts), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.Bool("success", success),
	))
}
