package procmem

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/relaycrm/relay/internal/procmem")

var (
	lookupsTotal metric.Int64Counter
	lookupHits   metric.Int64Counter
	upsertsTotal metric.Int64Counter
	tracesTotal  metric.Int64Counter
)

func init() {
	var err error
	lookupsTotal, err = meter.Int64Counter("procmem.lookups.total",
		metric.WithDescription("Total compiled procedure lookups"))
	if err != nil {
		lookupsTotal, _ = meter.Int64Counter("procmem.lookups.total.fallback")
	}

	lookupHits, err = meter.Int64Counter("procmem.lookups.hits",
		metric.WithDescription("Lookups that found a reusable procedure"))
	if err != nil {
		lookupHits, _ = meter.Int64Counter("procmem.lookups.hits.fallback")
	}

	upsertsTotal, err = meter.Int64Counter("procmem.upserts.total",
		metric.WithDescription("New compiled procedure versions written"))
	if err != nil {
		upsertsTotal, _ = meter.Int64Counter("procmem.upserts.total.fallback")
	}

	tracesTotal, err = meter.Int64Counter("procmem.traces.total",
		metric.WithDescription("Procedure traces captured"))
	if err != nil {
		tracesTotal, _ = meter.Int64Counter("procmem.traces.total.fallback")
	}
}
