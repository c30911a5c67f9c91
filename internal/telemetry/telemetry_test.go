package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorded(t *testing.T) (*Telemetry, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	recorder := tracetest.NewSpanRecorder()
	tel, err := NewWithProviders(
		sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)),
		sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	)
	require.NoError(t, err)
	return tel, reader, recorder
}

func counterTotals(t *testing.T, reader *sdkmetric.ManualReader, name string, key attribute.Key) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				label := ""
				if v, ok := dp.Attributes.Value(key); ok {
					label = v.AsString()
				}
				out[label] += dp.Value
			}
		}
	}
	return out
}

func TestCheckoutCountersByOutcome(t *testing.T) {
	tel, reader, _ := newRecorded(t)
	ctx := context.Background()

	tel.CheckoutFinished(ctx, "completed", 2)
	tel.CheckoutFinished(ctx, "completed", 0)
	tel.CheckoutFinished(ctx, "rejected", 0)

	assert.Equal(t, map[string]int64{"completed": 2, "rejected": 1}, counterTotals(t, reader, "pos_checkout_total", "outcome"))
	assert.Equal(t, map[string]int64{"": 2}, counterTotals(t, reader, "pos_checkout_warnings_total", "outcome"))
}

func TestSyncResultCounter(t *testing.T) {
	tel, reader, _ := newRecorded(t)
	ctx := context.Background()

	tel.SyncResult(ctx, "acknowledged")
	tel.SyncResult(ctx, "retrying")
	tel.SyncResult(ctx, "retrying")

	assert.Equal(t, map[string]int64{"acknowledged": 1, "retrying": 2}, counterTotals(t, reader, "pos_sync_items_total", "result"))
}

func TestStageSpansAreNamedByState(t *testing.T) {
	tel, _, recorder := newRecorded(t)

	_, span := tel.StartStage(context.Background(), "ComputingTotals", attribute.String("order_number", "ORD-1"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "checkout.ComputingTotals", ended[0].Name())
}

func TestNopAndDisabledExport(t *testing.T) {
	tel, err := New(context.Background(), Config{ServiceName: "terminal"})
	require.NoError(t, err)
	tel.CheckoutFinished(context.Background(), "completed", 1)
	assert.NoError(t, tel.Shutdown(context.Background()))
}
