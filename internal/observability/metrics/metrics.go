// Package metrics exposes the quota-path instruments over OTLP.
package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	invokeRequests     metric.Int64Counter
	signatureRejected  metric.Int64Counter
	quotaDenied        metric.Int64Counter
	deductionsApplied  metric.Int64Counter
	deductionsReversed metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "quotagate"
	}
	meter := provider.Meter(name)

	invokeRequests, err := meter.Int64Counter("quotagate_invoke_total")
	if err != nil {
		return nil, err
	}
	signatureRejected, err := meter.Int64Counter("quotagate_signature_rejected_total")
	if err != nil {
		return nil, err
	}
	quotaDenied, err := meter.Int64Counter("quotagate_quota_denied_total")
	if err != nil {
		return nil, err
	}
	deductionsApplied, err := meter.Int64Counter("quotagate_deductions_applied_total")
	if err != nil {
		return nil, err
	}
	deductionsReversed, err := meter.Int64Counter("quotagate_deductions_reversed_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		invokeRequests:     invokeRequests,
		signatureRejected:  signatureRejected,
		quotaDenied:        quotaDenied,
		deductionsApplied:  deductionsApplied,
		deductionsReversed: deductionsReversed,
	}, nil
}

// RecordInvoke counts one metered call by outcome.
func (m *Metrics) RecordInvoke(ctx context.Context, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("result", strings.TrimSpace(result)))
	m.invokeRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSignatureRejected counts an authentication failure by reason.
func (m *Metrics) RecordSignatureRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.signatureRejected.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordQuotaDenied counts a consume attempt refused by the ledger or the
// admission semaphore.
func (m *Metrics) RecordQuotaDenied(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.quotaDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDeductionApplied counts a committed stock deduction.
func (m *Metrics) RecordDeductionApplied(ctx context.Context) {
	if m == nil {
		return
	}
	m.deductionsApplied.Add(ctx, 1)
}

// RecordDeductionReversed counts a compensating reversal.
func (m *Metrics) RecordDeductionReversed(ctx context.Context) {
	if m == nil {
		return
	}
	m.deductionsReversed.Add(ctx, 1)
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"result":      {},
	"reason":      {},
	"endpoint":    {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
