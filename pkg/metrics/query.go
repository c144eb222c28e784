package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// DeliveryStats represents aggregated delivery metrics for one recipient.
type DeliveryStats struct {
	Recipient       string  `json:"recipient"`
	DeliveredOK     int64   `json:"delivered_ok"`
	Nacks           int64   `json:"nacks"`
	DeadLettered    int64   `json:"dead_lettered"`
	RejectedCalls   int64   `json:"rejected_calls"`
	CurrentQueueLen float64 `json:"current_queue_length"`
}

// QueryService queries aggregated core metrics back out of Prometheus, for
// operators and dashboards that want totals rather than raw series.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a metrics query service against prometheusURL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

func (q *QueryService) scalarQuery(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("query %q failed: %w", query, err)
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}

// GetDeliveryStats aggregates delivery counters for a recipient across all
// core instances scraped by Prometheus.
func (q *QueryService) GetDeliveryStats(ctx context.Context, recipient string) (*DeliveryStats, error) {
	stats := &DeliveryStats{Recipient: recipient}

	delivered, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(coordinator_delivered_ok_total{recipient=%q})`, recipient))
	if err != nil {
		return nil, err
	}
	stats.DeliveredOK = int64(delivered)

	nacks, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(coordinator_nacks_total{recipient=%q})`, recipient))
	if err != nil {
		return nil, err
	}
	stats.Nacks = int64(nacks)

	dead, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(coordinator_dead_lettered_total{recipient=%q})`, recipient))
	if err != nil {
		return nil, err
	}
	stats.DeadLettered = int64(dead)

	rejected, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(breaker_rejected_calls_total{circuit=%q})`, recipient))
	if err != nil {
		return nil, err
	}
	stats.RejectedCalls = int64(rejected)

	queueLen, err := q.scalarQuery(ctx, fmt.Sprintf(`max(coordinator_queue_length{recipient=%q})`, recipient))
	if err != nil {
		return nil, err
	}
	stats.CurrentQueueLen = queueLen

	return stats, nil
}

// GetBreakerStateChanges returns the total state transitions per circuit,
// keyed by "from->to".
func (q *QueryService) GetBreakerStateChanges(ctx context.Context, circuit string) (map[string]int64, error) {
	query := fmt.Sprintf(`sum by (from, to) (breaker_state_changes_total{circuit=%q})`, circuit)
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("query %q failed: %w", query, err)
	}

	transitions := make(map[string]int64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			key := fmt.Sprintf("%s->%s", sample.Metric["from"], sample.Metric["to"])
			transitions[key] = int64(sample.Value)
		}
	}
	return transitions, nil
}
