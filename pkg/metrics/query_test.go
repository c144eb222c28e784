package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePrometheus answers the query API with canned vectors keyed by the
// metric name inside the PromQL expression.
func fakePrometheus(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/query", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		query := r.FormValue("query")

		scalar := func(v string) string {
			return fmt.Sprintf(
				`{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1700000000,%q]}]}}`, v)
		}
		var body string
		switch {
		case strings.Contains(query, "coordinator_delivered_ok_total"):
			body = scalar("42")
		case strings.Contains(query, "coordinator_nacks_total"):
			body = scalar("5")
		case strings.Contains(query, "coordinator_dead_lettered_total"):
			body = scalar("1")
		case strings.Contains(query, "breaker_rejected_calls_total"):
			body = scalar("3")
		case strings.Contains(query, "coordinator_queue_length"):
			body = scalar("7")
		case strings.Contains(query, "breaker_state_changes_total"):
			body = `{"status":"success","data":{"resultType":"vector","result":[` +
				`{"metric":{"from":"CLOSED","to":"OPEN"},"value":[1700000000,"2"]},` +
				`{"metric":{"from":"OPEN","to":"HALF_OPEN"},"value":[1700000000,"1"]}]}}`
		default:
			body = `{"status":"success","data":{"resultType":"vector","result":[]}}`
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestGetDeliveryStats(t *testing.T) {
	server := fakePrometheus(t)
	q, err := NewQueryService(server.URL)
	require.NoError(t, err)

	stats, err := q.GetDeliveryStats(context.Background(), "worker:alpha")
	require.NoError(t, err)
	assert.Equal(t, "worker:alpha", stats.Recipient)
	assert.Equal(t, int64(42), stats.DeliveredOK)
	assert.Equal(t, int64(5), stats.Nacks)
	assert.Equal(t, int64(1), stats.DeadLettered)
	assert.Equal(t, int64(3), stats.RejectedCalls)
	assert.Equal(t, 7.0, stats.CurrentQueueLen)
}

func TestGetBreakerStateChanges(t *testing.T) {
	server := fakePrometheus(t)
	q, err := NewQueryService(server.URL)
	require.NoError(t, err)

	transitions, err := q.GetBreakerStateChanges(context.Background(), "narrative")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{
		"CLOSED->OPEN":    2,
		"OPEN->HALF_OPEN": 1,
	}, transitions)
}

func TestNewQueryServiceInvalidURL(t *testing.T) {
	_, err := NewQueryService("://not-a-url")
	require.Error(t, err)
}
