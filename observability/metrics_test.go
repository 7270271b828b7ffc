package observability

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"escrowlink/core/events"
	"escrowlink/core/ledger"
)

func TestEscrowdMetricsRecordSubmissions(t *testing.T) {
	m := NewEscrowdMetrics()
	m.MustRegister(prometheus.NewRegistry())

	m.ObserveSubmission("fund", ledger.OutcomeTransient)
	m.ObserveSubmission("fund", ledger.OutcomeAlreadyLanded)
	m.ObserveSubmission("", ledger.OutcomeRejected)
	m.ObserveConfirmation("fund", 1500*time.Millisecond)
	m.RecordBudgetRejection()
	m.RecordOperation("claim", "")

	if got := testutil.ToFloat64(m.submissions.WithLabelValues("fund", "transient")); got != 1 {
		t.Fatalf("transient submissions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.submissions.WithLabelValues("unknown", "rejected")); got != 1 {
		t.Fatalf("unlabelled phase not bucketed: %v", got)
	}
	if got := testutil.ToFloat64(m.budgetRejections); got != 1 {
		t.Fatalf("budget rejections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("claim", "ok")); got != 1 {
		t.Fatalf("claim operations = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.confirmation); got != 1 {
		t.Fatalf("confirmation series = %d, want 1", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *EscrowdMetrics
	m.ObserveSubmission("fund", ledger.OutcomeConfirmed)
	m.RecordBudgetRejection()
}

func TestEventSinkCountsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	sink := NewEventSink(slog.New(slog.NewJSONHandler(&buf, nil)))
	sink.MustRegister(prometheus.NewRegistry())

	sink.Emit(events.EscrowClaimed{AppID: 7})
	sink.Emit(events.EscrowClaimed{AppID: 8})

	if got := testutil.ToFloat64(sink.counts.WithLabelValues(events.TypeEscrowClaimed)); got != 2 {
		t.Fatalf("claimed events = %v, want 2", got)
	}
	if !strings.Contains(buf.String(), `"appId":"8"`) {
		t.Fatalf("event attributes not logged: %s", buf.String())
	}
	var nilSink *EventSink
	nilSink.Emit(events.EscrowClaimed{AppID: 9})
}
