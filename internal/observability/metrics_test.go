package observability

import (
	"testing"
	"time"

	"github.com/danmuck/edgenode/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)

	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("ap-device-1", "GET", "unmatched", 200, 3*time.Millisecond)
	RecordAssociation(false, 25*time.Second)
	RecordStatusTransition("idle", "access_point")
	RecordPortalSubmission("saved")
	RecordDNSQuery("answered")
	RecordMessage("udp", "dispatched")

	before := dropCount(t, "tcp", "buffer_full")
	RecordTransportDrop("tcp", "buffer_full")
	if after := dropCount(t, "tcp", "buffer_full"); after-before != 1 {
		t.Fatalf("expected drop counter to advance by 1, got %v", after-before)
	}
}

func dropCount(t *testing.T, transport, reason string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "edgenode_transport_dropped_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["transport"] == transport && labels["reason"] == reason {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}
