package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"picbot/internal/eventbus"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name, labelValue string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetValue() == labelValue {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestRecordDelivery(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDelivery(eventbus.DeliveryEvent{Result: eventbus.ResultOK, Duration: 50 * time.Millisecond})
	c.RecordDelivery(eventbus.DeliveryEvent{Result: eventbus.ResultOK})
	c.RecordDelivery(eventbus.DeliveryEvent{Result: eventbus.ResultSendError})

	if v := counterValue(t, reg, "picbot_deliveries_total", "ok"); v != 2 {
		t.Fatalf("deliveries{ok} = %v, want 2", v)
	}
	if v := counterValue(t, reg, "picbot_deliveries_total", "send_error"); v != 1 {
		t.Fatalf("deliveries{send_error} = %v, want 1", v)
	}
}

func TestRecordCommand(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordCommand("time")

	if v := counterValue(t, reg, "picbot_commands_total", "time"); v != 1 {
		t.Fatalf("commands{time} = %v, want 1", v)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.SetCatalogSize(7)

	rr := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rr.Result().Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "picbot_catalog_size 7") {
		t.Fatalf("catalog gauge missing from scrape:\n%s", body)
	}
}
