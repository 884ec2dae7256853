package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordPacketReceived("kdeconnect.ping")
	RecordPacketSent("kdeconnect.ping")
	RecordPacketDropped("unpaired")
	SetConnectedDevices(2)
	RecordPairingResult("paired")
	RecordPluginError("ping")
	RecordReconnectAttempt()
	RecordPayload("receive", 1024, false)
	RecordPayload("receive", 0, true)
	SetReachableDevices(3)
}

func TestHandlerExposesCollectors(t *testing.T) {
	RecordPacketReceived("kdeconnect.mpris")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Result().Body)
	if !strings.Contains(string(body), `connectd_link_packets_received_total{type="kdeconnect.mpris"}`) {
		t.Fatalf("expected packet counter in exposition output")
	}
}
