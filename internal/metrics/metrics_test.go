package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/HendryAvila/recall/internal/metrics"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	m.RecordIngest("memory-fact", "indexed")
	m.RecordEmbedFailure("ingest")
	m.SetPending(3)
	m.RecordRetrieve("hybrid", time.Millisecond)
	m.RecordQueryCache(true)
	m.RecordRebuildRecords(10)
	m.RecordRebuildRun("swapped")
	m.RecordRepair("lexical", "added", 1)
}

func TestHandler_ExposesCounters(t *testing.T) {
	m := metrics.New()
	m.RecordIngest("memory-fact", "indexed")
	m.RecordIngest("memory-fact", "indexed")
	m.RecordRetrieve("degraded", 20*time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`recall_ingest_total{kind="memory-fact",outcome="indexed"} 2`,
		`recall_retrieve_total{mode="degraded"} 1`,
		`recall_retrieve_duration_seconds_count 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
