package ingest

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/snarg/tr-consumer/internal/indexstore"
)

// ── telemetry projections ───────────────────────────────────────────────────

func TestHandleRatesProjection(t *testing.T) {
	index := &fakeIndexer{}
	p := newTestPipeline(t, testConfig(t), index, zerolog.Nop())

	p.handleRates([]byte(`{
		"type": "rates",
		"timestamp": 1700000000,
		"instance_id": "tr-east",
		"rates": [
			{"sys_name": "sys1", "decoderate": 36.5},
			{"sys_name": "sys2", "decoderate": 12.0}
		]
	}`))

	docs := index.byIndex(indexstore.IndexRates)
	if len(docs) != 2 {
		t.Fatalf("rates docs = %d, want 2", len(docs))
	}
	first := docs[0].(map[string]any)
	if first["instance_id"] != "tr-east" || first["short_name"] != "sys1" {
		t.Errorf("first doc = %v", first)
	}
	if first["decode_rate"] != 36.5 {
		t.Errorf("decode_rate = %v, want 36.5", first["decode_rate"])
	}
	if first["timestamp"] != int64(1700000000) {
		t.Errorf("timestamp = %v, want the envelope timestamp", first["timestamp"])
	}
}

func TestHandleRecordersProjection(t *testing.T) {
	index := &fakeIndexer{}
	p := newTestPipeline(t, testConfig(t), index, zerolog.Nop())

	p.handleRecorders([]byte(`{
		"type": "recorders",
		"timestamp": 1700000000,
		"instance_id": "tr-east",
		"recorders": [
			{"rec_state_type": "RECORDING"},
			{"rec_state_type": "RECORDING"},
			{"rec_state_type": "AVAILABLE"},
			{"rec_state_type": "IDLE"},
			{"rec_state_type": "MONITORING"}
		]
	}`))

	docs := index.byIndex(indexstore.IndexRecorders)
	if len(docs) != 1 {
		t.Fatalf("recorders docs = %d, want 1", len(docs))
	}
	doc := docs[0].(map[string]any)
	want := map[string]int{
		"recording_count": 2,
		"available_count": 1,
		"idle_count":      1,
		"active_count":    4, // everything not available
	}
	for field, n := range want {
		if doc[field] != n {
			t.Errorf("%s = %v, want %d", field, doc[field], n)
		}
	}
}

func TestHandleCallsActiveProjection(t *testing.T) {
	index := &fakeIndexer{}
	p := newTestPipeline(t, testConfig(t), index, zerolog.Nop())

	p.handleCallsActive([]byte(`{
		"type": "calls_active",
		"instance_id": "tr-east",
		"calls": [{}, {}, {}]
	}`))

	docs := index.byIndex(indexstore.IndexRecorders)
	if len(docs) != 1 {
		t.Fatalf("docs = %d, want 1", len(docs))
	}
	doc := docs[0].(map[string]any)
	if doc["active_count"] != 3 {
		t.Errorf("active_count = %v, want 3", doc["active_count"])
	}
}

func TestHandleCallEndProjection(t *testing.T) {
	index := &fakeIndexer{}
	p := newTestPipeline(t, testConfig(t), index, zerolog.Nop())

	p.handleCallEnd([]byte(`{
		"type": "call_end",
		"timestamp": 1700000099,
		"instance_id": "tr-east",
		"call": {"short_name": "sys1", "talkgroup": 100, "call_length": 5.5}
	}`))

	docs := index.byIndex(indexstore.IndexTransmissions)
	if len(docs) != 1 {
		t.Fatalf("docs = %d, want 1", len(docs))
	}
	doc := docs[0].(map[string]any)
	if doc["short_name"] != "sys1" || doc["call_length"] != 5.5 {
		t.Errorf("call fields not carried: %v", doc)
	}
	if doc["instance_id"] != "tr-east" {
		t.Errorf("instance_id = %v", doc["instance_id"])
	}
	if doc["timestamp"] != int64(1700000099) {
		t.Errorf("timestamp = %v", doc["timestamp"])
	}
}

func TestHandleUnitEventGate(t *testing.T) {
	payload := []byte(`{
		"type": "unit",
		"timestamp": 1700000123,
		"instance_id": "tr-east",
		"call": {"unit": 5501, "unit_alpha_tag": "ENG5", "talkgroup": 100, "talkgroup_alpha_tag": "FD DISP"}
	}`)
	endPayload := []byte(`{
		"type": "unit",
		"instance_id": "tr-east",
		"end": {"unit": 5501, "talkgroup": 100}
	}`)

	// unit_log_type "call" admits call events only.
	index := &fakeIndexer{}
	cfg := testConfig(t)
	cfg.MQTT.UnitLogType = "call"
	p := newTestPipeline(t, cfg, index, zerolog.Nop())

	p.handleUnitEvent(&Route{Handler: "unit", SysName: "sys1", Action: "call"}, payload)
	p.handleUnitEvent(&Route{Handler: "unit", SysName: "sys1", Action: "end"}, endPayload)

	docs := index.byIndex(indexstore.IndexUnits)
	if len(docs) != 1 {
		t.Fatalf("unit docs = %d, want 1 (end events gated off)", len(docs))
	}
	doc := docs[0].(map[string]any)
	if doc["action"] != "call" || doc["unit"] != int64(5501) || doc["unit_alpha_tag"] != "ENG5" {
		t.Errorf("unit doc = %v", doc)
	}
	// sys_name missing from the payload: the topic segment fills in.
	if doc["short_name"] != "sys1" {
		t.Errorf("short_name = %v, want sys1 from the topic", doc["short_name"])
	}

	// "*" admits everything.
	index2 := &fakeIndexer{}
	cfg2 := testConfig(t)
	cfg2.MQTT.UnitLogType = "*"
	p2 := newTestPipeline(t, cfg2, index2, zerolog.Nop())

	p2.handleUnitEvent(&Route{Handler: "unit", SysName: "sys1", Action: "call"}, payload)
	p2.handleUnitEvent(&Route{Handler: "unit", SysName: "sys1", Action: "end"}, endPayload)
	if got := len(index2.byIndex(indexstore.IndexUnits)); got != 2 {
		t.Errorf("unit docs = %d, want 2 with wildcard log type", got)
	}
}

func TestStatsHandlersWithoutIndexer(t *testing.T) {
	p := newTestPipeline(t, testConfig(t), nil, zerolog.Nop())

	// All projections are no-ops when indexing is off.
	p.handleRates([]byte(`{"rates": [{"sys_name": "sys1"}]}`))
	p.handleRecorders([]byte(`{"recorders": []}`))
	p.handleCallsActive([]byte(`{"calls": []}`))
	p.handleCallEnd([]byte(`{"call": {}}`))
	p.handleUnitEvent(&Route{Handler: "unit", Action: "call"}, []byte(`{"call": {}}`))
}
