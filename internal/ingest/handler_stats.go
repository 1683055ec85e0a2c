package ingest

import (
	"encoding/json"
	"time"

	"github.com/snarg/tr-consumer/internal/indexstore"
)

// Stats handlers project recorder telemetry into small index documents.
// They are no-ops when indexing is off.

func (p *Pipeline) handleRates(payload []byte) {
	if p.index == nil {
		return
	}
	var msg ratesMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.log.Warn().Err(err).Msg("undecodable rates message")
		return
	}
	ts := msg.timestampOr(time.Now())
	for _, r := range msg.Rates {
		p.index.IndexDocument(indexstore.IndexRates, map[string]any{
			"instance_id": msg.InstanceID,
			"short_name":  r.SysName,
			"decode_rate": r.DecodeRate,
			"timestamp":   ts,
		})
	}
}

func (p *Pipeline) handleRecorders(payload []byte) {
	if p.index == nil {
		return
	}
	var msg recordersMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.log.Warn().Err(err).Msg("undecodable recorders message")
		return
	}

	var recording, available, idle int
	for _, r := range msg.Recorders {
		switch r.RecStateType {
		case "RECORDING":
			recording++
		case "AVAILABLE":
			available++
		case "IDLE":
			idle++
		}
	}
	p.index.IndexDocument(indexstore.IndexRecorders, map[string]any{
		"instance_id":     msg.InstanceID,
		"recording_count": recording,
		"available_count": available,
		"idle_count":      idle,
		"active_count":    len(msg.Recorders) - available,
		"timestamp":       msg.timestampOr(time.Now()),
	})
}

func (p *Pipeline) handleCallsActive(payload []byte) {
	if p.index == nil {
		return
	}
	var msg callsActiveMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.log.Warn().Err(err).Msg("undecodable calls_active message")
		return
	}
	p.index.IndexDocument(indexstore.IndexRecorders, map[string]any{
		"instance_id":  msg.InstanceID,
		"active_count": len(msg.Calls),
		"timestamp":    msg.timestampOr(time.Now()),
	})
}

// handleCallEnd indexes the final call metadata for transmissions heard
// without audio (encrypted, or recorded by another consumer's uploader).
func (p *Pipeline) handleCallEnd(payload []byte) {
	if p.index == nil {
		return
	}
	var msg callEndMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.log.Warn().Err(err).Msg("undecodable call_end message")
		return
	}
	if msg.Call == nil {
		p.log.Warn().Msg("call_end message without call data")
		return
	}
	doc := msg.Call
	doc["instance_id"] = msg.InstanceID
	doc["timestamp"] = msg.timestampOr(time.Now())
	p.index.IndexDocument(indexstore.IndexTransmissions, doc)
}

func (p *Pipeline) handleUnitEvent(route *Route, payload []byte) {
	if p.index == nil {
		return
	}
	want := p.cfg.MQTT.UnitLogType
	if want != "*" && want != route.Action {
		return
	}

	env, data, err := decodeUnitEvent(payload, route.Action)
	if err != nil {
		p.log.Warn().Err(err).Str("action", route.Action).Msg("undecodable unit event")
		return
	}

	shortName := data.SysName
	if shortName == "" {
		shortName = route.SysName
	}
	p.index.IndexDocument(indexstore.IndexUnits, map[string]any{
		"instance_id":         env.InstanceID,
		"short_name":          shortName,
		"unit":                data.Unit,
		"unit_alpha_tag":      data.UnitAlphaTag,
		"talkgroup":           data.Talkgroup,
		"talkgroup_alpha_tag": data.TalkgroupAlphaTag,
		"action":              route.Action,
		"timestamp":           env.timestampOr(time.Now()),
	})
}
