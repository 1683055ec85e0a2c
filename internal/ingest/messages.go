package ingest

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/snarg/tr-consumer/internal/call"
)

// sentinelInstanceID is what the recorder's MQTT plugin sends when nobody
// set instanceId. Calls carrying it cannot be deduplicated across
// recorders, so they are rejected outright.
const sentinelInstanceID = "trunk-recorder"

var errSentinelInstance = errors.New("instance_id is the producer default")

// Envelope is the common wrapper on every recorder message.
type Envelope struct {
	Type       string `json:"type"`
	Timestamp  int64  `json:"timestamp"`
	InstanceID string `json:"instance_id"`
}

// timestampOr returns the envelope timestamp, or now for producers that
// omit it.
func (e Envelope) timestampOr(now time.Time) int64 {
	if e.Timestamp > 0 {
		return e.Timestamp
	}
	return now.Unix()
}

type audioMessage struct {
	Envelope
	Call struct {
		AudioWAVBase64 string          `json:"audio_wav_base64"`
		Metadata       json.RawMessage `json:"metadata"`
	} `json:"call"`
}

// decodeAudio unpacks a feeds/audio payload into WAV bytes and call
// metadata. The receive-side fields are injected here: instance_id from
// the envelope, talkgroup_decimal, and the receive timestamp.
func decodeAudio(payload []byte, now time.Time) (*call.Record, []byte, error) {
	var msg audioMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, nil, fmt.Errorf("parse audio message: %w", err)
	}
	if msg.InstanceID == sentinelInstanceID {
		return nil, nil, errSentinelInstance
	}
	if msg.Call.AudioWAVBase64 == "" {
		return nil, nil, errors.New("audio message without audio_wav_base64")
	}

	wav, err := base64.StdEncoding.DecodeString(msg.Call.AudioWAVBase64)
	if err != nil {
		return nil, nil, fmt.Errorf("decode audio_wav_base64: %w", err)
	}

	rec := &call.Record{}
	if err := json.Unmarshal(msg.Call.Metadata, rec); err != nil {
		return nil, nil, fmt.Errorf("parse call metadata: %w", err)
	}
	if rec.Filename == "" {
		return nil, nil, errors.New("call metadata without filename")
	}
	rec.Filename = filepath.Base(rec.Filename)

	rec.InstanceID = msg.InstanceID
	rec.TalkgroupDecimal = rec.Talkgroup
	rec.Timestamp = float64(now.Unix())
	return rec, wav, nil
}

// rateEntry is one system's decode rate inside a feeds/rates message.
type rateEntry struct {
	SysName    string  `json:"sys_name"`
	DecodeRate float64 `json:"decoderate"`
}

type ratesMessage struct {
	Envelope
	Rates []rateEntry `json:"rates"`
}

// recorderEntry is one recorder inside a feeds/recorders message. Only the
// state matters here; the rest of the entry is dropped.
type recorderEntry struct {
	RecStateType string `json:"rec_state_type"`
}

type recordersMessage struct {
	Envelope
	Recorders []recorderEntry `json:"recorders"`
}

type callsActiveMessage struct {
	Envelope
	Calls []json.RawMessage `json:"calls"`
}

type callEndMessage struct {
	Envelope
	Call map[string]any `json:"call"`
}

// unitEventData is the payload of a units/<sys>/<action> message. The data
// sits under a key named after the action.
type unitEventData struct {
	SysName           string `json:"sys_name"`
	Unit              int64  `json:"unit"`
	UnitAlphaTag      string `json:"unit_alpha_tag"`
	Talkgroup         int    `json:"talkgroup"`
	TalkgroupAlphaTag string `json:"talkgroup_alpha_tag"`
}

func decodeUnitEvent(payload []byte, action string) (Envelope, unitEventData, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return env, unitEventData{}, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return env, unitEventData{}, err
	}
	body, ok := raw[action]
	if !ok {
		return env, unitEventData{}, fmt.Errorf("unit event without %q key", action)
	}

	var data unitEventData
	if err := json.Unmarshal(body, &data); err != nil {
		return env, unitEventData{}, err
	}
	return env, data, nil
}
