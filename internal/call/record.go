// Package call defines the unit of work flowing through the consumer: one
// recorded transmission's metadata, enriched in place as pipeline stages run.
package call

import (
	"encoding/json"
	"strings"
	"time"
)

// FreqEntry is one frequency span within a call.
type FreqEntry struct {
	Freq       float64 `json:"freq"`
	Time       float64 `json:"time"`
	Pos        float64 `json:"pos"`
	Len        float64 `json:"len"`
	ErrorCount int     `json:"error_count"`
	SpikeCount int     `json:"spike_count"`
}

// SrcEntry is one transmitting radio within a call.
type SrcEntry struct {
	Src          int64   `json:"src"`
	Time         float64 `json:"time"`
	Pos          float64 `json:"pos"`
	Emergency    int     `json:"emergency"`
	SignalSystem string  `json:"signal_system"`
	Tag          string  `json:"tag"`
}

// Record is the call metadata from the recorder plus the fields this
// consumer fills in. Within one pipeline run fields are only ever added,
// so every sink sees a superset of what the previous stage saw.
type Record struct {
	// Injected on receive, before the record enters the pipeline.
	InstanceID       string  `json:"instance_id"`
	TalkgroupDecimal int     `json:"talkgroup_decimal"`
	Timestamp        float64 `json:"timestamp"`

	// Producer metadata, passed through from the recorder.
	ShortName            string      `json:"short_name"`
	Talkgroup            int         `json:"talkgroup"`
	StartTime            float64     `json:"start_time"`
	StopTime             float64     `json:"stop_time"`
	CallLength           float64     `json:"call_length"`
	Filename             string      `json:"filename"`
	AudioType            string      `json:"audio_type"`
	Freq                 float64     `json:"freq"`
	FreqError            int         `json:"freq_error"`
	Signal               float64     `json:"signal"`
	Noise                float64     `json:"noise"`
	SourceNum            int         `json:"source_num"`
	RecorderNum          int         `json:"recorder_num"`
	TDMASlot             int         `json:"tdma_slot"`
	Phase2TDMA           int         `json:"phase2_tdma"`
	Emergency            int         `json:"emergency"`
	Priority             int         `json:"priority"`
	Mode                 int         `json:"mode"`
	Duplex               int         `json:"duplex"`
	Encrypted            int         `json:"encrypted"`
	TalkgroupTag         string      `json:"talkgroup_tag"`
	TalkgroupAlphaTag    string      `json:"talkgroup_alpha_tag"`
	TalkgroupDescription string      `json:"talkgroup_description"`
	TalkgroupGroup       string      `json:"talkgroup_group"`
	TalkgroupGroupTag    string      `json:"talkgroup_group_tag"`
	FreqList             []FreqEntry `json:"freqList"`
	SrcList              []SrcEntry  `json:"srcList"`
	Patches              []int64     `json:"patches"`

	// Enrichment slots filled by pipeline stages.
	Tones       any     `json:"tones"`
	Transcript  any     `json:"transcript"`
	PlayLength  float64 `json:"play_length"`
	AudioWavURL string  `json:"audio_wav_url,omitempty"`
	AudioM4AURL string  `json:"audio_m4a_url,omitempty"`
	AudioURL    string  `json:"audio_url,omitempty"`
}

// BaseName is the call filename without its .wav extension; sibling
// artifact names are derived from it.
func (r *Record) BaseName() string {
	return strings.TrimSuffix(r.Filename, ".wav")
}

// M4AName is the compressed artifact filename.
func (r *Record) M4AName() string { return r.BaseName() + ".m4a" }

// JSONName is the metadata sidecar filename.
func (r *Record) JSONName() string { return r.BaseName() + ".json" }

// StartUTC converts the epoch start time, with sub-second precision, to UTC.
func (r *Record) StartUTC() time.Time {
	sec := int64(r.StartTime)
	nsec := int64((r.StartTime - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// ComputePlayLength sums the per-frequency span lengths. The recorder's
// call_length counts recording time including squelch gaps; play length is
// what a player actually hears.
func (r *Record) ComputePlayLength() float64 {
	var total float64
	for _, f := range r.FreqList {
		total += f.Len
	}
	return total
}

// ErrorCount sums decode errors across frequency spans.
func (r *Record) ErrorCount() int {
	var n int
	for _, f := range r.FreqList {
		n += f.ErrorCount
	}
	return n
}

// SpikeCount sums signal spikes across frequency spans.
func (r *Record) SpikeCount() int {
	var n int
	for _, f := range r.FreqList {
		n += f.SpikeCount
	}
	return n
}

// AsMap returns the record as a generic tree for template rendering. The
// copy is detached: template expansion cannot mutate the record.
func (r *Record) AsMap() (map[string]any, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
