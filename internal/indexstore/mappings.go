package indexstore

// Index names. The set is fixed; IndexDocument rejects anything else.
const (
	IndexTransmissions = "icad-transmissions"
	IndexRates         = "icad-rates"
	IndexRecorders     = "icad-recorders"
	IndexDuplicates    = "icad-duplicates"
	IndexUnits         = "icad-units"
)

// epochDate accepts both ISO timestamps and the raw epoch seconds the
// recorder emits.
const epochDate = `{"type": "date", "format": "strict_date_optional_time||epoch_second"}`

// Mappings are dynamic:false so stray producer fields never pollute an index.
var indexMappings = map[string]string{
	IndexTransmissions: transmissionsMapping,
	IndexRates: `{
  "mappings": {
    "dynamic": "false",
    "properties": {
      "instance_id": {"type": "keyword"},
      "decode_rate": {"type": "float"},
      "short_name": {"type": "keyword"},
      "timestamp": ` + epochDate + `
    }
  }
}`,
	IndexRecorders: `{
  "mappings": {
    "dynamic": "false",
    "properties": {
      "instance_id": {"type": "keyword"},
      "active_count": {"type": "integer"},
      "available_count": {"type": "integer"},
      "idle_count": {"type": "integer"},
      "recording_count": {"type": "integer"},
      "timestamp": ` + epochDate + `
    }
  }
}`,
	IndexDuplicates: `{
  "mappings": {
    "dynamic": "false",
    "properties": {
      "instance_id": {"type": "keyword"},
      "talkgroup": {"type": "integer"},
      "talkgroup_alpha_tag": {"type": "text"},
      "talkgroup_description": {"type": "text"},
      "talkgroup_group": {"type": "text"},
      "talkgroup_group_tag": {"type": "text"},
      "short_name": {"type": "keyword"},
      "timestamp": ` + epochDate + `
    }
  }
}`,
	IndexUnits: `{
  "mappings": {
    "dynamic": "false",
    "properties": {
      "instance_id": {"type": "keyword"},
      "short_name": {"type": "keyword"},
      "unit": {"type": "long"},
      "unit_alpha_tag": {"type": "text"},
      "talkgroup": {"type": "integer"},
      "talkgroup_alpha_tag": {"type": "text"},
      "action": {"type": "keyword"},
      "timestamp": ` + epochDate + `
    }
  }
}`,
}

var transmissionsMapping = `{
  "mappings": {
    "dynamic": "false",
    "properties": {
      "instance_id": {"type": "keyword"},
      "audio_type": {"type": "keyword"},
      "audio_wav_url": {"type": "text"},
      "audio_m4a_url": {"type": "text"},
      "audio_mp3_url": {"type": "text"},
      "call_length": {"type": "integer"},
      "duplex": {"type": "integer"},
      "emergency": {"type": "integer"},
      "encrypted": {"type": "integer"},
      "freq": {"type": "long"},
      "freqList": {
        "type": "nested",
        "properties": {
          "error_count": {"type": "integer"},
          "freq": {"type": "long"},
          "len": {"type": "float"},
          "pos": {"type": "float"},
          "spike_count": {"type": "integer"},
          "time": {"type": "date"}
        }
      },
      "freq_error": {"type": "integer"},
      "mode": {"type": "integer"},
      "noise": {"type": "integer"},
      "phase2_tdma": {"type": "integer"},
      "priority": {"type": "integer"},
      "recorder_num": {"type": "integer"},
      "short_name": {"type": "keyword"},
      "signal": {"type": "integer"},
      "source_num": {"type": "integer"},
      "srcList": {
        "type": "nested",
        "properties": {
          "emergency": {"type": "integer"},
          "pos": {"type": "integer"},
          "signal_system": {"type": "keyword"},
          "src": {"type": "integer"},
          "tag": {"type": "text"},
          "time": ` + epochDate + `
        }
      },
      "start_time": ` + epochDate + `,
      "stop_time": ` + epochDate + `,
      "talkgroup": {"type": "integer"},
      "talkgroup_alpha_tag": {"type": "text"},
      "talkgroup_description": {"type": "text"},
      "talkgroup_group": {"type": "text"},
      "talkgroup_group_tag": {"type": "text"},
      "talkgroup_tag": {"type": "text"},
      "tdma_slot": {"type": "integer"},
      "timestamp": ` + epochDate + `,
      "tones": {
        "type": "nested",
        "properties": {
          "hi_low_tone": {
            "type": "nested",
            "properties": {
              "alternations": {"type": "integer"},
              "detected": {"type": "float"},
              "end": {"type": "float"},
              "length": {"type": "float"},
              "start": {"type": "float"},
              "tone_id": {"type": "keyword"}
            }
          },
          "long_tone": {
            "type": "nested",
            "properties": {
              "detected": {"type": "float"},
              "end": {"type": "float"},
              "length": {"type": "float"},
              "start": {"type": "float"},
              "tone_id": {"type": "keyword"}
            }
          },
          "two_tone": {
            "type": "nested",
            "properties": {
              "detected": {"type": "float"},
              "end": {"type": "float"},
              "start": {"type": "float"},
              "tone_a_length": {"type": "float"},
              "tone_b_length": {"type": "float"},
              "tone_id": {"type": "keyword"}
            }
          }
        }
      },
      "transcript": {
        "type": "nested",
        "properties": {
          "addresses": {"type": "text"},
          "process_time_seconds": {"type": "float"},
          "segments": {
            "type": "nested",
            "properties": {
              "end": {"type": "float"},
              "segment_id": {"type": "integer"},
              "start": {"type": "float"},
              "text": {"type": "text"},
              "unit_tag": {"type": "text"},
              "words": {"type": "text"}
            }
          },
          "transcript": {"type": "text"}
        }
      }
    }
  }
}`
