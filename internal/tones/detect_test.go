package tones

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"testing"
)

var testParams = Params{
	MatchingThreshold:    2,
	TimeResolutionMS:     50,
	ToneAMinLength:       0.8,
	ToneBMinLength:       2.8,
	LongToneMinLength:    1.5,
	HiLowInterval:        0.2,
	HiLowMinAlternations: 3,
}

type note struct {
	freq float64 // 0 = silence
	dur  float64 // seconds
}

// makeWAV synthesizes a 16-bit PCM mono WAV from a tone sequence.
func makeWAV(t *testing.T, rate int, notes []note) []byte {
	t.Helper()

	var samples []int16
	for _, n := range notes {
		count := int(n.dur * float64(rate))
		for i := 0; i < count; i++ {
			var v float64
			if n.freq > 0 {
				v = 0.8 * math.Sin(2*math.Pi*n.freq*float64(i)/float64(rate))
			}
			samples = append(samples, int16(v*32767))
		}
	}

	dataSize := len(samples) * 2
	buf := make([]byte, 0, 44+dataSize)
	le := binary.LittleEndian

	u32 := func(v uint32) []byte { b := make([]byte, 4); le.PutUint32(b, v); return b }
	u16 := func(v uint16) []byte { b := make([]byte, 2); le.PutUint16(b, v); return b }

	buf = append(buf, []byte("RIFF")...)
	buf = append(buf, u32(uint32(36+dataSize))...)
	buf = append(buf, []byte("WAVE")...)
	buf = append(buf, []byte("fmt ")...)
	buf = append(buf, u32(16)...)
	buf = append(buf, u16(1)...) // PCM
	buf = append(buf, u16(1)...) // mono
	buf = append(buf, u32(uint32(rate))...)
	buf = append(buf, u32(uint32(rate*2))...)
	buf = append(buf, u16(2)...)
	buf = append(buf, u16(16)...)
	buf = append(buf, []byte("data")...)
	buf = append(buf, u32(uint32(dataSize))...)
	for _, s := range samples {
		buf = append(buf, u16(uint16(s))...)
	}
	return buf
}

func closeTo(got, want, pct float64) bool {
	return math.Abs(got-want) <= want*pct/100
}

func TestDecodeWAV(t *testing.T) {
	wav := makeWAV(t, 8000, []note{{freq: 440, dur: 2.0}})
	pcm, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if pcm.Rate != 8000 {
		t.Errorf("Rate = %d, want 8000", pcm.Rate)
	}
	if got := pcm.Duration(); math.Abs(got-2.0) > 0.001 {
		t.Errorf("Duration = %v, want 2.0", got)
	}
	if len(pcm.Samples) != 16000 {
		t.Errorf("len(Samples) = %d, want 16000", len(pcm.Samples))
	}

	if _, err := DecodeWAV([]byte("definitely not audio")); err == nil {
		t.Error("DecodeWAV accepted garbage")
	}
	if _, err := DecodeWAV(wav[:20]); err == nil {
		t.Error("DecodeWAV accepted truncated data")
	}
}

func TestDetectTwoTone(t *testing.T) {
	wav := makeWAV(t, 8000, []note{
		{freq: 0, dur: 0.5},
		{freq: 900, dur: 1.0},
		{freq: 1200, dur: 3.0},
		{freq: 0, dur: 0.5},
	})

	res, err := Detect(wav, testParams)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(res.TwoTone) != 1 {
		t.Fatalf("TwoTone = %d entries, want 1: %+v", len(res.TwoTone), res)
	}

	tt := res.TwoTone[0]
	if !closeTo(tt.Detected[0], 900, 1.5) {
		t.Errorf("tone A = %v Hz, want ~900", tt.Detected[0])
	}
	if !closeTo(tt.Detected[1], 1200, 1.5) {
		t.Errorf("tone B = %v Hz, want ~1200", tt.Detected[1])
	}
	if math.Abs(tt.ToneALength-1.0) > 0.11 {
		t.Errorf("tone A length = %v, want ~1.0", tt.ToneALength)
	}
	if math.Abs(tt.ToneBLength-3.0) > 0.11 {
		t.Errorf("tone B length = %v, want ~3.0", tt.ToneBLength)
	}
	if tt.ToneID != "qc_1" {
		t.Errorf("ToneID = %q, want qc_1", tt.ToneID)
	}

	// The B tone was consumed by the pair; it must not double as a long tone.
	if len(res.LongTone) != 0 {
		t.Errorf("LongTone = %+v, want none", res.LongTone)
	}
	if len(res.HiLowTone) != 0 {
		t.Errorf("HiLowTone = %+v, want none", res.HiLowTone)
	}
}

func TestDetectLongTone(t *testing.T) {
	wav := makeWAV(t, 8000, []note{
		{freq: 0, dur: 1.0},
		{freq: 1000, dur: 2.0},
		{freq: 0, dur: 1.0},
	})

	res, err := Detect(wav, testParams)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(res.LongTone) != 1 {
		t.Fatalf("LongTone = %d entries, want 1: %+v", len(res.LongTone), res)
	}
	lt := res.LongTone[0]
	if !closeTo(lt.Detected, 1000, 1.5) {
		t.Errorf("Detected = %v Hz, want ~1000", lt.Detected)
	}
	if math.Abs(lt.Length-2.0) > 0.11 {
		t.Errorf("Length = %v, want ~2.0", lt.Length)
	}
	if len(res.TwoTone) != 0 {
		t.Errorf("TwoTone = %+v, want none", res.TwoTone)
	}
}

func TestDetectHiLow(t *testing.T) {
	notes := []note{{freq: 0, dur: 0.5}}
	for i := 0; i < 4; i++ {
		notes = append(notes, note{freq: 600, dur: 0.15}, note{freq: 1200, dur: 0.15})
	}
	notes = append(notes, note{freq: 0, dur: 0.5})
	wav := makeWAV(t, 8000, notes)

	res, err := Detect(wav, testParams)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(res.HiLowTone) != 1 {
		t.Fatalf("HiLowTone = %d entries, want 1: %+v", len(res.HiLowTone), res)
	}
	hl := res.HiLowTone[0]
	if !closeTo(hl.Detected[0], 600, 2) || !closeTo(hl.Detected[1], 1200, 2) {
		t.Errorf("Detected = %v, want ~[600 1200]", hl.Detected)
	}
	if hl.Alternations < testParams.HiLowMinAlternations {
		t.Errorf("Alternations = %d, want >= %d", hl.Alternations, testParams.HiLowMinAlternations)
	}
	if len(res.TwoTone) != 0 || len(res.LongTone) != 0 {
		t.Errorf("unexpected extra detections: %+v", res)
	}
}

func TestDetectSilence(t *testing.T) {
	wav := makeWAV(t, 8000, []note{{freq: 0, dur: 2.0}})

	res, err := Detect(wav, testParams)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(res.TwoTone)+len(res.LongTone)+len(res.HiLowTone) != 0 {
		t.Errorf("detections in silence: %+v", res)
	}

	// The JSON form uses empty arrays, matching the sidecar metadata shape.
	b, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"two_tone":[],"long_tone":[],"hi_low_tone":[]}`
	if string(b) != want {
		t.Errorf("json = %s, want %s", b, want)
	}
}

func TestDetectShortAudio(t *testing.T) {
	wav := makeWAV(t, 8000, []note{{freq: 1000, dur: 0.01}})
	res, err := Detect(wav, testParams)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(res.TwoTone)+len(res.LongTone)+len(res.HiLowTone) != 0 {
		t.Errorf("detections in sub-window audio: %+v", res)
	}
}
