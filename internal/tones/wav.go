package tones

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PCM is decoded mono audio. Samples are normalized to [-1, 1].
type PCM struct {
	Rate    int
	Samples []float64
}

// Duration returns the audio length in seconds.
func (p *PCM) Duration() float64 {
	if p.Rate == 0 {
		return 0
	}
	return float64(len(p.Samples)) / float64(p.Rate)
}

var errShortWAV = errors.New("truncated wav data")

// DecodeWAV parses 16-bit PCM RIFF/WAVE bytes. Multi-channel audio is
// averaged down to mono.
func DecodeWAV(data []byte) (*PCM, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, errors.New("not a riff wave file")
	}

	var (
		channels   int
		rate       int
		bits       int
		haveFormat bool
		raw        []byte
	)

	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			return nil, errShortWAV
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, errShortWAV
			}
			format := int(binary.LittleEndian.Uint16(data[body : body+2]))
			if format != 1 {
				return nil, fmt.Errorf("unsupported wav format %d (want PCM)", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			rate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFormat = true
		case "data":
			raw = data[body : body+size]
		}

		// Chunks are word-aligned.
		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if !haveFormat {
		return nil, errors.New("wav missing fmt chunk")
	}
	if raw == nil {
		return nil, errors.New("wav missing data chunk")
	}
	if bits != 16 {
		return nil, fmt.Errorf("unsupported wav bit depth %d (want 16)", bits)
	}
	if channels < 1 || rate <= 0 {
		return nil, errors.New("invalid wav format chunk")
	}

	frame := channels * 2
	frames := len(raw) / frame
	samples := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			v := int16(binary.LittleEndian.Uint16(raw[i*frame+c*2 : i*frame+c*2+2]))
			sum += float64(v) / 32768.0
		}
		samples[i] = sum / float64(channels)
	}

	return &PCM{Rate: rate, Samples: samples}, nil
}
