// Package tones finds signaling tones in dispatch audio: two-tone (Quick
// Call) pager activations, long attention tones, and hi-low warble tones.
// The audio is segmented into fixed windows, each window is reduced to its
// dominant frequency, and runs of stable frequency are classified.
package tones

import (
	"fmt"
	"math"
	"math/cmplx"
)

// Params tune the detector. Zero values are not usable; callers take them
// from the per-system tone_detection config block, which carries defaults.
type Params struct {
	MatchingThreshold    float64 // percent difference for two freqs to match
	TimeResolutionMS     int
	ToneAMinLength       float64 // seconds
	ToneBMinLength       float64
	LongToneMinLength    float64
	HiLowInterval        float64 // max single-tone length within a warble
	HiLowMinAlternations int
}

type TwoTone struct {
	ToneID      string     `json:"tone_id"`
	Detected    [2]float64 `json:"detected"`
	ToneALength float64    `json:"tone_a_length"`
	ToneBLength float64    `json:"tone_b_length"`
	Start       float64    `json:"start"`
	End         float64    `json:"end"`
}

type LongTone struct {
	ToneID   string  `json:"tone_id"`
	Detected float64 `json:"detected"`
	Length   float64 `json:"length"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
}

type HiLowTone struct {
	ToneID       string     `json:"tone_id"`
	Detected     [2]float64 `json:"detected"`
	Alternations int        `json:"alternations"`
	Length       float64    `json:"length"`
	Start        float64    `json:"start"`
	End          float64    `json:"end"`
}

// Result always carries non-nil slices so the JSON form uses [] for "none".
type Result struct {
	TwoTone   []TwoTone   `json:"two_tone"`
	LongTone  []LongTone  `json:"long_tone"`
	HiLowTone []HiLowTone `json:"hi_low_tone"`
}

// Empty is the no-tones result: every category present, every category [].
func Empty() Result {
	return Result{
		TwoTone:   make([]TwoTone, 0),
		LongTone:  make([]LongTone, 0),
		HiLowTone: make([]HiLowTone, 0),
	}
}

// Detect decodes WAV bytes and classifies any signaling tones present.
func Detect(wav []byte, p Params) (Result, error) {
	pcm, err := DecodeWAV(wav)
	if err != nil {
		return Empty(), err
	}
	return DetectPCM(pcm, p), nil
}

// DetectPCM classifies tones in already-decoded audio.
func DetectPCM(pcm *PCM, p Params) Result {
	res := Empty()

	window := pcm.Rate * p.TimeResolutionMS / 1000
	if window <= 0 || len(pcm.Samples) == 0 {
		return res
	}

	freqs := windowFrequencies(pcm, window)
	resolution := float64(window) / float64(pcm.Rate)
	segs := mergeSegments(freqs, resolution, p.MatchingThreshold)

	consumed := make([]bool, len(segs))

	// Two-tone pairs first so a B tone is not counted as a long tone.
	for i := 0; i+1 < len(segs); i++ {
		a, b := segs[i], segs[i+1]
		if consumed[i] || consumed[i+1] || a.freq <= 0 || b.freq <= 0 {
			continue
		}
		if freqMatch(a.freq, b.freq, p.MatchingThreshold) {
			continue
		}
		if a.length() >= p.ToneAMinLength && b.length() >= p.ToneBMinLength {
			res.TwoTone = append(res.TwoTone, TwoTone{
				ToneID:      fmt.Sprintf("qc_%d", len(res.TwoTone)+1),
				Detected:    [2]float64{round1(a.freq), round1(b.freq)},
				ToneALength: a.length(),
				ToneBLength: b.length(),
				Start:       a.start,
				End:         b.end,
			})
			consumed[i], consumed[i+1] = true, true
		}
	}

	for i, s := range segs {
		if consumed[i] || s.freq <= 0 {
			continue
		}
		if s.length() >= p.LongToneMinLength {
			res.LongTone = append(res.LongTone, LongTone{
				ToneID:   fmt.Sprintf("lt_%d", len(res.LongTone)+1),
				Detected: round1(s.freq),
				Length:   s.length(),
				Start:    s.start,
				End:      s.end,
			})
			consumed[i] = true
		}
	}

	res.HiLowTone = detectHiLow(segs, consumed, p)

	return res
}

type segment struct {
	start float64
	end   float64
	freq  float64
}

func (s segment) length() float64 { return s.end - s.start }

// windowFrequencies reduces each fixed-size window to its dominant
// frequency, or 0 for silence.
func windowFrequencies(pcm *PCM, window int) []float64 {
	n := len(pcm.Samples) / window
	freqs := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		freqs = append(freqs, dominantFrequency(pcm.Samples[i*window:(i+1)*window], pcm.Rate))
	}
	return freqs
}

// silenceRMS gates windows with no meaningful energy.
const silenceRMS = 0.008

func dominantFrequency(samples []float64, rate int) float64 {
	var energy float64
	for _, s := range samples {
		energy += s * s
	}
	if math.Sqrt(energy/float64(len(samples))) < silenceRMS {
		return 0
	}

	n := nextPow2(len(samples))
	buf := make([]complex128, n)
	for i, s := range samples {
		// Hann window reduces spectral leakage.
		w := 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(len(samples)-1)))
		buf[i] = complex(s*w, 0)
	}
	fft(buf)

	peak, peakMag := 0, 0.0
	for i := 1; i < n/2; i++ {
		if m := cmplx.Abs(buf[i]); m > peakMag {
			peak, peakMag = i, m
		}
	}
	if peak == 0 {
		return 0
	}

	// Parabolic interpolation around the peak bin refines the estimate well
	// below the bin width.
	offset := 0.0
	if peak > 1 && peak < n/2-1 {
		prev := cmplx.Abs(buf[peak-1])
		next := cmplx.Abs(buf[peak+1])
		denom := prev - 2*peakMag + next
		if denom != 0 {
			offset = 0.5 * (prev - next) / denom
		}
	}

	return (float64(peak) + offset) * float64(rate) / float64(n)
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// fft is an in-place iterative radix-2 transform. len(a) must be a power
// of two.
func fft(a []complex128) {
	n := len(a)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j |= bit
		if i < j {
			a[i], a[j] = a[j], a[i]
		}
	}
	for length := 2; length <= n; length <<= 1 {
		wl := cmplx.Rect(1, -2*math.Pi/float64(length))
		for i := 0; i < n; i += length {
			w := complex(1, 0)
			half := length / 2
			for j := 0; j < half; j++ {
				u := a[i+j]
				v := a[i+j+half] * w
				a[i+j] = u + v
				a[i+j+half] = u - v
				w *= wl
			}
		}
	}
}

func freqMatch(a, b, thresholdPct float64) bool {
	if a == 0 || b == 0 {
		return a == b
	}
	ref := math.Max(a, b)
	return math.Abs(a-b) <= ref*thresholdPct/100
}

// mergeSegments groups consecutive windows whose dominant frequencies match
// into segments with a mean frequency.
func mergeSegments(freqs []float64, resolution, thresholdPct float64) []segment {
	var segs []segment
	for i := 0; i < len(freqs); {
		j := i + 1
		sum := freqs[i]
		for j < len(freqs) && freqMatch(sum/float64(j-i), freqs[j], thresholdPct) {
			sum += freqs[j]
			j++
		}
		segs = append(segs, segment{
			start: float64(i) * resolution,
			end:   float64(j) * resolution,
			freq:  sum / float64(j-i),
		})
		i = j
	}
	return segs
}

// detectHiLow finds warble tones: runs of short segments alternating between
// two frequencies.
func detectHiLow(segs []segment, consumed []bool, p Params) []HiLowTone {
	out := make([]HiLowTone, 0)

	usable := func(i int) bool {
		return !consumed[i] && segs[i].freq > 0 && segs[i].length() <= p.HiLowInterval
	}

	for i := 0; i < len(segs); {
		if !usable(i) {
			i++
			continue
		}

		j := i + 1
		for j < len(segs) && usable(j) &&
			!freqMatch(segs[j].freq, segs[j-1].freq, p.MatchingThreshold) &&
			(j-i < 2 || freqMatch(segs[j].freq, segs[j-2].freq, p.MatchingThreshold)) {
			j++
		}

		alternations := j - i - 1
		if alternations >= p.HiLowMinAlternations {
			out = append(out, HiLowTone{
				ToneID:       fmt.Sprintf("hl_%d", len(out)+1),
				Detected:     [2]float64{round1(segs[i].freq), round1(segs[i+1].freq)},
				Alternations: alternations,
				Length:       segs[j-1].end - segs[i].start,
				Start:        segs[i].start,
				End:          segs[j-1].end,
			})
			for k := i; k < j; k++ {
				consumed[k] = true
			}
		}
		i = j
	}

	return out
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
