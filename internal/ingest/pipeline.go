// Package ingest turns recorder messages into work: audio messages run the
// per-call stage sequence on a bounded pool, stats messages project into
// small index documents. Each message is one independent unit of work;
// nothing orders calls across workers.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/tr-consumer/internal/archive"
	"github.com/snarg/tr-consumer/internal/call"
	"github.com/snarg/tr-consumer/internal/config"
	"github.com/snarg/tr-consumer/internal/dedup"
	"github.com/snarg/tr-consumer/internal/indexstore"
	"github.com/snarg/tr-consumer/internal/metrics"
	"github.com/snarg/tr-consumer/internal/sinks"
	"github.com/snarg/tr-consumer/internal/tones"
	"github.com/snarg/tr-consumer/internal/transcode"
	"github.com/snarg/tr-consumer/internal/transcribe"
)

// DocIndexer is the slice of the index store the pipeline writes to. A nil
// DocIndexer disables indexing and stats projection.
type DocIndexer interface {
	IndexDocument(index string, doc any)
}

// callResult is a call's terminal disposition, used as the metric label.
type callResult string

const (
	resultProcessed callResult = "processed"
	resultDuplicate callResult = "duplicate"
	resultSkipped   callResult = "skipped"
	resultFailed    callResult = "failed"
)

// transcodeFunc matches transcode.Convert; tests substitute one that does
// not need ffmpeg.
type transcodeFunc func(ctx context.Context, src string, opts transcode.Options, meta transcode.Meta) (string, error)

// Pipeline owns the consumer's work: routing, the worker pool, and the
// per-call stage sequence.
type Pipeline struct {
	cfg        *config.Config
	pool       *Pool
	dedup      *dedup.Detector
	sinks      *sinks.Client
	index      DocIndexer
	transcoder transcodeFunc

	// Per-system collaborators, built once at startup for the systems
	// whose config enables them.
	transcribers map[string]*transcribe.Client
	archives     map[string]archive.Backend

	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	handlerCounts sync.Map // handler name -> *atomic.Int64
}

// PipelineOptions carries the pipeline's collaborators. Index may be nil.
type PipelineOptions struct {
	Config *config.Config
	Index  DocIndexer
	Log    zerolog.Logger
}

// NewPipeline builds the pipeline and starts its pool and stats loop.
// Archive backends are constructed here, once per system; a backend that
// cannot be built is a config problem and fails startup.
func NewPipeline(ctx context.Context, opts PipelineOptions) (*Pipeline, error) {
	p := &Pipeline{
		cfg:          opts.Config,
		dedup:        dedup.New(),
		sinks:        sinks.New(opts.Log),
		index:        opts.Index,
		transcoder:   transcode.Convert,
		transcribers: make(map[string]*transcribe.Client),
		archives:     make(map[string]archive.Backend),
		log:          opts.Log.With().Str("component", "pipeline").Logger(),
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	for name, sys := range opts.Config.Systems {
		if sys == nil {
			continue
		}
		if sys.Transcribe.Enabled.Bool() {
			p.transcribers[name] = transcribe.NewClient(sys.Transcribe, opts.Log)
		}
		if sys.Archive.Enabled.Bool() {
			backend, err := archive.New(p.ctx, sys.Archive, opts.Log)
			if err != nil {
				p.cancel()
				return nil, fmt.Errorf("system %s: archive: %w", name, err)
			}
			p.archives[name] = backend
		}
	}

	p.pool = NewPool(opts.Config.MQTT.Workers)
	p.wg.Add(1)
	go p.statsLoop()
	return p, nil
}

// Pool exposes queue depth for the metrics collector and the health view.
func (p *Pipeline) Pool() *Pool { return p.pool }

// Stop stops intake, lets queued calls finish, then cancels outstanding
// requests and waits for the stats loop.
func (p *Pipeline) Stop() {
	p.pool.Close()
	p.cancel()
	p.wg.Wait()
}

// HandleMessage is the broker callback. It must not block: work is either
// queued on the pool or dropped.
func (p *Pipeline) HandleMessage(topic string, payload []byte) {
	metrics.MQTTMessagesTotal.Inc()

	route := ParseTopic(topic)
	if route == nil {
		metrics.MessagesDroppedTotal.WithLabelValues("unknown_topic").Inc()
		p.log.Debug().Str("topic", topic).Msg("unhandled topic")
		return
	}
	p.incHandler(route.Handler)
	metrics.HandlerMessagesTotal.WithLabelValues(route.Handler).Inc()

	if !p.pool.Enqueue(func() { p.dispatch(route, payload) }) {
		metrics.MessagesDroppedTotal.WithLabelValues("queue_full").Inc()
		p.log.Warn().Str("topic", topic).Int("pending", p.pool.Pending()).
			Msg("work queue full, message dropped")
	}
}

func (p *Pipeline) dispatch(route *Route, payload []byte) {
	switch route.Handler {
	case handlerAudio:
		p.handleAudio(payload)
	case handlerRates:
		p.handleRates(payload)
	case handlerRecorders:
		p.handleRecorders(payload)
	case handlerCallsActive:
		p.handleCallsActive(payload)
	case handlerCallEnd:
		p.handleCallEnd(payload)
	case handlerUnit:
		p.handleUnitEvent(route, payload)
	}
}

func (p *Pipeline) handleAudio(payload []byte) {
	rec, wav, err := decodeAudio(payload, time.Now())
	if err != nil {
		if errors.Is(err, errSentinelInstance) {
			metrics.MessagesDroppedTotal.WithLabelValues("sentinel_instance").Inc()
			p.log.Warn().Msg("audio message carries the producer default instance_id; set instanceId on the recorder's mqtt plugin")
		} else {
			metrics.MessagesDroppedTotal.WithLabelValues("bad_payload").Inc()
			p.log.Warn().Err(err).Msg("undecodable audio message")
		}
		return
	}

	result := p.ProcessCall(p.ctx, rec, wav)
	system := rec.ShortName
	if system == "" {
		system = "unknown"
	}
	metrics.CallsProcessedTotal.WithLabelValues(system, string(result)).Inc()
}

// ProcessCall runs one transmission through the stage sequence, enriching
// the record in place. Scratch artifacts are removed on every path once
// the WAV has been written.
func (p *Pipeline) ProcessCall(ctx context.Context, rec *call.Record, wav []byte) callResult {
	start := time.Now()
	log := p.log.With().
		Str("system", rec.ShortName).
		Int("talkgroup", rec.Talkgroup).
		Str("file", rec.Filename).
		Logger()

	if rec.ShortName == "" {
		log.Warn().Msg("call metadata missing short_name, skipping")
		return resultSkipped
	}
	sys := p.cfg.System(rec.ShortName)
	if sys == nil {
		log.Warn().Msg("no system config for call, skipping")
		return resultSkipped
	}
	defer metrics.ObserveStage("total", start)

	if dd := sys.DuplicateDetection; dd.Enabled.Bool() {
		prev, dup := p.dedup.Check(rec.ShortName, rec.Talkgroup, dedup.Record{
			StartTime:  rec.StartTime,
			CallLength: rec.CallLength,
			InstanceID: rec.InstanceID,
		}, dedup.Policy{
			StartDifferenceThreshold: dd.StartDifferenceThreshold,
			LengthThreshold:          dd.LengthThreshold,
			CheckSameInstance:        dd.CheckSameInstance.Bool(),
			SimulcastTalkgroups:      dd.SimulcastTalkgroups,
		})
		if dup {
			log.Info().
				Str("prev_instance", prev.InstanceID).
				Float64("start_diff", rec.StartTime-prev.StartTime).
				Msg("duplicate transmission, dropped")
			p.indexDuplicate(rec)
			return resultDuplicate
		}
	}

	// Enrichment slots default to their empty shapes so every sink and the
	// index see the same layout whether or not the stages ran.
	rec.Tones = tones.Empty()
	rec.Transcript = transcribe.Stub()

	t0 := time.Now()
	tempDir := p.cfg.TempFilePath
	wavPath := filepath.Join(tempDir, rec.Filename)
	if err := os.WriteFile(wavPath, wav, 0o644); err != nil {
		log.Error().Err(err).Msg("scratch wav write failed")
		return resultFailed
	}
	defer p.cleanScratch(tempDir, rec)
	if err := writeSidecar(tempDir, rec); err != nil {
		log.Error().Err(err).Msg("scratch json write failed")
		return resultFailed
	}
	metrics.ObserveStage("scratch_write", t0)

	m4aExists := false
	if cc := sys.AudioCompression; cc.Enabled.Bool() {
		t0 = time.Now()
		if _, err := p.transcoder(ctx, wavPath, convertOptions(cc), recordMeta(rec)); err != nil {
			log.Error().Err(err).Msg("transcode failed")
			return resultFailed
		}
		m4aExists = true
		metrics.ObserveStage("transcode", t0)
	}

	for i := range sys.ToneDetectLegacy {
		ld := sys.ToneDetectLegacy[i]
		if !ld.Enabled.Bool() {
			continue
		}
		if err := p.sinks.ToneDetectLegacy(ctx, ld, tempDir, rec); err != nil {
			metrics.SinkFailuresTotal.WithLabelValues("tone_detect_legacy").Inc()
			log.Error().Err(err).Str("url", ld.ICADURL).Msg("legacy tone detect upload failed")
		}
	}

	if td := sys.ToneDetection; td.Enabled.Bool() && td.AllowedTalkgroups.Allows(rec.Talkgroup) {
		t0 = time.Now()
		res, err := tones.Detect(wav, toneParams(td))
		if err != nil {
			log.Warn().Err(err).Msg("tone detection failed")
		} else {
			rec.Tones = res
			if n := len(res.TwoTone) + len(res.LongTone) + len(res.HiLowTone); n > 0 {
				log.Info().Int("tones", n).Msg("tones detected")
			}
		}
		metrics.ObserveStage("tones", t0)
	}

	if tc := sys.Transcribe; tc.Enabled.Bool() && tc.AllowedTalkgroups.Allows(rec.Talkgroup) {
		t0 = time.Now()
		var whisper json.RawMessage
		if tg, ok := sys.TalkgroupFor(rec.Talkgroup); ok {
			whisper = tg.Whisper
		}
		res, err := p.transcribers[rec.ShortName].Transcribe(ctx, wav, rec, whisper)
		if err != nil {
			log.Warn().Err(err).Msg("transcribe failed")
		} else {
			rec.Transcript = res
		}
		metrics.ObserveStage("transcribe", t0)
	}

	rec.PlayLength = rec.ComputePlayLength()

	// Refresh the sidecar so archived JSON carries the enrichments.
	if err := writeSidecar(tempDir, rec); err != nil {
		log.Warn().Err(err).Msg("sidecar refresh failed")
	}

	if sys.Archive.Enabled.Bool() {
		if backend := p.archives[rec.ShortName]; backend != nil {
			t0 = time.Now()
			urls := archive.Store(ctx, backend, sys.Archive, tempDir, rec.ShortName, rec.Filename, rec.StartTime, p.log)
			rec.AudioWavURL = urls.WAV
			rec.AudioM4AURL = urls.M4A
			switch {
			case rec.AudioM4AURL != "":
				rec.AudioURL = rec.AudioM4AURL
			case rec.AudioWavURL != "":
				rec.AudioURL = rec.AudioWavURL
			}
			metrics.ObserveStage("archive", t0)
		}
	}

	if p.index != nil {
		p.index.IndexDocument(indexstore.IndexTransmissions, rec)
	}

	t0 = time.Now()
	p.fanOut(ctx, sys, tempDir, rec, m4aExists, log)
	metrics.ObserveStage("sinks", t0)

	log.Info().
		Float64("call_length", rec.CallLength).
		Float64("play_length", rec.PlayLength).
		Dur("elapsed", time.Since(start)).
		Msg("call processed")
	return resultProcessed
}

// fanOut delivers the finished call to every configured sink. Failures are
// isolated: a sink that errors is logged and counted, and the rest still
// run.
func (p *Pipeline) fanOut(ctx context.Context, sys *config.SystemConfig, tempDir string, rec *call.Record, m4aExists bool, log zerolog.Logger) {
	if sys.OpenMHZ.Enabled.Bool() {
		if !m4aExists {
			log.Warn().Msg("openmhz needs an m4a, enable audio_compression")
		} else if err := p.sinks.OpenMHZ(ctx, sys.OpenMHZ, tempDir, rec); err != nil {
			p.sinkFailed(log, "openmhz", err)
		}
	}

	if sys.BroadcastifyCalls.Enabled.Bool() {
		if !m4aExists {
			log.Warn().Msg("broadcastify calls needs an m4a, enable audio_compression")
		} else if err := p.sinks.Broadcastify(ctx, sys.BroadcastifyCalls, tempDir, rec); err != nil {
			p.sinkFailed(log, "broadcastify", err)
		}
	}

	if pl := sys.ICADPlayer; pl.Enabled.Bool() && pl.AllowedTalkgroups.Allows(rec.Talkgroup) {
		if rec.AudioM4AURL == "" {
			log.Warn().Msg("icad player needs an archived m4a url")
		} else if err := p.sinks.Player(ctx, pl, rec); err != nil {
			p.sinkFailed(log, "icad_player", err)
		}
	}

	for i := range sys.RdioSystems {
		rd := sys.RdioSystems[i]
		if !rd.Enabled.Bool() {
			continue
		}
		if !m4aExists && !(rd.RemoteStorage.Bool() && rec.AudioM4AURL != "") {
			log.Warn().Int("rdio_system", rd.SystemID).Msg("rdio needs an m4a or a remote storage url")
			continue
		}
		if err := p.sinks.Rdio(ctx, rd, tempDir, rec); err != nil {
			p.sinkFailed(log, "rdio", err)
		}
	}

	for i := range sys.ICADDispatch {
		dp := sys.ICADDispatch[i]
		if !dp.Enabled.Bool() {
			continue
		}
		if err := p.sinks.Dispatch(ctx, dp, tempDir, rec); err != nil {
			p.sinkFailed(log, "icad_dispatch", err)
		}
	}

	for i := range sys.TrunkPlayerSystems {
		tp := sys.TrunkPlayerSystems[i]
		if !tp.Enabled.Bool() {
			continue
		}
		if !m4aExists {
			log.Warn().Msg("trunk player needs an m4a, enable audio_compression")
			continue
		}
		if err := p.sinks.TrunkPlayer(ctx, tp, rec); err != nil {
			p.sinkFailed(log, "trunk_player", err)
		}
	}

	for i := range sys.ICADCloudDetect {
		cd := sys.ICADCloudDetect[i]
		if !cd.Enabled.Bool() || !cd.AllowedTalkgroups.Allows(rec.Talkgroup) {
			continue
		}
		if err := p.sinks.CloudDetect(ctx, cd, tempDir, rec); err != nil {
			p.sinkFailed(log, "icad_cloud_detect", err)
		}
	}

	if al := sys.ICADAlerting; al.Enabled.Bool() && al.AllowedTalkgroups.Allows(rec.Talkgroup) {
		if err := p.sinks.Alert(ctx, al, rec); err != nil {
			p.sinkFailed(log, "icad_alerting", err)
		}
	}

	for i := range sys.Webhooks {
		wh := sys.Webhooks[i]
		if !wh.Enabled.Bool() || !wh.AllowedTalkgroups.Allows(rec.Talkgroup) {
			continue
		}
		if err := p.sinks.Webhook(ctx, wh, rec); err != nil {
			p.sinkFailed(log, "webhook", err)
		}
	}

	// Liquidsoap stages its own copy of the audio, so it is safe to run
	// last, right before scratch cleanup.
	if ls := sys.BroadcastifyIcecast; ls.Enabled.Bool() {
		if err := p.sinks.Liquidsoap(ctx, ls, tempDir, rec); err != nil {
			p.sinkFailed(log, "liquidsoap", err)
		}
	}
}

func (p *Pipeline) sinkFailed(log zerolog.Logger, sink string, err error) {
	metrics.SinkFailuresTotal.WithLabelValues(sink).Inc()
	log.Error().Err(err).Str("sink", sink).Msg("sink delivery failed")
}

func (p *Pipeline) indexDuplicate(rec *call.Record) {
	if p.index == nil {
		return
	}
	p.index.IndexDocument(indexstore.IndexDuplicates, map[string]any{
		"instance_id":           rec.InstanceID,
		"talkgroup":             rec.Talkgroup,
		"talkgroup_alpha_tag":   rec.TalkgroupAlphaTag,
		"talkgroup_description": rec.TalkgroupDescription,
		"talkgroup_group":       rec.TalkgroupGroup,
		"talkgroup_group_tag":   rec.TalkgroupGroupTag,
		"short_name":            rec.ShortName,
		"timestamp":             int64(rec.Timestamp),
	})
}

func (p *Pipeline) cleanScratch(dir string, rec *call.Record) {
	for _, name := range []string{rec.Filename, rec.M4AName(), rec.JSONName()} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			p.log.Warn().Err(err).Str("file", name).Msg("scratch cleanup failed")
		}
	}
}

func writeSidecar(dir string, rec *call.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, rec.JSONName()), data, 0o644)
}

func convertOptions(cc config.CompressionConfig) transcode.Options {
	return transcode.Options{
		SampleRate: cc.SampleRate,
		Bitrate:    cc.Bitrate,
		TwoPass:    cc.Normalization.Bool() && cc.UseLoudnorm.Bool(),
		Loudnorm: transcode.Loudnorm{
			I:   cc.Loudnorm.I,
			TP:  cc.Loudnorm.TP,
			LRA: cc.Loudnorm.LRA,
		},
	}
}

func toneParams(td config.ToneDetectionConfig) tones.Params {
	return tones.Params{
		MatchingThreshold:    td.MatchingThreshold,
		TimeResolutionMS:     td.TimeResolutionMS,
		ToneAMinLength:       td.ToneAMinLength,
		ToneBMinLength:       td.ToneBMinLength,
		LongToneMinLength:    td.LongToneMinLength,
		HiLowInterval:        td.HiLowInterval,
		HiLowMinAlternations: td.HiLowMinAlternations,
	}
}

// recordMeta builds the tag set embedded in the M4A.
func recordMeta(rec *call.Record) transcode.Meta {
	var date string
	if rec.StartTime > 0 {
		date = time.Unix(int64(rec.StartTime), 0).UTC().Format("2006-01-02T15:04:05-07:00")
	}
	return transcode.Meta{
		Album:  fmt.Sprintf("%s - %s", rec.TalkgroupGroup, rec.ShortName),
		Artist: rec.TalkgroupGroupTag,
		Date:   date,
		Genre:  rec.TalkgroupGroupTag,
		Title:  rec.TalkgroupDescription,
		Comment: fmt.Sprintf("Frequency: %.0f, Frequency Error: %d, Signal: %g, Noise: %g, Call Length: %g seconds",
			rec.Freq, rec.FreqError, rec.Signal, rec.Noise, rec.CallLength),
	}
}

func (p *Pipeline) incHandler(name string) {
	v, _ := p.handlerCounts.LoadOrStore(name, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// statsLoop logs a once-a-minute summary of message volume per handler and
// queue depth.
func (p *Pipeline) statsLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	last := map[string]int64{}
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			evt := p.log.Info()
			var total int64
			p.handlerCounts.Range(func(k, v any) bool {
				name := k.(string)
				count := v.(*atomic.Int64).Load()
				delta := count - last[name]
				last[name] = count
				total += delta
				evt = evt.Int64(name, delta)
				return true
			})
			evt.Int64("total", total).
				Int("queued", p.pool.Waiting()).
				Int("running", p.pool.Running()).
				Msg("messages in the last minute")
		}
	}
}
