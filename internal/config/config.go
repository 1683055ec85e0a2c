package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrInvalid marks configuration errors that are fatal at startup.
var ErrInvalid = errors.New("invalid config")

// Config is the consumer's JSON configuration file. Systems are keyed by the
// trunk-recorder short_name that appears in call metadata.
type Config struct {
	LogLevel      int                      `json:"log_level"`
	TempFilePath  string                   `json:"temp_file_path"`
	MQTT          MQTTConfig               `json:"mqtt"`
	Elasticsearch ElasticsearchConfig      `json:"elasticsearch"`
	Systems       map[string]*SystemConfig `json:"systems"`
	Watcher       WatcherConfig            `json:"watcher"`
}

type MQTTConfig struct {
	Hostname    string `json:"hostname"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	Topic       string `json:"topic"`
	UnitLogType string `json:"unit_log_type"`
	// Workers sizes the message pool; zero means the default.
	Workers  int    `json:"workers"`
	CACerts  string `json:"ca_certs"`
	Certfile string `json:"certfile"`
	Keyfile  string `json:"keyfile"`
}

type ElasticsearchConfig struct {
	Enabled       Flag   `json:"enabled"`
	URL           string `json:"url"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	CACertificate string `json:"ca_certificate"`
}

// WatcherConfig enables the directory-watch ingest path as an alternative to
// MQTT for recorders that write WAV/JSON pairs straight to disk.
type WatcherConfig struct {
	Enabled    Flag   `json:"enabled"`
	WatchDir   string `json:"watch_dir"`
	InstanceID string `json:"instance_id"`
}

// SystemConfig holds all per-system feature blocks.
type SystemConfig struct {
	DuplicateDetection  DuplicateDetectionConfig   `json:"duplicate_transmission_detection"`
	Archive             ArchiveConfig              `json:"archive"`
	AudioCompression    CompressionConfig          `json:"audio_compression"`
	ToneDetectLegacy    []LegacyDetectConfig       `json:"icad_tone_detect_legacy"`
	ToneDetection       ToneDetectionConfig        `json:"tone_detection"`
	Transcribe          TranscribeConfig           `json:"transcribe"`
	OpenMHZ             OpenMHZConfig              `json:"openmhz"`
	BroadcastifyCalls   BroadcastifyConfig         `json:"broadcastify_calls"`
	ICADPlayer          PlayerConfig               `json:"icad_player"`
	RdioSystems         []RdioConfig               `json:"rdio_systems"`
	ICADDispatch        []DispatchConfig           `json:"icad_dispatch"`
	TrunkPlayerSystems  []TrunkPlayerConfig        `json:"trunk_player_systems"`
	ICADCloudDetect     []CloudDetectConfig        `json:"icad_cloud_detect"`
	ICADAlerting        AlertingConfig             `json:"icad_alerting"`
	Webhooks            []WebhookConfig            `json:"webhooks"`
	BroadcastifyIcecast LiquidsoapConfig           `json:"broadcastify_icecast"`
	TalkgroupConfig     map[string]TalkgroupConfig `json:"talkgroup_config"`
}

type DuplicateDetectionConfig struct {
	Enabled                  Flag    `json:"enabled"`
	StartDifferenceThreshold float64 `json:"start_difference_threshold"`
	LengthThreshold          float64 `json:"length_threshold"`
	CheckSameInstance        Flag    `json:"check_same_instance"`
	SimulcastTalkgroups      []int   `json:"simulcast_talkgroups"`
}

type ArchiveConfig struct {
	Enabled           Flag        `json:"enabled"`
	ArchiveType       string      `json:"archive_type"`
	ArchivePath       string      `json:"archive_path"`
	ArchiveDays       int         `json:"archive_days"`
	ArchiveExtensions []string    `json:"archive_extensions"`
	GoogleCloud       GCSConfig   `json:"google_cloud"`
	AWSS3             S3Config    `json:"aws_s3"`
	SCP               SCPConfig   `json:"scp"`
	Local             LocalConfig `json:"local"`
}

type GCSConfig struct {
	ProjectID       string `json:"project_id"`
	BucketName      string `json:"bucket_name"`
	CredentialsFile string `json:"credentials_file"`
}

type S3Config struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	BucketName      string `json:"bucket_name"`
	Region          string `json:"region"`
	// Endpoint switches to an S3-compatible store (MinIO etc). Empty means AWS.
	Endpoint string `json:"endpoint"`
}

type SCPConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	User           string `json:"user"`
	Password       string `json:"password"`
	PrivateKeyPath string `json:"private_key_path"`
	BaseURL        string `json:"base_url"`
}

type LocalConfig struct {
	BaseURL string `json:"base_url"`
}

type CompressionConfig struct {
	Enabled       Flag           `json:"enabled"`
	SampleRate    int            `json:"sample_rate"`
	Bitrate       int            `json:"bitrate"`
	Normalization Flag           `json:"normalization"`
	UseLoudnorm   Flag           `json:"use_loudnorm"`
	Loudnorm      LoudnormParams `json:"loudnorm_params"`
}

// LoudnormParams are the EBU R128 targets for the loudnorm filter.
type LoudnormParams struct {
	I   float64 `json:"i"`
	TP  float64 `json:"tp"`
	LRA float64 `json:"lra"`
}

type LegacyDetectConfig struct {
	Enabled    Flag         `json:"enabled"`
	Talkgroups TalkgroupSet `json:"talkgroups"`
	ICADURL    string       `json:"icad_url"`
	ICADAPIKey string       `json:"icad_api_key"`
}

type ToneDetectionConfig struct {
	Enabled              Flag         `json:"enabled"`
	AllowedTalkgroups    TalkgroupSet `json:"allowed_talkgroups"`
	MatchingThreshold    float64      `json:"matching_threshold"`
	TimeResolutionMS     int          `json:"time_resolution_ms"`
	ToneAMinLength       float64      `json:"tone_a_min_length"`
	ToneBMinLength       float64      `json:"tone_b_min_length"`
	LongToneMinLength    float64      `json:"long_tone_min_length"`
	HiLowInterval        float64      `json:"hi_low_interval"`
	HiLowMinAlternations int          `json:"hi_low_min_alternations"`
}

type TranscribeConfig struct {
	Enabled           Flag         `json:"enabled"`
	AllowedTalkgroups TalkgroupSet `json:"allowed_talkgroups"`
	APIURL            string       `json:"api_url"`
	APIKey            string       `json:"api_key"`
}

type OpenMHZConfig struct {
	Enabled   Flag   `json:"enabled"`
	ShortName string `json:"short_name"`
	APIKey    string `json:"api_key"`
}

type BroadcastifyConfig struct {
	Enabled   Flag   `json:"enabled"`
	CallsSlot *int   `json:"calls_slot"`
	SystemID  int    `json:"system_id"`
	APIKey    string `json:"api_key"`
}

// Slot returns the configured TDMA slot, or -1 when none is set. Slot 0 is
// a real slot, so absence and zero must stay distinct.
func (b BroadcastifyConfig) Slot() int {
	if b.CallsSlot == nil {
		return -1
	}
	return *b.CallsSlot
}

type PlayerConfig struct {
	Enabled           Flag         `json:"enabled"`
	AllowedTalkgroups TalkgroupSet `json:"allowed_talkgroups"`
	APIURL            string       `json:"api_url"`
	APIKey            string       `json:"api_key"`
}

type RdioConfig struct {
	Enabled       Flag   `json:"enabled"`
	SystemID      int    `json:"system_id"`
	RdioURL       string `json:"rdio_url"`
	RdioAPIKey    string `json:"rdio_api_key"`
	RemoteStorage Flag   `json:"remote_storage"`
}

type DispatchConfig struct {
	Enabled  Flag   `json:"enabled"`
	SystemID int    `json:"system_id"`
	URL      string `json:"url"`
	APIKey   string `json:"api_key"`
}

type TrunkPlayerConfig struct {
	Enabled Flag   `json:"enabled"`
	APIURL  string `json:"api_url"`
	APIKey  string `json:"api_key"`
}

type CloudDetectConfig struct {
	Enabled           Flag         `json:"enabled"`
	AllowedTalkgroups TalkgroupSet `json:"allowed_talkgroups"`
	APIURL            string       `json:"api_url"`
	APIKey            string       `json:"api_key"`
}

type AlertingConfig struct {
	Enabled           Flag         `json:"enabled"`
	AllowedTalkgroups TalkgroupSet `json:"allowed_talkgroups"`
	APIURL            string       `json:"api_url"`
	APIKey            string       `json:"api_key"`
	VerifySSL         *Flag        `json:"verify_ssl"`
}

// VerifyTLS reports whether server certificates should be verified.
// Absent means verify.
func (a AlertingConfig) VerifyTLS() bool {
	return a.VerifySSL == nil || bool(*a.VerifySSL)
}

type WebhookConfig struct {
	Enabled           Flag              `json:"enabled"`
	WebhookURL        string            `json:"webhook_url"`
	WebhookHeaders    map[string]string `json:"webhook_headers"`
	WebhookBody       map[string]any    `json:"webhook_body"`
	AllowedTalkgroups TalkgroupSet      `json:"allowed_talkgroups"`
}

// LiquidsoapConfig stages call audio for a Liquidsoap request queue that
// streams to a Broadcastify Icecast mount.
type LiquidsoapConfig struct {
	Enabled            Flag              `json:"enabled"`
	Host               string            `json:"host"`
	Port               int               `json:"port"`
	Password           string            `json:"password"`
	QueueID            string            `json:"queue_id"`
	StagingDir         string            `json:"staging_dir"`
	PreferSource       string            `json:"prefer_source"`
	DeleteAfterSeconds float64           `json:"delete_after_seconds"`
	Metadata           map[string]string `json:"metadata"`
}

// TalkgroupConfig is the per-talkgroup block keyed by decimal string or "*".
// The whisper sub-document is opaque: it is forwarded verbatim to the
// transcribe endpoint.
type TalkgroupConfig struct {
	Whisper json.RawMessage `json:"whisper"`
}

// TalkgroupFor returns the talkgroup block for tg, falling back to "*".
func (s *SystemConfig) TalkgroupFor(tg int) (TalkgroupConfig, bool) {
	if s == nil || len(s.TalkgroupConfig) == 0 {
		return TalkgroupConfig{}, false
	}
	if tc, ok := s.TalkgroupConfig[fmt.Sprintf("%d", tg)]; ok {
		return tc, true
	}
	tc, ok := s.TalkgroupConfig["*"]
	return tc, ok
}

// Load reads and validates the consumer's JSON config file. Unknown keys are
// rejected so typos surface at startup instead of silently disabling features.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	cfg := &Config{}
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == 0 {
		c.LogLevel = 2
	}
	if c.TempFilePath == "" {
		c.TempFilePath = "/dev/shm"
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "trunk_recorder/#"
	}
	if c.MQTT.UnitLogType == "" {
		c.MQTT.UnitLogType = "call"
	}
	if c.Watcher.InstanceID == "" {
		c.Watcher.InstanceID = "tr-consumer-watcher"
	}

	for _, sys := range c.Systems {
		if sys == nil {
			continue
		}

		dd := &sys.DuplicateDetection
		if dd.StartDifferenceThreshold == 0 {
			dd.StartDifferenceThreshold = 0.2
		}
		if dd.LengthThreshold == 0 {
			dd.LengthThreshold = 0.2
		}

		ac := &sys.Archive
		if len(ac.ArchiveExtensions) == 0 {
			ac.ArchiveExtensions = []string{".wav", ".m4a", ".json"}
		}
		if ac.SCP.Port == 0 {
			ac.SCP.Port = 22
		}

		cc := &sys.AudioCompression
		if cc.SampleRate == 0 {
			cc.SampleRate = 16000
		}
		if cc.Bitrate == 0 {
			cc.Bitrate = 96
		}
		if cc.Loudnorm.I == 0 {
			cc.Loudnorm.I = -16.0
		}
		if cc.Loudnorm.TP == 0 {
			cc.Loudnorm.TP = -1.5
		}
		if cc.Loudnorm.LRA == 0 {
			cc.Loudnorm.LRA = 11.0
		}

		td := &sys.ToneDetection
		if td.MatchingThreshold == 0 {
			td.MatchingThreshold = 2
		}
		if td.TimeResolutionMS == 0 {
			td.TimeResolutionMS = 50
		}
		if td.ToneAMinLength == 0 {
			td.ToneAMinLength = 0.8
		}
		if td.ToneBMinLength == 0 {
			td.ToneBMinLength = 2.8
		}
		if td.LongToneMinLength == 0 {
			td.LongToneMinLength = 1.5
		}
		if td.HiLowInterval == 0 {
			td.HiLowInterval = 0.2
		}
		if td.HiLowMinAlternations == 0 {
			td.HiLowMinAlternations = 3
		}

		ls := &sys.BroadcastifyIcecast
		if ls.Host == "" {
			ls.Host = "127.0.0.1"
		}
		if ls.Port == 0 {
			ls.Port = 1234
		}
		if ls.QueueID == "" {
			ls.QueueID = "icad"
		}
		if ls.PreferSource == "" {
			ls.PreferSource = "wav"
		}
	}
}

var archiveTypes = map[string]bool{
	"scp":          true,
	"google_cloud": true,
	"aws_s3":       true,
	"local":        true,
}

// Validate checks cross-field requirements that defaults cannot repair.
func (c *Config) Validate() error {
	if c.MQTT.Hostname == "" && !c.Watcher.Enabled.Bool() {
		return fmt.Errorf("%w: mqtt.hostname is required", ErrInvalid)
	}
	if c.Elasticsearch.Enabled.Bool() && c.Elasticsearch.URL == "" {
		return fmt.Errorf("%w: elasticsearch.url is required when enabled", ErrInvalid)
	}
	if c.Watcher.Enabled.Bool() && c.Watcher.WatchDir == "" {
		return fmt.Errorf("%w: watcher.watch_dir is required when enabled", ErrInvalid)
	}

	for name, sys := range c.Systems {
		if sys == nil {
			return fmt.Errorf("%w: systems.%s is empty", ErrInvalid, name)
		}

		ac := sys.Archive
		if ac.Enabled.Bool() {
			if !archiveTypes[ac.ArchiveType] {
				return fmt.Errorf("%w: systems.%s.archive.archive_type %q is not one of scp, google_cloud, aws_s3, local",
					ErrInvalid, name, ac.ArchiveType)
			}
			if ac.ArchivePath == "" && ac.ArchiveType != "google_cloud" && ac.ArchiveType != "aws_s3" {
				return fmt.Errorf("%w: systems.%s.archive.archive_path is required for %s archives",
					ErrInvalid, name, ac.ArchiveType)
			}
		}

		dd := sys.DuplicateDetection
		if dd.Enabled.Bool() && (dd.StartDifferenceThreshold <= 0 || dd.LengthThreshold <= 0) {
			return fmt.Errorf("%w: systems.%s.duplicate_transmission_detection thresholds must be positive",
				ErrInvalid, name)
		}

		if sys.Transcribe.Enabled.Bool() && sys.Transcribe.APIURL == "" {
			return fmt.Errorf("%w: systems.%s.transcribe.api_url is required when enabled", ErrInvalid, name)
		}
	}

	return nil
}

// System returns the config block for a short_name, or nil when unknown.
func (c *Config) System(shortName string) *SystemConfig {
	if c.Systems == nil {
		return nil
	}
	return c.Systems[shortName]
}
