package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		path := writeConfig(t, `{
			"mqtt": {"hostname": "broker.example.com"},
			"systems": {"chi_sim": {}}
		}`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.LogLevel != 2 {
			t.Errorf("LogLevel = %d, want 2", cfg.LogLevel)
		}
		if cfg.TempFilePath != "/dev/shm" {
			t.Errorf("TempFilePath = %q, want /dev/shm", cfg.TempFilePath)
		}
		if cfg.MQTT.Port != 1883 {
			t.Errorf("MQTT.Port = %d, want 1883", cfg.MQTT.Port)
		}
		if cfg.MQTT.Topic != "trunk_recorder/#" {
			t.Errorf("MQTT.Topic = %q, want trunk_recorder/#", cfg.MQTT.Topic)
		}
		if cfg.MQTT.UnitLogType != "call" {
			t.Errorf("MQTT.UnitLogType = %q, want call", cfg.MQTT.UnitLogType)
		}

		sys := cfg.System("chi_sim")
		if sys == nil {
			t.Fatal("System(chi_sim) = nil")
		}
		if sys.DuplicateDetection.StartDifferenceThreshold != 0.2 {
			t.Errorf("StartDifferenceThreshold = %v, want 0.2", sys.DuplicateDetection.StartDifferenceThreshold)
		}
		if sys.AudioCompression.SampleRate != 16000 {
			t.Errorf("SampleRate = %d, want 16000", sys.AudioCompression.SampleRate)
		}
		if sys.AudioCompression.Bitrate != 96 {
			t.Errorf("Bitrate = %d, want 96", sys.AudioCompression.Bitrate)
		}
		if sys.AudioCompression.Loudnorm.I != -16.0 {
			t.Errorf("Loudnorm.I = %v, want -16", sys.AudioCompression.Loudnorm.I)
		}
		if sys.Archive.SCP.Port != 22 {
			t.Errorf("SCP.Port = %d, want 22", sys.Archive.SCP.Port)
		}
		if got := sys.Archive.ArchiveExtensions; len(got) != 3 || got[0] != ".wav" || got[1] != ".m4a" || got[2] != ".json" {
			t.Errorf("ArchiveExtensions = %v, want [.wav .m4a .json]", got)
		}
		if sys.ToneDetection.TimeResolutionMS != 50 {
			t.Errorf("TimeResolutionMS = %d, want 50", sys.ToneDetection.TimeResolutionMS)
		}
		if sys.ToneDetection.ToneBMinLength != 2.8 {
			t.Errorf("ToneBMinLength = %v, want 2.8", sys.ToneDetection.ToneBMinLength)
		}
	})

	t.Run("numeric_and_bool_flags", func(t *testing.T) {
		path := writeConfig(t, `{
			"mqtt": {"hostname": "broker"},
			"systems": {"sys": {
				"duplicate_transmission_detection": {"enabled": 1, "check_same_instance": true},
				"audio_compression": {"enabled": "0", "use_loudnorm": false}
			}}
		}`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		sys := cfg.System("sys")
		if !sys.DuplicateDetection.Enabled.Bool() {
			t.Error("DuplicateDetection.Enabled = false, want true")
		}
		if !sys.DuplicateDetection.CheckSameInstance.Bool() {
			t.Error("CheckSameInstance = false, want true")
		}
		if sys.AudioCompression.Enabled.Bool() {
			t.Error("AudioCompression.Enabled = true, want false")
		}
		if sys.AudioCompression.UseLoudnorm.Bool() {
			t.Error("UseLoudnorm = true, want false")
		}
	})

	t.Run("unknown_key_rejected", func(t *testing.T) {
		path := writeConfig(t, `{
			"mqtt": {"hostname": "broker"},
			"sytsems": {}
		}`)
		_, err := Load(path)
		if !errors.Is(err, ErrInvalid) {
			t.Errorf("Load = %v, want ErrInvalid for unknown key", err)
		}
	})

	t.Run("missing_hostname", func(t *testing.T) {
		path := writeConfig(t, `{"systems": {}}`)
		_, err := Load(path)
		if !errors.Is(err, ErrInvalid) {
			t.Errorf("Load = %v, want ErrInvalid", err)
		}
	})

	t.Run("watcher_substitutes_for_mqtt", func(t *testing.T) {
		path := writeConfig(t, `{
			"watcher": {"enabled": 1, "watch_dir": "/tmp/captures"},
			"systems": {}
		}`)
		if _, err := Load(path); err != nil {
			t.Errorf("Load = %v, want nil when watcher is enabled", err)
		}
	})

	t.Run("bad_archive_type", func(t *testing.T) {
		path := writeConfig(t, `{
			"mqtt": {"hostname": "broker"},
			"systems": {"sys": {
				"archive": {"enabled": 1, "archive_type": "ftp", "archive_path": "/x"}
			}}
		}`)
		_, err := Load(path)
		if !errors.Is(err, ErrInvalid) {
			t.Errorf("Load = %v, want ErrInvalid for archive_type ftp", err)
		}
	})

	t.Run("archive_path_optional_for_buckets", func(t *testing.T) {
		path := writeConfig(t, `{
			"mqtt": {"hostname": "broker"},
			"systems": {"sys": {
				"archive": {"enabled": 1, "archive_type": "aws_s3",
					"aws_s3": {"bucket_name": "b", "region": "us-east-1"}}
			}}
		}`)
		if _, err := Load(path); err != nil {
			t.Errorf("Load = %v, want nil for bucket archive without path", err)
		}
	})

	t.Run("elasticsearch_url_required", func(t *testing.T) {
		path := writeConfig(t, `{
			"mqtt": {"hostname": "broker"},
			"elasticsearch": {"enabled": 1},
			"systems": {}
		}`)
		_, err := Load(path)
		if !errors.Is(err, ErrInvalid) {
			t.Errorf("Load = %v, want ErrInvalid", err)
		}
	})

	t.Run("missing_file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
		if err == nil {
			t.Error("Load = nil, want error for missing file")
		}
	})
}

func TestFlagUnmarshal(t *testing.T) {
	cases := []struct {
		in      string
		want    bool
		wantErr bool
	}{
		{`true`, true, false},
		{`false`, false, false},
		{`1`, true, false},
		{`0`, false, false},
		{`"1"`, true, false},
		{`"0"`, false, false},
		{`"true"`, true, false},
		{`"false"`, false, false},
		{`2`, false, true},
		{`"yes"`, false, true},
		{`null`, false, true},
	}
	for _, tc := range cases {
		var f Flag
		err := f.UnmarshalJSON([]byte(tc.in))
		if tc.wantErr {
			if err == nil {
				t.Errorf("UnmarshalJSON(%s) = nil, want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("UnmarshalJSON(%s) = %v", tc.in, err)
			continue
		}
		if f.Bool() != tc.want {
			t.Errorf("Flag(%s) = %v, want %v", tc.in, f.Bool(), tc.want)
		}
	}
}

func TestTalkgroupSet(t *testing.T) {
	t.Run("wildcard", func(t *testing.T) {
		var s TalkgroupSet
		if err := s.UnmarshalJSON([]byte(`["*"]`)); err != nil {
			t.Fatalf("UnmarshalJSON: %v", err)
		}
		if !s.Allows(12345) {
			t.Error("Allows(12345) = false, want true for wildcard")
		}
	})

	t.Run("numbers_and_numeric_strings", func(t *testing.T) {
		var s TalkgroupSet
		if err := s.UnmarshalJSON([]byte(`[100, "200"]`)); err != nil {
			t.Fatalf("UnmarshalJSON: %v", err)
		}
		if !s.Allows(100) || !s.Allows(200) {
			t.Error("Allows(100/200) = false, want true")
		}
		if s.Allows(300) {
			t.Error("Allows(300) = true, want false")
		}
	})

	t.Run("empty_denies_all", func(t *testing.T) {
		var s TalkgroupSet
		if err := s.UnmarshalJSON([]byte(`[]`)); err != nil {
			t.Fatalf("UnmarshalJSON: %v", err)
		}
		if s.Allows(1) {
			t.Error("Allows(1) = true, want false for empty set")
		}
	})

	t.Run("bad_entry", func(t *testing.T) {
		var s TalkgroupSet
		if err := s.UnmarshalJSON([]byte(`["fire"]`)); err == nil {
			t.Error("UnmarshalJSON = nil, want error for non-numeric string")
		}
	})
}

func TestTalkgroupFor(t *testing.T) {
	sys := &SystemConfig{
		TalkgroupConfig: map[string]TalkgroupConfig{
			"1001": {Whisper: []byte(`{"language":"en"}`)},
			"*":    {Whisper: []byte(`{"language":"auto"}`)},
		},
	}

	tc, ok := sys.TalkgroupFor(1001)
	if !ok || string(tc.Whisper) != `{"language":"en"}` {
		t.Errorf("TalkgroupFor(1001) = %s, %v; want exact match", tc.Whisper, ok)
	}

	tc, ok = sys.TalkgroupFor(9999)
	if !ok || string(tc.Whisper) != `{"language":"auto"}` {
		t.Errorf("TalkgroupFor(9999) = %s, %v; want wildcard fallback", tc.Whisper, ok)
	}

	var none *SystemConfig
	if _, ok := none.TalkgroupFor(1); ok {
		t.Error("TalkgroupFor on nil system = true, want false")
	}
}

func TestVerifyTLS(t *testing.T) {
	var a AlertingConfig
	if !a.VerifyTLS() {
		t.Error("VerifyTLS = false for absent verify_ssl, want true")
	}
	off := Flag(false)
	a.VerifySSL = &off
	if a.VerifyTLS() {
		t.Error("VerifyTLS = true for verify_ssl 0, want false")
	}
}

func TestLoadOptions(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"CONFIG_PATH": "/etc/tr/config.json",
		"LOG_LEVEL":   "3",
	})
	defer cleanup()

	t.Run("env_vars_read", func(t *testing.T) {
		opts, err := LoadOptions(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("LoadOptions: %v", err)
		}
		if opts.ConfigPath != "/etc/tr/config.json" {
			t.Errorf("ConfigPath = %q, want /etc/tr/config.json", opts.ConfigPath)
		}
		if opts.LogLevel != "3" {
			t.Errorf("LogLevel = %q, want 3", opts.LogLevel)
		}
		if opts.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", opts.HTTPAddr)
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		opts, err := LoadOptions(Overrides{
			EnvFile:    "nonexistent.env",
			ConfigPath: "local.json",
			HTTPAddr:   ":8181",
			LogLevel:   "1",
		})
		if err != nil {
			t.Fatalf("LoadOptions: %v", err)
		}
		if opts.ConfigPath != "local.json" {
			t.Errorf("ConfigPath = %q, want local.json", opts.ConfigPath)
		}
		if opts.HTTPAddr != ":8181" {
			t.Errorf("HTTPAddr = %q, want :8181", opts.HTTPAddr)
		}
		if opts.LogLevel != "1" {
			t.Errorf("LogLevel = %q, want 1", opts.LogLevel)
		}
	})
}

// setEnvs sets environment variables and returns a cleanup function.
func setEnvs(t *testing.T, envs map[string]string) func() {
	t.Helper()
	originals := make(map[string]string)
	unset := make([]string, 0)

	for k, v := range envs {
		if orig, ok := os.LookupEnv(k); ok {
			originals[k] = orig
		} else {
			unset = append(unset, k)
		}
		os.Setenv(k, v)
	}

	return func() {
		for k, v := range originals {
			os.Setenv(k, v)
		}
		for _, k := range unset {
			os.Unsetenv(k)
		}
	}
}
