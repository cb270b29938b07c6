package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/rejourney/capture-agent/internal/logging"
)

var log = logging.L("config")

// Config holds the tunables for the capture pipeline. Field groups mirror
// the owning component so a reviewer can find the right package by prefix.
type Config struct {
	DeviceID  string `mapstructure:"device_id"`
	ProjectID string `mapstructure:"project_id"`

	// Uploader / ingest wiring (configure_uploader, §4.1/§4.5/§6).
	BaseURL           string `mapstructure:"base_url"`
	ProjectKey        string `mapstructure:"project_key"`
	APIKey            string `mapstructure:"api_key"`
	DeviceUploadToken string `mapstructure:"device_upload_token"`

	// Capture Engine (§4.1).
	VideoFPS                      float64 `mapstructure:"video_fps"`
	WarmupGraceMs                 int     `mapstructure:"warmup_grace_ms"`
	IntentGraceBaselineMs         int     `mapstructure:"intent_grace_baseline_ms"`
	IntentGraceMotionMs           int     `mapstructure:"intent_grace_motion_ms"`
	IntentGraceHighMs             int     `mapstructure:"intent_grace_high_ms"`
	PollIntervalMs                int     `mapstructure:"poll_interval_ms"`
	StopSyncTimeoutMs             int     `mapstructure:"stop_sync_timeout_ms"`
	NavigationCaptureMs           int     `mapstructure:"navigation_capture_ms"`
	MapGestureCaptureMs           int     `mapstructure:"map_gesture_capture_ms"`
	ScrollCaptureMs               int     `mapstructure:"scroll_capture_ms"`
	OtherGestureCaptureMs         int     `mapstructure:"other_gesture_capture_ms"`
	MapGestureWindowMs            int     `mapstructure:"map_gesture_window_ms"`
	MaxConsecutiveEncoderFailures int     `mapstructure:"max_consecutive_encoder_failures"`

	// View Hierarchy Scanner (§4.2).
	ScanMaxDepthFast       int      `mapstructure:"scan_max_depth_fast"`
	ScanMaxDepthDeep       int      `mapstructure:"scan_max_depth_deep"`
	ScanMaxViewsFast       int      `mapstructure:"scan_max_views_fast"`
	ScanMaxViewsDeep       int      `mapstructure:"scan_max_views_deep"`
	ScanMaxTimeMs          int      `mapstructure:"scan_max_time_ms"`
	ScanTimeCheckEvery     int      `mapstructure:"scan_time_check_every"`
	PrivacySweepMaxTimeMs  int      `mapstructure:"privacy_sweep_max_time_ms"`
	PrivacySweepMaxViews   int      `mapstructure:"privacy_sweep_max_views"`
	MaskedAccessibilityIDs []string `mapstructure:"masked_accessibility_ids"`

	// Capture Heuristics (§4.3), quiet windows in seconds.
	QuietTouch                  float64 `mapstructure:"quiet_touch_seconds"`
	QuietScroll                 float64 `mapstructure:"quiet_scroll_seconds"`
	QuietBounce                 float64 `mapstructure:"quiet_bounce_seconds"`
	QuietRefresh                float64 `mapstructure:"quiet_refresh_seconds"`
	QuietTransition              float64 `mapstructure:"quiet_transition_seconds"`
	QuietKeyboard                float64 `mapstructure:"quiet_keyboard_seconds"`
	QuietMap                     float64 `mapstructure:"quiet_map_seconds"`
	QuietAnimation               float64 `mapstructure:"quiet_animation_seconds"`
	MapSettleSeconds             float64 `mapstructure:"map_settle_seconds"`
	MaxStaleSeconds              float64 `mapstructure:"max_stale_seconds"`
	SignatureChurnWindowSeconds  float64 `mapstructure:"signature_churn_window_seconds"`
	MaxPendingKeyframes          int     `mapstructure:"max_pending_keyframes"`
	KeyframeRenderMinGapSeconds  float64 `mapstructure:"keyframe_render_min_gap_seconds"`

	// Video Encoder (§4.4).
	FramesPerSegment           int    `mapstructure:"frames_per_segment"`
	TargetBitrateBps           int    `mapstructure:"target_bitrate_bps"`
	EmergencyFlushTimeoutMs    int    `mapstructure:"emergency_flush_timeout_ms"`
	FinishSegmentSyncTimeoutMs int    `mapstructure:"finish_segment_sync_timeout_ms"`
	SegmentDir                 string `mapstructure:"segment_dir"`
	PreferHardwareEncoder      bool   `mapstructure:"prefer_hardware_encoder"`

	// Segment Uploader (§4.5).
	UploadMaxRetries       int  `mapstructure:"upload_max_retries"`
	UploadDeleteAfter      bool `mapstructure:"upload_delete_after_upload"`
	UploadOrphanMaxAgeMin  int  `mapstructure:"upload_orphan_max_age_minutes"`
	UploadConcurrency      int  `mapstructure:"upload_concurrency"`
	PendingUploadTimeoutMs int  `mapstructure:"pending_upload_timeout_ms"`

	// Performance Manager (§4.6).
	CPUSampleIntervalMs  int     `mapstructure:"cpu_sample_interval_ms"`
	CPUCriticalPercent   float64 `mapstructure:"cpu_critical_percent"`
	CPUHighPercent       float64 `mapstructure:"cpu_high_percent"`
	CPUNormalPercent     float64 `mapstructure:"cpu_normal_percent"`
	CPUEmaAlpha          float64 `mapstructure:"cpu_ema_alpha"`
	CPUHysteresisSamples int     `mapstructure:"cpu_hysteresis_samples"`
	MemoryResidentWarnMB int     `mapstructure:"memory_resident_warn_mb"`
	BatteryLowPercent    int     `mapstructure:"battery_low_percent"`

	// Pixel Buffer Pools & Downscaler (§4.7).
	PoolMinBuffers int `mapstructure:"pool_min_buffers"`

	// Logging (ambient, kept close to the teacher's shape).
	LogLevel           string `mapstructure:"log_level"`
	LogFormat          string `mapstructure:"log_format"`
	LogFile            string `mapstructure:"log_file"`
	LogMaxSizeMB       int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups      int    `mapstructure:"log_max_backups"`
	LogShippingEnabled bool   `mapstructure:"log_shipping_enabled"`

	// Crash/error reporting (ambient).
	SentryDSN string `mapstructure:"sentry_dsn"`

	// Internal metrics (ambient; no exporter server — dashboard is out of scope).
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
}

func Default() *Config {
	return &Config{
		VideoFPS:                      1.0,
		WarmupGraceMs:                 300,
		IntentGraceBaselineMs:         900,
		IntentGraceMotionMs:           300,
		IntentGraceHighMs:             100,
		PollIntervalMs:                80,
		StopSyncTimeoutMs:             5000,
		NavigationCaptureMs:           200,
		MapGestureCaptureMs:           550,
		ScrollCaptureMs:               200,
		OtherGestureCaptureMs:         150,
		MapGestureWindowMs:            2000,
		MaxConsecutiveEncoderFailures: 3,

		ScanMaxDepthFast:      8,
		ScanMaxDepthDeep:      25,
		ScanMaxViewsFast:      500,
		ScanMaxViewsDeep:      2000,
		ScanMaxTimeMs:         30,
		ScanTimeCheckEvery:    200,
		PrivacySweepMaxTimeMs: 10,
		PrivacySweepMaxViews:  2000,

		QuietTouch:                  0.12,
		QuietScroll:                 0.20,
		QuietBounce:                 0.20,
		QuietRefresh:                0.22,
		QuietTransition:             0.10,
		QuietKeyboard:               0.25,
		QuietMap:                    0.55,
		QuietAnimation:              0.25,
		MapSettleSeconds:            0.80,
		MaxStaleSeconds:             5.0,
		SignatureChurnWindowSeconds: 0.25,
		MaxPendingKeyframes:         3,
		KeyframeRenderMinGapSeconds: 0.25,

		FramesPerSegment:           60,
		TargetBitrateBps:           2_000_000,
		EmergencyFlushTimeoutMs:    500,
		FinishSegmentSyncTimeoutMs: 5000,
		SegmentDir:                 filepath.Join(os.TempDir(), "rj_segments"),
		PreferHardwareEncoder:      false,

		UploadMaxRetries:       3,
		UploadDeleteAfter:      true,
		UploadOrphanMaxAgeMin:  60,
		UploadConcurrency:      2,
		PendingUploadTimeoutMs: 5000,

		CPUSampleIntervalMs:  2000,
		CPUCriticalPercent:   90,
		CPUHighPercent:       60,
		CPUNormalPercent:     40,
		CPUEmaAlpha:          0.3,
		CPUHysteresisSamples: 3,
		MemoryResidentWarnMB: 200,
		BatteryLowPercent:    20,

		PoolMinBuffers: 10,

		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  50,
		LogMaxBackups: 3,

		MetricsEnabled: true,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("capture-agent")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("REJOURNEY")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	// Validate config: fatals block startup, warnings are logged and continue.
	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("device_id", cfg.DeviceID)
	viper.Set("project_id", cfg.ProjectID)
	viper.Set("base_url", cfg.BaseURL)
	viper.Set("project_key", cfg.ProjectKey)
	viper.Set("api_key", cfg.APIKey)
	viper.Set("video_fps", cfg.VideoFPS)
	viper.Set("frames_per_segment", cfg.FramesPerSegment)
	viper.Set("target_bitrate_bps", cfg.TargetBitrateBps)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "capture-agent.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Config carries api_key/device_upload_token; restrict to owner.
	return os.Chmod(cfgPath, 0600)
}

// GetCacheDir returns the platform cache directory used for crash-recovery
// metadata (<caches>/rj_pending_segment.json, §4.4/§6).
func GetCacheDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LocalAppData"), "rejourney", "caches")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Caches", "rejourney")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".cache", "rejourney")
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "rejourney")
	case "darwin":
		return "/Library/Application Support/rejourney"
	default:
		return "/etc/rejourney"
	}
}
