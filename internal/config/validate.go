package config

import (
	"fmt"
	"net/url"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates fatal misconfiguration from clamped warnings.
// Fatals block startup; Warnings are logged and the (already-clamped) config
// is used as-is.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r *ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

func (r *ValidationResult) addFatal(err error) {
	r.Fatals = append(r.Fatals, err)
}

func (r *ValidationResult) addWarning(err error) {
	r.Warnings = append(r.Warnings, err)
}

// ValidateTiered checks the config for invalid values. Values that would
// misdirect network calls or violate an explicit precondition (configure_uploader,
// §4.1) are fatal. Out-of-range tunables are clamped to a safe value and
// reported as warnings so a bad deploy still starts.
func (c *Config) ValidateTiered() *ValidationResult {
	result := &ValidationResult{}

	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil {
			result.addFatal(fmt.Errorf("base_url %q is not a valid URL: %w", c.BaseURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			result.addFatal(fmt.Errorf("base_url scheme must be http or https, got %q", u.Scheme))
		}
	}

	if c.BaseURL != "" && c.ProjectKey == "" && c.APIKey == "" {
		result.addFatal(fmt.Errorf("base_url is set but neither project_key nor api_key is configured"))
	}

	clampFloat(&result.Warnings, "video_fps", &c.VideoFPS, 0.1, 30)
	clampInt(&result.Warnings, "frames_per_segment", &c.FramesPerSegment, 1, 3600)
	clampInt(&result.Warnings, "target_bitrate_bps", &c.TargetBitrateBps, 200_000, 8_000_000)
	clampInt(&result.Warnings, "upload_max_retries", &c.UploadMaxRetries, 0, 10)
	clampInt(&result.Warnings, "upload_concurrency", &c.UploadConcurrency, 1, 16)
	clampInt(&result.Warnings, "poll_interval_ms", &c.PollIntervalMs, 10, 5000)
	clampInt(&result.Warnings, "max_consecutive_encoder_failures", &c.MaxConsecutiveEncoderFailures, 1, 20)
	clampInt(&result.Warnings, "pool_min_buffers", &c.PoolMinBuffers, 1, 64)
	clampFloat(&result.Warnings, "cpu_ema_alpha", &c.CPUEmaAlpha, 0.01, 1.0)
	clampInt(&result.Warnings, "cpu_hysteresis_samples", &c.CPUHysteresisSamples, 1, 20)

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		result.addWarning(fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		result.addWarning(fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.CPUNormalPercent >= c.CPUHighPercent || c.CPUHighPercent >= c.CPUCriticalPercent {
		result.addWarning(fmt.Errorf("cpu thresholds must satisfy normal < high < critical, got %.0f/%.0f/%.0f; restoring defaults",
			c.CPUNormalPercent, c.CPUHighPercent, c.CPUCriticalPercent))
		c.CPUNormalPercent, c.CPUHighPercent, c.CPUCriticalPercent = 40, 60, 90
	}

	return result
}

func clampInt(warnings *[]error, name string, v *int, lo, hi int) {
	if *v < lo {
		*warnings = append(*warnings, fmt.Errorf("%s %d is below minimum %d, clamping", name, *v, lo))
		*v = lo
	} else if *v > hi {
		*warnings = append(*warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", name, *v, hi))
		*v = hi
	}
}

func clampFloat(warnings *[]error, name string, v *float64, lo, hi float64) {
	if *v < lo {
		*warnings = append(*warnings, fmt.Errorf("%s %.3f is below minimum %.3f, clamping", name, *v, lo))
		*v = lo
	} else if *v > hi {
		*warnings = append(*warnings, fmt.Errorf("%s %.3f exceeds maximum %.3f, clamping", name, *v, hi))
		*v = hi
	}
}
