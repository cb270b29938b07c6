package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rejourney/capture-agent/internal/capture"
	"github.com/rejourney/capture-agent/internal/config"
	"github.com/rejourney/capture-agent/internal/encoder"
	"github.com/rejourney/capture-agent/internal/heuristics"
	"github.com/rejourney/capture-agent/internal/host/simulated"
	"github.com/rejourney/capture-agent/internal/logging"
	"github.com/rejourney/capture-agent/internal/perf"
	"github.com/rejourney/capture-agent/internal/perfstats"
	"github.com/rejourney/capture-agent/internal/scanner"
	"github.com/rejourney/capture-agent/internal/uploader"
)

var (
	version = "0.1.0"
	cfgFile string

	flagBaseURL    string
	flagProjectKey string
	flagAPIKey     string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "capture-agent",
	Short: "rejourney session-replay capture agent",
	Long:  `capture-agent drives the Capture Engine against an in-process simulated host, for local testing and as a reference embedding of the capture pipeline.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a capture session and run until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("capture-agent v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current configuration",
	Run: func(cmd *cobra.Command, args []string) {
		checkStatus()
	},
}

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Save ingest endpoint credentials to the config file",
	Run: func(cmd *cobra.Command, args []string) {
		configure()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/rejourney/capture-agent.yaml)")
	configureCmd.Flags().StringVar(&flagBaseURL, "base-url", "", "ingest API base URL")
	configureCmd.Flags().StringVar(&flagProjectKey, "project-key", "", "project key (x-rejourney-key)")
	configureCmd.Flags().StringVar(&flagAPIKey, "api-key", "", "API key, used when no device upload token is issued")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configureCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout
	logFileFallback := false

	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
			logFileFallback = true
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")

	if logFileFallback {
		log.Warn("log file fallback active, logging to stdout only", "requestedFile", cfg.LogFile)
	}
}

func initSentry(cfg *config.Config) func() {
	if cfg.SentryDSN == "" {
		return func() {}
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, Release: version}); err != nil {
		log.Warn("sentry init failed", "error", err)
		return func() {}
	}
	return func() { sentry.Flush(2 * time.Second) }
}

// engineConfigFromAppConfig translates the flattened, millisecond/seconds
// viper shape of config.Config into capture.Config's time.Duration/struct
// shape (§4.1's tunables, grouped by owning sub-component).
func engineConfigFromAppConfig(cfg *config.Config) capture.Config {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	secs := func(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }

	return capture.Config{
		VideoFPS:                      cfg.VideoFPS,
		WarmupGrace:                   ms(cfg.WarmupGraceMs),
		IntentGraceBaseline:           ms(cfg.IntentGraceBaselineMs),
		IntentGraceMotion:             ms(cfg.IntentGraceMotionMs),
		IntentGraceHigh:               ms(cfg.IntentGraceHighMs),
		PollInterval:                  ms(cfg.PollIntervalMs),
		StopSyncTimeout:               ms(cfg.StopSyncTimeoutMs),
		NavigationCapture:             ms(cfg.NavigationCaptureMs),
		MapGestureCapture:             ms(cfg.MapGestureCaptureMs),
		ScrollCapture:                 ms(cfg.ScrollCaptureMs),
		OtherGestureCapture:           ms(cfg.OtherGestureCaptureMs),
		MapGestureWindow:              ms(cfg.MapGestureWindowMs),
		MaxConsecutiveEncoderFailures: cfg.MaxConsecutiveEncoderFailures,
		PoolMinBuffers:                cfg.PoolMinBuffers,

		Scanner: scannerConfigFrom(cfg),
		Heuristics: heuristicsConfigFrom(cfg, secs),
		Encoder: encoderConfigFrom(cfg, ms),
		Perf:    perfConfigFrom(cfg, ms),
		Uploader: uploader.Config{
			BaseURL:           cfg.BaseURL,
			MaxRetries:        cfg.UploadMaxRetries,
			DeleteAfterUpload: cfg.UploadDeleteAfter,
			SegmentDir:        cfg.SegmentDir,
			OrphanAge:         time.Duration(cfg.UploadOrphanMaxAgeMin) * time.Minute,
		},
	}
}

func scannerConfigFrom(cfg *config.Config) scanner.Config {
	masked := make(map[string]bool, len(cfg.MaskedAccessibilityIDs))
	for _, id := range cfg.MaskedAccessibilityIDs {
		masked[id] = true
	}
	return scanner.Config{
		MaxDepthFast:           cfg.ScanMaxDepthFast,
		MaxDepthDeep:           cfg.ScanMaxDepthDeep,
		MaxViewsFast:           cfg.ScanMaxViewsFast,
		MaxViewsDeep:           cfg.ScanMaxViewsDeep,
		MaxScanTime:            time.Duration(cfg.ScanMaxTimeMs) * time.Millisecond,
		TimeCheckEvery:         cfg.ScanTimeCheckEvery,
		PrivacySweepMaxTime:    time.Duration(cfg.PrivacySweepMaxTimeMs) * time.Millisecond,
		PrivacySweepMaxViews:   cfg.PrivacySweepMaxViews,
		MaskedAccessibilityIDs: masked,
	}
}

func heuristicsConfigFrom(cfg *config.Config, secs func(float64) time.Duration) heuristics.Config {
	return heuristics.Config{
		QuietTouch:           secs(cfg.QuietTouch),
		QuietScroll:          secs(cfg.QuietScroll),
		QuietBounce:          secs(cfg.QuietBounce),
		QuietRefresh:         secs(cfg.QuietRefresh),
		QuietTransition:      secs(cfg.QuietTransition),
		QuietKeyboard:        secs(cfg.QuietKeyboard),
		QuietMap:             secs(cfg.QuietMap),
		QuietAnimation:       secs(cfg.QuietAnimation),
		MapSettle:            secs(cfg.MapSettleSeconds),
		MaxStale:             secs(cfg.MaxStaleSeconds),
		SignatureChurnWindow: secs(cfg.SignatureChurnWindowSeconds),
		MaxPendingKeyframes:  cfg.MaxPendingKeyframes,
		KeyframeRenderMinGap: secs(cfg.KeyframeRenderMinGapSeconds),
	}
}

func encoderConfigFrom(cfg *config.Config, ms func(int) time.Duration) encoder.Config {
	return encoder.Config{
		FramesPerSegment:         cfg.FramesPerSegment,
		TargetBitrateBps:         cfg.TargetBitrateBps,
		FPS:                      cfg.VideoFPS,
		EmergencyFlushTimeout:    ms(cfg.EmergencyFlushTimeoutMs),
		FinishSegmentSyncTimeout: ms(cfg.FinishSegmentSyncTimeoutMs),
		SegmentDir:               cfg.SegmentDir,
	}
}

func perfConfigFrom(cfg *config.Config, ms func(int) time.Duration) perf.Config {
	return perf.Config{
		CPUSampleInterval:    ms(cfg.CPUSampleIntervalMs),
		CPUCriticalPercent:   cfg.CPUCriticalPercent,
		CPUHighPercent:       cfg.CPUHighPercent,
		CPUNormalPercent:     cfg.CPUNormalPercent,
		CPUEmaAlpha:          cfg.CPUEmaAlpha,
		CPUHysteresisSamples: cfg.CPUHysteresisSamples,
		MemoryResidentWarnMB: uint64(cfg.MemoryResidentWarnMB),
		BatteryLowPercent:    cfg.BatteryLowPercent,
	}
}

func runAgent() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg)
	flushSentry := initSentry(cfg)
	defer flushSentry()
	perfstats.SetEnabled(cfg.MetricsEnabled)

	if cfg.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No ingest endpoint configured. Run 'capture-agent configure --base-url ... --project-key ...' first.")
		os.Exit(1)
	}

	simHost := simulated.New()
	collab := simHost.Collaborators()

	engine, err := capture.New(engineConfigFromAppConfig(cfg), collab, config.GetCacheDir())
	if err != nil {
		log.Error("failed to build capture engine", "error", err)
		os.Exit(1)
	}

	engine.OnError(func(err error) {
		log.Error("capture engine reported a fatal error", "error", err)
		sentry.CaptureException(err)
	})

	if err := engine.ConfigureUploader(cfg.BaseURL, cfg.ProjectKey, cfg.ProjectID, uploader.Credentials{
		DeviceUploadToken: cfg.DeviceUploadToken,
		ProjectKey:        cfg.ProjectKey,
		APIKey:            cfg.APIKey,
	}); err != nil {
		log.Error("failed to configure uploader", "error", err)
		os.Exit(1)
	}

	if cfg.LogShippingEnabled {
		authToken := cfg.DeviceUploadToken
		if authToken == "" {
			authToken = cfg.APIKey
		}
		logging.InitShipper(logging.ShipperConfig{
			ServerURL:    cfg.BaseURL,
			DeviceID:     cfg.DeviceID,
			AuthToken:    authToken,
			BuildVersion: version,
			MinLevel:     cfg.LogLevel,
		})
		defer logging.StopShipper()
	}

	if err := engine.ReplayPendingCrashSegment(context.Background()); err != nil {
		log.Error("failed to replay crash-recovered segment", "error", err)
	}

	sessionID := "sess-" + uuid.NewString()
	if err := engine.StartSession(sessionID); err != nil {
		log.Error("failed to start capture session", "error", err)
		os.Exit(1)
	}
	engine.NotifyUIReady()
	log.Info("capture session started", "sessionId", sessionID, "deviceId", cfg.DeviceID)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("stopping capture session")
	_ = engine.StopSession(true)
	log.Info("capture session stopped")
}

func configure() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		cfg = config.Default()
	}

	if flagBaseURL != "" {
		cfg.BaseURL = flagBaseURL
	}
	if flagProjectKey != "" {
		cfg.ProjectKey = flagProjectKey
	}
	if flagAPIKey != "" {
		cfg.APIKey = flagAPIKey
	}

	if cfg.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "--base-url is required")
		os.Exit(1)
	}

	if err := config.SaveTo(cfg, cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration saved.")
	fmt.Printf("Base URL: %s\n", cfg.BaseURL)
}

func checkStatus() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Println("Status: not configured")
		return
	}

	if cfg.BaseURL == "" {
		fmt.Println("Status: ingest endpoint not configured")
		return
	}

	fmt.Println("Status: configured")
	fmt.Printf("Base URL: %s\n", cfg.BaseURL)
	fmt.Printf("Project ID: %s\n", cfg.ProjectID)
	fmt.Printf("Video FPS: %v\n", cfg.VideoFPS)
	fmt.Printf("Frames Per Segment: %d\n", cfg.FramesPerSegment)
}
