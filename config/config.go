package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"shielded/hasher"
	"shielded/model"
	"shielded/version"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envAIAPIKey     = "SHIELDED_AI_API_KEY"
	envAIBaseURL    = "SHIELDED_AI_BASE_URL"
	envAIModel      = "SHIELDED_AI_MODEL"
	envOpenAIAPIKey = "OPENAI_API_KEY"
)

type Config struct {
	StartPaths        []string `json:"start_paths" yaml:"start_paths" toml:"start_paths"`
	IncludePatterns   []string `json:"include_patterns" yaml:"include_patterns" toml:"include_patterns"`
	ExcludePatterns   []string `json:"exclude_patterns" yaml:"exclude_patterns" toml:"exclude_patterns"`
	OutputDir         string   `json:"output_dir" yaml:"output_dir" toml:"output_dir"`
	ReportFileName    string   `json:"report_file_name" yaml:"report_file_name" toml:"report_file_name"`
	MaxReportFileSize int64    `json:"max_report_file_size" yaml:"max_report_file_size" toml:"max_report_file_size"`
	LogLevel          string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	ConcurrencyLevel  int      `json:"concurrency_level" yaml:"concurrency_level" toml:"concurrency_level"`
	NiceLevel         string   `json:"nice_level" yaml:"nice_level" toml:"nice_level"`
	MaxFiles          int      `json:"max_files" yaml:"max_files" toml:"max_files"`
	MaxFileSize       int64    `json:"max_file_size" yaml:"max_file_size" toml:"max_file_size"`
	MaxPixels         int64    `json:"max_pixels" yaml:"max_pixels" toml:"max_pixels"`

	model.ProcessOptions `yaml:",inline"`

	VideoDelay time.Duration `json:"video_delay" yaml:"video_delay" toml:"video_delay"`
	// Seed fixes the random source for reproducible date shifts. Zero seeds
	// from the clock.
	Seed uint64 `json:"seed" yaml:"seed" toml:"seed"`

	AIEnabled           bool          `json:"ai_enabled" yaml:"ai_enabled" toml:"ai_enabled"`
	AIBaseURL           string        `json:"ai_base_url" yaml:"ai_base_url" toml:"ai_base_url"`
	AIAPIKey            string        `json:"ai_api_key" yaml:"ai_api_key" toml:"ai_api_key"`
	AIModel             string        `json:"ai_model" yaml:"ai_model" toml:"ai_model"`
	AITimeout           time.Duration `json:"ai_timeout" yaml:"ai_timeout" toml:"ai_timeout"`
	AIRequestsPerSecond float64       `json:"ai_requests_per_second" yaml:"ai_requests_per_second" toml:"ai_requests_per_second"`
	AITemperature       float64       `json:"ai_temperature" yaml:"ai_temperature" toml:"ai_temperature"`

	HashAlgorithms  []string `json:"hash_algorithms" yaml:"hash_algorithms" toml:"hash_algorithms"`
	FuzzyHash       bool     `json:"fuzzy_hash" yaml:"fuzzy_hash" toml:"fuzzy_hash"`
	ContentReadMode string   `json:"content_read_mode" yaml:"content_read_mode" toml:"content_read_mode"`
	MmapMinSize     int64    `json:"mmap_min_size" yaml:"mmap_min_size" toml:"mmap_min_size"`
	CollectXattrs   bool     `json:"collect_xattrs" yaml:"collect_xattrs" toml:"collect_xattrs"`

	OtelEndpoint       string            `json:"otel_endpoint" yaml:"otel_endpoint" toml:"otel_endpoint"`
	OtelFromEnv        bool              `json:"otel_from_env" yaml:"otel_from_env" toml:"otel_from_env"`
	OtelHeaders        map[string]string `json:"otel_headers" yaml:"otel_headers" toml:"otel_headers"`
	OtelServiceName    string            `json:"otel_service_name" yaml:"otel_service_name" toml:"otel_service_name"`
	OtelTimeout        time.Duration     `json:"otel_timeout" yaml:"otel_timeout" toml:"otel_timeout"`
	OtelExportPaths    bool              `json:"otel_export_paths" yaml:"otel_export_paths" toml:"otel_export_paths"`
	OtelExportFindings bool              `json:"otel_export_findings" yaml:"otel_export_findings" toml:"otel_export_findings"`

	TraceFile           string        `json:"trace_file" yaml:"trace_file" toml:"trace_file"`
	TraceFlight         bool          `json:"trace_flight" yaml:"trace_flight" toml:"trace_flight"`
	TraceFlightFile     string        `json:"trace_flight_file" yaml:"trace_flight_file" toml:"trace_flight_file"`
	TraceFlightMaxBytes uint64        `json:"trace_flight_max_bytes" yaml:"trace_flight_max_bytes" toml:"trace_flight_max_bytes"`
	TraceFlightMinAge   time.Duration `json:"trace_flight_min_age" yaml:"trace_flight_min_age" toml:"trace_flight_min_age"`

	DiagStallThreshold time.Duration `json:"diag_stall_threshold" yaml:"diag_stall_threshold" toml:"diag_stall_threshold"`
	DiagDir            string        `json:"diag_dir" yaml:"diag_dir" toml:"diag_dir"`
	DiagGoroutineDump  bool          `json:"diag_goroutine_dump" yaml:"diag_goroutine_dump" toml:"diag_goroutine_dump"`

	Serve       bool          `json:"serve" yaml:"serve" toml:"serve"`
	ListenAddr  string        `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"`
	ArtifactTTL time.Duration `json:"artifact_ttl" yaml:"artifact_ttl" toml:"artifact_ttl"`

	ConfigFile string `json:"-" yaml:"-" toml:"-"`
	EnvFile    string `json:"-" yaml:"-" toml:"-"`
}

func defaults() *Config {
	return &Config{
		OutputDir:         "shielded-output",
		MaxReportFileSize: 100 * 1024 * 1024,
		LogLevel:          "info",
		ConcurrencyLevel:  1,
		NiceLevel:         "medium",
		MaxFiles:          20,
		MaxFileSize:       100 * 1024 * 1024,
		MaxPixels:         100_000_000,
		VideoDelay:        2 * time.Second,
		AIEnabled:         true,
		AIModel:           "gpt-4o-mini",
		AITimeout:         15 * time.Second,
		AITemperature:     0.7,
		HashAlgorithms:    []string{"sha256"},
		ContentReadMode:   "auto",
		MmapMinSize:       128 * 1024,
		CollectXattrs:     true,
		OtelHeaders:       map[string]string{},
		OtelServiceName:   "shielded",
		OtelTimeout:       5 * time.Second,
		TraceFile:         "trace.out",
		TraceFlightFile:   "trace-flight.out",
		DiagDir:           ".",
		ListenAddr:        ":8080",
		ArtifactTTL:       15 * time.Minute,
		EnvFile:           ".env",
	}
}

func LoadConfig() (*Config, error) {
	cfg := defaults()

	startPath := flag.String("path", "", "Comma-separated list of files or directories to sanitize.")
	includes := flag.String("include", "", "Comma-separated list of include patterns (default: none).")
	excludes := flag.String("exclude", "", "Comma-separated list of exclude patterns (default: none).")
	outputDir := flag.String("output-dir", cfg.OutputDir, fmt.Sprintf("Directory for sanitized files and the report (default: %s).", cfg.OutputDir))
	report := flag.String("report", "", "Report file name (default: <output-dir>/shielded-<timestamp>-<unix>.ndjson).")
	maxReportFileSize := flag.Int64("max-report-file-size", cfg.MaxReportFileSize, fmt.Sprintf("Report size in bytes before rotation (default: %d).", cfg.MaxReportFileSize))
	logLevel := flag.String("log-level", cfg.LogLevel, fmt.Sprintf("Log level: debug, info, warn, error, fatal, or panic (default: %s).", cfg.LogLevel))
	concurrency := flag.Int("concurrency", cfg.ConcurrencyLevel, "Files processed at once; 0 derives it from --nice (default: 1).")
	nice := flag.String("nice", cfg.NiceLevel, fmt.Sprintf("Nice level used when --concurrency is 0: high, medium, or low (default: %s).", cfg.NiceLevel))
	maxFiles := flag.Int("max-files", cfg.MaxFiles, fmt.Sprintf("Maximum files accepted per batch (default: %d).", cfg.MaxFiles))
	maxFileSize := flag.Int64("max-file-size", cfg.MaxFileSize, fmt.Sprintf("Maximum accepted file size in bytes (default: %d).", cfg.MaxFileSize))
	maxPixels := flag.Int64("max-pixels", cfg.MaxPixels, fmt.Sprintf("Largest image, in pixels, that will be decoded (default: %d).", cfg.MaxPixels))
	safeMode := flag.Bool("safe-mode", false, "Replace findings and device with neutral values (default: false).")
	removeGPS := flag.Bool("remove-gps", false, "Report location as stripped (default: false).")
	changeDates := flag.Bool("change-dates", false, "Randomize the creation date within the past year (default: false).")
	fakeData := flag.Bool("generate-fake-data", false, "Substitute decoy device, location and dates (default: false).")
	preserveQuality := flag.Bool("preserve-quality", false, "Re-encode lossy images at high quality (default: false).")
	videoDelay := flag.Duration("video-delay", cfg.VideoDelay, "Simulated video processing time (default: 2s).")
	seed := flag.Uint64("seed", 0, "Random seed for date shifts; 0 seeds from the clock.")
	aiEnabled := flag.Bool("ai", cfg.AIEnabled, "Use remote risk analysis when an API key is configured (default: true).")
	aiBaseURL := flag.String("ai-base-url", "", "OpenAI-compatible API base URL (default: provider default, env "+envAIBaseURL+").")
	aiModel := flag.String("ai-model", cfg.AIModel, fmt.Sprintf("Model name for risk analysis (default: %s, env %s).", cfg.AIModel, envAIModel))
	aiTimeout := flag.Duration("ai-timeout", cfg.AITimeout, "Timeout for each risk analysis call (default: 15s).")
	aiRPS := flag.Float64("ai-requests-per-second", 0, "Rate limit for risk analysis calls; 0 means unlimited.")
	aiTemperature := flag.Float64("ai-temperature", cfg.AITemperature, "Sampling temperature for risk analysis (default: 0.7).")
	hashes := flag.String("hashes", strings.Join(cfg.HashAlgorithms, ","), fmt.Sprintf("Comma-separated hash algorithms for original and sanitized bytes (default: %s).", strings.Join(cfg.HashAlgorithms, ",")))
	fuzzyHash := flag.Bool("fuzzy-hash", false, "Record TLSH fuzzy hashes of original and sanitized bytes (default: false).")
	contentReadMode := flag.String("content-read-mode", cfg.ContentReadMode, "Content read mode: auto, stream, or mmap (default: auto).")
	mmapMinSize := flag.Int64("mmap-min-size", cfg.MmapMinSize, "Minimum file size in bytes for the mmap read path (default: 131072).")
	collectXattrs := flag.Bool("collect-xattrs", cfg.CollectXattrs, "Report extended attributes of source files as findings (default: true).")
	otelEndpoint := flag.String("otel-endpoint", "", "OTLP/HTTP logs endpoint (default: none).")
	otelFromEnv := flag.Bool("otel-from-env", false, "Allow OTEL endpoint fallback from OTEL environment variables (default: false).")
	otelHeaders := flag.String("otel-headers", "", "Comma-separated OTEL headers (key=value) for export (default: none).")
	otelServiceName := flag.String("otel-service-name", cfg.OtelServiceName, "OTEL service name for export (default: shielded).")
	otelTimeout := flag.Duration("otel-timeout", cfg.OtelTimeout, "OTEL export timeout (default: 5s).")
	otelExportPaths := flag.Bool("otel-export-paths", false, "Include source paths in OTEL payloads (default: false).")
	otelExportFindings := flag.Bool("otel-export-findings", false, "Include findings, device and location in OTEL payloads (default: false).")
	traceFile := flag.String("trace-file", cfg.TraceFile, "Execution trace output when built with the trace tag (default: trace.out).")
	traceFlight := flag.Bool("trace-flight", false, "Enable flight recorder tracing (default: false).")
	traceFlightFile := flag.String("trace-flight-file", cfg.TraceFlightFile, fmt.Sprintf("Flight recorder output file (default: %s).", cfg.TraceFlightFile))
	traceFlightMaxBytes := flag.Uint64("trace-flight-max-bytes", 0, "Max bytes for flight recorder buffer (default: 0 for runtime default).")
	traceFlightMinAge := flag.Duration("trace-flight-min-age", 0, "Minimum age of trace events to retain (default: 0).")
	diagStallThreshold := flag.Duration("diag-stall-threshold", 0, "If positive, dump diagnostics when no file finishes for this long (default: 0/off).")
	diagDir := flag.String("diag-dir", cfg.DiagDir, "Diagnostics output directory (default: current directory).")
	diagGoroutineDump := flag.Bool("diag-goroutine-dump", false, "Write a goroutine profile on shutdown (default: false).")
	serve := flag.Bool("serve", false, "Run the HTTP upload service instead of a batch (default: false).")
	listenAddr := flag.String("listen", cfg.ListenAddr, fmt.Sprintf("HTTP listen address for --serve (default: %s).", cfg.ListenAddr))
	artifactTTL := flag.Duration("artifact-ttl", cfg.ArtifactTTL, "How long --serve keeps sanitized files for download (default: 15m).")
	configFile := flag.String("config", "", "Path to a .json, .yaml or .toml configuration file (default: none).")
	envFile := flag.String("env-file", cfg.EnvFile, "Dotenv file loaded before the environment is read (default: .env).")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = displayHelp
	flag.Parse()

	if *showVersion {
		fmt.Printf("Shielded version %s\n", version.Version)
		os.Exit(0)
	}

	cfg.EnvFile = *envFile
	if err := loadDotEnv(cfg.EnvFile); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	if *configFile != "" {
		cfg.ConfigFile = *configFile
		if err := cfg.loadFromFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "path":
			cfg.StartPaths = parseCommaSeparated(*startPath)
		case "include":
			cfg.IncludePatterns = parseCommaSeparated(*includes)
		case "exclude":
			cfg.ExcludePatterns = parseCommaSeparated(*excludes)
		case "output-dir":
			cfg.OutputDir = strings.TrimSpace(*outputDir)
		case "report":
			cfg.ReportFileName = strings.TrimSpace(*report)
		case "max-report-file-size":
			cfg.MaxReportFileSize = *maxReportFileSize
		case "log-level":
			cfg.LogLevel = *logLevel
		case "concurrency":
			cfg.ConcurrencyLevel = *concurrency
		case "nice":
			cfg.NiceLevel = *nice
		case "max-files":
			cfg.MaxFiles = *maxFiles
		case "max-file-size":
			cfg.MaxFileSize = *maxFileSize
		case "max-pixels":
			cfg.MaxPixels = *maxPixels
		case "safe-mode":
			cfg.SafeMode = *safeMode
		case "remove-gps":
			cfg.RemoveGPS = *removeGPS
		case "change-dates":
			cfg.ChangeDates = *changeDates
		case "generate-fake-data":
			cfg.GenerateFakeData = *fakeData
		case "preserve-quality":
			cfg.PreserveQuality = *preserveQuality
		case "video-delay":
			cfg.VideoDelay = *videoDelay
		case "seed":
			cfg.Seed = *seed
		case "ai":
			cfg.AIEnabled = *aiEnabled
		case "ai-base-url":
			cfg.AIBaseURL = strings.TrimSpace(*aiBaseURL)
		case "ai-model":
			cfg.AIModel = strings.TrimSpace(*aiModel)
		case "ai-timeout":
			cfg.AITimeout = *aiTimeout
		case "ai-requests-per-second":
			cfg.AIRequestsPerSecond = *aiRPS
		case "ai-temperature":
			cfg.AITemperature = *aiTemperature
		case "hashes":
			cfg.HashAlgorithms = parseCommaSeparated(*hashes)
		case "fuzzy-hash":
			cfg.FuzzyHash = *fuzzyHash
		case "content-read-mode":
			cfg.ContentReadMode = *contentReadMode
		case "mmap-min-size":
			cfg.MmapMinSize = *mmapMinSize
		case "collect-xattrs":
			cfg.CollectXattrs = *collectXattrs
		case "otel-endpoint":
			cfg.OtelEndpoint = strings.TrimSpace(*otelEndpoint)
		case "otel-from-env":
			cfg.OtelFromEnv = *otelFromEnv
		case "otel-headers":
			cfg.OtelHeaders = parseHeaders(*otelHeaders)
		case "otel-service-name":
			cfg.OtelServiceName = strings.TrimSpace(*otelServiceName)
		case "otel-timeout":
			cfg.OtelTimeout = *otelTimeout
		case "otel-export-paths":
			cfg.OtelExportPaths = *otelExportPaths
		case "otel-export-findings":
			cfg.OtelExportFindings = *otelExportFindings
		case "trace-file":
			cfg.TraceFile = *traceFile
		case "trace-flight":
			cfg.TraceFlight = *traceFlight
		case "trace-flight-file":
			cfg.TraceFlightFile = *traceFlightFile
		case "trace-flight-max-bytes":
			cfg.TraceFlightMaxBytes = *traceFlightMaxBytes
		case "trace-flight-min-age":
			cfg.TraceFlightMinAge = *traceFlightMinAge
		case "diag-stall-threshold":
			cfg.DiagStallThreshold = *diagStallThreshold
		case "diag-dir":
			cfg.DiagDir = strings.TrimSpace(*diagDir)
		case "diag-goroutine-dump":
			cfg.DiagGoroutineDump = *diagGoroutineDump
		case "serve":
			cfg.Serve = *serve
		case "listen":
			cfg.ListenAddr = strings.TrimSpace(*listenAddr)
		case "artifact-ttl":
			cfg.ArtifactTTL = *artifactTTL
		}
	})

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func displayHelp() {
	fmt.Println("Shielded - media metadata sanitizer")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  shielded [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  shielded --path photo.jpg --remove-gps")
	fmt.Println("  shielded --path \"trip/,clip.mp4\" --safe-mode --change-dates --output-dir out")
	fmt.Println("  shielded --serve --listen :8080")
}

// ProcessingOptions returns the user toggles applied to every file.
func (cfg *Config) ProcessingOptions() model.ProcessOptions {
	return cfg.ProcessOptions
}

// AIConfigured reports whether remote analysis should be attempted.
func (cfg *Config) AIConfigured() bool {
	return cfg.AIEnabled && strings.TrimSpace(cfg.AIAPIKey) != ""
}

func loadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("could not load env file %s: %w", path, err)
	}
	return nil
}

func (cfg *Config) applyEnv() {
	if key := firstEnv(envAIAPIKey, envOpenAIAPIKey); key != "" {
		cfg.AIAPIKey = key
	}
	if baseURL := firstEnv(envAIBaseURL); baseURL != "" {
		cfg.AIBaseURL = baseURL
	}
	if modelName := firstEnv(envAIModel); modelName != "" {
		cfg.AIModel = modelName
	}
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return ""
}

func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		_, err = toml.Decode(string(data), cfg)
	default:
		return fmt.Errorf("unsupported config file type: %s", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("invalid config file format: %w", err)
	}
	return nil
}

func (cfg *Config) normalize() {
	cfg.NiceLevel = strings.ToLower(strings.TrimSpace(cfg.NiceLevel))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.ContentReadMode = strings.ToLower(strings.TrimSpace(cfg.ContentReadMode))
	if cfg.ContentReadMode == "" {
		cfg.ContentReadMode = "auto"
	}
	if cfg.MmapMinSize <= 0 {
		cfg.MmapMinSize = 128 * 1024
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	if cfg.ReportFileName == "" {
		now := time.Now().UTC()
		cfg.ReportFileName = filepath.Join(cfg.OutputDir, fmt.Sprintf("shielded-%s-%d.ndjson", now.Format("20060102-150405"), now.Unix()))
	}
	if cfg.DiagDir == "" {
		cfg.DiagDir = "."
	}
	if cfg.TraceFlight && cfg.TraceFlightFile == "" {
		cfg.TraceFlightFile = "trace-flight.out"
	}
	cfg.HashAlgorithms = normalizeAlgorithms(cfg.HashAlgorithms)
	if !slices.Contains(cfg.HashAlgorithms, "sha256") {
		cfg.HashAlgorithms = append(cfg.HashAlgorithms, "sha256")
	}
	paths := cfg.StartPaths[:0]
	for _, p := range cfg.StartPaths {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	cfg.StartPaths = paths
}

func (cfg *Config) validate() error {
	if len(cfg.StartPaths) == 0 && !cfg.Serve {
		return fmt.Errorf("at least one --path is required unless --serve is set")
	}
	if cfg.ConcurrencyLevel < 0 {
		return fmt.Errorf("concurrency level must be zero or positive")
	}
	if cfg.NiceLevel != "high" && cfg.NiceLevel != "medium" && cfg.NiceLevel != "low" {
		return fmt.Errorf("invalid nice level: %s", cfg.NiceLevel)
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" &&
		cfg.LogLevel != "error" && cfg.LogLevel != "fatal" && cfg.LogLevel != "panic" {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.MaxFiles <= 0 {
		return fmt.Errorf("max-files must be positive")
	}
	if cfg.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if cfg.MaxReportFileSize < 0 {
		return fmt.Errorf("max-report-file-size must be zero or positive")
	}
	if cfg.VideoDelay < 0 {
		return fmt.Errorf("video-delay must be zero or positive")
	}
	if cfg.AITimeout < 0 {
		return fmt.Errorf("ai-timeout must be zero or positive")
	}
	if cfg.AIRequestsPerSecond < 0 {
		return fmt.Errorf("ai-requests-per-second must be zero or positive")
	}
	if cfg.AITemperature < 0 || cfg.AITemperature > 2 {
		return fmt.Errorf("ai-temperature must be between 0 and 2")
	}
	if cfg.AIBaseURL != "" && !hasHTTPScheme(cfg.AIBaseURL) {
		return fmt.Errorf("ai-base-url must include scheme (http or https)")
	}
	for _, algo := range cfg.HashAlgorithms {
		if !slices.Contains(hasher.Supported, algo) {
			return fmt.Errorf("unsupported hash algorithm: %s", algo)
		}
	}
	if cfg.ContentReadMode != "stream" && cfg.ContentReadMode != "mmap" && cfg.ContentReadMode != "auto" {
		return fmt.Errorf("invalid content-read-mode value: %s", cfg.ContentReadMode)
	}
	if cfg.OtelTimeout < 0 {
		return fmt.Errorf("otel-timeout must be zero or positive")
	}
	if cfg.OtelEndpoint != "" && !hasHTTPScheme(cfg.OtelEndpoint) {
		return fmt.Errorf("otel-endpoint must include scheme (http or https)")
	}
	if cfg.TraceFlightMinAge < 0 {
		return fmt.Errorf("trace-flight-min-age must be zero or positive")
	}
	if cfg.DiagStallThreshold < 0 {
		return fmt.Errorf("diag-stall-threshold must be zero or positive")
	}
	if cfg.Serve {
		if cfg.ListenAddr == "" {
			return fmt.Errorf("--listen is required with --serve")
		}
		if cfg.ArtifactTTL <= 0 {
			return fmt.Errorf("artifact-ttl must be positive")
		}
	}
	return nil
}

func hasHTTPScheme(value string) bool {
	return strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://")
}

func parseCommaSeparated(input string) []string {
	if input == "" {
		return []string{}
	}
	items := strings.Split(input, ",")
	for i, item := range items {
		items[i] = strings.TrimSpace(item)
	}
	return items
}

func parseHeaders(input string) map[string]string {
	headers := make(map[string]string)
	if input == "" {
		return headers
	}
	for _, item := range strings.Split(input, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}

func normalizeAlgorithms(items []string) []string {
	normalized := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" || slices.Contains(normalized, item) {
			continue
		}
		normalized = append(normalized, item)
	}
	return normalized
}
