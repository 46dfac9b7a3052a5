package app

import "time"

// Config holds runtime configuration for the application.
type Config struct {
	// InputPath is a file, "-" for stdin, or an http(s) URL.
	InputPath     string
	OutputPath    string
	OutputPDFPath string
	ManifestPath  string

	// Text rewrite
	LLMBaseURL    string
	LLMModel      string
	LLMAPIKey     string
	Theme         string
	SystemPrompt  string
	ShortSegments string
	DisableText   bool

	// Extraction / chunking
	MinWords      int
	MaxChunk      int
	BatchSize     int
	RootSelectors []string
	StrictRoot    bool
	Charset       string

	// Image transform
	ImageURL            string
	ImageAPIKey         string
	ImagePrompt         string
	ImageNegativePrompt string
	ImageStrength       float64
	ImageSteps          int
	ImageCFGScale       float64
	ImageMinSize        int
	ImageRetryDelay     time.Duration
	DisableImages       bool

	// Behavior
	DryRun    bool
	Verbose   bool
	UserAgent string
	// InsecureTLS skips certificate verification for all outbound calls.
	InsecureTLS bool

	// Cache
	CacheDir          string
	CacheMaxAge       time.Duration
	CacheClear        bool
	CacheStrictPerms  bool
	CacheMaxBytes     int64
	CacheMaxCount     int
	ResponseCacheOnly bool

	// Lifecycle / watch
	PreferencesFile string
	Watch           bool
	WatchInterval   time.Duration
	// IgnoreRobots polls even where robots.txt disallows it.
	IgnoreRobots bool
	SettleDelay     time.Duration
	RescanWindow    time.Duration

	// HTTP API
	ServeAddr string
}
