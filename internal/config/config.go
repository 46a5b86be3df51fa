// Package config provides the runtime configuration for the core, built once via
// functional options. cmd/fetchgrid passes it to brain.New and builds the
// scheduler.Config from it; controller.New does not take a Config.
package config

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrMissingOutputDir = errors.New("output directory is required")
	ErrInvalidFormat    = errors.New("invalid output format")
)

// Proxy describes an optional upstream proxy for the HTTP Fetcher.
type Proxy struct {
	URL             string // http://, https://, socks5:// (the fetcher rejects socks4://)
	ResolveHostname bool   // not read by the fetcher; hostnames always reach the proxy unresolved
}

// Config is the runtime configuration shared by the brain and the worker pools and
// fetchers it spawns; cmd/fetchgrid derives the scheduler.Config from it. Build one with
// New and the With* options, then treat it as read-only; apart from Validate, nothing
// under internal/ mutates a *Config after construction.
type Config struct {
	OutputDir string
	Format    string // mp4, mkv, ts

	MaxConnectionsPerItem int
	MaxConcurrentDownloads int
	RetryAttempts          int
	RetryDelay             time.Duration
	ConnectTimeout         time.Duration
	MaxBandwidth           int64 // bytes/s per item, 0 = unlimited; each transfer gets MaxBandwidth/allowed connections

	LowSpeedFloorBytesPerSec int64
	LowSpeedWindow           time.Duration
	EndRunLowSpeedFloor      int64
	EndRunLowSpeedWindow     time.Duration

	ErrorsCheckInterval time.Duration
	ErrorCeiling        int

	SegmentSizeThreshold int64 // ~1 MiB, the Range Planner's unit for proportional split

	Headers   map[string]string
	UserAgent string
	Referer   string
	Cookies   string
	CookieFile string
	BasicAuthUser string
	BasicAuthPass string
	Proxy         *Proxy
	InsecureSkipVerify bool

	RefreshURLRetries int
	DebugRetainTemp   bool
	KeepSegments      bool

	TranscoderPath string

	OnCompletionCmd string
	ShutdownPC      bool

	Logging LoggingConfig
}

// LoggingConfig mirrors internal/logging.Config; duplicated here (rather than imported)
// so this package has no dependency on the logging package's handler construction, only
// on the values a caller supplies.
type LoggingConfig struct {
	Level      string
	Format     string
	FilePath   string
}

// Option mutates a Config under construction. The teacher's veld.go Option pattern
// (functional options over a *config.Config) is kept verbatim as the construction idiom.
type Option func(*Config)

func WithOutputDir(dir string) Option { return func(c *Config) { c.OutputDir = dir } }
func WithFormat(format string) Option { return func(c *Config) { c.Format = format } }
func WithMaxConnectionsPerItem(n int) Option {
	return func(c *Config) { c.MaxConnectionsPerItem = n }
}
func WithMaxConcurrentDownloads(n int) Option {
	return func(c *Config) { c.MaxConcurrentDownloads = n }
}
func WithMaxBandwidth(bytesPerSec int64) Option {
	return func(c *Config) { c.MaxBandwidth = bytesPerSec }
}
func WithHeaders(h map[string]string) Option { return func(c *Config) { c.Headers = h } }
func WithHeader(k, v string) Option {
	return func(c *Config) {
		if c.Headers == nil {
			c.Headers = map[string]string{}
		}
		c.Headers[k] = v
	}
}
func WithUserAgent(ua string) Option { return func(c *Config) { c.UserAgent = ua } }
func WithReferer(r string) Option    { return func(c *Config) { c.Referer = r } }
func WithCookieFile(path string) Option { return func(c *Config) { c.CookieFile = path } }
func WithBasicAuth(user, pass string) Option {
	return func(c *Config) { c.BasicAuthUser, c.BasicAuthPass = user, pass }
}
func WithProxy(p Proxy) Option { return func(c *Config) { c.Proxy = &p } }
func WithInsecureSkipVerify(v bool) Option {
	return func(c *Config) { c.InsecureSkipVerify = v }
}
func WithRefreshURLRetries(n int) Option { return func(c *Config) { c.RefreshURLRetries = n } }
func WithDebugRetainTemp(v bool) Option  { return func(c *Config) { c.DebugRetainTemp = v } }
func WithTranscoderPath(path string) Option { return func(c *Config) { c.TranscoderPath = path } }
func WithOnCompletionCmd(cmd string) Option { return func(c *Config) { c.OnCompletionCmd = cmd } }
func WithShutdownPC(v bool) Option          { return func(c *Config) { c.ShutdownPC = v } }
func WithLogging(l LoggingConfig) Option    { return func(c *Config) { c.Logging = l } }

// Default configuration values, taken from the spec's concurrency/resource model and
// external-interface sections.
const (
	DefaultMaxConnectionsPerItem  = 8
	DefaultMaxConcurrentDownloads = 3
	DefaultFormat                 = "mp4"
	DefaultRetryAttempts          = 5
	DefaultRetryDelay             = 500 * time.Millisecond
	DefaultConnectTimeout         = 10 * time.Second

	DefaultLowSpeedFloorBytesPerSec = 1024
	DefaultLowSpeedWindow           = 10 * time.Second
	DefaultEndRunLowSpeedFloor      = 20 * 1024
	DefaultEndRunLowSpeedWindow     = 10 * time.Second

	DefaultErrorsCheckInterval = 200 * time.Millisecond
	DefaultErrorCeiling        = 100

	DefaultSegmentSizeThreshold = 1 << 20 // 1 MiB
)

// New returns a Config with the spec's default values applied, then opts layered on top.
func New(opts ...Option) *Config {
	c := &Config{
		Format:                 DefaultFormat,
		MaxConnectionsPerItem:  DefaultMaxConnectionsPerItem,
		MaxConcurrentDownloads: DefaultMaxConcurrentDownloads,
		RetryAttempts:          DefaultRetryAttempts,
		RetryDelay:             DefaultRetryDelay,
		ConnectTimeout:         DefaultConnectTimeout,

		LowSpeedFloorBytesPerSec: DefaultLowSpeedFloorBytesPerSec,
		LowSpeedWindow:           DefaultLowSpeedWindow,
		EndRunLowSpeedFloor:      DefaultEndRunLowSpeedFloor,
		EndRunLowSpeedWindow:     DefaultEndRunLowSpeedWindow,

		ErrorsCheckInterval: DefaultErrorsCheckInterval,
		ErrorCeiling:        DefaultErrorCeiling,

		SegmentSizeThreshold: DefaultSegmentSizeThreshold,

		Headers:        map[string]string{},
		TranscoderPath: "ffmpeg",
		Logging:        LoggingConfig{Level: "info", Format: "text"},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Validate normalizes and checks the configuration, mirroring the teacher's
// Config.Validate() shape (clamp, default, require).
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return ErrMissingOutputDir
	}
	if c.MaxConnectionsPerItem < 1 {
		c.MaxConnectionsPerItem = 1
	}
	if c.MaxConcurrentDownloads < 1 {
		c.MaxConcurrentDownloads = 1
	}
	if c.Headers == nil {
		c.Headers = map[string]string{}
	}
	if c.TranscoderPath == "" {
		c.TranscoderPath = "ffmpeg"
	}
	return nil
}
