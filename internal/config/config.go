package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	SocketPath    string `mapstructure:"socket_path"`
	WSListen      string `mapstructure:"ws_listen"`
	MetricsListen string `mapstructure:"metrics_listen"`
	DataDir       string `mapstructure:"data_dir"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogStdout     bool   `mapstructure:"log_stdout"`
	LogPrivate    bool   `mapstructure:"log_private"`

	AuditEnabled    bool `mapstructure:"audit_enabled"`
	AuditMaxSizeMB  int  `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int  `mapstructure:"audit_max_backups"`

	Workers    int `mapstructure:"workers"`
	QueueSize  int `mapstructure:"queue_size"`
	MaxClients int `mapstructure:"max_clients"`

	Capture     CaptureConfig     `mapstructure:"capture"`
	Tracking    TrackingConfig    `mapstructure:"tracking"`
	Screenshots ScreenshotsConfig `mapstructure:"screenshots"`
}

// CaptureConfig holds the fixed stream parameters and encoder selection.
type CaptureConfig struct {
	SampleRate  int    `mapstructure:"sample_rate"`
	FrameSize   int    `mapstructure:"frame_size"`
	QueueFrames int    `mapstructure:"queue_frames"`
	Encoder     string `mapstructure:"encoder"` // "ffmpeg" or "wav"
	FFmpegPath  string `mapstructure:"ffmpeg_path"`
	Codec       string `mapstructure:"codec"`
	Format      string `mapstructure:"format"`
	Bitrate     string `mapstructure:"bitrate"`
}

type TrackingConfig struct {
	IntervalMs int      `mapstructure:"interval_ms"`
	Browsers   []string `mapstructure:"browsers"`
}

type ScreenshotsConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval"`
	MaxInterval time.Duration `mapstructure:"max_interval"`
	Retention   int           `mapstructure:"retention"`
}

// DefaultBrowsers are the process names whose foreground time is
// attributed to the window title instead of the application.
var DefaultBrowsers = []string{
	"Google Chrome",
	"Firefox",
	"Microsoft Edge",
	"Safari",
	"Opera",
	"Brave",
	"Chromium",
}

func Default() *Config {
	return &Config{
		SocketPath:    DefaultSocketPath(),
		WSListen:      "",
		MetricsListen: "127.0.0.1:9477",
		DataDir:       configDir(),
		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  50,
		LogMaxBackups: 3,

		AuditEnabled:    true,
		AuditMaxSizeMB:  10,
		AuditMaxBackups: 3,

		Workers:       4,
		QueueSize:     64,
		MaxClients:    16,
		Capture: CaptureConfig{
			SampleRate:  22050,
			FrameSize:   1920,
			QueueFrames: 64,
			Encoder:     "ffmpeg",
			FFmpegPath:  "ffmpeg",
			Codec:       "libmp3lame",
			Format:      "mp3",
		},
		Tracking: TrackingConfig{
			IntervalMs: 1000,
			Browsers:   append([]string(nil), DefaultBrowsers...),
		},
		Screenshots: ScreenshotsConfig{
			MinInterval: time.Minute,
			MaxInterval: 5 * time.Minute,
			Retention:   500,
		},
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("deskcap")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("DESKCAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("socket_path", cfg.SocketPath)
	v.SetDefault("ws_listen", cfg.WSListen)
	v.SetDefault("metrics_listen", cfg.MetricsListen)
	v.SetDefault("data_dir", cfg.DataDir)

	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("log_max_size_mb", cfg.LogMaxSizeMB)
	v.SetDefault("log_max_backups", cfg.LogMaxBackups)
	v.SetDefault("log_stdout", cfg.LogStdout)
	v.SetDefault("log_private", cfg.LogPrivate)

	v.SetDefault("audit_enabled", cfg.AuditEnabled)
	v.SetDefault("audit_max_size_mb", cfg.AuditMaxSizeMB)
	v.SetDefault("audit_max_backups", cfg.AuditMaxBackups)

	v.SetDefault("workers", cfg.Workers)
	v.SetDefault("queue_size", cfg.QueueSize)
	v.SetDefault("max_clients", cfg.MaxClients)

	v.SetDefault("capture.sample_rate", cfg.Capture.SampleRate)
	v.SetDefault("capture.frame_size", cfg.Capture.FrameSize)
	v.SetDefault("capture.queue_frames", cfg.Capture.QueueFrames)
	v.SetDefault("capture.encoder", cfg.Capture.Encoder)
	v.SetDefault("capture.ffmpeg_path", cfg.Capture.FFmpegPath)
	v.SetDefault("capture.codec", cfg.Capture.Codec)
	v.SetDefault("capture.format", cfg.Capture.Format)
	v.SetDefault("capture.bitrate", cfg.Capture.Bitrate)

	v.SetDefault("tracking.interval_ms", cfg.Tracking.IntervalMs)
	v.SetDefault("tracking.browsers", cfg.Tracking.Browsers)

	v.SetDefault("screenshots.min_interval", cfg.Screenshots.MinInterval)
	v.SetDefault("screenshots.max_interval", cfg.Screenshots.MaxInterval)
	v.SetDefault("screenshots.retention", cfg.Screenshots.Retention)
}

// Save writes cfg to path, or to the default config location when path is
// empty.
func Save(cfg *Config, cfgFile string) error {
	v := viper.New()
	setDefaults(v, cfg)

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(configDir(), "deskcap.yaml")
	}
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}
	return os.Chmod(cfgPath, 0600)
}

// TrackingInterval returns the usage tracker tick period.
func (c *Config) TrackingInterval() time.Duration {
	return time.Duration(c.Tracking.IntervalMs) * time.Millisecond
}

// ArchivePath is the screenshot archive database file.
func (c *Config) ArchivePath() string {
	return filepath.Join(c.DataDir, "screenshots.db")
}

// AuditDir holds the privacy audit log.
func (c *Config) AuditDir() string {
	return filepath.Join(c.DataDir, "audit")
}

func configDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "deskcap")
	}
	return filepath.Join(os.TempDir(), "deskcap")
}

// DefaultSocketPath is where the daemon listens and the CLI dials when no
// socket is configured.
func DefaultSocketPath() string {
	switch runtime.GOOS {
	case "windows":
		return `\\.\pipe\deskcap`
	default:
		if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
			return filepath.Join(dir, "deskcap.sock")
		}
		return filepath.Join(os.TempDir(), fmt.Sprintf("deskcap-%d.sock", os.Getuid()))
	}
}
