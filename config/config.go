// vidproc/config/config.go
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Rung is one target resolution/bitrate pair of the transcode ladder.
type Rung struct {
	Label   string `mapstructure:"label"`
	Height  int    `mapstructure:"height"`
	Bitrate int    `mapstructure:"bitrate"` // kbit/s
}

type Config struct {
	FFBin              string  `mapstructure:"FF_BIN"`
	FFProbeBin         string  `mapstructure:"FFPROBE_BIN"`
	FFExtraOutputArgs  string  `mapstructure:"FF_EXTRA_OUTPUT_ARGS"`
	HWAccelEnabled     bool    `mapstructure:"HWACCEL_ENABLED"`
	HWAccelerator      string  `mapstructure:"HWACCELERATOR"`
	GPUVendor          string  `mapstructure:"GPU_VENDOR"`
	HLSSegmentTime     int     `mapstructure:"HLS_SEGMENT_TIME"`
	HLSPlaylistType    string  `mapstructure:"HLS_PLAYLIST_TYPE"`
	PreviewHeight      int     `mapstructure:"PREVIEW_HEIGHT"`
	PreviewStartOffset float64 `mapstructure:"PREVIEW_START_POSITION"`
	PreviewLength      float64 `mapstructure:"PREVIEW_LENGTH"`
	Ladder             []Rung  `mapstructure:"LADDER"`

	OutputRoot      string `mapstructure:"OUTPUT_ROOT"`
	MaxInputSize    int64  `mapstructure:"MAX_INPUT_SIZE"`
	StorageBaseURL  string `mapstructure:"STORAGE_BASE_URL"`
	StorageToken    string `mapstructure:"STORAGE_SERVICE_TOKEN"`
	UploadBatchSize int    `mapstructure:"UPLOAD_BATCH_SIZE"`

	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`

	MaxConcurrency int           `mapstructure:"MAX_CONCURRENCY"`
	MaxRetryCount  int           `mapstructure:"MAX_RETRY_COUNT"`
	RetryDelay     time.Duration `mapstructure:"RETRY_DELAY"`
	TaskRetention  time.Duration `mapstructure:"TASK_RETENTION"`

	DatabaseType string        `mapstructure:"DATABASE_TYPE"`
	DatabaseDSN  string        `mapstructure:"DATABASE_DSN"`
	SQLitePath   string        `mapstructure:"SQLITE_PATH"`
	FlagStore    string        `mapstructure:"FLAG_STORE"`
	FlagTTL      time.Duration `mapstructure:"FLAG_TTL"`

	AWSRegion        string `mapstructure:"AWS_REGION"`
	JobQueueURL      string `mapstructure:"SQS_JOB_QUEUE_URL"`
	EventsQueueURL   string `mapstructure:"SQS_EVENTS_QUEUE_URL"`
	QueueWaitSeconds int32  `mapstructure:"SQS_WAIT_SECONDS"`

	ServiceToken string `mapstructure:"SERVICE_TOKEN"`
	Port         string `mapstructure:"PORT"`
	LogLevel     string `mapstructure:"LOG_LEVEL"`
	LogJSON      bool   `mapstructure:"LOG_JSON"`
}

// DefaultLadder is used when no LADDER is configured. Heights ascend.
func DefaultLadder() []Rung {
	return []Rung{
		{Label: "144p", Height: 144, Bitrate: 600},
		{Label: "240p", Height: 240, Bitrate: 1000},
		{Label: "360p", Height: 360, Bitrate: 1400},
		{Label: "480p", Height: 480, Bitrate: 1800},
		{Label: "540p", Height: 540, Bitrate: 2500},
		{Label: "720p", Height: 720, Bitrate: 4000},
		{Label: "900p", Height: 900, Bitrate: 7000},
		{Label: "1080p", Height: 1080, Bitrate: 10000},
		{Label: "1440p", Height: 1440, Bitrate: 20000},
		{Label: "2160p", Height: 2160, Bitrate: 50000},
		{Label: "4320p", Height: 4320, Bitrate: 100000},
	}
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FFPROBE_BIN", "ffprobe")
	vp.SetDefault("FF_EXTRA_OUTPUT_ARGS", "")
	vp.SetDefault("HWACCEL_ENABLED", false)
	vp.SetDefault("HWACCELERATOR", "auto")
	vp.SetDefault("GPU_VENDOR", "other")
	vp.SetDefault("HLS_SEGMENT_TIME", 60)
	vp.SetDefault("HLS_PLAYLIST_TYPE", "vod")
	vp.SetDefault("PREVIEW_HEIGHT", 320)
	vp.SetDefault("PREVIEW_START_POSITION", 0.33)
	vp.SetDefault("PREVIEW_LENGTH", 3.0)

	vp.SetDefault("OUTPUT_ROOT", ".")
	vp.SetDefault("MAX_INPUT_SIZE", "4GB")
	vp.SetDefault("STORAGE_BASE_URL", "http://localhost:3000")
	vp.SetDefault("STORAGE_SERVICE_TOKEN", "")
	vp.SetDefault("UPLOAD_BATCH_SIZE", 500)

	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "1GB")

	vp.SetDefault("MAX_CONCURRENCY", 3)
	vp.SetDefault("MAX_RETRY_COUNT", 5)
	vp.SetDefault("RETRY_DELAY", "60s")
	vp.SetDefault("TASK_RETENTION", "1h")

	vp.SetDefault("DATABASE_TYPE", "sqlite")
	vp.SetDefault("DATABASE_DSN", "")
	vp.SetDefault("SQLITE_PATH", "vidproc.db")
	vp.SetDefault("FLAG_STORE", "memory")
	vp.SetDefault("FLAG_TTL", "12h")

	vp.SetDefault("AWS_REGION", "us-east-1")
	vp.SetDefault("SQS_JOB_QUEUE_URL", "")
	vp.SetDefault("SQS_EVENTS_QUEUE_URL", "")
	vp.SetDefault("SQS_WAIT_SECONDS", 10)

	vp.SetDefault("SERVICE_TOKEN", "")
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_JSON", false)

	vp.SetConfigName("vidproc_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/vidproc/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("VIDPROC")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The first hook that converts a value wins.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	if len(cfg.Ladder) == 0 {
		cfg.Ladder = DefaultLadder()
	}

	return &cfg, nil
}
