// stemapi/config/config.go
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string `mapstructure:"PORT"`
	BaseURL        string `mapstructure:"BASE"`
	OutputDir      string `mapstructure:"OUTPUT_DIR"`
	MaxInputSize   int64  `mapstructure:"MAX_INPUT_SIZE"`
	MaxConcurrency int    `mapstructure:"MAX_CONCURRENCY"`

	AnalysisWindow time.Duration `mapstructure:"ANALYSIS_WINDOW"`
	ResultLifetime time.Duration `mapstructure:"RESULT_LIFETIME"`

	SeparateCmd     string        `mapstructure:"SEPARATE_CMD"`
	SeparateChunks  int           `mapstructure:"SEPARATE_CHUNKS"`
	SeparateTimeout time.Duration `mapstructure:"SEPARATE_TIMEOUT"`

	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`

	AuthEnable bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey    string `mapstructure:"AUTH_KEY"`

	PublishEnable bool   `mapstructure:"PUBLISH_ENABLE"`
	S3Endpoint    string `mapstructure:"S3_ENDPOINT"`
	S3Bucket      string `mapstructure:"S3_BUCKET"`
	S3AccessKey   string `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey   string `mapstructure:"S3_SECRET_KEY"`
	S3UseSSL      bool   `mapstructure:"S3_USE_SSL"`
	S3Prefix      string `mapstructure:"S3_PREFIX"`

	// Set at runtime once the input staging directory is created.
	TempDir string
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// We only care about converting strings to time.Duration.
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
		// We only care about converting strings to int64s for byte sizes.
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

	// Set default values as strings, the hooks will handle them.
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("OUTPUT_DIR", "processed_tracks")
	vp.SetDefault("MAX_INPUT_SIZE", "200MB")
	vp.SetDefault("MAX_CONCURRENCY", 1)
	vp.SetDefault("ANALYSIS_WINDOW", "60s")
	vp.SetDefault("RESULT_LIFETIME", "1h")
	vp.SetDefault("SEPARATE_CMD", "demucs-run -n htdemucs ${INPUT_MEDIA} -o ${OUTPUT_DIR}")
	vp.SetDefault("SEPARATE_CHUNKS", 20)
	vp.SetDefault("SEPARATE_TIMEOUT", "20m")
	vp.SetDefault("THROTTLE_CPU", 50.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "500MB")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")
	vp.SetDefault("PUBLISH_ENABLE", false)
	vp.SetDefault("S3_ENDPOINT", "")
	vp.SetDefault("S3_BUCKET", "")
	vp.SetDefault("S3_ACCESS_KEY", "")
	vp.SetDefault("S3_SECRET_KEY", "")
	vp.SetDefault("S3_USE_SSL", true)
	vp.SetDefault("S3_PREFIX", "stems")

	// Load from config file
	vp.SetConfigName("stemapi_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/stemapi/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Load from environment variables
	vp.SetEnvPrefix("STEMAPI")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// Unmarshal the config, providing our custom composed hooks.
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
