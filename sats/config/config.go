package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/sats-sampler/sats"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const dateLayout = "2006-01-02"

// Config stores all configuration of the sampler.
// The values are read by viper from a config file, environment variables or bound flags.
type Config struct {
	Data     DataConfig     `mapstructure:"data"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Sampling SamplingConfig `mapstructure:"sampling"`
	Log      LogConfig      `mapstructure:"log"`
}

// DataConfig describes where products are discovered.
type DataConfig struct {
	Dir         string `mapstructure:"dir"`
	MinDate     string `mapstructure:"minDate"`
	MaxDate     string `mapstructure:"maxDate"`
	BandCacheMB int    `mapstructure:"bandCacheMB"`
}

// CacheConfig stores the persistent mask cache settings.
type CacheConfig struct {
	DBPath       string `mapstructure:"dbPath"`
	Driver       string `mapstructure:"driver"`
	GenThreads   int    `mapstructure:"genThreads"`
	QueryThreads int    `mapstructure:"queryThreads"`
	Compress     bool   `mapstructure:"compress"`
}

// SamplingConfig stores mask generation and draw parameters.
type SamplingConfig struct {
	SampleDim       int      `mapstructure:"sampleDim"`
	MinOKPercentage float64  `mapstructure:"minOKPercentage"`
	CloudMax        int      `mapstructure:"cloudMax"`
	SnowMax         int      `mapstructure:"snowMax"`
	SceneClassMin   int      `mapstructure:"sceneClassMin"`
	SceneClassMax   int      `mapstructure:"sceneClassMax"`
	Flavors         []string `mapstructure:"flavors"`
	MaskFlavor      string   `mapstructure:"maskFlavor"`
	Normalize       bool     `mapstructure:"normalize"`
	Seed            uint64   `mapstructure:"seed"`
}

// LogConfig stores logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

var knownDrivers = map[string]bool{"sqlite": true, "libsql": true, "badger": true}

// SetDefaults registers a default for every known key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data.dir", ".")
	v.SetDefault("data.minDate", "")
	v.SetDefault("data.maxDate", "")
	v.SetDefault("data.bandCacheMB", internal.DefaultBandCacheMB)

	v.SetDefault("cache.dbPath", internal.DefaultCacheDBPath)
	v.SetDefault("cache.driver", internal.DefaultCacheDriver)
	v.SetDefault("cache.genThreads", internal.DefaultThreads)
	v.SetDefault("cache.queryThreads", internal.DefaultThreads)
	v.SetDefault("cache.compress", internal.DefaultCacheCompress)

	v.SetDefault("sampling.sampleDim", internal.DefaultSampleDim)
	v.SetDefault("sampling.minOKPercentage", internal.DefaultMinOKPercentage)
	v.SetDefault("sampling.cloudMax", internal.DefaultCloudMax)
	v.SetDefault("sampling.snowMax", internal.DefaultSnowMax)
	v.SetDefault("sampling.sceneClassMin", internal.DefaultSceneClassMin)
	v.SetDefault("sampling.sceneClassMax", internal.DefaultSceneClassMax)
	v.SetDefault("sampling.flavors", internal.DefaultFlavors)
	v.SetDefault("sampling.maskFlavor", internal.DefaultMaskFlavor)
	v.SetDefault("sampling.normalize", false)
	v.SetDefault("sampling.seed", 0)

	v.SetDefault("log.level", internal.DefaultLogLevel)
}

// LoadConfig reads configuration from file, environment variables and the optional flag set.
// A missing config file is not an error; defaults are used instead.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(internal.DefaultConfigPath)
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.SetConfigName(internal.DefaultConfigName)
		v.SetConfigType(internal.DefaultConfigType)
	}

	SetDefaults(v)

	v.SetEnvPrefix(internal.DefaultEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // cache.dbPath becomes SATS_CACHE_DBPATH
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the sampler cannot run with.
func (c *Config) Validate() error {
	s := c.Sampling
	switch {
	case s.SampleDim <= 0:
		return fmt.Errorf("sampling.sampleDim must be positive, got %d", s.SampleDim)
	case s.MinOKPercentage < 0 || s.MinOKPercentage > 1:
		return fmt.Errorf("sampling.minOKPercentage must be within [0,1], got %v", s.MinOKPercentage)
	case s.CloudMax < 0 || s.CloudMax > 100:
		return fmt.Errorf("sampling.cloudMax must be within [0,100], got %d", s.CloudMax)
	case s.SnowMax < 0 || s.SnowMax > 100:
		return fmt.Errorf("sampling.snowMax must be within [0,100], got %d", s.SnowMax)
	case s.SceneClassMin < 0 || s.SceneClassMax > 255 || s.SceneClassMin > s.SceneClassMax:
		return fmt.Errorf("invalid scene class range [%d,%d]", s.SceneClassMin, s.SceneClassMax)
	case len(s.Flavors) == 0:
		return fmt.Errorf("sampling.flavors cannot be empty")
	case s.MaskFlavor == "":
		return fmt.Errorf("sampling.maskFlavor cannot be empty")
	}

	if c.Cache.GenThreads <= 0 || c.Cache.QueryThreads <= 0 {
		return fmt.Errorf("cache thread counts must be positive (gen=%d, query=%d)", c.Cache.GenThreads, c.Cache.QueryThreads)
	}
	if !knownDrivers[c.Cache.Driver] {
		return fmt.Errorf("unknown cache driver %q", c.Cache.Driver)
	}

	if c.Data.BandCacheMB <= 0 {
		return fmt.Errorf("data.bandCacheMB must be positive, got %d", c.Data.BandCacheMB)
	}
	if _, _, err := c.Data.DateBounds(); err != nil {
		return err
	}
	return nil
}

// DateBounds parses the configured date range. Empty strings yield zero times (open bounds).
func (d DataConfig) DateBounds() (minDate, maxDate time.Time, err error) {
	if d.MinDate != "" {
		if minDate, err = time.Parse(dateLayout, d.MinDate); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid data.minDate %q: %w", d.MinDate, err)
		}
	}
	if d.MaxDate != "" {
		if maxDate, err = time.Parse(dateLayout, d.MaxDate); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid data.maxDate %q: %w", d.MaxDate, err)
		}
	}
	if !minDate.IsZero() && !maxDate.IsZero() && maxDate.Before(minDate) {
		return time.Time{}, time.Time{}, fmt.Errorf("data.maxDate %s is before data.minDate %s", d.MaxDate, d.MinDate)
	}
	return minDate, maxDate, nil
}

// PoolSize is the number of store connections the cache needs.
func (c CacheConfig) PoolSize() int {
	return max(c.GenThreads, c.QueryThreads)
}
