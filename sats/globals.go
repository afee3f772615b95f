package internal

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// DefaultAppName is used for config directories and env prefixes
	DefaultAppName       = "sats"
	DefaultEnvPrefix     = strings.ToUpper(DefaultAppName)
	DefaultConfigPath    = filepath.Join(getHomeDir(), ".config", DefaultAppName)
	DefaultCacheDBPath   = filepath.Join(DefaultConfigPath, "cache.db")
	DefaultConfigName    = "config"
	DefaultConfigType    = "yaml"
	DefaultCacheDriver   = "sqlite"
	DefaultCacheCompress = true
	DefaultThreads       = runtime.NumCPU()
	DefaultBandCacheMB   = 1024

	// Default sampling settings
	DefaultSampleDim       = 256
	DefaultMinOKPercentage = 0.99
	DefaultCloudMax        = 50
	DefaultSnowMax         = 50
	DefaultSceneClassMin   = 4
	DefaultSceneClassMax   = 6
	DefaultFlavors         = []string{"HIRES", "LOWRES"}
	DefaultMaskFlavor      = "MSK"
	DefaultLogLevel        = "info"
)

func getHomeDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		cwd, cwdErr := os.Getwd()
		if cwdErr != nil {
			log.Printf("Unable to get home or working directory, using /tmp: %v", err)
			return "/tmp"
		}
		log.Printf("Unable to get home directory, using current working directory: %v", err)
		return cwd
	}
	return homeDir
}

// GetLogger returns a timestamped zerolog logger writing to stderr.
func GetLogger(level string) zerolog.Logger {
	return NewLogger(os.Stderr, level)
}

// NewLogger returns a timestamped zerolog logger writing to w.
// Unknown levels fall back to info.
func NewLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
