package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

var (
	dotenvOnce sync.Once
	dotenvPath string
	dotenvErr  error
)

// LoadDotEnv loads the first .env file found from the working directory up to
// the filesystem root. Variables already set win. Later calls are no-ops.
func LoadDotEnv() error {
	// Tests stay hermetic unless DFUFLASH_TEST_DOTENV=1.
	if underGoTest() && os.Getenv(EnvPrefix+"_TEST_DOTENV") != "1" {
		return nil
	}
	dotenvOnce.Do(func() {
		wd, err := os.Getwd()
		if err != nil {
			dotenvErr = err
			return
		}
		path, err := findDotEnv(wd)
		if err != nil {
			dotenvErr = err
			log.Debug().Err(err).Msg("dfu-flash: search .env failed")
			return
		}
		if path == "" {
			return
		}
		if err := godotenv.Load(path); err != nil {
			dotenvErr = err
			log.Warn().Err(err).Str("dotenv", path).Msg("dfu-flash: load .env failed")
			return
		}
		dotenvPath = path
		log.Debug().Str("dotenv", path).Msg("dfu-flash: loaded .env")
	})
	return dotenvErr
}

// DotEnvPath returns the loaded .env path, or "" when none was loaded.
func DotEnvPath() string {
	return dotenvPath
}

func underGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}

func findDotEnv(dir string) (string, error) {
	for {
		candidate := filepath.Join(dir, ".env")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}
