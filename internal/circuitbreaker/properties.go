// v3
// internal/circuitbreaker/properties.go
package circuitbreaker

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the breaker tunables.
type Config struct {
	MaxFailures      int           // consecutive failures before opening
	ResetTimeout     time.Duration // how long to stay open before probing
	SuccessesToClose int           // HalfOpen successes required to close
	Logger           *slog.Logger  // optional
}

// DefaultConfig returns the tunables used when nothing is configured.
func DefaultConfig() Config {
	return Config{MaxFailures: 5, ResetTimeout: 30 * time.Second, SuccessesToClose: 1}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxFailures < 1 {
		c.MaxFailures = def.MaxFailures
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	if c.SuccessesToClose < 1 {
		c.SuccessesToClose = def.SuccessesToClose
	}
	return c
}

// LoadConfigFromProperties reads circuit.* keys from a key=value properties
// file. A missing file yields the defaults.
func LoadConfigFromProperties(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("cannot open properties %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		val := strings.TrimSpace(kv[1])
		switch key {
		case "circuit.maxfailures":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return Config{}, fmt.Errorf("circuit.maxfailures must be >= 1, got %q", val)
			}
			cfg.MaxFailures = n
		case "circuit.resetseconds":
			secs, err := strconv.ParseFloat(val, 64)
			if err != nil || secs <= 0 {
				return Config{}, fmt.Errorf("circuit.resetseconds must be > 0, got %q", val)
			}
			cfg.ResetTimeout = time.Duration(secs * float64(time.Second))
		case "circuit.successestoclose":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return Config{}, fmt.Errorf("circuit.successestoclose must be >= 1, got %q", val)
			}
			cfg.SuccessesToClose = n
		}
	}
	if err := scanner.Err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
