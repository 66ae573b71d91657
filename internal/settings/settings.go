// v0
// internal/settings/settings.go
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrInvalidValue is returned when an update cannot be cast to the type of
// the setting's default.
var ErrInvalidValue = errors.New("invalid setting value")

// Setting keys.
const (
	ElectricityPrice       = "ELECTRICITY_PRICE"
	OilPrice               = "OIL_PRICE"
	InjectVolumeLiters     = "INJECT_VOLUME_LTERS"
	BaselineInjectInterval = "BASELINE_INJECT_INTERVAL"
	AIInjectVolume         = "AI_INJECT_VOLUME"
	TensionThreshold       = "TENSION_THRESHOLD"
	BaselinePowerFactor    = "BASELINE_POWER_FACTOR"
	SevereDeviationPct     = "SEVERE_DEVIATION_PCT"
	CooldownSteps          = "COOLDOWN_STEPS"
)

// Defaults returns a fresh copy of the factory settings. The type of each
// default fixes the type every later update is cast to.
func Defaults() map[string]any {
	return map[string]any{
		ElectricityPrice:       0.5,
		OilPrice:               20.0,
		InjectVolumeLiters:     0.02,
		BaselineInjectInterval: 3600.0,
		AIInjectVolume:         0.002,
		TensionThreshold:       10.0,
		BaselinePowerFactor:    1.15,
		SevereDeviationPct:     20.0,
		CooldownSteps:          5,
	}
}

// Values is a typed snapshot of the settings.
type Values struct {
	ElectricityPrice       float64
	OilPrice               float64
	InjectVolumeLiters     float64
	BaselineInjectInterval float64
	AIInjectVolume         float64
	TensionThreshold       float64
	BaselinePowerFactor    float64
	SevereDeviationPct     float64
	CooldownSteps          int
}

// Store keeps runtime settings and persists them as YAML on change.
type Store struct {
	path string
	log  *slog.Logger

	mu     sync.RWMutex
	values map[string]any
}

// Load reads path over the defaults. A missing file is not an error; values
// that fail to cast are logged and left at their defaults.
func Load(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Store{
		path:   path,
		log:    logger.With(slog.String("component", "settings")),
		values: Defaults(),
	}
	if strings.TrimSpace(path) == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}
	var stored map[string]any
	if err := yaml.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	for k, v := range stored {
		def, ok := s.values[k]
		if !ok {
			continue
		}
		cast, err := castLike(def, v)
		if err != nil {
			s.log.Warn("settings_value_ignored", slog.String("key", k), slog.Any("err", err))
			continue
		}
		s.values[k] = cast
	}
	s.log.Info("settings_loaded", slog.String("path", path), slog.Int("keys", len(stored)))
	return s, nil
}

// All returns a copy of every setting.
func (s *Store) All() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Values returns a typed snapshot.
func (s *Store) Values() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Values{
		ElectricityPrice:       s.values[ElectricityPrice].(float64),
		OilPrice:               s.values[OilPrice].(float64),
		InjectVolumeLiters:     s.values[InjectVolumeLiters].(float64),
		BaselineInjectInterval: s.values[BaselineInjectInterval].(float64),
		AIInjectVolume:         s.values[AIInjectVolume].(float64),
		TensionThreshold:       s.values[TensionThreshold].(float64),
		BaselinePowerFactor:    s.values[BaselinePowerFactor].(float64),
		SevereDeviationPct:     s.values[SevereDeviationPct].(float64),
		CooldownSteps:          s.values[CooldownSteps].(int),
	}
}

// Update casts each known key to its default's type and persists the
// result. Unknown keys are skipped and returned. Either every known key is
// applied or none is.
func (s *Store) Update(changes map[string]any) (ignored []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]any, len(s.values))
	for k, v := range s.values {
		next[k] = v
	}
	for k, v := range changes {
		def, ok := next[k]
		if !ok {
			ignored = append(ignored, k)
			continue
		}
		cast, err := castLike(def, v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		next[k] = cast
	}
	sort.Strings(ignored)
	if err := s.persist(next); err != nil {
		return nil, err
	}
	s.values = next
	s.log.Info("settings_updated", slog.Int("changed", len(changes)-len(ignored)))
	return ignored, nil
}

func (s *Store) persist(values map[string]any) error {
	if strings.TrimSpace(s.path) == "" {
		return nil
	}
	data, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

// castLike converts v to the type of def. Every setting is a price,
// volume, interval, ratio or count, so negative and non-finite values are
// rejected.
func castLike(def, v any) (any, error) {
	switch def.(type) {
	case float64:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			return nil, fmt.Errorf("%w: %v is not a finite value >= 0", ErrInvalidValue, f)
		}
		return f, nil
	case int:
		n, err := toInt(v)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: %d is negative", ErrInvalidValue, n)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("%w: unsupported default type %T", ErrInvalidValue, def)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidValue, n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrInvalidValue, v)
	}
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(math.Trunc(n)), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return int(i), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidValue, n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrInvalidValue, v)
	}
}
