package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/goccy/go-json"

	"posttrade/internal/model"
	"posttrade/internal/timeutil"
)

// Error definitions for preset storage
var (
	ErrPresetNotFound    = errors.New("preset not found")
	ErrInvalidPresetName = errors.New("invalid preset name")
)

const presetExt = ".json"

// Preset is a saved set of report options.
type Preset struct {
	From          string   `json:"from"`
	To            string   `json:"to"`
	N             int      `json:"n"`
	Mode          Mode     `json:"mode"`
	IncludeTop    bool     `json:"include_top"`
	IncludeBottom bool     `json:"include_bottom"`
	Metrics       []string `json:"metrics"`
	Fields        []string `json:"fields"`
}

// NewPreset captures opts as a preset.
func NewPreset(opts Options) Preset {
	p := Preset{
		N:             opts.N,
		Mode:          opts.Mode,
		IncludeTop:    opts.Top,
		IncludeBottom: opts.Bottom,
		Metrics:       opts.Metrics,
		Fields:        opts.Fields,
	}
	if !opts.From.IsZero() {
		p.From = opts.From.String()
	}
	if !opts.To.IsZero() {
		p.To = opts.To.String()
	}
	return p
}

// Options converts the preset back into report options. Empty dates stay open.
func (p Preset) Options() (Options, error) {
	opts := Options{
		N:       p.N,
		Mode:    p.Mode,
		Top:     p.IncludeTop,
		Bottom:  p.IncludeBottom,
		Metrics: p.Metrics,
		Fields:  p.Fields,
	}
	var err error
	if opts.From, err = parseOptionalDay(p.From); err != nil {
		return Options{}, err
	}
	if opts.To, err = parseOptionalDay(p.To); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func parseOptionalDay(s string) (model.TradeDay, error) {
	if strings.TrimSpace(s) == "" {
		return model.TradeDay{}, nil
	}
	return timeutil.ParseISODate(s)
}

// SanitizePresetName reduces name to letters, digits, '-', '_' and spaces,
// trims it and replaces spaces with underscores.
func SanitizePresetName(name string) (string, error) {
	safe := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == ' ' {
			return r
		}
		return -1
	}, name)
	safe = strings.ReplaceAll(strings.TrimSpace(safe), " ", "_")
	if safe == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPresetName, name)
	}
	return safe, nil
}

// PresetStore keeps presets as JSON files in one directory.
type PresetStore struct {
	dir string
}

// NewPresetStore creates a store rooted at dir. The directory is created on first save.
func NewPresetStore(dir string) *PresetStore {
	return &PresetStore{dir: dir}
}

// Save writes p under the sanitized name and returns the file path.
func (s *PresetStore) Save(name string, p Preset) (string, error) {
	safe, err := SanitizePresetName(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create preset directory: %w", err)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal preset: %w", err)
	}

	path := filepath.Join(s.dir, safe+presetExt)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write preset file: %w", err)
	}
	return path, nil
}

// Load reads the preset saved under name.
func (s *PresetStore) Load(name string) (Preset, error) {
	safe, err := SanitizePresetName(name)
	if err != nil {
		return Preset{}, err
	}

	data, err := os.ReadFile(filepath.Join(s.dir, safe+presetExt))
	if err != nil {
		if os.IsNotExist(err) {
			return Preset{}, fmt.Errorf("%w: %s", ErrPresetNotFound, safe)
		}
		return Preset{}, fmt.Errorf("failed to read preset file: %w", err)
	}

	var p Preset
	if err := json.Unmarshal(data, &p); err != nil {
		return Preset{}, fmt.Errorf("failed to parse preset %s: %w", safe, err)
	}
	return p, nil
}

// List returns the names of all saved presets in ascending order.
func (s *PresetStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list presets: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != presetExt {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), presetExt))
	}
	sort.Strings(names)
	return names, nil
}
