package anchor

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// KindMulti is the recorder kind built into every Registry.
const KindMulti = "multi"

// RecorderConfig describes one recorder in the configuration tree. Fields not
// used by a given kind are ignored by its factory.
type RecorderConfig struct {
	Kind      string           `mapstructure:"kind"`
	Enabled   *bool            `mapstructure:"enabled"`
	URL       string           `mapstructure:"url"`
	Provider  string           `mapstructure:"provider"`
	PartyID   string           `mapstructure:"party_id"`
	Timeout   time.Duration    `mapstructure:"timeout"`
	Nonce     *bool            `mapstructure:"nonce"`
	Policy    string           `mapstructure:"policy"`
	Mode      string           `mapstructure:"mode"`
	Recorders []RecorderConfig `mapstructure:"recorders"`
}

// IsEnabled reports whether the entry is enabled. Entries are enabled unless
// they set enabled: false.
func (c RecorderConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Factory builds a Recorder from its configuration entry. A nil Recorder with
// a nil error means the entry does not apply and is skipped.
type Factory func(r *Registry, cfg RecorderConfig, path string) (Recorder, error)

// Registry maps recorder kinds to factories. The host application registers
// the backends it supports; the registry itself only knows KindMulti.
type Registry struct {
	factories      map[string]Factory
	defaultPartyID string
	logger         *zap.Logger
}

// NewRegistry creates a Registry with KindMulti registered.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		factories: make(map[string]Factory),
		logger:    logger,
	}
	r.Register(KindMulti, multiFactory)
	return r
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.factories[kind] = f
}

// SetDefaultPartyID sets the party ID handed to entries that do not name one.
func (r *Registry) SetDefaultPartyID(partyID string) {
	r.defaultPartyID = partyID
}

// DefaultPartyID returns the party ID configured with SetDefaultPartyID.
func (r *Registry) DefaultPartyID() string { return r.defaultPartyID }

// Logger returns the logger factories should hand to the recorders they build.
func (r *Registry) Logger() *zap.Logger { return r.logger }

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Build resolves cfg into a Recorder. path names the entry in error messages.
// It returns (nil, nil) for disabled entries. Failures are *ConfigError.
func (r *Registry) Build(cfg RecorderConfig, path string) (Recorder, error) {
	if !cfg.IsEnabled() {
		r.logger.Info("recorder disabled", zap.String("path", path), zap.String("kind", cfg.Kind))
		return nil, nil
	}
	if cfg.Kind == "" {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("missing kind")}
	}
	f, ok := r.factories[cfg.Kind]
	if !ok {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("unknown kind %q (known: %v)", cfg.Kind, r.Kinds())}
	}

	rec, err := f(r, cfg, path)
	if err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &ConfigError{Path: path, Err: err}
	}
	if rec != nil {
		r.logger.Debug("recorder built", zap.String("path", path), zap.String("kind", cfg.Kind))
	}
	return rec, nil
}

// BuildAll resolves every entry of cfgs, dropping the ones that do not apply.
// The returned slice keeps configuration order.
func (r *Registry) BuildAll(cfgs []RecorderConfig, path string) ([]Recorder, error) {
	var recs []Recorder
	for i, c := range cfgs {
		rec, err := r.Build(c, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		if rec != nil {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func multiFactory(r *Registry, cfg RecorderConfig, path string) (Recorder, error) {
	mode, err := ParseFanOut(cfg.Mode)
	if err != nil {
		return nil, err
	}
	children, err := r.BuildAll(cfg.Recorders, path+".recorders")
	if err != nil {
		return nil, err
	}
	return NewMultiRecorder(children, mode, r.logger.With(zap.String("recorder", path))), nil
}
