package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var validate = validator.New()

// Store is the configuration-store collaborator spec.md §6 describes:
// load() -> PortConfig×2 + globals, save(...), and a reconfigure(port)
// callback fired whenever the backing file changes on disk.
type Store struct {
	v *viper.Viper

	mu sync.Mutex

	onReconfigure func(port int, cfg Port)
}

// NewStore builds a Store reading from the given file path (any format
// viper supports by extension: yaml, toml, json). Defaults are seeded for
// the globals section only; the two ports must be defined in the file.
func NewStore(path string) *Store {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("globals.log_level", "info")
	v.SetDefault("globals.log_format", "text")
	v.SetDefault("globals.metrics_listen", ":9217")

	return &Store{v: v}
}

// Load reads the configuration file and validates every field, returning
// the complete Model. The session engine calls this once at startup.
func (s *Store) Load() (Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (Model, error) {
	if err := s.v.ReadInConfig(); err != nil {
		return Model{}, errors.Wrap(err, "read config file")
	}
	var m Model
	if err := s.v.Unmarshal(&m); err != nil {
		return Model{}, errors.Wrap(err, "unmarshal config")
	}
	if err := validateModel(m); err != nil {
		return Model{}, err
	}
	return m, nil
}

func validateModel(m Model) error {
	if len(m.Ports) != 2 {
		return errors.Errorf("config must define exactly 2 ports, got %d", len(m.Ports))
	}
	for i := range m.Ports {
		if err := validate.Struct(m.Ports[i]); err != nil {
			return errors.Wrapf(err, "port %d", i)
		}
		if err := m.Ports[i].Validate(); err != nil {
			return errors.Wrapf(err, "port %d", i)
		}
	}
	return nil
}

// Save persists a Model back to the backing file. The session engine
// never calls this itself (per spec.md §6, the session only reads
// configuration); it exists for an external configuration UI collaborator.
func (s *Store) Save(m Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.v.Set("globals", m.Globals)
	s.v.Set("ports", m.Ports)
	return errors.Wrap(s.v.WriteConfig(), "write config file")
}

// OnReconfigure registers the callback invoked with a port's freshly
// reloaded, validated configuration whenever the backing file changes.
// Only one callback is supported; a later call replaces an earlier one.
func (s *Store) OnReconfigure(fn func(port int, cfg Port)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReconfigure = fn
}

// Watch starts watching the backing file for changes, reloading and
// invoking the registered reconfigure callback for each port on every
// write. It returns immediately; the watch runs until the process exits
// (viper's fsnotify watcher has no explicit stop short of that).
func (s *Store) Watch() {
	s.v.OnConfigChange(func(_ fsnotify.Event) {
		s.mu.Lock()
		m, err := s.loadLocked()
		cb := s.onReconfigure
		s.mu.Unlock()
		if err != nil || cb == nil {
			return
		}
		for i := range m.Ports {
			cb(i, m.Ports[i])
		}
	})
	s.v.WatchConfig()
}
