package scenario

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/parvit/closecheck/capture"
	"github.com/parvit/closecheck/chains"
	. "github.com/parvit/closecheck/logger"
	"github.com/parvit/closecheck/shared"
)

const (
	// CLOSE_REGULAR name of the built-in scenario with a client initiated close
	CLOSE_REGULAR = "close-regular"
	// CLOSE_ERROR_403 name of the built-in scenario with a close initiated by the subject
	// after answering 403
	CLOSE_ERROR_403 = "close-error-403"
)

// CloseRegular returns the regular exchange forwarded to the server stand-in, closed by the
// client at teardown. Only one half-close needs to be observed.
func CloseRegular() Config {
	options := defaultAnalyzerOptions()
	options.NodeClose = false
	return Config{
		Name:              CLOSE_REGULAR,
		Description:       "regular connection closing",
		ProxyConfig:       DEFAULT_PROXY_FRAGMENT,
		Chains:            chains.Sequence(chains.Base()),
		ServerResponse:    chains.DefaultServerResponse(),
		ExpectedInitiator: capture.RoleClient,
		Analyzer:          options,
		ChainTimeout:      defaultChainTimeout(),
	}
}

// CloseError403 returns the exchange where the subject rejects the second request with a 403
// and closes the connection itself, both halves of every close must be observed
func CloseError403() Config {
	options := defaultAnalyzerOptions()
	options.NodeClose = true
	return Config{
		Name:              CLOSE_ERROR_403,
		Description:       "connection closing due to a 403 error generated by the subject",
		ProxyConfig:       DEFAULT_PROXY_FRAGMENT,
		Chains:            chains.Sequence(chains.Oversized(), chains.Forbidden()),
		ServerResponse:    chains.DefaultServerResponse(),
		ExpectedInitiator: capture.RoleProxy,
		Analyzer:          options,
		ChainTimeout:      defaultChainTimeout(),
	}
}

// Registry holds the known scenarios by case-insensitive name
type Registry struct {
	mtx       sync.Mutex
	scenarios map[string]Config
}

// NewRegistry returns a registry containing the built-in scenarios
func NewRegistry() *Registry {
	r := &Registry{scenarios: make(map[string]Config)}
	for _, config := range []Config{CloseRegular(), CloseError403()} {
		if err := r.Add(config); err != nil {
			Panic("Invalid built-in scenario %s: %v", config.Name, err)
		}
	}
	return r
}

// Add validates the scenario and registers it, replacing any scenario with the same name
func (r *Registry) Add(config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	key := strings.ToLower(config.Name)

	r.mtx.Lock()
	defer r.mtx.Unlock()
	if _, ok := r.scenarios[key]; ok {
		Info("Scenario %s redefined", config.Name)
	}
	r.scenarios[key] = config
	return nil
}

// Load adds all the scenarios defined in the yaml file, nothing is added if any of them is not valid
func (r *Registry) Load(path string) error {
	configs, err := LoadFile(path)
	if err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	for _, config := range configs {
		if err := r.Add(config); err != nil {
			return err
		}
	}
	Info("Loaded %d scenarios from %s", len(configs), path)
	return nil
}

// Lookup returns the scenario with the given name, or ErrScenarioNotFound
func (r *Registry) Lookup(name string) (Config, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	config, ok := r.scenarios[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", shared.ErrScenarioNotFound, name)
	}
	return config, nil
}

// Names returns the sorted names of the registered scenarios
func (r *Registry) Names() []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	names := make([]string, 0, len(r.scenarios))
	for _, config := range r.scenarios {
		names = append(names, config.Name)
	}
	sort.Strings(names)
	return names
}
