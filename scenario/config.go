package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parvit/closecheck/analyzer"
	"github.com/parvit/closecheck/capture"
	"github.com/parvit/closecheck/chains"
	"github.com/parvit/closecheck/shared"
)

const (
	// DEFAULT_PROXY_FRAGMENT configuration appended to the listen and server directives when
	// a scenario does not declare one
	DEFAULT_PROXY_FRAGMENT = "cache 0;\n"
)

// TeardownOrder selects the order of the first two teardown steps
type TeardownOrder int

const (
	// TeardownClientFirst closes the client connection and then stops the subject
	TeardownClientFirst TeardownOrder = iota
	// TeardownSubjectFirst stops the subject while the client connection is still open
	TeardownSubjectFirst
)

var teardownNames = []string{"client-first", "subject-first"}

func (o TeardownOrder) String() string {
	if int(o) < 0 || int(o) >= len(teardownNames) {
		return "unknown"
	}
	return teardownNames[o]
}

// ParseTeardownOrder returns the order with the given name, an empty name selects TeardownClientFirst
func ParseTeardownOrder(name string) (TeardownOrder, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if len(name) == 0 {
		return TeardownClientFirst, nil
	}
	for i, n := range teardownNames {
		if n == name {
			return TeardownOrder(i), nil
		}
	}
	return TeardownClientFirst, fmt.Errorf("%w: unknown teardown order %q", shared.ErrInvalidScenario, name)
}

// Config declares a scenario, variants of the close verification are expressed only through
// different values of this struct
type Config struct {
	// Name unique name of the scenario
	Name string
	// Description printable summary of the scenario
	Description string
	// ProxyConfig fragment of subject configuration appended to the listen and server directives
	ProxyConfig string
	// Chains exchanges executed on the client connection, in order
	Chains []chains.MessageChain
	// ServerResponse template answered by the server stand-in to every request
	ServerResponse []byte
	// ExpectedInitiator role expected to send the first FIN on the client-side connection,
	// RoleUnknown disables the check
	ExpectedInitiator capture.Role
	// Analyzer options of the close sequence analyzer
	Analyzer analyzer.Options
	// ChainTimeout wait for the response of every chain
	ChainTimeout time.Duration
	// Teardown order of the teardown steps
	Teardown TeardownOrder
}

// Validate checks that the scenario can be executed
func (c Config) Validate() error {
	if len(strings.TrimSpace(c.Name)) == 0 {
		return fmt.Errorf("%w: missing name", shared.ErrInvalidScenario)
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("%w: scenario %s declares no chains", shared.ErrInvalidScenario, c.Name)
	}
	for i, chain := range c.Chains {
		if chain.Index != i {
			return fmt.Errorf("%w: scenario %s chain %d has index %d", shared.ErrInvalidScenario, c.Name, i, chain.Index)
		}
		if _, err := chains.ParseRequest(chain.Request); err != nil {
			return fmt.Errorf("%w: scenario %s chain %d: %v", shared.ErrInvalidScenario, c.Name, i, err)
		}
	}
	if _, err := chains.ParseExpectation(c.ServerResponse); err != nil {
		return fmt.Errorf("%w: scenario %s server response: %v", shared.ErrInvalidScenario, c.Name, err)
	}
	switch c.ExpectedInitiator {
	case capture.RoleUnknown, capture.RoleClient, capture.RoleProxy:
	default:
		return fmt.Errorf("%w: scenario %s: the client-side connection cannot be closed by %s",
			shared.ErrInvalidScenario, c.Name, c.ExpectedInitiator)
	}
	return nil
}

// --- Definitions file --- //

// fileDefinition is the root of a scenarios yaml file
type fileDefinition struct {
	Scenarios []scenarioDefinition `yaml:"scenarios"`
}

// scenarioDefinition models a scenario as declared in a yaml file, unset values are taken
// from the global configuration
type scenarioDefinition struct {
	Name         string             `yaml:"name"`
	Description  string             `yaml:"description"`
	Proxy        *string            `yaml:"proxy"`
	NodeClose    *bool              `yaml:"nodeclose"`
	Timeout      int                `yaml:"timeout"`
	ChainTimeout int                `yaml:"chaintimeout"`
	Initiator    string             `yaml:"initiator"`
	Teardown     string             `yaml:"teardown"`
	Response     *messageDefinition `yaml:"response"`
	Chains       []chainDefinition  `yaml:"chains"`
}

// messageDefinition describes a request or a response template
type messageDefinition struct {
	Method  string   `yaml:"method"`
	URI     string   `yaml:"uri"`
	Status  int      `yaml:"status"`
	Headers []string `yaml:"headers"`
	Body    string   `yaml:"body"`
	// Repeat number of repetitions of the body, values lower than 2 leave it unchanged
	Repeat int `yaml:"repeat"`
	// Date adds the Date header to a response
	Date bool `yaml:"date"`
}

type chainDefinition struct {
	Request messageDefinition `yaml:"request"`
	// Response expected response, if missing the response of the server stand-in is expected
	Response    *messageDefinition `yaml:"response"`
	NoResponse  bool               `yaml:"noresponse"`
	ExpectClose bool               `yaml:"expectclose"`
}

func (m messageDefinition) body() string {
	if m.Repeat > 1 {
		return strings.Repeat(m.Body, m.Repeat)
	}
	return m.Body
}

func (m messageDefinition) request() []byte {
	method := m.Method
	if len(method) == 0 {
		method = http.MethodGet
	}
	uri := m.URI
	if len(uri) == 0 {
		uri = "/"
	}
	return chains.BuildRequest(strings.ToUpper(method), uri, m.Headers, m.body())
}

func (m messageDefinition) response() []byte {
	status := m.Status
	if status == 0 {
		status = http.StatusOK
	}
	date := ""
	if m.Date {
		date = chains.DateString(time.Now())
	}
	return chains.BuildResponse(status, m.Headers, m.body(), date)
}

// toConfig converts the definition, using the global configuration for the missing values
func (d scenarioDefinition) toConfig() (Config, error) {
	config := Config{
		Name:           strings.TrimSpace(d.Name),
		Description:    d.Description,
		ProxyConfig:    DEFAULT_PROXY_FRAGMENT,
		ServerResponse: chains.DefaultServerResponse(),
		Analyzer:       defaultAnalyzerOptions(),
		ChainTimeout:   defaultChainTimeout(),
	}
	if d.Proxy != nil {
		config.ProxyConfig = *d.Proxy
	}
	if d.NodeClose != nil {
		config.Analyzer.NodeClose = *d.NodeClose
	}
	if d.Timeout > 0 {
		config.Analyzer.Timeout = time.Duration(d.Timeout) * time.Second
	}
	if d.ChainTimeout > 0 {
		config.ChainTimeout = time.Duration(d.ChainTimeout) * time.Millisecond
	}
	if d.Response != nil {
		config.ServerResponse = d.Response.response()
	}

	if len(d.Initiator) > 0 {
		config.ExpectedInitiator = capture.ParseRole(d.Initiator)
		if config.ExpectedInitiator == capture.RoleUnknown {
			return Config{}, fmt.Errorf("%w: scenario %s: unknown initiator %q", shared.ErrInvalidScenario, config.Name, d.Initiator)
		}
	}

	order, err := ParseTeardownOrder(d.Teardown)
	if err != nil {
		return Config{}, err
	}
	config.Teardown = order

	list := make([]chains.MessageChain, 0, len(d.Chains))
	for i, def := range d.Chains {
		var chain chains.MessageChain
		switch {
		case def.NoResponse:
			chain = chains.MessageChain{Request: def.Request.request(), Expected: chains.NoResponse()}
		case def.Response != nil:
			chain, err = chains.NewChain(def.Request.request(), def.Response.response())
		default:
			chain, err = chains.NewChain(def.Request.request(), config.ServerResponse)
		}
		if err != nil {
			return Config{}, fmt.Errorf("%w: scenario %s chain %d: %v", shared.ErrInvalidScenario, config.Name, i, err)
		}
		chain.ExpectClose = def.ExpectClose
		list = append(list, chain)
	}
	config.Chains = chains.Sequence(list...)

	return config, config.Validate()
}

// Decode reads the scenario definitions from the yaml document, unknown keys are rejected
func Decode(r io.Reader) ([]Config, error) {
	var def fileDefinition
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&def); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", shared.ErrInvalidScenario, err)
	}

	configs := make([]Config, 0, len(def.Scenarios))
	for _, d := range def.Scenarios {
		config, err := d.toConfig()
		if err != nil {
			return nil, err
		}
		configs = append(configs, config)
	}
	return configs, nil
}

// LoadFile reads the scenario definitions of the yaml file at _path_
func LoadFile(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(bytes.NewReader(data))
}

func defaultAnalyzerOptions() analyzer.Options {
	options := analyzer.DefaultOptions()
	options.NodeClose = shared.CloseCheckConfig.NodeClose
	if timeout := shared.CloseCheckConfig.SnifferTimeoutDuration(); timeout > 0 {
		options.Timeout = timeout
	}
	return options
}

func defaultChainTimeout() time.Duration {
	if timeout := shared.CloseCheckConfig.ChainTimeoutDuration(); timeout > 0 {
		return timeout
	}
	return chains.DEFAULT_CHAIN_TIMEOUT
}
