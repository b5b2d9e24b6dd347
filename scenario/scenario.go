/*
Package scenario implements the orchestration of a close verification.

A Scenario owns the lifecycle of one execution: it starts the server stand-in, the
subject-under-test and the analyzer, drives the chains over a single client connection,
tears everything down in the configured order and only then reads the verdict of the
analyzer. The execution is an explicit state machine:

	INIT -> SNIFF_STARTED -> CHAINS_RUNNING -> TEARDOWN -> SNIFF_STOPPED -> VERIFIED

with FAILED reachable from any non terminal state. Teardown runs even when the execution
fails, so the resources of the scenario are always released.
*/
package scenario

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/gopacket/layers"

	"github.com/parvit/closecheck/analyzer"
	"github.com/parvit/closecheck/api"
	"github.com/parvit/closecheck/backend"
	"github.com/parvit/closecheck/capture"
	"github.com/parvit/closecheck/chains"
	. "github.com/parvit/closecheck/logger"
	"github.com/parvit/closecheck/shared"
	"github.com/parvit/closecheck/subject"
)

const (
	// CLIENT_DIAL_TIMEOUT wait for the client connection to the subject
	CLIENT_DIAL_TIMEOUT = 2 * time.Second
)

// SourceFactory returns the capture source observing the path, dumper is nil when the
// captured packets are not saved
type SourceFactory func(path capture.Path, dumper *capture.Dumper) (capture.Source, error)

// LiveSourceFactory returns the factory of live sources capturing on interface _iface_
func LiveSourceFactory(iface string) SourceFactory {
	return func(path capture.Path, dumper *capture.Dumper) (capture.Source, error) {
		source, err := capture.NewLiveSource(iface, path, dumper)
		if err != nil {
			return nil, err
		}
		return source, nil
	}
}

// Environment describes the collaborators shared by the executions
type Environment struct {
	// Subject proxy under test, started with the scenario configuration if not running
	Subject subject.Subject
	// ProxyAddress ip:port on which the subject accepts the client connection
	ProxyAddress string
	// BackendAddress ip:port on which the server stand-in listens, port 0 selects a free port
	BackendAddress string
	// NewSource factory of the capture source of every execution
	NewSource SourceFactory
	// DumpDir directory where the packets of failed executions are saved, empty disables the dump
	DumpDir string
	// Dial opens the client connection, net.DialTimeout if nil
	Dial func(network, address string, timeout time.Duration) (net.Conn, error)
}

// Scenario executes a scenario configuration in an environment, concurrent executions of the
// same scenario are rejected
type Scenario struct {
	config Config
	env    Environment

	running sync.Mutex

	mtx   sync.Mutex
	state State
}

// New returns the scenario, it panics if the environment lacks the subject or the capture source
func New(config Config, env Environment) *Scenario {
	if env.Subject == nil || env.NewSource == nil {
		panic(shared.ErrConfigurationValidationFailed)
	}
	shared.AssertParamHostPort("proxy address", env.ProxyAddress)
	if len(env.BackendAddress) == 0 {
		env.BackendAddress = "127.0.0.1:0"
	}
	host, port, err := net.SplitHostPort(env.BackendAddress)
	if err != nil {
		panic(shared.ErrConfigurationValidationFailed)
	}
	portValue, err := strconv.Atoi(port)
	if err != nil {
		portValue = -1
	}
	shared.AssertParamIP("backend address", host)
	shared.AssertParamNumeric("backend port", portValue, 0, 65535)
	if env.Dial == nil {
		env.Dial = net.DialTimeout
	}
	return &Scenario{config: config, env: env}
}

// Config returns the configuration of the scenario
func (s *Scenario) Config() Config {
	return s.config
}

// State returns the current state of the execution
func (s *Scenario) State() State {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.state
}

// transition moves the execution to the state _to_, invalid transitions are refused
func (s *Scenario) transition(to State) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !canTransition(s.state, to) {
		Error("Scenario %s: invalid transition %s -> %s", s.config.Name, s.state, to)
		return false
	}
	Info("Scenario %s: %s -> %s", s.config.Name, s.state, to)
	s.state = to
	api.Statistics.SetState(api.INFO_STATE, to.String(), s.config.Name)
	return true
}

func (s *Scenario) reset() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.state = StateInit
	api.Statistics.SetState(api.INFO_STATE, StateInit.String(), s.config.Name)
}

// execution holds the resources of a single run
type execution struct {
	backend  *backend.Backend
	started  bool
	analyzer *analyzer.Analyzer
	dumper   *capture.Dumper
	driver   *chains.Driver
}

// Run executes the scenario and returns its verdict, which is also published to the api.
// The context bounds the chains, teardown always runs to completion.
func (s *Scenario) Run(ctx context.Context) Verdict {
	verdict := Verdict{
		Scenario: s.config.Name,
		Started:  time.Now(),
	}
	if !s.running.TryLock() {
		verdict.State = s.State()
		verdict.Err = shared.ErrScenarioRunning
		verdict.Completed = time.Now()
		return verdict
	}
	defer s.running.Unlock()

	if err := s.config.Validate(); err != nil {
		verdict.State = StateFailed
		verdict.Err = err
		verdict.Completed = time.Now()
		return verdict
	}

	s.reset()
	api.Statistics.TrackScenario(s.config.Name)
	Info("=== Scenario %s ===", s.config.Name)

	exec := &execution{}
	verdict = s.execute(ctx, exec, verdict)
	verdict.Completed = time.Now()

	s.saveDump(exec, &verdict)
	if !verdict.Passed {
		Error("Scenario %s FAILED: %s", s.config.Name, verdict.Reason())
		for _, r := range verdict.Mismatched() {
			Info("%s", r.Dump())
			Debug("%s", spew.Sdump(r.Segments))
		}
	} else {
		Info("Scenario %s PASSED", s.config.Name)
	}

	api.Statistics.SetCounter(float64(verdict.SegmentCount), api.SEGMENTS_CAPTURED, s.config.Name)
	api.PublishVerdict(verdict.Report())
	return verdict
}

func (s *Scenario) execute(ctx context.Context, exec *execution, verdict Verdict) Verdict {
	// INIT -> SNIFF_STARTED
	if err := s.setup(exec); err != nil {
		s.teardown(exec)
		s.stopAnalyzer(exec, &verdict)
		return s.fail(verdict, err)
	}
	s.transition(StateSniffStarted)

	// SNIFF_STARTED -> CHAINS_RUNNING
	s.transition(StateChainsRunning)
	fatal := s.runChains(ctx, exec, &verdict)

	// CHAINS_RUNNING -> TEARDOWN
	s.transition(StateTeardown)
	s.teardown(exec)

	// TEARDOWN -> SNIFF_STOPPED
	s.stopAnalyzer(exec, &verdict)
	s.transition(StateSniffStopped)
	if fatal != nil {
		return s.fail(verdict, fatal)
	}

	// SNIFF_STOPPED -> VERIFIED
	s.evaluate(&verdict)
	s.transition(StateVerified)
	verdict.State = StateVerified
	return verdict
}

func (s *Scenario) fail(verdict Verdict, err error) Verdict {
	s.transition(StateFailed)
	verdict.State = StateFailed
	verdict.Passed = false
	verdict.Err = err
	return verdict
}

// setup starts the server stand-in, the subject and the analyzer, in this order
func (s *Scenario) setup(exec *execution) error {
	exec.backend = backend.New(backend.BackendConfig{
		ListenAddress: s.env.BackendAddress,
		Response:      s.config.ServerResponse,
	})
	if err := exec.backend.Start(); err != nil {
		return fmt.Errorf("%w: server stand-in: %v", shared.ErrSubjectStartFailure, err)
	}
	exec.started = true
	backendAddress := exec.backend.Addr().String()

	if s.env.Subject.Running() {
		Info("Subject already running, configuration not applied")
	} else {
		configText := subject.ConfigText(s.env.ProxyAddress, backendAddress, s.config.ProxyConfig)
		if err := s.env.Subject.Start(configText); err != nil {
			if errors.Is(err, shared.ErrSubjectStartFailure) {
				return err
			}
			return fmt.Errorf("%w: %v", shared.ErrSubjectStartFailure, err)
		}
	}

	path, err := capture.NewPath(s.env.ProxyAddress, backendAddress)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrConfigurationValidationFailed, err)
	}

	if len(s.env.DumpDir) > 0 {
		dumpPath := filepath.Join(s.env.DumpDir, s.config.Name+".pcap")
		dumper, err := capture.NewDumper(dumpPath, layers.LinkTypeEthernet)
		if err != nil {
			Warning("Capture dump disabled, could not create %s: %v", dumpPath, err)
		} else {
			exec.dumper = dumper
		}
	}

	source, err := s.env.NewSource(path, exec.dumper)
	if err != nil {
		return fmt.Errorf("capture source: %w", err)
	}
	exec.analyzer = analyzer.New(source, s.config.Analyzer)
	if err := exec.analyzer.Start(); err != nil {
		exec.analyzer = nil
		return fmt.Errorf("capture source: %w", err)
	}
	return nil
}

// runChains dials the client connection and drives the chains, returns the fatal error
// which prevented the chains from completing
func (s *Scenario) runChains(ctx context.Context, exec *execution, verdict *Verdict) error {
	conn, err := s.env.Dial("tcp", s.env.ProxyAddress, CLIENT_DIAL_TIMEOUT)
	if err != nil {
		Error("Could not connect to subject at %s: %v", s.env.ProxyAddress, err)
		verdict.Chains = make([]chains.ChainResult, 0, len(s.config.Chains))
		for i := range s.config.Chains {
			verdict.Chains = append(verdict.Chains, chains.ChainResult{
				Index:   i,
				Outcome: chains.OutcomeUnavailable,
				Reason:  err.Error(),
			})
		}
		return fmt.Errorf("%w: %v", shared.ErrConnectionUnavailable, err)
	}

	exec.driver = chains.NewDriver(conn, s.config.ChainTimeout)
	verdict.Chains = exec.driver.Run(ctx, s.config.Chains)
	return exec.driver.Err()
}

// teardown releases the resources of the execution: the client connection and the subject,
// in the configured order, then the connections of the server stand-in
func (s *Scenario) teardown(exec *execution) {
	closeClient := func() {
		if exec.driver == nil {
			return
		}
		Debug("Teardown: closing client connection")
		OnError(exec.driver.Close(), "closing client connection")
	}
	stopSubject := func() {
		if !s.env.Subject.Running() {
			return
		}
		Debug("Teardown: stopping subject")
		if err := s.env.Subject.Stop(); err != nil {
			Warning("Teardown: subject stop: %v", err)
		}
	}

	if s.config.Teardown == TeardownSubjectFirst {
		stopSubject()
		closeClient()
	} else {
		closeClient()
		stopSubject()
	}

	if exec.started {
		Debug("Teardown: closing server stand-in connections")
		exec.backend.CloseAll()
		OnError(exec.backend.Stop(), "stopping server stand-in")
	}
}

// stopAnalyzer stops the observation, a timeout is logged and the teardown goes on
func (s *Scenario) stopAnalyzer(exec *execution, verdict *Verdict) {
	if exec.analyzer == nil {
		if exec.dumper != nil {
			OnError(exec.dumper.Close(), "closing capture dump")
		}
		return
	}
	if err := exec.analyzer.Stop(); err != nil {
		Warning("Teardown: analyzer stop: %v", err)
	}
	if exec.dumper != nil {
		OnError(exec.dumper.Close(), "closing capture dump")
	}

	verdict.Records = exec.analyzer.Records()
	verdict.SegmentCount = exec.analyzer.SegmentCount()
	verdict.CloseVerdict = exec.analyzer.CheckResults()
}

// evaluate builds the final result from the chain results and the close verdict, a chain
// failure takes precedence over the close sequence in the reported reason
func (s *Scenario) evaluate(verdict *Verdict) {
	if res, failed := chains.FirstFailure(verdict.Chains); failed {
		verdict.Err = res.Err()
		return
	}
	if !verdict.CloseVerdict {
		mismatched := verdict.Mismatched()
		if len(mismatched) > 0 {
			verdict.Err = fmt.Errorf("%w: connection %s: %s", shared.ErrCloseSequenceMismatch,
				mismatched[0].ConnectionID, mismatched[0].Reason)
		} else {
			verdict.Err = shared.ErrCloseSequenceMismatch
		}
		return
	}
	if err := s.checkInitiator(verdict.Records); err != nil {
		verdict.Err = err
		return
	}
	verdict.Passed = true
}

// checkInitiator verifies which endpoint started the close of the client-side connection
func (s *Scenario) checkInitiator(records []analyzer.Record) error {
	expected := s.config.ExpectedInitiator
	if expected == capture.RoleUnknown {
		return nil
	}
	found := false
	for _, r := range records {
		if r.Side != capture.SideClient {
			continue
		}
		found = true
		if r.Initiator != expected {
			return fmt.Errorf("%w: connection %s closed by %s, expected %s", shared.ErrCloseSequenceMismatch,
				r.ConnectionID, r.Initiator, expected)
		}
	}
	if !found {
		return fmt.Errorf("%w: no client-side connection observed", shared.ErrCloseSequenceMismatch)
	}
	return nil
}

// saveDump keeps the capture dump of a failed execution and removes it otherwise
func (s *Scenario) saveDump(exec *execution, verdict *Verdict) {
	if exec.dumper == nil {
		return
	}
	if verdict.Passed {
		if err := os.Remove(exec.dumper.Path()); err != nil {
			Debug("Could not remove capture dump %s: %v", exec.dumper.Path(), err)
		}
		return
	}
	verdict.DumpFile = exec.dumper.Path()
	Info("Packets of scenario %s saved to %s", s.config.Name, verdict.DumpFile)
}
