/*
 * Package service implements the main flow of the checker: it loads the configuration,
 * then either lists the scenarios, analyzes a saved capture, queries a running checker
 * or executes the requested scenarios, optionally serving the report api until
 * interrupted.
 */
package service

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/parvit/closecheck/analyzer"
	"github.com/parvit/closecheck/api"
	"github.com/parvit/closecheck/capture"
	"github.com/parvit/closecheck/flags"
	"github.com/parvit/closecheck/logger"
	"github.com/parvit/closecheck/scenario"
	"github.com/parvit/closecheck/shared"
	"github.com/parvit/closecheck/subject"
	"github.com/parvit/closecheck/version"
)

const (
	// EXIT_PASSED exit code when every executed scenario passed
	EXIT_PASSED = 0
	// EXIT_FAILED exit code when at least one scenario failed
	EXIT_FAILED = 1
	// EXIT_ERROR exit code when the checker could not run
	EXIT_ERROR = 2
)

// CheckService struct models the execution of the checker and its termination
type CheckService struct {
	// context Termination context
	context context.Context
	// cancelFunc Termination function
	cancelFunc context.CancelFunc
	// registry known scenarios
	registry *scenario.Registry
	// exitValue value to be use for exit code
	exitValue int
}

// ServiceMain method wraps the starting logic of the checker and returns its exit code
func ServiceMain() int {
	flags.ParseFlags(os.Args)

	logger.Info("=== CloseCheck version %s ===", version.Version())
	logger.Debug(spew.Sdump(flags.Globals))

	if err := shared.ReadConfiguration(false); err != nil {
		logger.Error("Could not load configuration: %v", err)
		return EXIT_ERROR
	}
	shared.ApplyOverrides(flags.Globals.ConfigOverrides)
	if flags.Globals.Verbose {
		shared.CloseCheckConfig.Verbose = true
	}
	logger.SetVerbose(shared.CloseCheckConfig.Verbose)

	if err := shared.ValidateConfiguration(); err != nil {
		logger.Error("Configuration is not valid: %v", err)
		return EXIT_ERROR
	}

	ctx, cancel := context.WithCancel(context.Background())
	svc := &CheckService{
		context:    ctx,
		cancelFunc: cancel,
		registry:   scenario.NewRegistry(),
	}
	defer cancel()

	if len(flags.Globals.File) > 0 {
		if err := svc.registry.Load(flags.Globals.File); err != nil {
			logger.Error("%v", err)
			return EXIT_ERROR
		}
	}

	switch {
	case len(flags.Globals.Query) > 0:
		return svc.Query(flags.Globals.Query)
	case flags.Globals.List:
		return svc.List()
	case len(flags.Globals.Pcap) > 0:
		return svc.AnalyzeCapture(flags.Globals.Pcap)
	}

	svc.Main()
	return svc.exitValue
}

// Main method executes the requested scenarios with the report api running, then keeps
// serving the api if requested until interrupted
func (p *CheckService) Main() {
	defer func() {
		if err := recover(); err != nil {
			logger.Error("PANIC: %v\n", err)
			p.exitValue = EXIT_ERROR
		}
	}()

	api.Statistics.Start(&shared.CloseCheckConfig.Analytics)
	defer api.Statistics.Stop()

	go api.RunServer(p.context, p.cancelFunc, false)

	interruptListener := make(chan os.Signal, 1)
	signal.Notify(interruptListener, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interruptListener)
	go func() {
		select {
		case <-interruptListener:
			logger.Info("Interrupted")
			p.cancelFunc()
		case <-p.context.Done():
		}
	}()

	p.exitValue = p.RunScenarios(flags.Globals.Scenarios)

	if flags.Globals.Serve && p.context.Err() == nil {
		logger.Info("Serving reports on %s:%d, interrupt to exit", shared.CloseCheckConfig.APIAddress, shared.CloseCheckConfig.APIPort)
		<-p.context.Done()
	}

	p.cancelFunc()
	logger.Info("Shutdown...")
	<-time.After(100 * time.Millisecond)
}

// RunScenarios executes the named scenarios in order, all the registered ones if none is named,
// returns EXIT_PASSED only if all of them passed
func (p *CheckService) RunScenarios(names []string) int {
	if len(names) == 0 {
		names = p.registry.Names()
	}

	configs := make([]scenario.Config, 0, len(names))
	for _, name := range names {
		config, err := p.registry.Lookup(name)
		if err != nil {
			logger.Error("%v", err)
			return EXIT_ERROR
		}
		configs = append(configs, config)
	}

	env, err := newEnvironment()
	if err != nil {
		logger.Error("Could not prepare the scenarios: %v", err)
		return EXIT_ERROR
	}

	exitValue := EXIT_PASSED
	for _, config := range configs {
		if p.context.Err() != nil {
			logger.Info("Execution interrupted before scenario %s", config.Name)
			return EXIT_ERROR
		}
		verdict := scenario.New(config, env).Run(p.context)
		printVerdict(verdict)
		if !verdict.Passed {
			exitValue = EXIT_FAILED
		}
	}
	return exitValue
}

// newEnvironment prepares the subject and the capture for the configured addresses
func newEnvironment() (scenario.Environment, error) {
	config := shared.CloseCheckConfig

	host, _, _ := net.SplitHostPort(config.ProxyAddress)
	iface, err := shared.ResolveCaptureInterface(config.Interface, net.ParseIP(host))
	if err != nil {
		return scenario.Environment{}, err
	}

	var subj subject.Subject
	if len(config.SubjectCommand) > 0 {
		subj = subject.NewProcess(subject.ProcessConfig{
			Command:        config.SubjectCommand,
			StopCommand:    config.SubjectStopCommand,
			ConfigPath:     config.SubjectConfigPath,
			StartupTimeout: config.StartupTimeoutDuration(),
			StopTimeout:    config.StopTimeoutDuration(),
		})
	} else {
		proxy := subject.NewProxy()
		proxy.StopTimeout = config.StopTimeoutDuration()
		subj = proxy
	}

	return scenario.Environment{
		Subject:        subj,
		ProxyAddress:   config.ProxyAddress,
		BackendAddress: config.BackendAddress,
		NewSource:      scenario.LiveSourceFactory(iface),
		DumpDir:        config.DumpDir,
	}, nil
}

func printVerdict(verdict scenario.Verdict) {
	result := "PASSED"
	if !verdict.Passed {
		result = "FAILED"
	}
	fmt.Printf("%-20s %s (%s, %v)\n", verdict.Scenario, result, verdict.State, verdict.Completed.Sub(verdict.Started).Round(time.Millisecond))
	if verdict.Passed {
		return
	}
	fmt.Printf("  reason: %s\n", verdict.Reason())
	for _, r := range verdict.Mismatched() {
		fmt.Printf("  %s", r.Dump())
	}
	if len(verdict.DumpFile) > 0 {
		fmt.Printf("  packets saved to %s\n", verdict.DumpFile)
	}
}

// List prints the registered scenarios
func (p *CheckService) List() int {
	for _, name := range p.registry.Names() {
		config, _ := p.registry.Lookup(name)
		fmt.Printf("%-20s %s\n", config.Name, config.Description)
	}
	return EXIT_PASSED
}

// AnalyzeCapture verifies the close sequences of the connections of the configured path
// found in a saved capture
func (p *CheckService) AnalyzeCapture(file string) int {
	config := shared.CloseCheckConfig
	path, err := capture.NewPath(config.ProxyAddress, config.BackendAddress)
	if err != nil {
		logger.Error("Invalid path: %v", err)
		return EXIT_ERROR
	}

	a := analyzer.New(capture.NewFileSource(file, path), analyzer.Options{
		NodeClose: config.NodeClose,
		Timeout:   config.SnifferTimeoutDuration(),
	})
	if err := a.Start(); err != nil {
		logger.Error("Could not read capture %s: %v", file, err)
		return EXIT_ERROR
	}
	select {
	case <-a.Done():
	case <-p.context.Done():
	}
	logger.OnError(a.Stop(), "stopping analyzer")

	records := a.Records()
	for _, r := range records {
		fmt.Print(r.Dump())
	}
	fmt.Printf("%d segments on %d connections\n", a.SegmentCount(), len(records))
	if !a.CheckResults() {
		fmt.Println(shared.ErrCloseSequenceMismatch.Error())
		return EXIT_FAILED
	}
	return EXIT_PASSED
}

// Query requests the verdict of the named scenario to a checker serving the report api
func (p *CheckService) Query(name string) int {
	config := shared.CloseCheckConfig
	report := api.RequestVerdict(config.APIAddress, config.APIPort, name)
	if report == nil {
		logger.Error("No verdict available for scenario %s", name)
		return EXIT_ERROR
	}
	fmt.Printf("%-20s passed=%v state=%s failed_chain=%d close_mismatch=%v\n", report.Scenario,
		report.Passed, report.State, report.FailedChain, report.CloseMismatch)
	if len(report.Reason) > 0 {
		fmt.Printf("  reason: %s\n", report.Reason)
	}
	if !report.Passed {
		return EXIT_FAILED
	}
	return EXIT_PASSED
}
