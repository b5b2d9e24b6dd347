package subject

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/parvit/closecheck/logger"
	"github.com/parvit/closecheck/shared"
)

const (
	// READINESS_POLL interval between the readiness probes of the process
	READINESS_POLL = 100 * time.Millisecond
)

// ProcessConfig struct models the commands controlling an external proxy
type ProcessConfig struct {
	// Command command line launching the proxy
	Command string
	// StopCommand optional command line stopping the proxy, if empty the process is terminated
	StopCommand string
	// ConfigPath file where the configuration text is written before launching the proxy
	ConfigPath string
	// StartupTimeout time the proxy has to accept connections on its listen address
	StartupTimeout time.Duration
	// StopTimeout time the proxy has to terminate after stop
	StopTimeout time.Duration
}

// Process is an external proxy controlled through shell commands
type Process struct {
	config ProcessConfig

	mtx    sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
}

// NewProcess returns the controller of the external proxy, it panics if no command is configured
func NewProcess(config ProcessConfig) *Process {
	shared.AssertParamString("subject command", config.Command)
	if config.StartupTimeout <= 0 {
		config.StartupTimeout = 5 * time.Second
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 5 * time.Second
	}
	return &Process{config: config}
}

// shellCommand returns the command executing the line through the system shell
func shellCommand(line string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("cmd", "/C", line)
	}
	return exec.Command("sh", "-c", line)
}

// Start writes the configuration file, launches the command and waits for the listen
// address of the configuration to accept connections
func (p *Process) Start(configText string) error {
	config, err := ParseConfig(configText)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrSubjectStartFailure, err)
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.cmd != nil {
		return shared.ErrSubjectAlreadyRunning
	}

	if len(p.config.ConfigPath) > 0 {
		if err := os.WriteFile(p.config.ConfigPath, []byte(configText), 0644); err != nil {
			return fmt.Errorf("%w: %v", shared.ErrSubjectStartFailure, err)
		}
		logger.Info("Subject configuration written to %s", p.config.ConfigPath)
	}

	cmd := shellCommand(p.config.Command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		logger.Error("Could not launch subject '%s': %v", p.config.Command, err)
		return fmt.Errorf("%w: %v", shared.ErrSubjectStartFailure, err)
	}
	exited := make(chan struct{})
	go p.waitExit(cmd, exited)

	if err := waitReady(config.Listen, p.config.StartupTimeout, exited); err != nil {
		_ = cmd.Process.Kill()
		<-exited
		logger.Error("Subject not ready: %v", err)
		return fmt.Errorf("%w: %v", shared.ErrSubjectStartFailure, err)
	}

	p.cmd = cmd
	p.exited = exited
	logger.Info("Subject started with pid %d", cmd.Process.Pid)
	return nil
}

func (p *Process) waitExit(cmd *exec.Cmd, exited chan struct{}) {
	defer func() {
		if err := recover(); err != nil {
			logger.Error("PANIC: %v", err)
			debug.PrintStack()
		}
		close(exited)
	}()
	err := cmd.Wait()
	logger.Info("Subject process exited: %v", err)
}

// waitReady polls the address until it accepts a connection
func waitReady(address string, timeout time.Duration, exited <-chan struct{}) error {
	deadline := time.Now().Add(timeout)
	for {
		select {
		case <-exited:
			return fmt.Errorf("process exited before accepting connections")
		default:
		}

		conn, err := net.DialTimeout("tcp", address, READINESS_POLL)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s not reachable in %v: %v", address, timeout, err)
		}
		<-time.After(READINESS_POLL)
	}
}

// Stop runs the stop command, or terminates the process if none is configured, then waits
// for the process to exit killing it after the stop timeout
func (p *Process) Stop() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.cmd == nil {
		return shared.ErrSubjectNotRunning
	}
	cmd, exited := p.cmd, p.exited
	p.cmd, p.exited = nil, nil

	if len(p.config.StopCommand) > 0 {
		stop := shellCommand(p.config.StopCommand)
		stop.Stdout = os.Stdout
		stop.Stderr = os.Stderr
		if err := stop.Run(); err != nil {
			logger.Error("Subject stop command failed: %v", err)
		}
	} else if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Debug("Subject terminate signal failed: %v", err)
		_ = cmd.Process.Kill()
	}

	select {
	case <-exited:
		return nil
	case <-time.After(p.config.StopTimeout):
		logger.Error("Subject did not exit in %v, killing it", p.config.StopTimeout)
		_ = cmd.Process.Kill()
		<-exited
		return shared.ErrTeardownTimeout
	}
}

// Running returns true if the process was started and did not exit
func (p *Process) Running() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.cmd == nil {
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}
