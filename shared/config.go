/*
 * This file in shared package handles the global configuration coming from yaml files.
 * It loads the two files "closecheck.yml" and "closecheck.user.yml" from the "config" folder
 * (in the binary directory).
 * The first file is required and will be created with default values if it does not exist.
 * The values in the user file (if present) will be merged with the main configuration and
 * override it, the same happens afterwards with the values specified on the command line.
 */
package shared

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/parvit/closecheck/logger"
	"gopkg.in/yaml.v3"
)

const (
	// CONFIG_FILENAME Name of the main configuration file of the checker
	CONFIG_FILENAME = "closecheck.yml"
	// CONFIG_OVERRIDE_FILENAME Name of the yaml configuration file for user overrides
	CONFIG_OVERRIDE_FILENAME = "closecheck.user.yml"
	// CONFIG_PATH Directory name for the configuration files
	CONFIG_PATH = "config"

	// DEFAULT_CONFIG Default yaml configuration written if not found
	DEFAULT_CONFIG = `
proxyaddress: 127.0.0.1:8080
backendaddress: 127.0.0.1:8000
interface: lo
chaintimeout: 5000
sniffertimeout: 10
nodeclose: true
startuptimeout: 5000
stoptimeout: 5000
subjectcommand: ""
subjectstop: ""
subjectconfig: ""
dumpdir: ""
apiaddress: 127.0.0.1
apiport: 9445
verbose: false
`
)

var (
	// CloseCheckConfig Global variable for the configuration loaded from the file, with
	// optional overrides from the user configuration file and the command line
	CloseCheckConfig CloseCheckConfigType
)

// CloseCheckConfigType Struct that represents all the parameters that influence the execution
// of the scenarios, loaded from the yaml main configuration file plus the additional
// user yaml file that overrides those values
type CloseCheckConfigType struct {
	// ProxyAddress (yaml:proxyaddress) ip:port on which the subject-under-test accepts client connections
	ProxyAddress string `yaml:"proxyaddress"`
	// BackendAddress (yaml:backendaddress) ip:port on which the upstream server stand-in listens
	BackendAddress string `yaml:"backendaddress"`
	// Interface (yaml:interface) network interface to capture on, "auto" selects the default route interface
	Interface string `yaml:"interface"`
	// ChainTimeout (yaml:chaintimeout) milliseconds to wait for each expected response
	ChainTimeout int `yaml:"chaintimeout"`
	// SnifferTimeout (yaml:sniffertimeout) seconds to wait after stop for in-flight segments
	SnifferTimeout int `yaml:"sniffertimeout"`
	// NodeClose (yaml:nodeclose) if true both halves of every close must be observed
	NodeClose bool `yaml:"nodeclose"`
	// StartupTimeout (yaml:startuptimeout) milliseconds the subject has to become ready
	StartupTimeout int `yaml:"startuptimeout"`
	// StopTimeout (yaml:stoptimeout) milliseconds allowed to each teardown step
	StopTimeout int `yaml:"stoptimeout"`
	// SubjectCommand (yaml:subjectcommand) command line starting an external subject, empty uses the builtin proxy
	SubjectCommand string `yaml:"subjectcommand"`
	// SubjectStopCommand (yaml:subjectstop) optional command line stopping the external subject
	SubjectStopCommand string `yaml:"subjectstop"`
	// SubjectConfigPath (yaml:subjectconfig) file where the scenario proxy configuration is written for the external subject
	SubjectConfigPath string `yaml:"subjectconfig"`
	// DumpDir (yaml:dumpdir) if set, packets observed by failing scenarios are written there as pcap files
	DumpDir string `yaml:"dumpdir"`
	// APIAddress (yaml:apiaddress) address on which the report api listens
	APIAddress string `yaml:"apiaddress"`
	// APIPort (yaml:apiport) port on which the report api listens
	APIPort int `yaml:"apiport"`
	// Verbose (yaml:verbose) Activates more verbose output than normal
	Verbose bool `yaml:"verbose"`

	// Analytics (yaml:analytics) Declares the broker where verdicts are published
	Analytics AnalyticsDefinition `yaml:"analytics"`
}

// AnalyticsDefinition struct models the configuration values for the verdict publishing broker
type AnalyticsDefinition struct {
	// Enabled (yaml:enabled) if true the verdicts are published to the broker
	Enabled bool `yaml:"enabled"`
	// BrokerAddress (yaml:address) address of the mqtt broker
	BrokerAddress string `yaml:"address"`
	// BrokerPort (yaml:port) port of the mqtt broker
	BrokerPort int `yaml:"port"`
	// BrokerProtocol (yaml:protocol) protocol used to reach the broker (tcp or udp)
	BrokerProtocol string `yaml:"protocol"`
	// BrokerTopic (yaml:topic) topic on which the verdicts are published
	BrokerTopic string `yaml:"topic"`
}

// ChainTimeoutDuration returns the configured per-chain timeout
func (q CloseCheckConfigType) ChainTimeoutDuration() time.Duration {
	return time.Duration(q.ChainTimeout) * time.Millisecond
}

// SnifferTimeoutDuration returns the configured analyzer finalization timeout
func (q CloseCheckConfigType) SnifferTimeoutDuration() time.Duration {
	return time.Duration(q.SnifferTimeout) * time.Second
}

// StartupTimeoutDuration returns the time allowed to the subject to become ready
func (q CloseCheckConfigType) StartupTimeoutDuration() time.Duration {
	return time.Duration(q.StartupTimeout) * time.Millisecond
}

// StopTimeoutDuration returns the time allowed to every teardown step
func (q CloseCheckConfigType) StopTimeoutDuration() time.Duration {
	return time.Duration(q.StopTimeout) * time.Millisecond
}

// rawConfigType struct that allows to decode and overwrite the main configuration
type rawConfigType map[string]interface{}

// updateIntField method updates a variable pointer of int type if the variable name is contained in the map
func (r rawConfigType) updateIntField(field *int, name string) {
	if val, ok := r[name]; ok {
		switch v := val.(type) {
		case string:
			intValue, err := strconv.ParseInt(v, 10, 64)
			if err == nil {
				*field = int(intValue)
				logger.Info("update int value [%s]: %d", name, intValue)
			}
			return
		case int:
			*field = v
			logger.Info("update int value [%s]: %d", name, *field)
			return
		}
	}
}

// updateStringField method updates a variable pointer of string type if the variable name is contained in the map
func (r rawConfigType) updateStringField(field *string, name string) {
	if val, ok := r[name]; ok {
		*field = fmt.Sprintf("%v", val)
		logger.Info("update string value [%s]: %v", name, val)
	}
}

// updateBoolField method updates a variable pointer of boolean type if the variable name is contained in the map
func (r rawConfigType) updateBoolField(field *bool, name string) {
	if val, ok := r[name]; ok {
		switch v := val.(type) {
		case string:
			boolValue, err := strconv.ParseBool(v)
			if err == nil {
				*field = boolValue
				logger.Info("update bool value [%s]: %v", name, boolValue)
			}
			return
		case bool:
			*field = v
			logger.Info("update bool value [%s]: %v", name, *field)
			return
		}
	}
}

// override method updates all the fields of the configuration with the rawConfigType map
func (q *CloseCheckConfigType) override(r rawConfigType) {
	r.updateStringField(&q.ProxyAddress, "proxyaddress")
	r.updateStringField(&q.BackendAddress, "backendaddress")
	r.updateStringField(&q.Interface, "interface")
	r.updateIntField(&q.ChainTimeout, "chaintimeout")
	r.updateIntField(&q.SnifferTimeout, "sniffertimeout")
	r.updateBoolField(&q.NodeClose, "nodeclose")
	r.updateIntField(&q.StartupTimeout, "startuptimeout")
	r.updateIntField(&q.StopTimeout, "stoptimeout")
	r.updateStringField(&q.SubjectCommand, "subjectcommand")
	r.updateStringField(&q.SubjectStopCommand, "subjectstop")
	r.updateStringField(&q.SubjectConfigPath, "subjectconfig")
	r.updateStringField(&q.DumpDir, "dumpdir")
	r.updateStringField(&q.APIAddress, "apiaddress")
	r.updateIntField(&q.APIPort, "apiport")
	r.updateBoolField(&q.Verbose, "verbose")
}

// ApplyOverrides merges the "name=value" pairs coming from the command line into the
// current configuration
func ApplyOverrides(values map[string]string) {
	if len(values) == 0 {
		return
	}
	r := make(rawConfigType, len(values))
	for k, v := range values {
		r[k] = v
	}
	CloseCheckConfig.override(r)
}

// GetConfigurationPaths returns the current paths for handling the configuration files, creating them if those don't exist:
// configuration directory, configuration filename and the configuration override filename
func GetConfigurationPaths() (string, string, string) {
	basedir, err := os.Executable()
	if err != nil {
		logger.Panic("Could not find executable: %s", err)
	}

	confDir := filepath.Join(filepath.Dir(basedir), CONFIG_PATH)
	if _, err := os.Stat(confDir); err != nil {
		err = os.Mkdir(confDir, 0777)
		if err != nil {
			logger.Panic("Error creating configuration folder: %v\n", err)
		}
	}

	confFile := filepath.Join(confDir, CONFIG_FILENAME)
	if _, err := os.Stat(confFile); err != nil {
		err = os.WriteFile(confFile, []byte(DEFAULT_CONFIG), 0666)
		if err != nil {
			logger.Panic("Error creating main configuration file: %v\n", err)
		}
	}

	confUserFile := filepath.Join(confDir, CONFIG_OVERRIDE_FILENAME)
	if _, err := os.Stat(confUserFile); err != nil {
		err = os.WriteFile(confUserFile, []byte("\n"), 0666)
		if err != nil {
			logger.Error("Error creating user configuration file: %v\n", err)
		}
	}

	return confDir, confFile, confUserFile
}

// ReadConfiguration method loads the global configuration from the yaml files, if the _ignoreCustom_ value is true
// then only the main file is loaded, ignoring the user one, if false then the user file is loaded and its config values
// override the main ones
func ReadConfiguration(ignoreCustom bool) (outerr error) {
	defer func() {
		if err := recover(); err != nil {
			logger.Error("PANIC: %v", err)
			debug.PrintStack()
			outerr = errors.New(fmt.Sprintf("%v", err))
		}
	}()

	// reset previous configuration
	CloseCheckConfig = CloseCheckConfigType{}

	_, confFile, userConfFile := GetConfigurationPaths()

	f, err := createFileIfAbsent(confFile, false)
	if err != nil {
		logger.Error("Could not read expected configuration file: %v", err)
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	data, err := io.ReadAll(f)
	if err != nil {
		logger.Error("Could not read expected configuration file: %v", err)
		return err
	}
	if err := yaml.Unmarshal(data, &CloseCheckConfig); err != nil {
		logger.Error("Could not decode configuration file: %v", err)
		return err
	}
	logger.Info("Configuration Loaded")

	if ignoreCustom {
		return nil
	}

	fUser, err := createFileIfAbsent(userConfFile, false)
	if err != nil {
		return nil
	}
	defer func() {
		_ = fUser.Close()
	}()

	var userConfig rawConfigType
	dataCustom, _ := io.ReadAll(fUser)
	if err = yaml.Unmarshal(dataCustom, &userConfig); err == nil && len(userConfig) > 0 {
		logger.Info("override %v", userConfig)
		CloseCheckConfig.override(userConfig)
	}
	return nil
}

// ValidateConfiguration checks the loaded values, returning ErrConfigurationValidationFailed
// (or ErrImpossibleValidationRequested) if any of them is not acceptable
func ValidateConfiguration() (outerr error) {
	defer func() {
		if err := recover(); err != nil {
			if vErr, ok := err.(error); ok {
				outerr = vErr
				return
			}
			outerr = fmt.Errorf("%w: %v", ErrConfigurationValidationFailed, err)
		}
	}()

	q := CloseCheckConfig
	AssertParamHostPort("proxy address", q.ProxyAddress)
	AssertParamHostPort("backend address", q.BackendAddress)
	AssertParamAddressesDifferent("addresses", q.ProxyAddress, q.BackendAddress)
	AssertParamString("capture interface", q.Interface)

	AssertParamNumeric("chain timeout", q.ChainTimeout, 1, 600000)
	AssertParamNumeric("sniffer timeout", q.SnifferTimeout, 0, 600)
	AssertParamNumeric("startup timeout", q.StartupTimeout, 1, 600000)
	AssertParamNumeric("stop timeout", q.StopTimeout, 1, 600000)

	AssertParamIP("api address", q.APIAddress)
	AssertParamPort("api port", q.APIPort)

	if q.Analytics.Enabled {
		AssertParamIP("broker address", q.Analytics.BrokerAddress)
		AssertParamPort("broker port", q.Analytics.BrokerPort)
		AssertParamString("broker topic", q.Analytics.BrokerTopic)
		AssertParamChoice("broker protocol", q.Analytics.BrokerProtocol, []string{"tcp", "udp"})
	}

	logger.Debug("Configuration validation OK")
	return nil
}

// createFileIfAbsent method creates a file for writing and optionally allows to truncate it by specifying the
// to true the _truncate_ parameter
func createFileIfAbsent(fileToCheck string, truncate bool) (*os.File, error) {
	var flags = os.O_RDWR | os.O_CREATE
	if truncate {
		flags = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	}
	return os.OpenFile(fileToCheck, flags, 0666)
}
