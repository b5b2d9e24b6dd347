/*
 * Package flags implements the logic necessary to select the scenarios to execute and
 * the mode of operation of the checker, with the possibility of overriding explicitly
 * the options set in the configuration files.
 */
package flags

import (
	"os"
	"strings"

	"github.com/jessevdk/go-flags"
)

// GlobalFlags struct models the options that can be specified on the command line to
// control the behavior of the checker
type GlobalFlags struct {
	// Scenarios (flag:scenario / s) names of the scenarios to execute, in order, can be repeated
	Scenarios []string `long:"scenario" short:"s" description:"Scenario to execute (repeatable)"`
	// File (flag:file / f) yaml file with additional scenario definitions
	File string `long:"file" short:"f" description:"Yaml file with additional scenario definitions"`
	// Pcap (flag:pcap) saved capture to analyze instead of executing scenarios
	Pcap string `long:"pcap" description:"Analyze the close sequences of a saved pcap capture"`
	// List (flag:list / l) if present prints the available scenarios and exits
	List bool `long:"list" short:"l" description:"List the available scenarios"`
	// Serve (flag:serve) if present keeps the report api running after the scenarios completed
	Serve bool `long:"serve" description:"Keep serving the report api until interrupted"`
	// Query (flag:query) name of a scenario whose verdict is requested to a running checker
	Query string `long:"query" description:"Request the verdict of a scenario from a running checker"`
	// Verbose (flag:verbose / v) if present indicates to output more log messages for debug purposes
	Verbose bool `long:"verbose" short:"v" description:"Outputs more log messages"`

	// ConfigOverrideCallback is the function callback called by the go-flags package to allow the parsing
	// of multiple definitions of the same D flag
	// the reason this is exported is to allow the go-flags package to discover it
	ConfigOverrideCallback func(string) `short:"D" description:"Allow to override configuration values with the format name=value"`
	// ConfigOverrides is the map in which the ConfigOverrideCallback sets the parsed "name=value" pairs specified
	// on the commandline
	ConfigOverrides map[string]string
}

var (
	// Globals variable contains the specified options on the cli
	Globals GlobalFlags
)

// ParseFlags method executes the logic that parses correctly the flags specified on the cli
func ParseFlags(args []string) {
	Globals = GlobalFlags{}
	Globals.ConfigOverrides = make(map[string]string)
	Globals.ConfigOverrideCallback = func(s string) {
		index := strings.Index(s, "=")
		if index == -1 {
			return
		}
		Globals.ConfigOverrides[strings.ToLower(s[:index])] = s[index+1:]
	}

	cliparser := flags.NewParser(&Globals, flags.Default)
	if _, err := cliparser.ParseArgs(args); err != nil {
		cliparser.WriteHelp(os.Stderr)
		os.Exit(1)
	}
}
