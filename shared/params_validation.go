package shared

import (
	"net"
	"sort"
	"strconv"

	. "github.com/parvit/closecheck/logger"
)

// AssertParamNumeric panics with error ErrImpossibleValidationRequested if the min and max values
// do not represent a valid range or panics with ErrConfigurationValidationFailed if the provided
// value is not inside the range
func AssertParamNumeric(name string, value, min, max int) {
	if max < min {
		Error("Validation on parameter '%s' is not possible as numeric [%d:%d]: %d\n", name, min, max, value)
		panic(ErrImpossibleValidationRequested)
	}
	if value < min || value > max {
		Error("Invalid parameter '%s' validated as numeric [%d:%d]: %d\n", name, min, max, value)
		panic(ErrConfigurationValidationFailed)
	}
}

// AssertParamIP panics with ErrConfigurationValidationFailed if the value does not represent
// a valid ip address
func AssertParamIP(name, value string) {
	if ip := net.ParseIP(value); ip == nil {
		Error("Invalid parameter '%s' validated as ip address: %s\n", name, value)
		panic(ErrConfigurationValidationFailed)
	}
}

// AssertParamPort panics with error ErrConfigurationValidationFailed if the port value is
// not inside the expected range [1-65535] for an address port
func AssertParamPort(name string, value int) {
	if value < 1 || value > 65535 {
		Error("Invalid parameter '%s' validated as port [1-65535]: %d\n", name, value)
		panic(ErrConfigurationValidationFailed)
	}
}

// AssertParamHostPort panics with ErrConfigurationValidationFailed if the value is not
// in the form "ip:port" with a valid ip and port
func AssertParamHostPort(name, value string) {
	host, port, err := net.SplitHostPort(value)
	if err != nil {
		Error("Invalid parameter '%s' validated as ip:port: %s\n", name, value)
		panic(ErrConfigurationValidationFailed)
	}
	AssertParamIP(name, host)

	portValue, err := strconv.Atoi(port)
	if err != nil {
		Error("Invalid parameter '%s' validated as ip:port: %s\n", name, value)
		panic(ErrConfigurationValidationFailed)
	}
	AssertParamPort(name, portValue)
}

// AssertParamAddressesDifferent panics with ErrConfigurationValidationFailed if the provided list
// of "ip:port" addresses contains duplicates
func AssertParamAddressesDifferent(name string, values ...string) {
	if len(values) < 2 {
		return
	}
	sorted := append([]string{}, values...)
	sort.Strings(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1] == sorted[i] {
			Error("Addresses '%s' must all be different: %v\n", name, values)
			panic(ErrConfigurationValidationFailed)
		}
	}
}

// AssertParamString panics with ErrConfigurationValidationFailed if the value is empty
func AssertParamString(name, value string) {
	if len(value) == 0 {
		Error("Invalid parameter '%s' validated as non-empty string\n", name)
		panic(ErrConfigurationValidationFailed)
	}
}

// AssertParamChoice panics with ErrConfigurationValidationFailed if the value is not one of
// the accepted choices, and with ErrImpossibleValidationRequested if no choice is provided
func AssertParamChoice(name, value string, choices []string) {
	if len(choices) == 0 {
		Error("Validation on parameter '%s' is not possible without choices\n", name)
		panic(ErrImpossibleValidationRequested)
	}
	for _, c := range choices {
		if c == value {
			return
		}
	}
	Error("Invalid parameter '%s' validated as one of %v: %s\n", name, choices, value)
	panic(ErrConfigurationValidationFailed)
}
