package subject

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/parvit/closecheck/shared"
)

const (
	DIRECTIVE_LISTEN        = "listen"
	DIRECTIVE_SERVER        = "server"
	DIRECTIVE_CACHE         = "cache"
	DIRECTIVE_CLIENT_BUFFER = "client_body_buffer"
)

// ProxyConfig models the directives understood by the reference proxy
type ProxyConfig struct {
	// Listen ip:port on which client connections are accepted
	Listen string
	// Server ip:port of the upstream server
	Server string
	// Cache 0 disables caching, any other value caches the successful GET responses
	Cache int
	// ClientBodyBuffer maximum size of a request body, 0 means unlimited
	ClientBodyBuffer int
}

// ConfigText returns the complete configuration text of a scenario, made of the listen and
// server directives followed by the scenario fragment
func ConfigText(listen, server, fragment string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s;\n", DIRECTIVE_LISTEN, listen)
	fmt.Fprintf(&b, "%s %s;\n", DIRECTIVE_SERVER, server)
	b.WriteString(fragment)
	return b.String()
}

// ParseConfig parses the directives of the configuration text, one per line in the form
// "name value;", lines starting with '#' are comments
func ParseConfig(text string) (ProxyConfig, error) {
	var config ProxyConfig

	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasSuffix(line, ";") {
			return config, fmt.Errorf("%w: line %d: missing ';'", shared.ErrInvalidSubjectConfig, lineNo)
		}
		fields := strings.Fields(strings.TrimSuffix(line, ";"))
		if len(fields) != 2 {
			return config, fmt.Errorf("%w: line %d: expected 'name value;'", shared.ErrInvalidSubjectConfig, lineNo)
		}

		name, value := fields[0], fields[1]
		var err error
		switch name {
		case DIRECTIVE_LISTEN:
			config.Listen = value
		case DIRECTIVE_SERVER:
			config.Server = value
		case DIRECTIVE_CACHE:
			config.Cache, err = parseNonNegative(value)
		case DIRECTIVE_CLIENT_BUFFER:
			config.ClientBodyBuffer, err = parseNonNegative(value)
		default:
			err = fmt.Errorf("unknown directive '%s'", name)
		}
		if err != nil {
			return config, fmt.Errorf("%w: line %d: %v", shared.ErrInvalidSubjectConfig, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return config, fmt.Errorf("%w: %v", shared.ErrInvalidSubjectConfig, err)
	}

	if err := config.validate(); err != nil {
		return config, err
	}
	return config, nil
}

// validate checks the addresses with the parameter assertions
func (c ProxyConfig) validate() (outerr error) {
	defer func() {
		if err := recover(); err != nil {
			outerr = fmt.Errorf("%w: %v", shared.ErrInvalidSubjectConfig, err)
		}
	}()
	shared.AssertParamHostPort(DIRECTIVE_LISTEN, c.Listen)
	shared.AssertParamHostPort(DIRECTIVE_SERVER, c.Server)
	shared.AssertParamAddressesDifferent("listen and server", c.Listen, c.Server)
	return nil
}

func parseNonNegative(value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative value %d", v)
	}
	return v, nil
}
