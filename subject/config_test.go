package subject

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/parvit/closecheck/shared"
)

func TestProxyConfigSuite(t *testing.T) {
	var q ProxyConfigSuite
	suite.Run(t, &q)
}

type ProxyConfigSuite struct{ suite.Suite }

func (s *ProxyConfigSuite) TestConfigText() {
	text := ConfigText("127.0.0.1:8080", "127.0.0.1:8000", "cache 0;\n")
	assert.Equal(s.T(), "listen 127.0.0.1:8080;\nserver 127.0.0.1:8000;\ncache 0;\n", text)
}

func (s *ProxyConfigSuite) TestParseConfig() {
	t := s.T()
	config, err := ParseConfig(`
# reference proxy
listen 127.0.0.1:8080;
server 127.0.0.1:8000;
  cache 1;
client_body_buffer 1024;
`)
	assert.Nil(t, err)
	assert.Equal(t, ProxyConfig{
		Listen:           "127.0.0.1:8080",
		Server:           "127.0.0.1:8000",
		Cache:            1,
		ClientBodyBuffer: 1024,
	}, config)
}

func (s *ProxyConfigSuite) TestParseConfig_Defaults() {
	config, err := ParseConfig(ConfigText("127.0.0.1:8080", "127.0.0.1:8000", ""))
	assert.Nil(s.T(), err)
	assert.Equal(s.T(), 0, config.Cache)
	assert.Equal(s.T(), 0, config.ClientBodyBuffer)
}

func (s *ProxyConfigSuite) TestParseConfig_Errors() {
	for _, text := range []string{
		"listen 127.0.0.1:8080\nserver 127.0.0.1:8000;",
		"listen 127.0.0.1:8080;\nserver 127.0.0.1:8000;\ncache;",
		"listen 127.0.0.1:8080;\nserver 127.0.0.1:8000;\ncache 0 1;",
		"listen 127.0.0.1:8080;\nserver 127.0.0.1:8000;\ncache -1;",
		"listen 127.0.0.1:8080;\nserver 127.0.0.1:8000;\ncache abc;",
		"listen 127.0.0.1:8080;\nserver 127.0.0.1:8000;\nunknown 1;",
		"listen 127.0.0.1:8080;",
		"server 127.0.0.1:8000;",
		"listen localhost:8080;\nserver 127.0.0.1:8000;",
		"listen 127.0.0.1:8080;\nserver 127.0.0.1:8080;",
		"",
	} {
		_, err := ParseConfig(text)
		assert.True(s.T(), errors.Is(err, shared.ErrInvalidSubjectConfig), text)
	}
}
