package livesync

import (
	"os"

	"gopkg.in/yaml.v3"
)

// file config for livesyncctl and embedding applications. flags override
// file values.
type Config struct {
	ApiUrl    string `yaml:"api_url"`
	Origin    string `yaml:"origin"`
	WsUrl     string `yaml:"ws_url"`
	ByJwt     string `yaml:"jwt"`
	RedisAddr string `yaml:"redis_addr"`

	Aliases []AliasPair `yaml:"aliases"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}
	return config, nil
}

func (self *Config) WebsocketUrl() (string, error) {
	if self.WsUrl != "" {
		return self.WsUrl, nil
	}
	return WebsocketUrl(self.Origin)
}

// the built-in table extended with the configured overrides
func (self *Config) AliasTable() *AliasTable {
	return NewAliasTable(append(DefaultAliasPairs(), self.Aliases...))
}
