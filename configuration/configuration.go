package configuration

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/attid/eurmtl/bot"
	"github.com/attid/eurmtl/challenge"
	"github.com/attid/eurmtl/deal"
	"github.com/attid/eurmtl/directory"
	"github.com/attid/eurmtl/horizon"
	"github.com/attid/eurmtl/natsclient"
	"github.com/attid/eurmtl/repository"
	"github.com/attid/eurmtl/server"
	"github.com/attid/eurmtl/telemetry"
)

// Configuration is the main configuration of the application that corresponds to the *.yaml file
// that holds the configuration.
type Configuration struct {
	Server    server.Config          `yaml:"server"`
	Database  repository.DBConfig    `yaml:"database"`
	Horizon   horizon.Config         `yaml:"horizon"`
	Directory directory.ClientConfig `yaml:"directory"`
	Tables    directory.CacheConfig  `yaml:"tables"`
	Bot       bot.Config             `yaml:"bot"`
	Nats      natsclient.Config      `yaml:"nats"`
	Challenge challenge.Config       `yaml:"challenge"`
	Deal      deal.Config            `yaml:"deal"`
	Telemetry telemetry.Config       `yaml:"telemetry"`
}

// Read reads the configuration from the file and returns the Configuration with set fields according to the yaml setup.
func Read(path string) (Configuration, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Configuration{}, err
	}

	var main Configuration
	err = yaml.Unmarshal(buf, &main)
	if err != nil {
		return Configuration{}, fmt.Errorf("in file %q: %w", path, err)
	}

	return main, err
}
