package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Card    CardConfig    `mapstructure:"card"`
	Motor   MotorConfig   `mapstructure:"motor"`
	Journal JournalConfig `mapstructure:"journal"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type CardConfig struct {
	// Reader is the PC/SC reader name. Empty picks the first reader found.
	Reader       string        `mapstructure:"reader"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type MotorConfig struct {
	// Port is the serial device of the motor controller. Empty leaves the
	// motor unselected until a port is chosen over the API.
	Port        string        `mapstructure:"port"`
	Baud        int           `mapstructure:"baud"`
	Timeout     time.Duration `mapstructure:"timeout"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// StopOnCard stops a connected motor whenever a card is inserted.
	StopOnCard bool `mapstructure:"stop_on_card"`
}

type JournalConfig struct {
	MaxLines int `mapstructure:"max_lines"`
}

func Load() (*Config, error) {
	return LoadFrom(viper.New(), "./configs", "../configs", "../../configs")
}

// LoadFrom reads config.yaml from the first matching path, then applies
// environment overrides (card.reader -> CARD_READER).
func LoadFrom(v *viper.Viper, paths ...string) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("card.reader", "")
	v.SetDefault("card.poll_interval", time.Second)
	v.SetDefault("motor.port", "")
	v.SetDefault("motor.baud", 9600)
	v.SetDefault("motor.timeout", 15*time.Second)
	v.SetDefault("motor.read_timeout", 100*time.Millisecond)
	v.SetDefault("motor.stop_on_card", true)
	v.SetDefault("journal.max_lines", 1000)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
