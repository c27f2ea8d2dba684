package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the status server listens on (e.g. "0.0.0.0:8080")
	BindAddress string `yaml:"bind_address"`
	// SerialPort is the path to the modem's serial port (e.g. "/dev/ttyUSB0")
	SerialPort string `yaml:"serial_port"`
	// BaudRate is the baud rate for serial communication with the modem (e.g. 115200)
	BaudRate int `yaml:"baud_rate"`
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string `yaml:"log_level"`
	// LogFormat selects the log handler, "json" or "text"
	LogFormat string `yaml:"log_format"`
	// SimPIN is the SIM card PIN code
	SimPIN string `yaml:"sim_pin"`

	// APN, APNUser and APNPassword describe the packet data network
	APN         string `yaml:"apn"`
	APNUser     string `yaml:"apn_user"`
	APNPassword string `yaml:"apn_password"`
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = 115200
		c.LogLevel = "info"
		c.LogFormat = "json"
		c.APN = "m2m.com.attz"
		return nil
	}
}

// WithFile overlays the values set in a YAML file. An empty path is ignored.
func WithFile(path string) ConfigOption {
	return func(c *Config) error {
		if path == "" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if serial := os.Getenv("SERIAL_PORT"); serial != "" {
			c.SerialPort = serial
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		if format := os.Getenv("LOG_FORMAT"); format != "" {
			c.LogFormat = format
		}

		if simPIN := os.Getenv("SIM_PIN"); simPIN != "" {
			c.SimPIN = simPIN
		}

		if apn := os.Getenv("APN"); apn != "" {
			c.APN = apn
		}

		if user := os.Getenv("APN_USER"); user != "" {
			c.APNUser = user
		}

		if password := os.Getenv("APN_PASSWORD"); password != "" {
			c.APNPassword = password
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags that were set
func WithFlags(fSet *pflag.FlagSet) ConfigOption {
	return func(c *Config) error {
		fSet.Visit(func(f *pflag.Flag) {
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "serial-port":
				c.SerialPort = f.Value.String()
			case "baud-rate":
				if b, err := strconv.Atoi(f.Value.String()); err == nil {
					c.BaudRate = b
				}
			case "log-level":
				c.LogLevel = f.Value.String()
			case "log-format":
				c.LogFormat = f.Value.String()
			case "sim-pin":
				c.SimPIN = f.Value.String()
			case "apn":
				c.APN = f.Value.String()
			case "apn-user":
				c.APNUser = f.Value.String()
			case "apn-password":
				c.APNPassword = f.Value.String()
			}
		})
		return nil
	}
}
