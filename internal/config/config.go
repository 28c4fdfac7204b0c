package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes environment overrides: --admin-port is PAGESHOT_ADMIN_PORT.
const EnvPrefix = "PAGESHOT_"

type Config struct {
	Bind       string
	Port       int
	AdminBind  string
	AdminPort  int
	AllowCIDRs []string

	Engine    string
	ChromeBin string
	ChromeURL string

	Width         int
	Height        int
	Scale         float64
	RenderTimeout time.Duration
	MaxSessions   int

	AllowFileURLs bool

	LogLevel     string
	LogFormat    string
	EventsDir    string
	EventsRetain int
	ArchiveDir   string
}

func Default() Config {
	return Config{
		Bind:       "0.0.0.0",
		Port:       8080,
		AdminBind:  "127.0.0.1",
		AdminPort:  9090,
		AllowCIDRs: []string{},
		Engine:     "software",
		Width:      1024,
		Height:     768,
		Scale:      2,
		LogLevel:     "info",
		LogFormat:    "text",
		EventsRetain: 1000,
	}
}

var flagNames = []string{
	"bind", "port", "admin-bind", "admin-port", "allow-cidr",
	"engine", "chrome-bin", "chrome-url",
	"width", "height", "scale", "render-timeout", "max-sessions", "allow-file-urls",
	"log-level", "log-format", "events-dir", "events-retain", "archive-dir",
}

func Parse(args []string) (Config, error) {
	return ParseEnv(args, os.LookupEnv)
}

func ParseEnv(args []string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if lookup != nil {
		for _, name := range flagNames {
			v, ok := lookup(EnvPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_")))
			if !ok || strings.TrimSpace(v) == "" {
				continue
			}
			values := []string{v}
			if name == "allow-cidr" {
				values = strings.Split(v, ",")
			}
			for _, value := range values {
				if err := cfg.set(name, strings.TrimSpace(value)); err != nil {
					return Config{}, err
				}
			}
		}
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return Config{}, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !hasValue {
			if i+1 >= len(args) || strings.HasPrefix(args[i+1], "--") {
				return Config{}, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		if err := cfg.set(name, value); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) set(name, value string) error {
	var err error
	switch name {
	case "bind":
		c.Bind = value
	case "port":
		c.Port, err = parseInt(name, value)
	case "admin-bind":
		c.AdminBind = value
	case "admin-port":
		c.AdminPort, err = parseInt(name, value)
	case "allow-cidr":
		c.AllowCIDRs = append(c.AllowCIDRs, value)
	case "engine":
		c.Engine = value
	case "chrome-bin":
		c.ChromeBin = value
	case "chrome-url":
		c.ChromeURL = value
	case "width":
		c.Width, err = parseInt(name, value)
	case "height":
		c.Height, err = parseInt(name, value)
	case "scale":
		c.Scale, err = strconv.ParseFloat(value, 64)
		if err != nil {
			err = errors.New("scale must be a number")
		}
	case "render-timeout":
		c.RenderTimeout, err = time.ParseDuration(value)
		if err != nil {
			err = errors.New("render-timeout must be a duration such as 30s")
		}
	case "max-sessions":
		c.MaxSessions, err = parseInt(name, value)
	case "allow-file-urls":
		c.AllowFileURLs, err = strconv.ParseBool(value)
		if err != nil {
			err = errors.New("allow-file-urls must be true or false")
		}
	case "log-level":
		c.LogLevel = strings.ToLower(value)
	case "log-format":
		c.LogFormat = strings.ToLower(value)
	case "events-dir":
		c.EventsDir = value
	case "events-retain":
		c.EventsRetain, err = parseInt(name, value)
	case "archive-dir":
		c.ArchiveDir = value
	default:
		return fmt.Errorf("unknown flag: --%s", name)
	}
	return err
}

func parseInt(name, value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

func (c Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	if c.AdminPort < 0 || c.AdminPort > 65535 {
		return errors.New("admin-port must be between 0 and 65535")
	}
	if c.AdminPort != 0 && c.AdminPort == c.Port && c.AdminBind == c.Bind {
		return errors.New("admin-port must differ from port")
	}
	for _, cidr := range c.AllowCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid CIDR: %s", cidr)
		}
	}
	if strings.TrimSpace(c.Engine) == "" {
		return errors.New("engine must not be empty")
	}
	if c.Width < 1 || c.Height < 1 {
		return errors.New("width and height must be positive")
	}
	if c.Scale <= 0 || c.Scale > 8 {
		return errors.New("scale must be in (0, 8]")
	}
	if c.RenderTimeout < 0 {
		return errors.New("render-timeout must not be negative")
	}
	if c.MaxSessions < 0 {
		return errors.New("max-sessions must not be negative")
	}
	if c.EventsRetain < 0 {
		return errors.New("events-retain must not be negative")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("invalid log-format: %s", c.LogFormat)
	}
	return nil
}

func IsAllowedClient(ip net.IP, allowCIDRs []string) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() {
		return true
	}
	if len(allowCIDRs) == 0 {
		return true
	}
	for _, cidr := range allowCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
