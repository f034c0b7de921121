package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/gogogo1024/ocppgate"
	"github.com/gogogo1024/ocppgate/internal/logging"
	"github.com/gogogo1024/ocppgate/internal/station"
)

type configSource string

const (
	sourceDefault configSource = "default"
	sourceFile    configSource = "file"
	sourceEnv     configSource = "env"
	sourceFlag    configSource = "flag"
)

const (
	storeMemory = "memory"
	storeRedis  = "redis"

	defaultConfigPath  = "ocppgate.yaml"
	defaultAdminAddr   = ":9100"
	defaultWSAddr      = ":9001"
	defaultRedisAddr   = "localhost:6379"
	defaultRedisPrefix = "ocppgate:"
)

// fileConfig holds a YAML or TOML document; values are read via typed
// getters with hierarchical keys like "server.addr".
type fileConfig struct {
	data map[string]interface{}
}

func readConfigFile(path string) (*fileConfig, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	b, err := io.ReadAll(fd)
	if err != nil {
		return nil, err
	}

	data := make(map[string]interface{})
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(b, &data)
	} else {
		err = yaml.Unmarshal(b, &data)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fileConfig{data: data}, nil
}

func (fc *fileConfig) get(path string) (interface{}, bool) {
	if fc == nil || path == "" {
		return nil, false
	}

	var cur interface{} = fc.data
	for _, p := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]interface{}:
			v, ok := m[p]
			if !ok {
				return nil, false
			}
			cur = v
		case map[interface{}]interface{}:
			v, ok := m[p]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

func (fc *fileConfig) getString(path string) (string, bool, error) {
	v, ok := fc.get(path)
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", true, fmt.Errorf("config %s must be string", path)
	}
	if s == "" {
		return "", true, fmt.Errorf("config %s is empty", path)
	}
	return s, true, nil
}

func (fc *fileConfig) getDuration(path string) (time.Duration, bool, error) {
	s, ok, err := fc.getString(path)
	if err != nil || !ok {
		return 0, ok, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, true, fmt.Errorf("config %s invalid duration: %w", path, err)
	}
	return d, true, nil
}

func (fc *fileConfig) getBool(path string) (bool, bool, error) {
	v, ok := fc.get(path)
	if !ok {
		return false, false, nil
	}
	switch b := v.(type) {
	case bool:
		return b, true, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, true, fmt.Errorf("config %s invalid bool: %w", path, err)
		}
		return parsed, true, nil
	default:
		return false, true, fmt.Errorf("config %s must be bool", path)
	}
}

type serverConfig struct {
	addr              string
	wsAddr            string
	adminAddr         string
	idleTimeout       time.Duration
	writeTimeout      time.Duration
	heartbeatInterval time.Duration
	storeBackend      string
	redisAddr         string
	redisPrefix       string
	strictRoutes      bool
	logLevel          string
	logFile           string

	// sources maps a flag name to where its value came from.
	sources map[string]configSource

	dotenvPath   string
	dotenvLoaded bool

	configPath   string
	configLoaded bool
}

// loadConfig layers defaults < config file < environment (.env included)
// < command line flags.
func loadConfig(args []string) (serverConfig, error) {
	resolved, err := resolveConfigFile(args)
	if err != nil {
		return serverConfig{}, err
	}

	dotenvPath, dotenvLoaded := loadDotenv(".env")

	r := &layered{fc: resolved.fc, sources: map[string]configSource{}}
	cfg := serverConfig{
		addr:              r.str("addr", "OCPPGATE_ADDR", ocppgate.DefaultAddr, "server.addr", "addr"),
		wsAddr:            r.optional("ws-addr", "OCPPGATE_WS_ADDR", defaultWSAddr, "server.ws_addr"),
		adminAddr:         r.str("admin-addr", "OCPPGATE_ADMIN_ADDR", defaultAdminAddr, "admin.addr"),
		idleTimeout:       r.duration("idle-timeout", "OCPPGATE_IDLE_TIMEOUT", ocppgate.DefaultIdleTimeout, "timeouts.idle", "idle_timeout"),
		writeTimeout:      r.duration("write-timeout", "OCPPGATE_WRITE_TIMEOUT", ocppgate.DefaultWriteTimeout, "timeouts.write", "write_timeout"),
		heartbeatInterval: r.duration("heartbeat-interval", "OCPPGATE_HEARTBEAT_INTERVAL", station.DefaultHeartbeatInterval, "heartbeat.interval"),
		storeBackend:      r.str("store", "OCPPGATE_STORE", storeMemory, "store.backend"),
		redisAddr:         r.str("redis-addr", "OCPPGATE_REDIS_ADDR", defaultRedisAddr, "redis.addr"),
		redisPrefix:       r.str("redis-prefix", "OCPPGATE_REDIS_PREFIX", defaultRedisPrefix, "redis.prefix"),
		strictRoutes:      r.boolean("strict-routes", "OCPPGATE_STRICT_ROUTES", false, "routes.strict"),
		logLevel:          r.str("log-level", logging.EnvLogLevel, "info", "log.level"),
		logFile:           r.optional("log-file", "OCPPGATE_LOG_FILE", "", "log.file"),
	}
	if r.err != nil {
		return serverConfig{}, r.err
	}

	name := "ocppgate"
	if len(os.Args) > 0 {
		name = filepath.Base(os.Args[0])
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	config := fs.String("config", resolved.path, "path to YAML or TOML config file")
	fs.StringVar(&cfg.addr, "addr", cfg.addr, "charge point listen address")
	fs.StringVar(&cfg.wsAddr, "ws-addr", cfg.wsAddr, "OCPP-J WebSocket listen address (empty to disable)")
	fs.StringVar(&cfg.adminAddr, "admin-addr", cfg.adminAddr, "admin HTTP listen address (empty to disable)")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", cfg.idleTimeout, "connection idle timeout (0 to disable)")
	fs.DurationVar(&cfg.writeTimeout, "write-timeout", cfg.writeTimeout, "response write timeout (0 to disable)")
	fs.DurationVar(&cfg.heartbeatInterval, "heartbeat-interval", cfg.heartbeatInterval, "heartbeat interval sent to charge points")
	fs.StringVar(&cfg.storeBackend, "store", cfg.storeBackend, "station store backend: memory or redis")
	fs.StringVar(&cfg.redisAddr, "redis-addr", cfg.redisAddr, "redis address")
	fs.StringVar(&cfg.redisPrefix, "redis-prefix", cfg.redisPrefix, "redis key prefix")
	fs.BoolVar(&cfg.strictRoutes, "strict-routes", cfg.strictRoutes, "reject colliding handler registrations")
	fs.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "log level")
	fs.StringVar(&cfg.logFile, "log-file", cfg.logFile, "rotating log file (empty for stdout only)")
	if err := fs.Parse(args); err != nil {
		return serverConfig{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name != "config" {
			r.sources[f.Name] = sourceFlag
		}
	})

	if err := cfg.validate(); err != nil {
		return serverConfig{}, err
	}

	finalConfigPath := *config
	if abs, err := filepath.Abs(finalConfigPath); err == nil {
		finalConfigPath = abs
	}

	cfg.sources = r.sources
	cfg.dotenvPath = dotenvPath
	cfg.dotenvLoaded = dotenvLoaded
	cfg.configPath = finalConfigPath
	cfg.configLoaded = resolved.loaded
	return cfg, nil
}

func (c serverConfig) validate() error {
	switch c.storeBackend {
	case storeMemory, storeRedis:
	default:
		return fmt.Errorf("unknown store backend %q (want %s or %s)", c.storeBackend, storeMemory, storeRedis)
	}
	if c.addr == "" {
		return errors.New("listen address is empty")
	}
	if c.heartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.heartbeatInterval)
	}
	return nil
}

func (c serverConfig) source(name string) configSource {
	if s, ok := c.sources[name]; ok {
		return s
	}
	return sourceDefault
}

func (c serverConfig) serveOptions() []ocppgate.ServeOption {
	return []ocppgate.ServeOption{
		ocppgate.WithIdleTimeout(c.idleTimeout),
		ocppgate.WithWriteTimeout(c.writeTimeout),
	}
}

func (c serverConfig) loggingConfig() logging.Config {
	return logging.Config{Level: c.logLevel, File: c.logFile, Console: true}
}

func (c serverConfig) stationConfig() station.Config {
	return station.Config{HeartbeatInterval: c.heartbeatInterval, StrictRoutes: c.strictRoutes}
}

// layered resolves one setting at a time from the config file and the
// environment, remembering the first error.
type layered struct {
	fc      *fileConfig
	sources map[string]configSource
	err     error
}

func (l *layered) fail(err error) {
	if l.err == nil {
		l.err = err
	}
}

func (l *layered) str(name, env, def string, paths ...string) string {
	v := def
	for _, p := range paths {
		s, ok, err := l.fc.getString(p)
		if err != nil {
			l.fail(err)
			return def
		}
		if ok {
			v = s
			l.sources[name] = sourceFile
			break
		}
	}
	s, ok, err := getenvStringStrict(env)
	if err != nil {
		l.fail(err)
		return def
	}
	if ok {
		v = s
		l.sources[name] = sourceEnv
	}
	return v
}

// optional is str for settings whose empty value is meaningful.
func (l *layered) optional(name, env, def string, paths ...string) string {
	v := def
	for _, p := range paths {
		if raw, ok := l.fc.get(p); ok {
			s, isString := raw.(string)
			if !isString {
				l.fail(fmt.Errorf("config %s must be string", p))
				return ""
			}
			v = s
			l.sources[name] = sourceFile
			break
		}
	}
	if s, ok := os.LookupEnv(env); ok {
		v = s
		l.sources[name] = sourceEnv
	}
	return v
}

func (l *layered) duration(name, env string, def time.Duration, paths ...string) time.Duration {
	v := def
	for _, p := range paths {
		d, ok, err := l.fc.getDuration(p)
		if err != nil {
			l.fail(err)
			return def
		}
		if ok {
			v = d
			l.sources[name] = sourceFile
			break
		}
	}
	d, ok, err := getenvDurationStrict(env)
	if err != nil {
		l.fail(err)
		return def
	}
	if ok {
		v = d
		l.sources[name] = sourceEnv
	}
	return v
}

func (l *layered) boolean(name, env string, def bool, paths ...string) bool {
	v := def
	for _, p := range paths {
		b, ok, err := l.fc.getBool(p)
		if err != nil {
			l.fail(err)
			return def
		}
		if ok {
			v = b
			l.sources[name] = sourceFile
			break
		}
	}
	b, ok, err := getenvBoolStrict(env)
	if err != nil {
		l.fail(err)
		return def
	}
	if ok {
		v = b
		l.sources[name] = sourceEnv
	}
	return v
}

type resolvedFile struct {
	fc     *fileConfig
	path   string
	loaded bool
}

func resolveConfigFile(args []string) (resolvedFile, error) {
	configPath, configExplicit := parseConfigPath(args, defaultConfigPath)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	if abs, err := filepath.Abs(configPath); err == nil {
		configPath = abs
	}

	fc, err := readConfigFile(configPath)
	if err == nil {
		return resolvedFile{fc: fc, path: configPath, loaded: true}, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		if configExplicit {
			return resolvedFile{}, err
		}
		// Missing default config is OK.
		return resolvedFile{path: configPath}, nil
	}
	return resolvedFile{}, err
}

func loadDotenv(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	if err := godotenv.Load(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "load %s error: %v\n", path, err)
		}
		return path, false
	}
	return path, true
}

func parseConfigPath(args []string, defaultValue string) (string, bool) {
	fs := flag.NewFlagSet("preconfig", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	config := fs.String("config", defaultValue, "path to YAML or TOML config file")
	// Only -config matters here; unknown flags stop parsing early.
	for i, a := range args {
		if a == "-config" || a == "--config" || strings.HasPrefix(a, "-config=") || strings.HasPrefix(a, "--config=") {
			_ = fs.Parse(args[i:])
			break
		}
	}
	explicit := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	return *config, explicit
}

func getenvStringStrict(key string) (string, bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false, nil
	}
	if v == "" {
		return "", true, fmt.Errorf("env %s is empty", key)
	}
	return v, true, nil
}

func getenvDurationStrict(key string) (time.Duration, bool, error) {
	v, ok, err := getenvStringStrict(key)
	if err != nil || !ok {
		return 0, ok, err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, true, fmt.Errorf("env %s invalid duration: %w", key, err)
	}
	return d, true, nil
}

func getenvBoolStrict(key string) (bool, bool, error) {
	v, ok, err := getenvStringStrict(key)
	if err != nil || !ok {
		return false, ok, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, true, fmt.Errorf("env %s invalid bool: %w", key, err)
	}
	return b, true, nil
}
