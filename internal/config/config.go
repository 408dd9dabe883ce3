package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the jitcap controller.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	HTTPAddr       string
	DataDir        string
	RecordingsPath string
	APISecret      string // X-Auth-Token value; empty disables API auth
	LogLevel       string
	LogFormat      string // log output format: "text" or "json"

	XMPPHost        string
	XMPPPort        int
	XMPPDomain      string
	XMPPJID         string
	XMPPPassword    string
	ComponentHost   string
	ComponentPort   int
	ComponentJID    string
	ComponentSecret string
	MUCDomain       string // conference MUC domain; derived from XMPPDomain when empty
	TLSInsecure     bool   // skip certificate verification on the XMPP stream

	BreweryMUC    string // MUC every bridge instance joins
	Colibri2URL   string // legacy HTTP forwarder endpoint; empty disables the fallback
	Colibri2WS    string
	JVBRestURL    string // bridge REST base for /debug and the colibri2 PATCH
	RecorderWSURL string // multitrack export sink handed to the bridge
	Simulate      bool   // fabricate forwarders in-process instead of talking to a bridge
}

// defaults
const (
	defaultHTTPAddr       = ":8000"
	defaultDataDir        = "./data"
	defaultRecordingsPath = "/recordings/ffmpeg"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
	defaultXMPPHost       = "xmpp.meet.jitsi"
	defaultXMPPPort       = 5222
	defaultXMPPDomain     = "meet.jitsi"
	defaultComponentPort  = 5347
	defaultBreweryMUC     = "jvbbrewery@internal-muc.meet.jitsi"
	defaultJVBRestURL     = "http://jvb:8080"
	defaultRecorderWSURL  = "ws://recorder:8989/record"
)

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("jitcap", flag.ContinueOnError)

	fs.StringVar(&cfg.HTTPAddr, "http-addr", defaultHTTPAddr, "HTTP control plane listen address")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the recording ledger")
	fs.StringVar(&cfg.RecordingsPath, "recordings-path", defaultRecordingsPath, "root directory for captured audio segments")
	fs.StringVar(&cfg.APISecret, "api-secret", "", "shared secret checked against the X-Auth-Token header (empty disables auth)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	fs.StringVar(&cfg.XMPPHost, "xmpp-host", defaultXMPPHost, "XMPP server host for client mode")
	fs.IntVar(&cfg.XMPPPort, "xmpp-port", defaultXMPPPort, "XMPP server port for client mode")
	fs.StringVar(&cfg.XMPPDomain, "xmpp-domain", defaultXMPPDomain, "XMPP domain of the deployment")
	fs.StringVar(&cfg.XMPPJID, "xmpp-jid", "", "JID for client-mode login")
	fs.StringVar(&cfg.XMPPPassword, "xmpp-password", "", "password for client-mode login")
	fs.StringVar(&cfg.ComponentHost, "xmpp-component-host", "", "XMPP server host for component mode (defaults to xmpp-host)")
	fs.IntVar(&cfg.ComponentPort, "xmpp-component-port", defaultComponentPort, "XMPP server port for component mode")
	fs.StringVar(&cfg.ComponentJID, "xmpp-component-jid", "", "component JID; component mode wins when both credential sets are present")
	fs.StringVar(&cfg.ComponentSecret, "xmpp-component-secret", "", "component shared secret")
	fs.StringVar(&cfg.MUCDomain, "muc-domain", "", "conference MUC domain (defaults to muc.<xmpp-domain>)")
	fs.BoolVar(&cfg.TLSInsecure, "xmpp-tls-insecure", false, "skip TLS certificate verification on the XMPP stream")

	fs.StringVar(&cfg.BreweryMUC, "bridge-muc", defaultBreweryMUC, "brewery MUC where bridge instances announce themselves")
	fs.StringVar(&cfg.Colibri2URL, "colibri2-url", "", "legacy HTTP colibri2 endpoint used as allocation fallback")
	fs.StringVar(&cfg.Colibri2WS, "colibri2-ws", "", "legacy colibri2 websocket endpoint")
	fs.StringVar(&cfg.JVBRestURL, "jvb-rest-url", defaultJVBRestURL, "bridge REST base URL for /debug and conference PATCH")
	fs.StringVar(&cfg.RecorderWSURL, "recorder-ws-url", defaultRecorderWSURL, "multitrack export sink URL handed to the bridge")
	fs.BoolVar(&cfg.Simulate, "simulate", false, "simulate colibri2 allocations in-process (no bridge required)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults. The env names follow the deployment
// contract rather than a single prefix, so the mapping is explicit.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"http-addr":             "RECORDER_HTTP_ADDR",
		"data-dir":              "RECORDER_DATA_DIR",
		"recordings-path":       "RECORDINGS_PATH",
		"api-secret":            "RECORDER_API_SECRET",
		"log-level":             "RECORDER_LOG_LEVEL",
		"log-format":            "RECORDER_LOG_FORMAT",
		"xmpp-host":             "XMPP_HOST",
		"xmpp-port":             "XMPP_PORT",
		"xmpp-domain":           "XMPP_DOMAIN",
		"xmpp-jid":              "XMPP_JID",
		"xmpp-password":         "XMPP_PASSWORD",
		"xmpp-component-host":   "XMPP_COMPONENT_HOST",
		"xmpp-component-port":   "XMPP_COMPONENT_PORT",
		"xmpp-component-jid":    "XMPP_COMPONENT_JID",
		"xmpp-component-secret": "XMPP_COMPONENT_SECRET",
		"muc-domain":            "XMPP_MUC_DOMAIN",
		"xmpp-tls-insecure":     "XMPP_TLS_INSECURE",
		"bridge-muc":            "JVB_BRIDGE_MUC",
		"colibri2-url":          "JVB_COLIBRI2_URL",
		"colibri2-ws":           "JVB_COLIBRI2_WS",
		"jvb-rest-url":          "JVB_REST_URL",
		"recorder-ws-url":       "RECORDER_WS_URL",
		"simulate":              "COLIBRI2_SIMULATE",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "http-addr":
			cfg.HTTPAddr = val
		case "data-dir":
			cfg.DataDir = val
		case "recordings-path":
			cfg.RecordingsPath = val
		case "api-secret":
			cfg.APISecret = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "xmpp-host":
			cfg.XMPPHost = val
		case "xmpp-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.XMPPPort = v
			}
		case "xmpp-domain":
			cfg.XMPPDomain = val
		case "xmpp-jid":
			cfg.XMPPJID = val
		case "xmpp-password":
			cfg.XMPPPassword = val
		case "xmpp-component-host":
			cfg.ComponentHost = val
		case "xmpp-component-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ComponentPort = v
			}
		case "xmpp-component-jid":
			cfg.ComponentJID = val
		case "xmpp-component-secret":
			cfg.ComponentSecret = val
		case "muc-domain":
			cfg.MUCDomain = val
		case "xmpp-tls-insecure":
			cfg.TLSInsecure = parseBool(val)
		case "bridge-muc":
			cfg.BreweryMUC = val
		case "colibri2-url":
			cfg.Colibri2URL = val
		case "colibri2-ws":
			cfg.Colibri2WS = val
		case "jvb-rest-url":
			cfg.JVBRestURL = val
		case "recorder-ws-url":
			cfg.RecorderWSURL = val
		case "simulate":
			cfg.Simulate = parseBool(val)
		}
	}
}

// parseBool accepts the truthy spellings commonly found in container env files.
func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("http-addr must not be empty")
	}
	if c.XMPPPort < 1 || c.XMPPPort > 65535 {
		return fmt.Errorf("xmpp-port must be between 1 and 65535, got %d", c.XMPPPort)
	}
	if c.ComponentPort < 1 || c.ComponentPort > 65535 {
		return fmt.Errorf("xmpp-component-port must be between 1 and 65535, got %d", c.ComponentPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	// Credentials must be complete for whichever mode they select.
	if (c.XMPPJID == "") != (c.XMPPPassword == "") {
		return fmt.Errorf("xmpp-jid and xmpp-password must both be provided or both be omitted")
	}
	if (c.ComponentJID == "") != (c.ComponentSecret == "") {
		return fmt.Errorf("xmpp-component-jid and xmpp-component-secret must both be provided or both be omitted")
	}

	// At least one allocation path must exist or the controller can do nothing.
	if !c.XMPPEnabled() && !c.Simulate && c.Colibri2URL == "" {
		return fmt.Errorf("no allocation path configured: set XMPP credentials, JVB_COLIBRI2_URL, or COLIBRI2_SIMULATE")
	}

	return nil
}

// XMPPEnabled reports whether a complete credential set for either client or
// component mode is configured.
func (c *Config) XMPPEnabled() bool {
	return c.ComponentMode() || (c.XMPPJID != "" && c.XMPPPassword != "")
}

// ComponentMode reports whether the controller should connect as an external
// component. Component credentials win over client credentials.
func (c *Config) ComponentMode() bool {
	return c.ComponentJID != "" && c.ComponentSecret != ""
}

// ConferenceMUCDomain returns the MUC domain conference rooms live under.
func (c *Config) ConferenceMUCDomain() string {
	if c.MUCDomain != "" {
		return c.MUCDomain
	}
	return "muc." + c.XMPPDomain
}

// XMPPAddr returns the host:port to dial for the configured mode.
func (c *Config) XMPPAddr() string {
	if c.ComponentMode() {
		host := c.ComponentHost
		if host == "" {
			host = c.XMPPHost
		}
		return fmt.Sprintf("%s:%d", host, c.ComponentPort)
	}
	return fmt.Sprintf("%s:%d", c.XMPPHost, c.XMPPPort)
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
