// Package config provides centralized configuration management for the
// proxy. Scalar settings load from EDGEE_-prefixed environment variables
// with defaults; the engine-construction surface (routing table and
// destination components) loads from a single JSON document, since no
// sane default exists for "what domains does this proxy serve". Parsing
// other config formats (TOML/YAML) and file-watching/hot-reload are
// external collaborators' job, not this package's.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// HTTP listener configuration
	HTTPAddr  string
	HTTPSAddr string
	ForceHTTPS bool

	// Compute configuration
	ProxyOnly               bool
	EnforceNoStorePolicy     bool
	BehindProxyCache         bool
	MaxCompressedBodySize    int64
	MaxDecompressedBodySize  int64
	Debug                    bool

	// Identity cookie configuration
	CookieName   string
	CookieDomain string
	CryptoKey    string // 16-byte key; defaults to edgeecrypto.DefaultKey if empty
	CryptoIV     string // 16-byte IV; defaults to edgeecrypto.DefaultIV if empty

	// Engine construction surface, decoded from EngineConfigPath's JSON document
	EngineConfigPath string
	Routing          []DomainConfig         `json:"routing"`
	DataCollection   []ComponentConfig       `json:"components_data_collection"`

	// Central analytics API (supplemental feature)
	AnalyticsEndpoint string
	AnalyticsToken    string

	// TraceComponent names the single destination component (by id) whose
	// outbound request/response is pretty-printed to stdout (§4.L step 8).
	// Empty disables tracing.
	TraceComponent string

	// S3-compatible store for component binaries named by an "s3://"
	// File in components_data_collection. Region is required by the AWS
	// SDK even against a non-AWS endpoint; Endpoint/AccessKeyID/
	// SecretAccessKey are only needed for MinIO-style stores — the
	// default credential chain is used when they're empty.
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string

	// WASMCacheDir, if set, enables wazero's on-disk compilation cache.
	WASMCacheDir string

	// SDK injection (§4.J step 1) and asset serving. The SDK bytes
	// themselves are an external collaborator's build artifact, not
	// something this package generates; SDKPath names where main loads
	// them from, empty meaning "serve the built-in placeholder".
	InjectSDK         bool
	InjectSDKPosition string // "prepend" or "append"; anything else is treated as "append"
	SDKPath           string
	SDKSrc            string // remote src= used when the SDK is served, not inlined
}

// DomainConfig mirrors routing.Domain's wire shape for JSON decoding.
type DomainConfig struct {
	Host     string             `json:"host"`
	Rules    []RuleConfig       `json:"rules"`
	Backends []BackendConfig    `json:"backends"`
}

// RuleConfig mirrors routing.Rule's wire shape.
type RuleConfig struct {
	Path       string `json:"path,omitempty"`
	PathPrefix string `json:"path_prefix,omitempty"`
	PathRegexp string `json:"path_regexp,omitempty"`
	Rewrite    string `json:"rewrite,omitempty"`
	Backend    string `json:"backend,omitempty"`
}

// BackendConfig mirrors routing.Backend's wire shape. NoCompression is
// named so its JSON-absent zero value (false) means "compressible",
// the common case, rather than requiring every backend to opt in.
type BackendConfig struct {
	Name          string `json:"name"`
	Address       string `json:"address"`
	SSL           bool   `json:"ssl"`
	Default       bool   `json:"default"`
	NoCompression bool   `json:"no_compression,omitempty"`
}

// ComponentConfig mirrors the §3 Component Descriptor's wire shape.
type ComponentConfig struct {
	ID                    string            `json:"id"`
	File                  string            `json:"file"` // local path or s3://bucket/key
	WitVersion            string            `json:"wit_version"`
	Settings              map[string]string `json:"settings"`
	Credentials           map[string]string `json:"credentials"`
	EnabledEventTypes     []string          `json:"enabled_event_types"`
	DefaultConsent        string            `json:"default_consent"`
	AnonymizationRequired bool              `json:"anonymization_required"`
	ForwardClientHeaders  bool              `json:"forward_client_headers"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Default values.
const (
	DefaultHTTPAddr                = ":8080"
	DefaultHTTPSAddr               = ":8443"
	DefaultCookieName               = "edgee"
	DefaultMaxCompressedBodySize    = 10 << 20  // 10 MiB
	DefaultMaxDecompressedBodySize  = 50 << 20  // 50 MiB
)

// Load reads configuration from environment variables, applies defaults,
// decodes the engine config document if EDGEE_ENGINE_CONFIG is set, and
// validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:                DefaultHTTPAddr,
		HTTPSAddr:               DefaultHTTPSAddr,
		CookieName:              DefaultCookieName,
		MaxCompressedBodySize:   DefaultMaxCompressedBodySize,
		MaxDecompressedBodySize: DefaultMaxDecompressedBodySize,
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if cfg.EngineConfigPath != "" {
		if err := cfg.loadEngineConfig(); err != nil {
			return nil, err
		}
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	var parseErrors ValidationErrors

	if v := os.Getenv("EDGEE_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("EDGEE_HTTPS_ADDR"); v != "" {
		c.HTTPSAddr = v
	}
	if v := os.Getenv("EDGEE_FORCE_HTTPS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{Field: "EDGEE_FORCE_HTTPS", Message: fmt.Sprintf("invalid bool: %q", v)})
		} else {
			c.ForceHTTPS = b
		}
	}

	if v := os.Getenv("EDGEE_PROXY_ONLY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{Field: "EDGEE_PROXY_ONLY", Message: fmt.Sprintf("invalid bool: %q", v)})
		} else {
			c.ProxyOnly = b
		}
	}
	if v := os.Getenv("EDGEE_ENFORCE_NO_STORE_POLICY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{Field: "EDGEE_ENFORCE_NO_STORE_POLICY", Message: fmt.Sprintf("invalid bool: %q", v)})
		} else {
			c.EnforceNoStorePolicy = b
		}
	}
	if v := os.Getenv("EDGEE_BEHIND_PROXY_CACHE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{Field: "EDGEE_BEHIND_PROXY_CACHE", Message: fmt.Sprintf("invalid bool: %q", v)})
		} else {
			c.BehindProxyCache = b
		}
	}
	if v := os.Getenv("EDGEE_DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{Field: "EDGEE_DEBUG", Message: fmt.Sprintf("invalid bool: %q", v)})
		} else {
			c.Debug = b
		}
	}

	if v := os.Getenv("EDGEE_MAX_COMPRESSED_BODY_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			parseErrors = append(parseErrors, ValidationError{Field: "EDGEE_MAX_COMPRESSED_BODY_SIZE", Message: fmt.Sprintf("invalid positive integer: %q", v)})
		} else {
			c.MaxCompressedBodySize = n
		}
	}
	if v := os.Getenv("EDGEE_MAX_DECOMPRESSED_BODY_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			parseErrors = append(parseErrors, ValidationError{Field: "EDGEE_MAX_DECOMPRESSED_BODY_SIZE", Message: fmt.Sprintf("invalid positive integer: %q", v)})
		} else {
			c.MaxDecompressedBodySize = n
		}
	}

	if v := os.Getenv("EDGEE_COOKIE_NAME"); v != "" {
		c.CookieName = v
	}
	if v := os.Getenv("EDGEE_COOKIE_DOMAIN"); v != "" {
		c.CookieDomain = v
	}
	if v := os.Getenv("EDGEE_CRYPTO_KEY"); v != "" {
		c.CryptoKey = v
	}
	if v := os.Getenv("EDGEE_CRYPTO_IV"); v != "" {
		c.CryptoIV = v
	}

	if v := os.Getenv("EDGEE_ENGINE_CONFIG"); v != "" {
		c.EngineConfigPath = v
	}

	if v := os.Getenv("EDGEE_ANALYTICS_ENDPOINT"); v != "" {
		c.AnalyticsEndpoint = v
	}
	if v := os.Getenv("EDGEE_ANALYTICS_TOKEN"); v != "" {
		c.AnalyticsToken = v
	}

	if v := os.Getenv("EDGEE_TRACE_COMPONENT"); v != "" {
		c.TraceComponent = v
	}

	if v := os.Getenv("EDGEE_S3_REGION"); v != "" {
		c.S3Region = v
	}
	if v := os.Getenv("EDGEE_S3_ENDPOINT"); v != "" {
		c.S3Endpoint = v
	}
	if v := os.Getenv("EDGEE_S3_ACCESS_KEY_ID"); v != "" {
		c.S3AccessKeyID = v
	}
	if v := os.Getenv("EDGEE_S3_SECRET_ACCESS_KEY"); v != "" {
		c.S3SecretAccessKey = v
	}
	if v := os.Getenv("EDGEE_WASM_CACHE_DIR"); v != "" {
		c.WASMCacheDir = v
	}

	if v := os.Getenv("EDGEE_INJECT_SDK"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{Field: "EDGEE_INJECT_SDK", Message: fmt.Sprintf("invalid bool: %q", v)})
		} else {
			c.InjectSDK = b
		}
	}
	if v := os.Getenv("EDGEE_INJECT_SDK_POSITION"); v != "" {
		c.InjectSDKPosition = v
	}
	if v := os.Getenv("EDGEE_SDK_PATH"); v != "" {
		c.SDKPath = v
	}
	if v := os.Getenv("EDGEE_SDK_SRC"); v != "" {
		c.SDKSrc = v
	}

	if len(parseErrors) > 0 {
		return parseErrors
	}
	return nil
}

type engineDocument struct {
	Routing        []DomainConfig    `json:"routing"`
	DataCollection []ComponentConfig `json:"components_data_collection"`
}

func (c *Config) loadEngineConfig() error {
	raw, err := os.ReadFile(c.EngineConfigPath)
	if err != nil {
		return ValidationErrors{{Field: "EDGEE_ENGINE_CONFIG", Message: err.Error()}}
	}
	var doc engineDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ValidationErrors{{Field: "EDGEE_ENGINE_CONFIG", Message: fmt.Sprintf("invalid JSON: %v", err)}}
	}
	c.Routing = doc.Routing
	c.DataCollection = doc.DataCollection
	return nil
}

// Validate checks invariants the engine cannot run without.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.HTTPAddr == "" {
		errs = append(errs, ValidationError{Field: "EDGEE_HTTP_ADDR", Message: "must not be empty"})
	}
	if c.CookieName == "" {
		errs = append(errs, ValidationError{Field: "EDGEE_COOKIE_NAME", Message: "must not be empty"})
	}
	if c.CryptoKey != "" && len(c.CryptoKey) != 16 {
		errs = append(errs, ValidationError{Field: "EDGEE_CRYPTO_KEY", Message: "must be exactly 16 bytes"})
	}
	if c.CryptoIV != "" && len(c.CryptoIV) != 16 {
		errs = append(errs, ValidationError{Field: "EDGEE_CRYPTO_IV", Message: "must be exactly 16 bytes"})
	}

	for _, d := range c.Routing {
		if d.Host == "" {
			errs = append(errs, ValidationError{Field: "routing[].host", Message: "must not be empty"})
			continue
		}
		defaults := 0
		for _, b := range d.Backends {
			if b.Default {
				defaults++
			}
		}
		if defaults != 1 {
			errs = append(errs, ValidationError{Field: "routing[" + d.Host + "].backends", Message: fmt.Sprintf("exactly one backend must be marked default, found %d", defaults)})
		}
	}

	for _, comp := range c.DataCollection {
		if comp.ID == "" {
			errs = append(errs, ValidationError{Field: "components_data_collection[].id", Message: "must not be empty"})
		}
		if comp.File == "" {
			errs = append(errs, ValidationError{Field: "components_data_collection[" + comp.ID + "].file", Message: "must not be empty"})
		}
	}

	return errs
}

// MustLoad loads configuration and, if it fails, prints the errors to
// stderr and exits with status 1. Use this for application startup where
// configuration errors are fatal.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: failed to load configuration\n\n%s\n", err)
		os.Exit(1)
	}
	return cfg
}

// SessionCookieMaxAge is the fixed Identity Cookie lifetime (§4.B).
const SessionCookieMaxAge = 365 * 24 * time.Hour
