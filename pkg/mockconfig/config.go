// Package mockconfig holds the environment-variable-driven runtime
// configuration for the mock server: a const Env* block naming every
// recognized variable, and a Load function that only overwrites fields
// actually present in the environment.
package mockconfig

import (
	"os"
	"strconv"
	"strings"
)

// Recognized environment variables.
const (
	EnvGRPCPortPlaintext = "GRPC_PORT_PLAINTEXT"
	EnvGRPCPortTLS       = "GRPC_PORT_TLS"
	EnvConnectPort       = "CONNECT_PORT"

	EnvGRPCTLSEnabled           = "GRPC_TLS_ENABLED"
	EnvGRPCTLSCertPath          = "GRPC_TLS_CERT_PATH"
	EnvGRPCTLSKeyPath           = "GRPC_TLS_KEY_PATH"
	EnvGRPCTLSCAPath            = "GRPC_TLS_CA_PATH"
	EnvGRPCTLSRequireClientCert = "GRPC_TLS_REQUIRE_CLIENT_CERT"
	EnvGRPCTLSAllowedCNs        = "GRPC_TLS_ALLOWED_CNS"
	EnvGRPCTLSAllowedOUs        = "GRPC_TLS_ALLOWED_OUS"
	EnvGRPCReflectionEnabled    = "GRPC_REFLECTION_ENABLED"

	EnvConnectEnabled     = "CONNECT_ENABLED"
	EnvConnectCORSEnabled = "CONNECT_CORS_ENABLED"
	EnvConnectCORSOrigins = "CONNECT_CORS_ORIGINS"
	EnvConnectCORSMethods = "CONNECT_CORS_METHODS"
	EnvConnectCORSHeaders = "CONNECT_CORS_HEADERS"
	EnvConnectTLSEnabled  = "CONNECT_TLS_ENABLED"

	EnvValidationEnabled    = "VALIDATION_ENABLED"
	EnvValidationSource     = "VALIDATION_SOURCE"
	EnvValidationMode       = "VALIDATION_MODE"
	EnvValidationCELMessage = "VALIDATION_CEL_MESSAGE"

	EnvHotReloadProtos = "HOT_RELOAD_PROTOS"
	EnvHotReloadRules  = "HOT_RELOAD_RULES"

	EnvProtoDir = "MOCKGRPC_PROTO_DIR"
	EnvRuleDir  = "MOCKGRPC_RULE_DIR"

	EnvLogLevel  = "MOCKGRPC_LOG_LEVEL"
	EnvLogFormat = "MOCKGRPC_LOG_FORMAT"
)

// Default ports.
const (
	DefaultGRPCPortPlaintext = 50050
	DefaultGRPCPortTLS       = 50051
	DefaultConnectPort       = 50052
)

// Validation sources and modes.
const (
	ValidationSourceAuto          = "auto"
	ValidationSourcePGV           = "pgv"
	ValidationSourceProtovalidate = "protovalidate"

	ValidationModePerMessage = "per_message"
	ValidationModeAggregate  = "aggregate"

	ValidationCELDisabled     = "disabled"
	ValidationCELExperimental = "experimental"
)

// TLSConfig holds native-gRPC TLS/mTLS settings.
type TLSConfig struct {
	Enabled           bool
	CertPath          string
	KeyPath           string
	CAPath            string
	RequireClientCert bool
	AllowedCNs        []string
	AllowedOUs        []string
}

// ConnectConfig holds Connect/gRPC-Web listener settings.
type ConnectConfig struct {
	Enabled     bool
	TLSEnabled  bool
	CORSEnabled bool
	CORSOrigins []string
	CORSMethods []string
	CORSHeaders []string
}

// ValidationConfig holds the validation runtime's switches.
type ValidationConfig struct {
	Enabled    bool
	Source     string
	Mode       string
	CELMessage string
}

// HotReloadConfig holds per-directory watcher toggles.
type HotReloadConfig struct {
	Protos bool
	Rules  bool
}

// Config is the complete runtime configuration, assembled by Load.
type Config struct {
	ProtoDir string
	RuleDir  string

	GRPCPortPlaintext int
	GRPCPortTLS       int
	ConnectPort       int

	ReflectionEnabled bool

	TLS        TLSConfig
	Connect    ConnectConfig
	Validation ValidationConfig
	HotReload  HotReloadConfig

	LogLevel  string
	LogFormat string
}

// Default returns the configuration in effect with no environment overrides.
func Default() *Config {
	return &Config{
		ProtoDir:          "protos",
		RuleDir:           "rules/grpc",
		GRPCPortPlaintext: DefaultGRPCPortPlaintext,
		GRPCPortTLS:       DefaultGRPCPortTLS,
		ConnectPort:       DefaultConnectPort,
		TLS:               TLSConfig{},
		Connect: ConnectConfig{
			Enabled:     true,
			CORSEnabled: true,
			CORSMethods: []string{"POST", "OPTIONS"},
			CORSHeaders: []string{"Content-Type", "Connect-Protocol-Version", "Connect-Timeout-Ms", "X-Grpc-Web", "X-User-Agent"},
		},
		Validation: ValidationConfig{
			Enabled:    true,
			Source:     ValidationSourceAuto,
			Mode:       ValidationModePerMessage,
			CELMessage: ValidationCELDisabled,
		},
		HotReload: HotReloadConfig{Protos: true, Rules: true},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load builds a Config from Default() overlaid with every recognized
// environment variable that is actually present. Absent variables leave the
// default value untouched.
func Load() *Config {
	cfg := Default()

	if v := os.Getenv(EnvProtoDir); v != "" {
		cfg.ProtoDir = v
	}
	if v := os.Getenv(EnvRuleDir); v != "" {
		cfg.RuleDir = v
	}

	if v, ok := envInt(EnvGRPCPortPlaintext); ok {
		cfg.GRPCPortPlaintext = v
	}
	if v, ok := envInt(EnvGRPCPortTLS); ok {
		cfg.GRPCPortTLS = v
	}
	if v, ok := envInt(EnvConnectPort); ok {
		cfg.ConnectPort = v
	}

	if v, ok := os.LookupEnv(EnvGRPCTLSEnabled); ok {
		cfg.TLS.Enabled = envBool(v)
	}
	if v := os.Getenv(EnvGRPCTLSCertPath); v != "" {
		cfg.TLS.CertPath = v
	}
	if v := os.Getenv(EnvGRPCTLSKeyPath); v != "" {
		cfg.TLS.KeyPath = v
	}
	if v := os.Getenv(EnvGRPCTLSCAPath); v != "" {
		cfg.TLS.CAPath = v
		// mTLS defaults to false even with a CA configured; only the
		// explicit toggle below turns it on.
	}
	if v, ok := os.LookupEnv(EnvGRPCTLSRequireClientCert); ok {
		cfg.TLS.RequireClientCert = envBool(v)
	}
	if v := os.Getenv(EnvGRPCTLSAllowedCNs); v != "" {
		cfg.TLS.AllowedCNs = splitCSV(v)
	}
	if v := os.Getenv(EnvGRPCTLSAllowedOUs); v != "" {
		cfg.TLS.AllowedOUs = splitCSV(v)
	}
	// An explicit GRPC_TLS_ENABLED setting wins, whether true or false;
	// without one, TLS is enabled when cert+key paths are both present.
	if cfg.TLS.CertPath != "" && cfg.TLS.KeyPath != "" {
		if _, explicit := os.LookupEnv(EnvGRPCTLSEnabled); !explicit {
			cfg.TLS.Enabled = true
		}
	}

	if v, ok := os.LookupEnv(EnvConnectEnabled); ok {
		cfg.Connect.Enabled = envBool(v)
	}
	if v, ok := os.LookupEnv(EnvConnectCORSEnabled); ok {
		cfg.Connect.CORSEnabled = envBool(v)
	}
	if v := os.Getenv(EnvConnectCORSOrigins); v != "" {
		cfg.Connect.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv(EnvConnectCORSMethods); v != "" {
		cfg.Connect.CORSMethods = splitCSV(v)
	}
	if v := os.Getenv(EnvConnectCORSHeaders); v != "" {
		cfg.Connect.CORSHeaders = splitCSV(v)
	}
	if v, ok := os.LookupEnv(EnvConnectTLSEnabled); ok {
		cfg.Connect.TLSEnabled = envBool(v)
	}

	if v, ok := os.LookupEnv(EnvGRPCReflectionEnabled); ok {
		cfg.ReflectionEnabled = envBool(v)
	}

	if v, ok := os.LookupEnv(EnvValidationEnabled); ok {
		cfg.Validation.Enabled = envBool(v)
	}
	if v := os.Getenv(EnvValidationSource); v != "" {
		cfg.Validation.Source = v
	}
	if v := os.Getenv(EnvValidationMode); v != "" {
		cfg.Validation.Mode = v
	}
	if v := os.Getenv(EnvValidationCELMessage); v != "" {
		cfg.Validation.CELMessage = v
	}

	if v, ok := os.LookupEnv(EnvHotReloadProtos); ok {
		cfg.HotReload.Protos = envBool(v)
	}
	if v, ok := os.LookupEnv(EnvHotReloadRules); ok {
		cfg.HotReload.Rules = envBool(v)
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// envBool parses the truthy-bool convention shared by the whole env surface:
// "true" or "1" is true, everything else is false.
func envBool(v string) bool {
	return v == "true" || v == "1"
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
