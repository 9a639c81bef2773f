package mockconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultLeavesEveryFieldAtItsDocumentedDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, DefaultGRPCPortPlaintext, cfg.GRPCPortPlaintext)
	require.Equal(t, DefaultGRPCPortTLS, cfg.GRPCPortTLS)
	require.Equal(t, DefaultConnectPort, cfg.ConnectPort)
	require.False(t, cfg.TLS.Enabled)
	require.True(t, cfg.Connect.Enabled)
	require.Equal(t, ValidationModePerMessage, cfg.Validation.Mode)
	require.True(t, cfg.HotReload.Protos)
	require.True(t, cfg.HotReload.Rules)
}

func TestLoadOnlyOverwritesVariablesActuallyPresent(t *testing.T) {
	t.Setenv(EnvGRPCPortPlaintext, "60000")
	cfg := Load()
	require.Equal(t, 60000, cfg.GRPCPortPlaintext)
	// Untouched variables keep their default.
	require.Equal(t, DefaultGRPCPortTLS, cfg.GRPCPortTLS)
	require.Equal(t, DefaultConnectPort, cfg.ConnectPort)
}

func TestLoadTLSAutoEnablesWhenCertAndKeyPathsAreBothSet(t *testing.T) {
	t.Setenv(EnvGRPCTLSCertPath, "/tmp/server.crt")
	t.Setenv(EnvGRPCTLSKeyPath, "/tmp/server.key")
	cfg := Load()
	require.True(t, cfg.TLS.Enabled)
}

func TestLoadExplicitTLSDisabledOverridesCertKeyAutoEnable(t *testing.T) {
	t.Setenv(EnvGRPCTLSCertPath, "/tmp/server.crt")
	t.Setenv(EnvGRPCTLSKeyPath, "/tmp/server.key")
	t.Setenv(EnvGRPCTLSEnabled, "false")
	cfg := Load()
	require.False(t, cfg.TLS.Enabled)
}

func TestLoadParsesAllowedCNsAndOUsAsCSV(t *testing.T) {
	t.Setenv(EnvGRPCTLSAllowedCNs, "client-a, client-b,client-c")
	t.Setenv(EnvGRPCTLSAllowedOUs, "eng")
	cfg := Load()
	require.Equal(t, []string{"client-a", "client-b", "client-c"}, cfg.TLS.AllowedCNs)
	require.Equal(t, []string{"eng"}, cfg.TLS.AllowedOUs)
}

func TestLoadParsesConnectCORSOrigins(t *testing.T) {
	t.Setenv(EnvConnectCORSOrigins, "https://a.example.com,https://b.example.com")
	cfg := Load()
	require.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Connect.CORSOrigins)
}

func TestEnvBoolAcceptsTrueAndOneOnly(t *testing.T) {
	require.True(t, envBool("true"))
	require.True(t, envBool("1"))
	require.False(t, envBool("false"))
	require.False(t, envBool("yes"))
	require.False(t, envBool(""))
}
