package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
agent:
  name: math
  namespace: acme/prod
checkpoint:
  backend_url: "file:mesh.db"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "math", cfg.Agent.Name)
	assert.Equal(t, 8, cfg.Agent.WorkerPoolSize)
	assert.Equal(t, 1000, cfg.Agent.TimeoutSweepIntervalMs)
	assert.Equal(t, 3, cfg.Agent.LLMRetryMaxAttempts)
	assert.Equal(t, 300, cfg.Agent.DefaultPeerTimeoutSeconds)
	assert.Equal(t, 10, cfg.Agent.DiscoveryPublishIntervalSeconds)
	assert.Equal(t, "memory", cfg.Broker.Type)
	assert.Equal(t, "sqlite", cfg.Checkpoint.Driver)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, 120, cfg.LLM.TimeoutSeconds)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadValidates(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing name", "agent:\n  namespace: ns\ncheckpoint:\n  backend_url: x\n"},
		{"missing namespace", "agent:\n  name: a\ncheckpoint:\n  backend_url: x\n"},
		{"missing checkpoint url", "agent:\n  name: a\n  namespace: ns\n"},
		{"bad broker type", "agent:\n  name: a\n  namespace: ns\nbroker:\n  type: kafka\ncheckpoint:\n  backend_url: x\n"},
		{"redis without url", "agent:\n  name: a\n  namespace: ns\nbroker:\n  type: redis\ncheckpoint:\n  backend_url: x\n"},
		{"bad driver", "agent:\n  name: a\n  namespace: ns\ncheckpoint:\n  driver: oracle\n  backend_url: x\n"},
		{"bad llm provider", "agent:\n  name: a\n  namespace: ns\ncheckpoint:\n  backend_url: x\nllm:\n  provider: acme\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestSanitizeAgentName(t *testing.T) {
	assert.Equal(t, "my_agent", SanitizeAgentName("my_agent"))
	assert.Equal(t, "my_agent_1", SanitizeAgentName("my agent-1"))
	assert.Equal(t, "math", SanitizeAgentName("math"))
}

func TestLoadSanitizesAgentName(t *testing.T) {
	cfg, err := Load([]byte(`
agent:
  name: "math agent!"
  namespace: ns
checkpoint:
  backend_url: x
`))
	require.NoError(t, err)
	assert.Equal(t, "math_agent_", cfg.Agent.Name)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("MESH_DB_URL", "postgres://localhost/mesh")

	cfg, err := Load([]byte(`
agent:
  name: math
  namespace: ns
checkpoint:
  driver: postgres
  backend_url: "${MESH_DB_URL}"
`))
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/mesh", cfg.Checkpoint.BackendURL)
}

func TestExpandEnvVarsDefault(t *testing.T) {
	cfg, err := Load([]byte(`
agent:
  name: math
  namespace: "${MESH_NS_UNSET_XYZ:-acme/dev}"
checkpoint:
  backend_url: x
`))
	require.NoError(t, err)
	assert.Equal(t, "acme/dev", cfg.Agent.Namespace)
}
