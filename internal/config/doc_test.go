package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeDefaults_FillsMissingKeys(t *testing.T) {
	sparse := Doc{}
	merged := MergeDefaults(sparse, Defaults())
	require.Equal(t, Defaults().Orchestrator.MaxIterations, merged.Orchestrator.MaxIterations)
	require.Equal(t, Defaults().Guards.EchoThreshold, merged.Guards.EchoThreshold)
	require.NotNil(t, merged.Models.Models)
}

func TestMergeDefaults_PreservesExplicitValues(t *testing.T) {
	explicit := Doc{Orchestrator: OrchestratorConfig{MaxIterations: 99}}
	merged := MergeDefaults(explicit, Defaults())
	require.Equal(t, 99, merged.Orchestrator.MaxIterations)
}

func TestValidate_RejectsNonPositiveMaxIterations(t *testing.T) {
	d := MergeDefaults(Doc{}, Defaults())
	d.Orchestrator.MaxIterations = 0
	require.Error(t, Validate(d))
}

func TestValidate_RejectsBadPort(t *testing.T) {
	d := MergeDefaults(Doc{}, Defaults())
	d.Gateway.Port = 0
	require.Error(t, Validate(d))
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	require.NoError(t, Validate(MergeDefaults(Doc{}, Defaults())))
}

func TestRedact_MasksProviderKeysAndGatewayAuth(t *testing.T) {
	d := MergeDefaults(Doc{}, Defaults())
	d.Gateway.AuthValue = "super-secret"
	d.Models.Models = []ModelEntry{{ID: "anthropic:claude", APIKey: "sk-ant-secret"}}
	d.Models.EmbeddingModels = []ModelEntry{{ID: "openai:embed", APIKey: "sk-openai-secret"}}

	redacted := Redact(d)
	require.Equal(t, redactedValue, redacted.Gateway.AuthValue)
	require.Equal(t, redactedValue, redacted.Models.Models[0].APIKey)
	require.Equal(t, redactedValue, redacted.Models.EmbeddingModels[0].APIKey)

	// Redact must not mutate the original.
	require.Equal(t, "super-secret", d.Gateway.AuthValue)
	require.Equal(t, "sk-ant-secret", d.Models.Models[0].APIKey)
}

func TestMergeDefaults_RoundTripValidateAfterSave(t *testing.T) {
	// Merging defaults twice in a row must be idempotent and stay valid.
	d := MergeDefaults(Doc{Orchestrator: OrchestratorConfig{MaxIterations: 5}}, Defaults())
	require.NoError(t, Validate(d))
	reloaded := MergeDefaults(d, Defaults())
	require.NoError(t, Validate(reloaded))
	require.Equal(t, d, reloaded)
}
