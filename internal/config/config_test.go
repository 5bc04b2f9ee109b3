package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load(writeConfig(t, "{}"))
	require.NoError(t, err)

	assert.Equal(t, 1024, s.EmbeddingDim)
	assert.Equal(t, 32000, s.UserInputMaxTokens)
	assert.Equal(t, 64000, s.TotalContextMaxTokens)
	assert.Equal(t, 0.95, s.DedupSimThreshold)
	assert.Equal(t, 0.88, s.ContradictionSimThreshold)
	assert.Equal(t, 0.9, s.ProceduralReuseThreshold)
	assert.Equal(t, 2, s.StepRetries)
	assert.Equal(t, 30*time.Second, s.EmbedTimeout)
	assert.False(t, s.TaskClassifierEnabled)
	assert.True(t, s.RetrievalPreferSession)
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, `
rag_top_k: 7
m3_enabled: false
system_prompt: custom
`)
	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, s.RAGTopK)
	assert.False(t, s.M3Enabled)
	assert.Equal(t, "custom", s.SystemPrompt)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MEMFUSE_STRUCTURED_TOP_K", "21")
	s, err := Load(writeConfig(t, "{}"))
	require.NoError(t, err)
	assert.Equal(t, 21, s.StructuredTopK)
}

func TestValidateRejectsBadBudgets(t *testing.T) {
	s, err := Load(writeConfig(t, "{}"))
	require.NoError(t, err)

	s.TotalContextMaxTokens = 10
	s.UserInputMaxTokens = 100
	assert.Error(t, s.Validate())

	s, _ = Load(writeConfig(t, "{}"))
	s.EmbeddingDim = 768
	assert.Error(t, s.Validate())

	s, _ = Load(writeConfig(t, "{}"))
	s.DedupSimThreshold = 1.5
	assert.Error(t, s.Validate())
}

func TestDumpElidesSecrets(t *testing.T) {
	s, err := Load(writeConfig(t, "{}"))
	require.NoError(t, err)
	s.LLMAPIKey = "sk-secret"
	out := s.Dump()
	assert.NotContains(t, out, "sk-secret")
	assert.Contains(t, out, "rag_top_k")
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memfuse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}
