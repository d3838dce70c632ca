package cli

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/internal/artifact"
	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/session"
	"github.com/wardenlabs/warden/internal/workflow"
	"github.com/wardenlabs/warden/templates"
)

func TestValidateEmbeddedDefault(t *testing.T) {
	cmd := newValidateCmd()
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
}

func TestValidateRejectsBrokenWorkflow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	broken := `
name: broken
version: "1.0"
phases:
  - id: PLAN
    name: Plan
    allowed_tools: ["read_files"]
    items: []
transitions:
  - from: PLAN
    to: MISSING
`
	require.NoError(t, os.WriteFile(path, []byte(broken), 0o644))

	cmd := newValidateCmd()
	cmd.SetArgs([]string{path})
	cmd.SilenceErrors = true
	assert.Error(t, cmd.Execute())
}

func TestInitCreatesLayout(t *testing.T) {
	t.Chdir(t.TempDir())

	cmd := newInitCmd()
	require.NoError(t, cmd.Execute())

	layout := session.NewLayout(".")
	assert.DirExists(t, layout.SchemasDir())
	assert.FileExists(t, filepath.Join(layout.Dir(), config.ConfigFileName))

	// Re-running must not clobber an existing config.
	cfgPath := filepath.Join(layout.Dir(), config.ConfigFileName)
	require.NoError(t, os.WriteFile(cfgPath, []byte("version: 99\n"), 0o644))
	require.NoError(t, newInitCmd().Execute())
	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "version: 99")
}

func TestCurrentOrNewSessionRoundTrip(t *testing.T) {
	layout := session.NewLayout(t.TempDir())
	require.NoError(t, os.MkdirAll(layout.Dir(), 0o755))

	id, err := currentOrNewSession(layout)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.DirExists(t, layout.SessionDir(id))

	again, err := currentOrNewSession(layout)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestCheckSchemaRefs(t *testing.T) {
	raw, err := fs.ReadFile(templates.Workflows, templates.DefaultWorkflowPath)
	require.NoError(t, err)
	def, err := workflow.Parse(raw)
	require.NoError(t, err)

	schemas := artifact.NewRegistry(nil)
	require.NoError(t, schemas.LoadFS(templates.Schemas, "schemas"))

	// Every reference in the shipped workflow resolves.
	require.NoError(t, checkSchemaRefs(def, schemas))

	// A reference without a schema is a startup error.
	def.Phases[0].RequiredArtifacts = append(def.Phases[0].RequiredArtifacts,
		workflow.RequiredArtifact{Type: "risk_register", Schema: "risk_register"})
	assert.Error(t, checkSchemaRefs(def, schemas))
}
