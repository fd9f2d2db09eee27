package klaviyo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/segpulse/errors"
)

const definitionsYAML = `
segments:
  - id: vip
    name: VIP customers
    starred: true
    condition_groups:
      - conditions:
          - type: profile-metric
            metric_id: placed-order
            measurement: count
  - id: lapsed
    name: Lapsed buyers
    condition_groups:
      - conditions:
          - type: profile-property
            property: last_order
`

func writeDefinitions(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "segments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFileDefinitions(t *testing.T) {
	defs, err := LoadFileDefinitions(writeDefinitions(t, definitionsYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"lapsed", "vip"}, defs.IDs())

	vip, err := defs.Lookup(context.Background(), "vip")
	require.NoError(t, err)
	assert.Equal(t, "VIP customers", vip.Name)
	assert.True(t, vip.Starred)
	require.Len(t, vip.ConditionGroups, 1)

	conditions, ok := vip.ConditionGroups[0]["conditions"].([]any)
	require.True(t, ok)
	require.Len(t, conditions, 1)
	first, ok := conditions[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "placed-order", first["metric_id"])

	_, err = defs.Lookup(context.Background(), "ghost")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestLoadFileDefinitionsRejectsBadFiles(t *testing.T) {
	tests := map[string]string{
		"duplicate id": `
segments:
  - {id: vip, name: A, condition_groups: [{conditions: []}]}
  - {id: vip, name: B, condition_groups: [{conditions: []}]}
`,
		"missing name": `
segments:
  - {id: vip, condition_groups: [{conditions: []}]}
`,
		"missing conditions": `
segments:
  - {id: vip, name: VIP}
`,
		"not yaml": "segments: [",
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFileDefinitions(writeDefinitions(t, content))
			assert.Error(t, err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFileDefinitions(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestFileDefinitionsReloadKeepsPreviousOnError(t *testing.T) {
	path := writeDefinitions(t, definitionsYAML)
	defs, err := LoadFileDefinitions(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("segments: ["), 0644))
	require.Error(t, defs.Reload())
	assert.Len(t, defs.IDs(), 2)

	require.NoError(t, os.WriteFile(path, []byte(`
segments:
  - {id: winback, name: Win-back, condition_groups: [{conditions: []}]}
`), 0644))
	require.NoError(t, defs.Reload())
	assert.Equal(t, []string{"winback"}, defs.IDs())
}

func TestStaticDefinitionsFillsID(t *testing.T) {
	def, err := testDefs.Lookup(context.Background(), "vip")
	require.NoError(t, err)
	assert.Equal(t, "vip", def.ID)
}
