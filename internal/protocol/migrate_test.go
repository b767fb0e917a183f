package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindPathDirect(t *testing.T) {
	r := NewMigrationRegistry()
	path, err := r.FindPath("1.0", "2.0")
	require.NoError(t, err)
	require.Len(t, path, 1)
	assert.Equal(t, "1.0", path[0].from)
	assert.Equal(t, "2.0", path[0].to)
}

func TestFindPathSameVersion(t *testing.T) {
	r := NewMigrationRegistry()
	path, err := r.FindPath("2.0", "2.0")
	require.NoError(t, err)
	assert.Nil(t, path)
}

func TestFindPathNoRoute(t *testing.T) {
	r := NewMigrationRegistry()
	_, err := r.FindPath("0.5", "2.0")
	assert.Error(t, err)
}

func TestFindPathMultiHop(t *testing.T) {
	r := NewMigrationRegistry()
	r.Register("2.0", "3.0", func(m map[string]interface{}) (map[string]interface{}, error) { return m, nil })
	path, err := r.FindPath("1.0", "3.0")
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, "1.0", path[0].from)
	assert.Equal(t, "3.0", path[1].to)
}

func TestMigrateV1ToV2(t *testing.T) {
	doc := map[string]interface{}{
		"protocol_version": "1.0",
		"plan_id":          "p1",
		"steps": []interface{}{
			map[string]interface{}{
				"id":   "s1",
				"type": "filesystem",
				"name": "read_file",
				"args": []interface{}{"/tmp/a.txt"},
			},
		},
	}
	p := NewMigrationPipeline("2.0")
	out, err := p.Upgrade(doc)
	require.NoError(t, err)
	assert.Equal(t, "2.0", out["protocol_version"])
	assert.NotContains(t, out, "steps")

	actions, ok := out["actions"].([]interface{})
	require.True(t, ok)
	require.Len(t, actions, 1)
	action := actions[0].(map[string]interface{})
	assert.Equal(t, "filesystem", action["module"])
	assert.Equal(t, "read_file", action["action"])
	assert.Equal(t, "abort", action["on_error"])
	assert.Equal(t, 60, action["timeout_seconds"])
	params := action["params"].(map[string]interface{})
	assert.Equal(t, "/tmp/a.txt", params["arg_0"])
}
