package capability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	manifest Manifest
	execute  func(ctx context.Context, action string, params map[string]interface{}) (Result, error)
}

func (s *stubProvider) Execute(ctx context.Context, action string, params map[string]interface{}) (Result, error) {
	return s.execute(ctx, action, params)
}

func (s *stubProvider) Manifest() Manifest { return s.manifest }

func newStub(moduleID string, actions ...string) *stubProvider {
	specs := make([]ActionSpec, len(actions))
	for i, a := range actions {
		specs[i] = ActionSpec{Name: a}
	}
	return &stubProvider{
		manifest: Manifest{ModuleID: moduleID, Version: "1.0.0", Actions: specs},
		execute: func(ctx context.Context, action string, params map[string]interface{}) (Result, error) {
			return Result{Output: map[string]interface{}{"action": action}}, nil
		},
	}
}

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry()
	r.Register(newStub("filesystem", "read_file", "write_file"))

	res, err := r.Dispatch(context.Background(), "filesystem", "read_file", nil)
	require.NoError(t, err)
	assert.Equal(t, "read_file", res.Output["action"])
}

func TestRegistryUnknownModule(t *testing.T) {
	r := NewRegistry()
	_, err := r.Dispatch(context.Background(), "ghost", "do", nil)
	assert.Error(t, err)
}

func TestRegistryUnknownAction(t *testing.T) {
	r := NewRegistry()
	r.Register(newStub("filesystem", "read_file"))
	_, err := r.Dispatch(context.Background(), "filesystem", "delete_file", nil)
	assert.Error(t, err)
}

func TestRegistryManifestsSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(newStub("process"))
	r.Register(newStub("app"))
	manifests := r.Manifests()
	require.Len(t, manifests, 2)
	assert.Equal(t, "app", manifests[0].ModuleID)
	assert.Equal(t, "process", manifests[1].ModuleID)
}
