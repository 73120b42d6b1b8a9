package supervisor

import (
	"context"
	"log/slog"
	"testing"

	"github.com/frameworks/frame-relay/pkg/frame"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T) (*Supervisor, frame.Store) {
	t.Helper()
	store := frame.NewMemoryStore()
	sup, err := New(context.Background(), Config{
		Store:          store,
		PortRangeStart: 33000,
		PortRangeEnd:   33010,
		Image:          "frame-relay/workspace:latest",
		AuxRoot:        t.TempDir(),
	}, slog.Default())
	require.NoError(t, err)
	return sup, store
}

func TestCreateFrame_RejectsMissingWorkspace(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	_, err := sup.CreateFrame(context.Background(), frame.CreateInput{
		Name:          "a",
		WorkspacePath: "/does/not/exist",
	}, "")
	require.Error(t, err)
}

func TestCreateFrame_AllocatesPortAndPersists(t *testing.T) {
	sup, store := newTestSupervisor(t)
	f, err := sup.CreateFrame(context.Background(), frame.CreateInput{
		Name:          "a",
		WorkspacePath: t.TempDir(),
	}, "")
	require.NoError(t, err)
	require.Equal(t, frame.StatusCreated, f.Status)
	require.GreaterOrEqual(t, f.BasePort, 33000)

	got, err := store.GetFrame(context.Background(), f.ID)
	require.NoError(t, err)
	require.Equal(t, f.BasePort, got.BasePort)
}

func TestCreateFrame_RejectsUnknownTemplate(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	_, err := sup.CreateFrame(context.Background(), frame.CreateInput{
		Name:          "a",
		WorkspacePath: t.TempDir(),
	}, "nonexistent-template")
	require.Error(t, err)
}

func TestCreateFrame_ReleasesPortOnNameCollision(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ws := t.TempDir()
	_, err := sup.CreateFrame(context.Background(), frame.CreateInput{Name: "dup", WorkspacePath: ws}, "")
	require.NoError(t, err)

	before := sup.ports.AvailableCount()
	_, err = sup.CreateFrame(context.Background(), frame.CreateInput{Name: "dup", WorkspacePath: ws}, "")
	require.ErrorIs(t, err, frame.ErrNameTaken)
	require.Equal(t, before, sup.ports.AvailableCount())
}

func TestStopFrame_RejectsNotRunning(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	f, err := sup.CreateFrame(context.Background(), frame.CreateInput{Name: "a", WorkspacePath: t.TempDir()}, "")
	require.NoError(t, err)

	_, err = sup.StopFrame(context.Background(), f.ID)
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestDestroyFrame_RejectsRunningWithoutForce(t *testing.T) {
	sup, store := newTestSupervisor(t)
	f, err := sup.CreateFrame(context.Background(), frame.CreateInput{Name: "a", WorkspacePath: t.TempDir()}, "")
	require.NoError(t, err)

	running := frame.StatusRunning
	_, err = store.UpdateFrame(context.Background(), f.ID, frame.Update{Status: &running})
	require.NoError(t, err)

	err = sup.DestroyFrame(context.Background(), f.ID, false)
	require.ErrorIs(t, err, ErrRunning)
}

func TestDestroyFrame_ForceRemovesFrameAndReleasesPort(t *testing.T) {
	sup, store := newTestSupervisor(t)
	f, err := sup.CreateFrame(context.Background(), frame.CreateInput{Name: "a", WorkspacePath: t.TempDir()}, "")
	require.NoError(t, err)
	port := f.BasePort

	running := frame.StatusRunning
	_, err = store.UpdateFrame(context.Background(), f.ID, frame.Update{Status: &running})
	require.NoError(t, err)

	require.NoError(t, sup.DestroyFrame(context.Background(), f.ID, true))

	_, err = store.GetFrame(context.Background(), f.ID)
	require.ErrorIs(t, err, frame.ErrNotFound)
	require.True(t, sup.ports.IsAvailable(port))
}

func TestConfigToEnv_PerFrameKeyWinsOverProcessGlobal(t *testing.T) {
	cfg := frame.Config{
		Manager: frame.ManagerConfig{
			Provider: frame.ProviderAnthropic,
			Model:    "claude",
			APIKey:   "frame-key",
		},
	}
	env := configToEnv(cfg, map[string]string{"ANTHROPIC_API_KEY": "global-key", "OTHER": "kept"})

	require.Equal(t, "frame-key", env["ANTHROPIC_API_KEY"])
	require.Equal(t, "kept", env["OTHER"])
	require.Equal(t, "claude", env["MODEL"])
	require.Equal(t, "anthropic", env["PROVIDER"])
}

func TestConfigToEnv_OllamaHasNoAPIKeyVar(t *testing.T) {
	cfg := frame.Config{Manager: frame.ManagerConfig{Provider: frame.ProviderOllama, APIKey: "ignored"}}
	env := configToEnv(cfg, nil)
	require.NotContains(t, env, "API_KEY")
}

func TestReconcile_NoTransientFramesIsNoOp(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	require.NoError(t, sup.Reconcile(context.Background()))
}

func TestGetAttachCommand_ReferencesSocketAndSession(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	cmd := sup.GetAttachCommand(frame.ID("abc"))
	require.Contains(t, cmd, "abc")
	require.Contains(t, cmd, MultiplexerSessionName)
}
