package frame

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	f, err := s.CreateFrame(ctx, CreateInput{Name: "alpha", WorkspacePath: "/tmp/ws-alpha"})
	require.NoError(t, err)
	require.Equal(t, StatusCreated, f.Status)
	require.NotEmpty(t, f.ID)

	got, err := s.GetFrame(ctx, f.ID)
	require.NoError(t, err)
	require.Equal(t, f.Name, got.Name)

	byName, err := s.GetFrameByName(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, f.ID, byName.ID)
}

func TestMemoryStore_DuplicateNameRejected(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.CreateFrame(ctx, CreateInput{Name: "alpha", WorkspacePath: "/tmp/a"})
	require.NoError(t, err)

	_, err = s.CreateFrame(ctx, CreateInput{Name: "alpha", WorkspacePath: "/tmp/b"})
	require.ErrorIs(t, err, ErrNameTaken)
}

func TestMemoryStore_UpdateFrame(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	f, err := s.CreateFrame(ctx, CreateInput{Name: "alpha", WorkspacePath: "/tmp/a"})
	require.NoError(t, err)

	running := StatusRunning
	port := 33000
	updated, err := s.UpdateFrame(ctx, f.ID, Update{Status: &running, BasePort: &port})
	require.NoError(t, err)
	require.Equal(t, StatusRunning, updated.Status)
	require.Equal(t, 33000, updated.BasePort)
}

func TestMemoryStore_UpdateRejectsInvalidStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	f, err := s.CreateFrame(ctx, CreateInput{Name: "alpha", WorkspacePath: "/tmp/a"})
	require.NoError(t, err)

	bogus := Status("bogus")
	_, err = s.UpdateFrame(ctx, f.ID, Update{Status: &bogus})
	require.ErrorIs(t, err, ErrInvalidStatus)

	got, err := s.GetFrame(ctx, f.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCreated, got.Status)
}

func TestMemoryStore_UpdateRejectsPortCollision(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a, err := s.CreateFrame(ctx, CreateInput{Name: "alpha", WorkspacePath: "/tmp/a"})
	require.NoError(t, err)
	b, err := s.CreateFrame(ctx, CreateInput{Name: "beta", WorkspacePath: "/tmp/b"})
	require.NoError(t, err)

	running := StatusRunning
	port := 33000
	_, err = s.UpdateFrame(ctx, a.ID, Update{Status: &running, BasePort: &port})
	require.NoError(t, err)

	_, err = s.UpdateFrame(ctx, b.ID, Update{Status: &running, BasePort: &port})
	require.ErrorIs(t, err, ErrPortTaken)

	got, err := s.GetFrame(ctx, b.ID)
	require.NoError(t, err)
	require.Zero(t, got.BasePort)
}

func TestMemoryStore_UpdateAllowsPortReuseAfterStop(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a, err := s.CreateFrame(ctx, CreateInput{Name: "alpha", WorkspacePath: "/tmp/a"})
	require.NoError(t, err)
	b, err := s.CreateFrame(ctx, CreateInput{Name: "beta", WorkspacePath: "/tmp/b"})
	require.NoError(t, err)

	running := StatusRunning
	stopped := StatusStopped
	port := 33000
	_, err = s.UpdateFrame(ctx, a.ID, Update{Status: &running, BasePort: &port})
	require.NoError(t, err)
	_, err = s.UpdateFrame(ctx, a.ID, Update{Status: &stopped})
	require.NoError(t, err)

	updated, err := s.UpdateFrame(ctx, b.ID, Update{Status: &running, BasePort: &port})
	require.NoError(t, err)
	require.Equal(t, 33000, updated.BasePort)
}

func TestMemoryStore_UpdateMissingFrame(t *testing.T) {
	s := NewMemoryStore()
	running := StatusRunning
	_, err := s.UpdateFrame(context.Background(), ID("missing"), Update{Status: &running})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_DeleteCascadesConfigAndEvents(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	f, err := s.CreateFrame(ctx, CreateInput{Name: "alpha", WorkspacePath: "/tmp/a"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateFrameConfig(ctx, f.ID, Config{Manager: ManagerConfig{Provider: ProviderAnthropic}}))
	require.NoError(t, s.AppendEvent(ctx, Event{FrameID: f.ID, Kind: EventCreated}))

	require.NoError(t, s.DeleteFrame(ctx, f.ID))

	_, err = s.GetFrame(ctx, f.ID)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetFrameConfig(ctx, f.ID)
	require.ErrorIs(t, err, ErrNotFound)

	events, err := s.GetFrameEvents(ctx, f.ID, 0)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestMemoryStore_EventsNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	f, err := s.CreateFrame(ctx, CreateInput{Name: "alpha", WorkspacePath: "/tmp/a"})
	require.NoError(t, err)

	require.NoError(t, s.AppendEvent(ctx, Event{FrameID: f.ID, Kind: EventCreated}))
	require.NoError(t, s.AppendEvent(ctx, Event{FrameID: f.ID, Kind: EventStarted}))

	events, err := s.GetFrameEvents(ctx, f.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, EventStarted, events[0].Kind)
	require.Equal(t, EventCreated, events[1].Kind)
}

func TestMemoryStore_ListFramesFiltersByStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a, err := s.CreateFrame(ctx, CreateInput{Name: "alpha", WorkspacePath: "/tmp/a"})
	require.NoError(t, err)
	_, err = s.CreateFrame(ctx, CreateInput{Name: "beta", WorkspacePath: "/tmp/b"})
	require.NoError(t, err)

	running := StatusRunning
	_, err = s.UpdateFrame(ctx, a.ID, Update{Status: &running})
	require.NoError(t, err)

	filtered, err := s.ListFrames(ctx, &running)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	require.Equal(t, "alpha", filtered[0].Name)

	all, err := s.ListFrames(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestMemoryStore_ListAllocatedPorts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a, err := s.CreateFrame(ctx, CreateInput{Name: "alpha", WorkspacePath: "/tmp/a"})
	require.NoError(t, err)

	port := 33000
	_, err = s.UpdateFrame(ctx, a.ID, Update{BasePort: &port})
	require.NoError(t, err)

	ports, err := s.ListAllocatedPorts(ctx)
	require.NoError(t, err)
	require.Equal(t, []int{33000}, ports)
}
