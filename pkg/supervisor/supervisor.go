// Package supervisor orchestrates a frame's full lifecycle: container
// creation/start/stop/destroy, config-to-env mapping, on-disk auxiliary
// state, template attachment, and crash reconciliation. It is the single
// writer to both the frame store and the per-frame on-disk state.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/frameworks/frame-relay/pkg/container"
	"github.com/frameworks/frame-relay/pkg/frame"
	"github.com/frameworks/frame-relay/pkg/observability"
	"github.com/frameworks/frame-relay/pkg/template"
)

// ErrAlreadyRunning is returned by StartFrame for a frame already running.
var ErrAlreadyRunning = errors.New("supervisor: frame already running")

// ErrNotRunning is returned by StopFrame for a frame not currently running.
var ErrNotRunning = errors.New("supervisor: frame not running")

// ErrRunning is returned by DestroyFrame for a running frame without force.
var ErrRunning = errors.New("supervisor: frame is running, pass force to destroy")

// DefaultWorkspaceContainerPath is where a frame's workspace is mounted
// inside its container.
const DefaultWorkspaceContainerPath = "/workspace"

// DefaultAuxContainerPath is where a frame's auxiliary directory (holding
// the multiplexer control socket) is mounted inside its container.
const DefaultAuxContainerPath = "/frame-aux"

// DefaultCredentialContainerPath is where the best-effort per-user
// credential mount (see container.CreateOptions) lands inside a frame's
// container, if CredentialHostPath is configured.
const DefaultCredentialContainerPath = "/home/frame/.credentials"

// MultiplexerSessionName is the fixed tmux session name every frame's
// multiplexer runs under inside its container.
const MultiplexerSessionName = "main"

// Supervisor owns frame lifecycle, on-disk auxiliary state, and port
// allocation.
type Supervisor struct {
	store                   frame.Store
	ports                   *frame.PortAllocator
	engine                  *container.Adapter
	templates               *template.Loader
	image                   string
	auxRoot                 string
	credentialHostPath      string
	credentialContainerPath string
	logger                  *slog.Logger
	metrics                 *observability.RelayMetrics
}

// Config configures a Supervisor.
type Config struct {
	Store          frame.Store
	PortRangeStart int
	PortRangeEnd   int
	Engine         *container.Adapter
	Templates      *template.Loader
	// Image is the container image every frame is created from.
	Image string
	// AuxRoot is the per-user root directory under which each frame's
	// auxiliary subdirectory (named after the frame id) is created.
	AuxRoot string
	// CredentialHostPath, if set, is a per-user credential file or
	// directory bind-mounted read-only into every frame's container at
	// CredentialContainerPath. Missing on disk is not an error; the mount
	// is simply skipped (see container.CreateOptions).
	CredentialHostPath      string
	CredentialContainerPath string
	// Metrics collects frame lifecycle counters/gauges, if set. A nil
	// value disables metrics collection without affecting any other
	// behavior.
	Metrics *observability.RelayMetrics
}

// New constructs a Supervisor, seeding its port allocator from the store's
// currently allocated ports.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Supervisor, error) {
	start, end := cfg.PortRangeStart, cfg.PortRangeEnd
	if start == 0 && end == 0 {
		start, end = frame.DefaultPortRangeStart, frame.DefaultPortRangeEnd
	}
	ports, err := frame.NewPortAllocatorFromStore(ctx, start, end, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("build port allocator: %w", err)
	}

	return &Supervisor{
		store:                   cfg.Store,
		ports:                   ports,
		engine:                  cfg.Engine,
		templates:               cfg.Templates,
		image:                   cfg.Image,
		auxRoot:                 cfg.AuxRoot,
		credentialHostPath:      cfg.CredentialHostPath,
		credentialContainerPath: cfg.CredentialContainerPath,
		logger:                  logger,
		metrics:                 cfg.Metrics,
	}, nil
}

// AuxDir returns the per-frame auxiliary directory path.
func (s *Supervisor) AuxDir(id frame.ID) string {
	return filepath.Join(s.auxRoot, string(id))
}

// ControlSocketPath returns the per-frame multiplexer control socket path.
func (s *Supervisor) ControlSocketPath(id frame.ID) string {
	return filepath.Join(s.AuxDir(id), "mux.sock")
}

// GetAttachCommand returns the shell command an operator would run to
// attach to a frame's multiplexer session directly.
func (s *Supervisor) GetAttachCommand(id frame.ID) string {
	return fmt.Sprintf("tmux -S %s attach-session -t %s", s.ControlSocketPath(id), MultiplexerSessionName)
}

func (s *Supervisor) appendEvent(ctx context.Context, id frame.ID, kind frame.EventKind, detail any) {
	var raw json.RawMessage
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			raw = b
		}
	}
	if err := s.store.AppendEvent(ctx, frame.Event{FrameID: id, Kind: kind, Detail: raw}); err != nil {
		s.logger.Warn("failed to append frame event", "frame_id", id, "kind", kind, "error", err)
	}
}

// CreateFrame validates the input, allocates a port, materializes
// on-disk state, and persists the frame in StatusCreated. Template
// application is deferred to StartFrame.
func (s *Supervisor) CreateFrame(ctx context.Context, in frame.CreateInput, templateName string) (*frame.Frame, error) {
	info, err := os.Stat(in.WorkspacePath)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("workspace path %q does not exist or is not a directory", in.WorkspacePath)
	}

	if templateName != "" && s.templates != nil {
		templates := s.templates.LoadAll()
		if _, ok := templates[templateName]; !ok {
			return nil, fmt.Errorf("unknown template %q", templateName)
		}
	}

	port, err := s.ports.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocate port: %w", err)
	}

	f, err := s.store.CreateFrame(ctx, in)
	if err != nil {
		s.ports.Release(port)
		return nil, err
	}

	if err := os.MkdirAll(s.AuxDir(f.ID), 0o755); err != nil {
		s.ports.Release(port)
		_ = s.store.DeleteFrame(ctx, f.ID)
		return nil, fmt.Errorf("create auxiliary directory: %w", err)
	}

	var tplPtr *string
	if templateName != "" {
		tplPtr = &templateName
	}
	f, err = s.store.UpdateFrame(ctx, f.ID, frame.Update{BasePort: &port, TemplateName: tplPtr})
	if err != nil {
		s.ports.Release(port)
		return nil, err
	}

	s.appendEvent(ctx, f.ID, frame.EventCreated, map[string]any{
		"workspacePath": in.WorkspacePath,
		"hostPort":      port,
	})
	if s.metrics != nil {
		s.metrics.FramesCreated.Inc()
	}
	return f, nil
}

// configToEnv maps a frame's Config to container environment variables per
// §4.7: the per-frame API key wins over any process-global key of the
// same name.
func configToEnv(cfg frame.Config, processEnv map[string]string) map[string]string {
	env := make(map[string]string)
	for k, v := range processEnv {
		env[k] = v
	}

	if cfg.Manager.Provider != "" {
		env["PROVIDER"] = string(cfg.Manager.Provider)
	}
	if cfg.Manager.Model != "" {
		env["MODEL"] = cfg.Manager.Model
	}
	if cfg.Manager.Temperature != nil {
		env["TEMPERATURE"] = strconv.FormatFloat(*cfg.Manager.Temperature, 'f', -1, 64)
	}
	if cfg.Manager.BaseURL != "" {
		env["BASE_URL"] = cfg.Manager.BaseURL
	}
	if cfg.Manager.APIKey != "" {
		key := providerAPIKeyVar(cfg.Manager.Provider)
		if key != "" {
			env[key] = cfg.Manager.APIKey
		}
	}
	return env
}

func providerAPIKeyVar(provider frame.ModelProvider) string {
	switch provider {
	case frame.ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case frame.ProviderOpenAI:
		return "OPENAI_API_KEY"
	case frame.ProviderOllama:
		return ""
	default:
		return "API_KEY"
	}
}

// StartFrame transitions a frame through starting to running, creating
// its container if needed and applying its template once the container
// reports ready.
func (s *Supervisor) StartFrame(ctx context.Context, id frame.ID, processEnv map[string]string) (*frame.Frame, error) {
	started := time.Now()
	f, err := s.store.GetFrame(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Status == frame.StatusRunning {
		return nil, ErrAlreadyRunning
	}

	startingStatus := frame.StatusStarting
	f, err = s.store.UpdateFrame(ctx, id, frame.Update{Status: &startingStatus})
	if err != nil {
		return nil, err
	}

	containerID, createErr := s.ensureContainer(ctx, f, processEnv)
	if createErr != nil {
		return s.failFrame(ctx, id, createErr)
	}

	if err := s.engine.Start(ctx, containerID); err != nil {
		return s.failFrame(ctx, id, fmt.Errorf("start container: %w", err))
	}

	if f.TemplateName != "" && s.templates != nil {
		s.applyTemplateBestEffort(ctx, f)
	}

	running := frame.StatusRunning
	now := time.Now()
	f, err = s.store.UpdateFrame(ctx, id, frame.Update{Status: &running, ContainerID: &containerID, LastActiveAt: &now})
	if err != nil {
		return nil, err
	}
	s.appendEvent(ctx, id, frame.EventStarted, map[string]any{"containerId": containerID})
	if s.metrics != nil {
		s.metrics.FramesStarted.Inc()
		s.metrics.ActiveFrames.Inc()
		s.metrics.FrameStartLatency.Observe(time.Since(started).Seconds())
	}
	return f, nil
}

func (s *Supervisor) ensureContainer(ctx context.Context, f *frame.Frame, processEnv map[string]string) (string, error) {
	if f.ContainerID != "" {
		if info, err := s.engine.Inspect(ctx, f.ContainerID); err == nil {
			return info.ID, nil
		}
	}

	cfg, err := s.store.GetFrameConfig(ctx, f.ID)
	if err != nil {
		return "", fmt.Errorf("load frame config: %w", err)
	}
	env := configToEnv(*cfg, processEnv)

	ports := []container.PortBinding{
		{HostPort: f.BasePort, ContainerPort: cfg.Ports.PrimaryServicePort},
		{HostPort: frame.SecondaryPort(f.BasePort), ContainerPort: frame.SecondaryPort(f.BasePort)},
	}
	for _, p := range cfg.Ports.AdditionalPorts {
		ports = append(ports, container.PortBinding{HostPort: p, ContainerPort: p})
	}

	return s.engine.Create(ctx, container.CreateOptions{
		Name:                    string(f.ID),
		Image:                   s.image,
		WorkspaceHostPath:       f.WorkspacePath,
		WorkspaceContainerPath:  DefaultWorkspaceContainerPath,
		AuxHostPath:             s.AuxDir(f.ID),
		AuxContainerPath:        DefaultAuxContainerPath,
		CredentialHostPath:      s.credentialHostPath,
		CredentialContainerPath: s.credentialContainerPath,
		Ports:                   ports,
		Env:                     env,
	})
}

func (s *Supervisor) applyTemplateBestEffort(ctx context.Context, f *frame.Frame) {
	all := s.templates.LoadAll()
	resolved, err := template.Resolve(f.TemplateName, all, s.logger)
	if err != nil {
		s.logger.Warn("failed to resolve template, skipping application", "frame_id", f.ID, "template", f.TemplateName, "error", err)
		return
	}
	applier := template.NewApplier(s.ControlSocketPath(f.ID), MultiplexerSessionName, s.logger)
	if err := applier.Apply(ctx, resolved); err != nil {
		s.logger.Warn("failed to apply template", "frame_id", f.ID, "template", f.TemplateName, "error", err)
	}
}

func (s *Supervisor) failFrame(ctx context.Context, id frame.ID, cause error) (*frame.Frame, error) {
	errStatus := frame.StatusError
	detail := cause.Error()
	f, updErr := s.store.UpdateFrame(ctx, id, frame.Update{Status: &errStatus, ErrorDetail: &detail})
	if updErr != nil {
		s.logger.Error("failed to record frame error state", "frame_id", id, "error", updErr)
	}
	s.appendEvent(ctx, id, frame.EventError, map[string]any{"detail": detail})
	if s.metrics != nil {
		s.metrics.FrameErrors.Inc()
	}
	return f, cause
}

// StopFrame transitions a running frame through stopping to stopped.
func (s *Supervisor) StopFrame(ctx context.Context, id frame.ID) (*frame.Frame, error) {
	f, err := s.store.GetFrame(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Status != frame.StatusRunning {
		return nil, ErrNotRunning
	}

	stopping := frame.StatusStopping
	if _, err := s.store.UpdateFrame(ctx, id, frame.Update{Status: &stopping}); err != nil {
		return nil, err
	}

	if f.ContainerID != "" {
		if err := s.engine.Stop(ctx, f.ContainerID); err != nil {
			return s.failFrame(ctx, id, fmt.Errorf("stop container: %w", err))
		}
	}

	stopped := frame.StatusStopped
	f, err = s.store.UpdateFrame(ctx, id, frame.Update{Status: &stopped})
	if err != nil {
		return nil, err
	}
	s.appendEvent(ctx, id, frame.EventStopped, nil)
	if s.metrics != nil {
		s.metrics.FramesStopped.Inc()
		s.metrics.ActiveFrames.Dec()
	}
	return f, nil
}

// DestroyFrame removes a frame's container and record. A running frame is
// rejected unless force is set.
func (s *Supervisor) DestroyFrame(ctx context.Context, id frame.ID, force bool) error {
	f, err := s.store.GetFrame(ctx, id)
	if err != nil {
		return err
	}
	if f.Status == frame.StatusRunning && !force {
		return ErrRunning
	}

	if f.ContainerID != "" {
		if err := s.engine.Remove(ctx, f.ContainerID, true); err != nil {
			s.logger.Warn("best-effort container removal failed", "frame_id", id, "container_id", f.ContainerID, "error", err)
		}
	}
	_ = os.RemoveAll(s.AuxDir(id))

	if f.BasePort != 0 {
		s.ports.Release(f.BasePort)
	}

	s.appendEvent(ctx, id, frame.EventDestroyed, nil)
	if s.metrics != nil {
		s.metrics.FramesDestroyed.Inc()
	}
	return s.store.DeleteFrame(ctx, id)
}

// GetFrame returns a frame by id.
func (s *Supervisor) GetFrame(ctx context.Context, id frame.ID) (*frame.Frame, error) {
	return s.store.GetFrame(ctx, id)
}

// GetFrameByName returns a frame by name.
func (s *Supervisor) GetFrameByName(ctx context.Context, name string) (*frame.Frame, error) {
	return s.store.GetFrameByName(ctx, name)
}

// ListFrames lists frames, optionally filtered by status.
func (s *Supervisor) ListFrames(ctx context.Context, status *frame.Status) ([]*frame.Frame, error) {
	return s.store.ListFrames(ctx, status)
}

// GetFrameConfig returns a frame's configuration.
func (s *Supervisor) GetFrameConfig(ctx context.Context, id frame.ID) (*frame.Config, error) {
	return s.store.GetFrameConfig(ctx, id)
}

// UpdateFrameConfig replaces a frame's configuration and records a
// config_changed event.
func (s *Supervisor) UpdateFrameConfig(ctx context.Context, id frame.ID, cfg frame.Config) error {
	if err := s.store.UpdateFrameConfig(ctx, id, cfg); err != nil {
		return err
	}
	s.appendEvent(ctx, id, frame.EventConfigChanged, nil)
	return nil
}

// GetFrameEvents returns up to limit lifecycle events for a frame, newest
// first.
func (s *Supervisor) GetFrameEvents(ctx context.Context, id frame.ID, limit int) ([]*frame.Event, error) {
	return s.store.GetFrameEvents(ctx, id, limit)
}

// Reconcile resolves every frame left in a transient state (starting,
// stopping) against container-engine reality, as required after a crash
// mid-transition: a frame whose container exists and is running becomes
// running, otherwise it becomes stopped.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	for _, status := range []frame.Status{frame.StatusStarting, frame.StatusStopping} {
		st := status
		frames, err := s.store.ListFrames(ctx, &st)
		if err != nil {
			return fmt.Errorf("list frames in status %s: %w", status, err)
		}
		for _, f := range frames {
			s.reconcileOne(ctx, f)
		}
	}
	return nil
}

func (s *Supervisor) reconcileOne(ctx context.Context, f *frame.Frame) {
	resolved := frame.StatusStopped
	if f.ContainerID != "" {
		if info, err := s.engine.Inspect(ctx, f.ContainerID); err == nil && info.Running {
			resolved = frame.StatusRunning
		}
	}
	if _, err := s.store.UpdateFrame(ctx, f.ID, frame.Update{Status: &resolved}); err != nil {
		s.logger.Error("failed to reconcile frame state", "frame_id", f.ID, "error", err)
		return
	}
	s.logger.Info("reconciled transient frame state", "frame_id", f.ID, "from", f.Status, "to", resolved)
}
