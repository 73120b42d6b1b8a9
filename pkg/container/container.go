// Package container is a thin capability layer over a podman or docker
// CLI, giving the frame supervisor create/start/stop/inspect/exec
// primitives without binding it to either engine's client library.
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/frameworks/frame-relay/pkg/resilience"
)

// DefaultSubprocessTimeout bounds every engine subprocess call; a hung
// podman/docker invocation must not wedge the supervisor indefinitely.
const DefaultSubprocessTimeout = 30 * time.Second

// Runtime identifies the detected container engine.
type Runtime string

const (
	RuntimePodman Runtime = "podman"
	RuntimeDocker Runtime = "docker"
)

// ErrNoRuntime is returned when neither podman nor docker is on PATH.
var ErrNoRuntime = errors.New("container: no container runtime found on PATH (tried podman, docker)")

// ErrNotFound is returned by Inspect/FindByName when no matching
// container exists.
var ErrNotFound = errors.New("container: not found")

// PortBinding is a single host-port-to-container-port mapping.
type PortBinding struct {
	HostPort      int
	ContainerPort int
}

// CreateOptions configures a new container.
type CreateOptions struct {
	// Name is namespaced by the adapter with a fixed prefix before being
	// passed to the engine.
	Name string
	Image string
	// WorkspaceHostPath is bind-mounted read-write at WorkspaceContainerPath.
	WorkspaceHostPath      string
	WorkspaceContainerPath string
	// AuxHostPath is a small per-frame auxiliary directory (holds the
	// multiplexer control socket) bind-mounted at AuxContainerPath.
	AuxHostPath      string
	AuxContainerPath string
	Ports            []PortBinding
	// EngineSocketHostPath, if set, is passed through for
	// container-in-container use.
	EngineSocketHostPath string
	// CredentialHostPath, if set, is a per-user credential file or
	// directory bind-mounted read-only at CredentialContainerPath. The
	// mount is best-effort: if the host path does not exist, Create skips
	// it and logs rather than failing the container create.
	CredentialHostPath      string
	CredentialContainerPath string
	Env                     map[string]string
	Command                 []string
}

// Info is the parsed state of a container as reported by the engine.
type Info struct {
	ID      string
	Name    string
	Image   string
	Running bool
	Status  string
	Ports   []PortBinding
}

// Adapter drives a single autodetected container engine via its CLI.
type Adapter struct {
	runtime    Runtime
	namePrefix string
	logger     *slog.Logger
	breaker    *resilience.CircuitBreaker
	retry      resilience.RetryConfig
	// concurrency bounds how many engine CLI invocations run at once, so a
	// burst of frame starts doesn't pile subprocesses on top of a daemon
	// that's already struggling.
	concurrency *resilience.Bulkhead
}

// NamePrefix namespaces every container this adapter creates or looks up.
const NamePrefix = "framerelay-"

// maxConcurrentEngineCalls bounds how many podman/docker subprocesses this
// adapter runs at once, independent of how many frames are being created,
// started, or inspected concurrently.
const maxConcurrentEngineCalls = 8

// Detect probes PATH for podman, falling back to docker.
func Detect(logger *slog.Logger) (*Adapter, error) {
	breaker := resilience.NewCircuitBreaker(resilience.DefaultEngineCircuitBreakerConfig("container-engine"))
	retry := resilience.DefaultEngineRetryConfig()
	concurrency := resilience.NewBulkhead("container-engine-cli", maxConcurrentEngineCalls)

	if _, err := exec.LookPath("podman"); err == nil {
		logger.Info("detected container runtime", "runtime", RuntimePodman)
		return &Adapter{runtime: RuntimePodman, namePrefix: NamePrefix, logger: logger, breaker: breaker, retry: retry, concurrency: concurrency}, nil
	}
	if _, err := exec.LookPath("docker"); err == nil {
		logger.Info("detected container runtime", "runtime", RuntimeDocker)
		return &Adapter{runtime: RuntimeDocker, namePrefix: NamePrefix, logger: logger, breaker: breaker, retry: retry, concurrency: concurrency}, nil
	}
	return nil, ErrNoRuntime
}

// Runtime returns the detected engine name, for logging.
func (a *Adapter) Runtime() Runtime { return a.runtime }

func (a *Adapter) qualifiedName(name string) string {
	if strings.HasPrefix(name, a.namePrefix) {
		return name
	}
	return a.namePrefix + name
}

func (a *Adapter) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultSubprocessTimeout)
	defer cancel()

	var stdout string
	err := a.concurrency.Execute(ctx, func() error {
		return resilience.Retry(ctx, a.retry, func(attempt int) error {
			if attempt > 0 {
				a.logger.Debug("retrying engine command", "attempt", attempt, "args", args)
			}
			return a.breaker.Execute(func() error {
				cmd := exec.CommandContext(ctx, string(a.runtime), args...)
				var outBuf, errBuf bytes.Buffer
				cmd.Stdout = &outBuf
				cmd.Stderr = &errBuf
				runErr := cmd.Run()
				stdout = outBuf.String()
				if runErr != nil {
					return fmt.Errorf("%s %s: %w: %s", a.runtime, strings.Join(args, " "), runErr, strings.TrimSpace(errBuf.String()))
				}
				return nil
			})
		})
	})
	return stdout, err
}

// statHostPath is overridable in tests so buildCreateArgs's best-effort
// credential mount can be exercised without touching the real filesystem.
var statHostPath = os.Stat

// buildCreateArgs renders opts into the engine CLI's "create" argument
// list. Pulled out of Create so the best-effort credential mount and
// other option-to-flag mappings are unit-testable without a real
// podman/docker binary on PATH.
func (a *Adapter) buildCreateArgs(opts CreateOptions) []string {
	args := []string{"create", "--name", a.qualifiedName(opts.Name)}

	args = append(args, "-v", fmt.Sprintf("%s:%s:rw", opts.WorkspaceHostPath, opts.WorkspaceContainerPath))
	if opts.AuxHostPath != "" {
		args = append(args, "-v", fmt.Sprintf("%s:%s:rw", opts.AuxHostPath, opts.AuxContainerPath))
	}
	if opts.EngineSocketHostPath != "" {
		args = append(args, "-v", fmt.Sprintf("%s:%s:rw", opts.EngineSocketHostPath, opts.EngineSocketHostPath))
	}
	if opts.CredentialHostPath != "" {
		if _, err := statHostPath(opts.CredentialHostPath); err != nil {
			a.logger.Info("skipping credential mount, host path not present",
				"path", opts.CredentialHostPath, "error", err)
		} else {
			args = append(args, "-v", fmt.Sprintf("%s:%s:ro", opts.CredentialHostPath, opts.CredentialContainerPath))
		}
	}
	for _, p := range opts.Ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", p.HostPort, p.ContainerPort))
	}
	for k, v := range opts.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}

	args = append(args, opts.Image)
	args = append(args, opts.Command...)
	return args
}

// Create creates (but does not start) a container and returns its engine
// id.
func (a *Adapter) Create(ctx context.Context, opts CreateOptions) (string, error) {
	out, err := a.run(ctx, a.buildCreateArgs(opts)...)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Start starts a previously created (or stopped) container.
func (a *Adapter) Start(ctx context.Context, id string) error {
	if _, err := a.run(ctx, "start", id); err != nil {
		return fmt.Errorf("start container %s: %w", id, err)
	}
	return nil
}

// Stop stops a running container.
func (a *Adapter) Stop(ctx context.Context, id string) error {
	if _, err := a.run(ctx, "stop", id); err != nil {
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

// Remove removes a container, optionally forcing removal of a running one.
func (a *Adapter) Remove(ctx context.Context, id string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, id)
	if _, err := a.run(ctx, args...); err != nil {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

type inspectJSON struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	Image string `json:"Image"`
	State struct {
		Running bool   `json:"Running"`
		Status  string `json:"Status"`
	} `json:"State"`
	NetworkSettings struct {
		Ports map[string][]struct {
			HostPort string `json:"HostPort"`
		} `json:"Ports"`
	} `json:"NetworkSettings"`
}

// Inspect returns parsed state for a container, or ErrNotFound.
func (a *Adapter) Inspect(ctx context.Context, id string) (*Info, error) {
	out, err := a.run(ctx, "inspect", id)
	if err != nil {
		return nil, ErrNotFound
	}

	var parsed []inspectJSON
	if err := json.Unmarshal([]byte(out), &parsed); err != nil || len(parsed) == 0 {
		return nil, fmt.Errorf("parse inspect output for %s: %w", id, err)
	}
	raw := parsed[0]

	info := &Info{
		ID:      raw.ID,
		Name:    strings.TrimPrefix(raw.Name, "/"),
		Image:   raw.Image,
		Running: raw.State.Running,
		Status:  raw.State.Status,
	}
	for containerPort, bindings := range raw.NetworkSettings.Ports {
		cp := parsePortNumber(containerPort)
		for _, b := range bindings {
			hp, err := strconv.Atoi(b.HostPort)
			if err != nil {
				continue
			}
			info.Ports = append(info.Ports, PortBinding{HostPort: hp, ContainerPort: cp})
		}
	}
	return info, nil
}

func parsePortNumber(spec string) int {
	idx := strings.Index(spec, "/")
	if idx < 0 {
		idx = len(spec)
	}
	n, _ := strconv.Atoi(spec[:idx])
	return n
}

// FindByName returns an existing container's info by its unqualified
// name, or ErrNotFound.
func (a *Adapter) FindByName(ctx context.Context, name string) (*Info, error) {
	return a.Inspect(ctx, a.qualifiedName(name))
}

// List returns info for every framerelay-prefixed container.
func (a *Adapter) List(ctx context.Context) ([]*Info, error) {
	out, err := a.run(ctx, "ps", "-a", "--filter", "name="+a.namePrefix, "--format", "{{.ID}}")
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	var infos []*Info
	for _, id := range strings.Fields(out) {
		info, err := a.Inspect(ctx, id)
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Exec runs argv inside a running container and returns combined stdout.
func (a *Adapter) Exec(ctx context.Context, id string, argv []string) (string, error) {
	args := append([]string{"exec", id}, argv...)
	out, err := a.run(ctx, args...)
	if err != nil {
		return out, fmt.Errorf("exec in container %s: %w", id, err)
	}
	return out, nil
}

// ImageExists reports whether an image is present locally.
func (a *Adapter) ImageExists(ctx context.Context, image string) bool {
	_, err := a.run(ctx, "image", "inspect", image)
	return err == nil
}

// BuildImage builds an image from a Dockerfile-bearing directory.
func (a *Adapter) BuildImage(ctx context.Context, dir, tag string) error {
	if _, err := a.run(ctx, "build", "-t", tag, dir); err != nil {
		return fmt.Errorf("build image from %s: %w", dir, err)
	}
	return nil
}
