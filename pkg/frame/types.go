// Package frame defines the persistent frame model — a named, container-backed
// workspace with lifecycle state, a bound workspace directory, and an
// embedded terminal multiplexer session — plus the store that persists it.
package frame

import (
	"encoding/json"
	"fmt"
	"time"
)

// ID is a frame's opaque, globally unique identifier.
type ID string

// Status is a frame's lifecycle state.
type Status string

const (
	StatusCreated  Status = "created"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// ValidStatuses is the allowed-status domain enforced at the store layer.
var ValidStatuses = map[Status]bool{
	StatusCreated:  true,
	StatusStarting: true,
	StatusRunning:  true,
	StatusStopping: true,
	StatusStopped:  true,
	StatusError:    true,
}

// Frame is a single containerized workspace.
type Frame struct {
	ID            ID        `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	WorkspacePath string    `json:"workspace_path"`
	ContainerID   string    `json:"container_id,omitempty"`
	Status        Status    `json:"status"`
	BasePort      int       `json:"base_port"`
	ExtraPorts    []int     `json:"extra_ports,omitempty"`
	TemplateName  string    `json:"template_name,omitempty"`
	ErrorDetail   string    `json:"error_detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastActiveAt  time.Time `json:"last_active_at,omitempty"`
}

// SecondaryPortOffset places the derived service port safely above the
// allocator range so it is never confused with a base-port allocation.
// A smaller offset (+1000) has been observed in some deployments but that
// maps base port 33000 onto 34000, the top of the default range; this is the
// documented, correct value (see spec.md §9, open question (c)).
const SecondaryPortOffset = 2000

// SecondaryPort returns the derived service port for a frame's base port.
func SecondaryPort(basePort int) int {
	return basePort + SecondaryPortOffset
}

// ModelProvider is the model-provider tag for a frame's configuration.
type ModelProvider string

const (
	ProviderAnthropic ModelProvider = "anthropic"
	ProviderOpenAI    ModelProvider = "openai"
	ProviderOllama    ModelProvider = "ollama"
	ProviderCustom    ModelProvider = "custom"
)

// ManagerConfig is the model-provider portion of a frame's configuration.
type ManagerConfig struct {
	Provider    ModelProvider `json:"provider,omitempty"`
	Model       string        `json:"model,omitempty"`
	BaseURL     string        `json:"base_url,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	APIKey      string        `json:"api_key,omitempty"`
}

// PortsConfig is the port-preferences portion of a frame's configuration.
type PortsConfig struct {
	PrimaryServicePort int   `json:"primary_service_port,omitempty"`
	AdditionalPorts    []int `json:"additional_ports,omitempty"`
}

// Flags are free-form behavior toggles attached to a frame's configuration.
type Flags map[string]bool

// Config is the optional structured blob attached per frame: desired
// model-provider settings, port preferences, and behavior flags. It is
// mutated only through the supervisor and applied at container creation
// time and on restart.
type Config struct {
	FrameID ID            `json:"frame_id"`
	Manager ManagerConfig `json:"manager"`
	Ports   PortsConfig   `json:"ports"`
	Flags   Flags         `json:"flags,omitempty"`
}

// EventKind classifies a frame lifecycle event.
type EventKind string

const (
	EventCreated       EventKind = "created"
	EventStarted       EventKind = "started"
	EventStopped       EventKind = "stopped"
	EventError         EventKind = "error"
	EventConfigChanged EventKind = "config_changed"
	EventDestroyed     EventKind = "destroyed"
)

// Event is an append-only, read-only-after-insert lifecycle record.
type Event struct {
	ID        int64           `json:"id"`
	FrameID   ID              `json:"frame_id"`
	Kind      EventKind       `json:"kind"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// CreateInput is the validated input to Supervisor.CreateFrame.
type CreateInput struct {
	Name          string
	Description   string
	WorkspacePath string
}

// Update is a partial update applied to a frame record. Only non-nil
// fields are written; the zero value of a pointer field means "leave
// unchanged."
type Update struct {
	Status       *Status
	ContainerID  *string
	ErrorDetail  *string
	TemplateName *string
	LastActiveAt *time.Time
	BasePort     *int
	ExtraPorts   []int
}

// Validate checks that a CreateInput is well-formed (name and workspace path
// are required; workspace existence is checked by the supervisor, which has
// filesystem access the store does not need).
func (in CreateInput) Validate() error {
	if in.Name == "" {
		return fmt.Errorf("frame name is required")
	}
	if in.WorkspacePath == "" {
		return fmt.Errorf("workspace path is required")
	}
	return nil
}
