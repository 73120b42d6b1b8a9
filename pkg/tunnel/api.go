package tunnel

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/frameworks/frame-relay/pkg/frame"
	"github.com/frameworks/frame-relay/pkg/supervisor"
)

// APIRouter is the home agent's small control-plane router: it answers
// relayed api_request messages on behalf of a browser, without exposing
// an HTTP listener of its own.
type APIRouter struct {
	supervisor *supervisor.Supervisor
}

// NewAPIRouter builds an APIRouter over sup.
func NewAPIRouter(sup *supervisor.Supervisor) *APIRouter {
	return &APIRouter{supervisor: sup}
}

var frameByIDPath = regexp.MustCompile(`^/frames/([^/]+)$`)

// Handle dispatches one relayed request and returns a status code and a
// JSON-encoded response body, never an error: any failure is folded into
// the returned status/body pair so the caller always has something to
// send back as an api_response.
func (r *APIRouter) Handle(ctx context.Context, method, path string) (status int, body string) {
	switch {
	case method == "GET" && path == "/frames":
		return r.listFrames(ctx)
	case method == "GET" && frameByIDPath.MatchString(path):
		id := frameByIDPath.FindStringSubmatch(path)[1]
		return r.getFrame(ctx, frame.ID(id))
	default:
		return 404, `{"error":"not found"}`
	}
}

func (r *APIRouter) listFrames(ctx context.Context) (int, string) {
	frames, err := r.supervisor.ListFrames(ctx, nil)
	if err != nil {
		return 500, errorBody(err)
	}
	summaries := make([]wireFrame, 0, len(frames))
	for _, f := range frames {
		summaries = append(summaries, toWireFrame(f))
	}
	return 200, mustJSON(summaries)
}

func (r *APIRouter) getFrame(ctx context.Context, id frame.ID) (int, string) {
	f, err := r.supervisor.GetFrame(ctx, id)
	if err != nil {
		return 404, errorBody(err)
	}
	return 200, mustJSON(toWireFrame(f))
}

// wireFrame is the control-plane API's JSON projection of a frame, for the
// browser's frame detail view rather than frames_sync. Unlike
// wire.FrameSummary it carries the raw store status string, the
// description and the base port, and has no port list or timestamps.
type wireFrame struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Workspace   string `json:"workspace"`
	BasePort    int    `json:"basePort,omitempty"`
}

func toWireFrame(f *frame.Frame) wireFrame {
	return wireFrame{
		ID:          string(f.ID),
		Name:        f.Name,
		Description: f.Description,
		Status:      string(f.Status),
		Workspace:   f.WorkspacePath,
		BasePort:    f.BasePort,
	}
}

func errorBody(err error) string {
	return mustJSON(map[string]string{"error": err.Error()})
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error":"failed to encode response"}`
	}
	return string(b)
}
