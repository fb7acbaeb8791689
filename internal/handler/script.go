package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"httpbackend-go/internal/backend"
	"httpbackend-go/internal/transaction"
)

// ScriptStep is one transaction call. Backend picks the client; Name is the
// request name within that client.
type ScriptStep struct {
	Op      string `json:"op"`
	Backend string `json:"backend"`
	Name    string `json:"name"`
	Method  string `json:"method,omitempty"`
	URL     string `json:"url,omitempty"`
	Key     string `json:"key,omitempty"`
	Value   string `json:"value,omitempty"`
	Body    string `json:"body,omitempty"`
}

// ScriptRequest is the body of POST /script.
type ScriptRequest struct {
	Steps []ScriptStep `json:"steps"`
}

// ScriptResponse lists one result per executed step.
type ScriptResponse struct {
	ID      string           `json:"id"`
	Results []map[string]any `json:"results"`
	Error   string           `json:"error,omitempty"`
}

var errUnknownOp = errors.New("unknown op")

// ScriptHandler runs a list of transaction calls inside one call scope, the
// way a host script would during a single client request.
type ScriptHandler struct {
	reg    *backend.Registry
	logger *slog.Logger
}

// NewScriptHandler creates a ScriptHandler.
func NewScriptHandler(reg *backend.Registry, logger *slog.Logger) *ScriptHandler {
	return &ScriptHandler{
		reg:    reg,
		logger: logger.With("component", "script_handler"),
	}
}

// Handle serves POST /script. Steps run in order; the first usage error stops
// the script with 400. Transactions still in flight when the call ends are abandoned.
func (h *ScriptHandler) Handle(c echo.Context) error {
	var sr ScriptRequest
	if err := c.Bind(&sr); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid script body",
		})
	}

	id := uuid.NewString()
	logger := h.logger.With("call_id", id)

	store := transaction.NewStore()
	defer store.Close()

	// Backend names are resolved once per call; later steps use the id.
	ids := make(map[string]uuid.UUID)

	resp := ScriptResponse{ID: id, Results: make([]map[string]any, 0, len(sr.Steps))}
	for i, step := range sr.Steps {
		result, err := h.run(store, ids, step)
		if err != nil {
			logger.Warn("script step failed", "step", i, "op", step.Op, "err", err)
			resp.Error = fmt.Sprintf("step %d (%s): %v", i, step.Op, err)
			return c.JSON(http.StatusBadRequest, resp)
		}
		resp.Results = append(resp.Results, result)
	}

	logger.Debug("script finished", "steps", len(sr.Steps), "transactions", store.Len())
	return c.JSON(http.StatusOK, resp)
}

func (h *ScriptHandler) run(s *transaction.Store, ids map[string]uuid.UUID, step ScriptStep) (map[string]any, error) {
	id, ok := ids[step.Backend]
	if !ok {
		var err error
		if id, err = h.reg.Resolve(step.Backend); err != nil {
			return nil, err
		}
		ids[step.Backend] = id
	}
	b, err := h.reg.Get(id)
	if err != nil {
		return nil, err
	}
	tc := b.Script()
	result := map[string]any{"op": step.Op}

	switch step.Op {
	case "init":
		method := step.Method
		if method == "" {
			method = http.MethodGet
		}
		err = tc.Init(s, step.Name, method, step.URL)
	case "set_header":
		err = tc.SetHeader(s, step.Name, step.Key, step.Value)
	case "set_body":
		err = tc.SetBody(s, step.Name, []byte(step.Body))
	case "send":
		err = tc.Send(s, step.Name)
	case "status":
		var status int
		status, err = tc.Status(s, step.Name)
		result["status"] = status
	case "header":
		var (
			value string
			ok    bool
		)
		value, ok, err = tc.Header(s, step.Name, step.Key)
		if ok {
			result["value"] = value
		}
		result["found"] = ok
	case "body":
		var body string
		body, err = tc.BodyString(s, step.Name)
		result["body"] = body
	case "error":
		var (
			msg string
			ok  bool
		)
		msg, ok, err = tc.Error(s, step.Name)
		if ok {
			result["message"] = msg
			cause, _ := tc.Cause(s, step.Name)
			var netErr net.Error
			result["timeout"] = errors.As(cause, &netErr) && netErr.Timeout()
		}
		result["failed"] = ok
	default:
		return nil, fmt.Errorf("%w %q", errUnknownOp, step.Op)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
