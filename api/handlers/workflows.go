package handlers

import (
	"mime"
	"net/http"
	"strings"

	"github.com/BaSui01/agentgrid/types"
	"github.com/BaSui01/agentgrid/workflow"
	"go.uber.org/zap"
)

// WorkflowRegistry is the part of the engine that manages definitions.
type WorkflowRegistry interface {
	RegisterDefinition(def *workflow.Definition) (*workflow.Graph, error)
	Definition(name string) (*workflow.Definition, error)
	Definitions() []string
}

// WorkflowHandler serves /api/v1/workflows.
type WorkflowHandler struct {
	registry WorkflowRegistry
	logger   *zap.Logger
}

// WorkflowInfo describes a registered workflow.
type WorkflowInfo struct {
	Name  string   `json:"name"`
	Steps int      `json:"steps"`
	Order []string `json:"order"`
	Roots []string `json:"roots"`
}

// NewWorkflowHandler creates a WorkflowHandler.
func NewWorkflowHandler(registry WorkflowRegistry, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{registry: registry, logger: logger.With(zap.String("component", "workflow_handler"))}
}

// HandleRegister registers a workflow definition
// @Summary Register workflow
// @Description Accepts a JSON or YAML definition and validates its graph
// @Tags workflow
// @Accept json
// @Accept application/yaml
// @Produce json
// @Success 201 {object} Response{data=WorkflowInfo} "Registered"
// @Failure 400 {object} Response "Invalid definition"
// @Failure 409 {object} Response "Already registered"
// @Router /api/v1/workflows [post]
func (h *WorkflowHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	data, ok := readBody(w, r, h.logger)
	if !ok {
		return
	}

	def, err := workflow.Parse(data, requestFormat(r, data))
	if err != nil {
		writeErr(w, err, h.logger)
		return
	}

	g, err := h.registry.RegisterDefinition(def)
	if err != nil {
		writeErr(w, err, h.logger)
		return
	}

	WriteCreated(w, WorkflowInfo{
		Name:  g.Name(),
		Steps: g.Len(),
		Order: g.Order(),
		Roots: g.Roots(),
	})
}

// HandleList lists registered workflow names.
// @Router /api/v1/workflows [get]
func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.registry.Definitions())
}

// HandleGet returns one definition.
// @Router /api/v1/workflows/{name} [get]
func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "workflow name is required", h.logger)
		return
	}
	def, err := h.registry.Definition(name)
	if err != nil {
		writeErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, def)
}

// requestFormat picks the definition format from Content-Type, sniffing the
// body when the header is absent or generic.
func requestFormat(r *http.Request, data []byte) workflow.Format {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err == nil {
		switch {
		case mediaType == "application/json":
			return workflow.FormatJSON
		case strings.HasSuffix(mediaType, "yaml"):
			return workflow.FormatYAML
		}
	}
	return workflow.DetectFormat(data)
}
