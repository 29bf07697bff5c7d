package handlers

import (
	"context"
	"net/http"

	"github.com/BaSui01/agentgrid/contextstore"
	"github.com/BaSui01/agentgrid/types"
	"go.uber.org/zap"
)

// ContextService is the versioned shared context.
type ContextService interface {
	GetEntry(ctx context.Context, key string) (contextstore.Entry, error)
	SetEntry(ctx context.Context, key string, value any, expectedVersion int64, writerID string) (contextstore.Entry, error)
	Update(ctx context.Context, key, writerID string, fn func(current any, exists bool) (any, error)) (contextstore.Entry, error)
	Entries(ctx context.Context) ([]contextstore.Entry, error)
}

// ContextHandler serves /api/v1/context.
type ContextHandler struct {
	store  ContextService
	logger *zap.Logger
}

// SetContextRequest is the body of PUT /api/v1/context/{key}. Without
// expected_version the write is unconditional.
type SetContextRequest struct {
	Value           any    `json:"value"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
	WriterID        string `json:"writer_id"`
}

// NewContextHandler creates a ContextHandler.
func NewContextHandler(store ContextService, logger *zap.Logger) *ContextHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextHandler{store: store, logger: logger.With(zap.String("component", "context_handler"))}
}

// HandleGet returns one entry with its version.
// @Router /api/v1/context/{key} [get]
func (h *ContextHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	entry, err := h.store.GetEntry(r.Context(), r.PathValue("key"))
	if err != nil {
		writeErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, entry)
}

// HandleList returns all entries in key order.
// @Router /api/v1/context [get]
func (h *ContextHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.Entries(r.Context())
	if err != nil {
		writeErr(w, err, h.logger)
		return
	}
	if entries == nil {
		entries = []contextstore.Entry{}
	}
	WriteSuccess(w, entries)
}

// HandleSet writes a value
// @Summary Write context
// @Description Compare-and-set on the stored version; 0 creates the key
// @Tags context
// @Accept json
// @Produce json
// @Param key path string true "Context key"
// @Param request body SetContextRequest true "Write request"
// @Success 200 {object} Response{data=contextstore.Entry} "Stored entry"
// @Failure 409 {object} Response "Version conflict"
// @Router /api/v1/context/{key} [put]
func (h *ContextHandler) HandleSet(w http.ResponseWriter, r *http.Request) {
	var req SetContextRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.WriterID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "writer_id is required", h.logger)
		return
	}

	key := r.PathValue("key")
	var (
		entry contextstore.Entry
		err   error
	)
	if req.ExpectedVersion != nil {
		entry, err = h.store.SetEntry(r.Context(), key, req.Value, *req.ExpectedVersion, req.WriterID)
	} else {
		entry, err = h.store.Update(r.Context(), key, req.WriterID, func(any, bool) (any, error) {
			return req.Value, nil
		})
	}
	if err != nil {
		writeErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, entry)
}
