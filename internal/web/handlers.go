package web

import (
	"database/sql"
	"net/http"
	"strconv"

	"github.com/hpungsan/memsync/internal/ops"
)

// Handlers contains HTTP route handlers for the dashboard.
type Handlers struct {
	db       *sql.DB
	renderer *Renderer
}

// HandleRuns handles GET /runs: recent runs, newest first.
func (h *Handlers) HandleRuns(w http.ResponseWriter, r *http.Request) {
	collection := r.URL.Query().Get("collection")
	limit := parseIntParam(r, "limit", ops.DefaultRunLimit)

	result, err := ops.Status(r.Context(), h.db, ops.StatusInput{
		Collection: collection,
		Limit:      limit,
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, map[string]any{"runs": result.Runs})
		return
	}

	h.renderer.renderPage(w, "runs", RunsPageData{
		PageData: PageData{
			Title:   "Runs",
			Version: h.renderer.version,
			Nav:     "runs",
		},
		Runs:       result.Runs,
		Collection: collection,
		Limit:      limit,
	})
}

// HandleCheckpoints handles GET /checkpoints: one watermark per collection.
func (h *Handlers) HandleCheckpoints(w http.ResponseWriter, r *http.Request) {
	result, err := ops.Status(r.Context(), h.db, ops.StatusInput{
		CollectionID: r.URL.Query().Get("collection_id"),
		Limit:        1,
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, map[string]any{"checkpoints": result.Checkpoints})
		return
	}

	h.renderer.renderPage(w, "checkpoints", CheckpointsPageData{
		PageData: PageData{
			Title:   "Checkpoints",
			Version: h.renderer.version,
			Nav:     "checkpoints",
		},
		Checkpoints: result.Checkpoints,
	})
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
