package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/qsweep/internal/server/middleware"
	"github.com/3leaps/qsweep/pkg/ledger"
	"github.com/3leaps/qsweep/pkg/runregistry"
)

// RunSource is the run registry as seen by the server.
type RunSource interface {
	List() ([]runregistry.RunRecord, error)
	Get(runID string) (*runregistry.RunRecord, error)
}

// SubmissionSource is the submission ledger as seen by the server.
type SubmissionSource interface {
	Entries(ctx context.Context, q ledger.Query) ([]ledger.Entry, error)
}

// RunSummary is a list entry; per-point results are only in the detail view.
type RunSummary struct {
	RunID     string               `json:"run_id"`
	Name      string               `json:"name,omitempty"`
	State     runregistry.RunState `json:"state"`
	Scheduler string               `json:"scheduler"`
	Points    int                  `json:"points"`
	Submitted int                  `json:"submitted"`
	Failed    int                  `json:"failed"`
	CreatedAt string               `json:"created_at"`
}

// Runs serves /runs endpoints.
type Runs struct {
	Source      RunSource
	Submissions SubmissionSource
}

func (h *Runs) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.Source.List()
	if err != nil {
		middleware.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
		return
	}
	state := r.URL.Query().Get("state")
	out := make([]RunSummary, 0, len(records))
	for _, rec := range records {
		if state != "" && string(rec.State) != state {
			continue
		}
		out = append(out, RunSummary{
			RunID:     rec.RunID,
			Name:      rec.Name,
			State:     rec.State,
			Scheduler: rec.Scheduler,
			Points:    rec.Points,
			Submitted: rec.Submitted,
			Failed:    rec.Failed,
			CreatedAt: rec.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (h *Runs) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Source.Get(chi.URLParam(r, "runID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListSubmissions lists the ledger rows of one run; ?failed=true keeps failures.
func (h *Runs) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	if h.Submissions == nil {
		middleware.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "submission ledger is not enabled", nil)
		return
	}
	runID := chi.URLParam(r, "runID")
	if _, err := h.Source.Get(runID); err != nil {
		h.fail(w, r, err)
		return
	}
	failedOnly, _ := strconv.ParseBool(r.URL.Query().Get("failed"))
	entries, err := h.Submissions.Entries(r.Context(), ledger.Query{RunID: runID, FailedOnly: failedOnly})
	if err != nil {
		middleware.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "submissions": entries})
}

func (h *Runs) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, runregistry.ErrNotFound) {
		middleware.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
		return
	}
	if errors.Is(err, runregistry.ErrInvalidID) {
		middleware.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	middleware.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
}
