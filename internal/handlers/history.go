package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lyallcooper/sweeper/internal/db"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// pageParams reads limit and offset from the query string.
func pageParams(r *http.Request) (limit, offset int, err error) {
	limit, err = queryInt(r, "limit", defaultPageSize)
	if err != nil {
		return 0, 0, err
	}
	if limit == 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset, err = queryInt(r, "offset", 0)
	if err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

// paginate trims the extra row fetched to detect whether more remain.
func paginate[T, V any](rows []T, limit, offset int, view func(T) V) Page[V] {
	page := Page[V]{Items: make([]V, 0, min(len(rows), limit))}
	if len(rows) > limit {
		rows = rows[:limit]
		page.HasMore = true
		page.NextOffset = offset + limit
	}
	for _, row := range rows {
		page.Items = append(page.Items, view(row))
	}
	return page
}

// ScanHistory handles GET /api/history/scans
func (h *Handler) ScanHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	runs, err := h.db.ListScanRuns(limit+1, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paginate(runs, limit, offset, toScanRunView))
}

// CommitHistory handles GET /api/history/commits
func (h *Handler) CommitHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	commits, err := h.db.ListCommits(limit+1, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paginate(commits, limit, offset, toCommitView))
}

// CommitDetail handles GET /api/history/commits/{id}
func (h *Handler) CommitDetail(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		h.fail(w, r, badRequest("invalid commit id %q", raw))
		return
	}
	commit, err := h.db.GetCommit(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommitView(commit))
}

// StatsView extends the history totals with display strings.
type StatsView struct {
	*db.Stats
	BytesReclaimedHuman string `json:"bytes_reclaimed_human"`
}

// Stats handles GET /api/history/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.db.GetStats()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsView{
		Stats:               stats,
		BytesReclaimedHuman: formatBytes(stats.BytesReclaimed),
	})
}
