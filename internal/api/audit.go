package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/gray-logic-historian/internal/audit"
)

// handleListAudit returns audit entries, newest first.
//
// Query parameters: action, id, limit, offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		Action:      q.Get("action"),
		DatapointID: q.Get("id"),
	}

	var err error
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil {
			writeBadRequest(w, "limit must be an integer")
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if filter.Offset, err = strconv.Atoi(v); err != nil {
			writeBadRequest(w, "offset must be an integer")
			return
		}
	}

	res, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit entries failed", "error", err)
		writeInternalError(w, "listing audit entries failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
