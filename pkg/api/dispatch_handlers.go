package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/tollgate/pkg/dispatch"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// ResetResponse reports how many entries returned to pending
type ResetResponse struct {
	Reset int `json:"reset"`
}

func (s *Server) getDispatchStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, stats)
}

func (s *Server) resetDispatch(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, r, err.Error())
		return
	}

	if err := s.queue.Reset(r.Context(), id); err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			httputil.WriteNotFound(w, r, "dispatch entry not found")
			return
		}
		if errors.Is(err, dispatch.ErrNotFailed) {
			httputil.WriteConflict(w, r, "dispatch entry has not failed")
			return
		}
		httputil.WriteInternalError(w, r, err)
		return
	}

	observability.FromContext(r.Context()).WithField("entry_id", id).Info("dispatch entry reset")
	httputil.WriteSuccess(w, ResetResponse{Reset: 1})
}

func (s *Server) resetFailedDispatch(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.ResetFailed(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}

	observability.FromContext(r.Context()).WithField("count", n).Info("failed dispatch entries reset")
	httputil.WriteSuccess(w, ResetResponse{Reset: n})
}
