package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/httputil"
)

// RunBody is the request body of POST /api/v1/billing/runs
type RunBody struct {
	Date     string          `json:"date,omitempty"`
	Day      *int            `json:"day,omitempty"`
	Operator string          `json:"operator"`
	Mode     billing.RunMode `json:"mode,omitempty"`
}

func (s *Server) getBillingDiagnostics(w http.ResponseWriter, r *http.Request) {
	if report, ok := s.reports.Get(diagnosticsKey); ok {
		w.Header().Set("X-Cache", "HIT")
		httputil.WriteSuccess(w, report)
		return
	}

	report, err := s.diagnostics.Report(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}
	s.reports.Add(diagnosticsKey, report)

	w.Header().Set("X-Cache", "MISS")
	httputil.WriteSuccess(w, report)
}

func (s *Server) previewRun(w http.ResponseWriter, r *http.Request) {
	date, err := httputil.ParseQueryDate(r, "date", s.location)
	if err != nil {
		httputil.WriteBadRequest(w, r, err.Error())
		return
	}
	req := billing.RunRequest{
		Date:     date,
		Operator: r.URL.Query().Get("operator"),
		Mode:     billing.RunModePreview,
	}
	if r.URL.Query().Get("day") != "" {
		day, err := httputil.ParseQueryInt(r, "day", 0)
		if err != nil {
			httputil.WriteBadRequest(w, r, err.Error())
			return
		}
		req.DayOverride = &day
	}

	s.run(w, r, req)
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var body RunBody
	if err := httputil.ParseJSON(r, &body); err != nil {
		httputil.WriteBadRequest(w, r, err.Error())
		return
	}

	req := billing.RunRequest{
		DayOverride: body.Day,
		Operator:    body.Operator,
		Mode:        body.Mode,
	}
	if req.Mode == "" {
		req.Mode = billing.RunModeGenerate
	}
	if !req.Mode.Valid() {
		httputil.WriteBadRequest(w, r, "mode must be preview or generate")
		return
	}
	if body.Date != "" {
		date, err := time.ParseInLocation("2006-01-02", body.Date, s.location)
		if err != nil {
			httputil.WriteBadRequest(w, r, "date must be YYYY-MM-DD")
			return
		}
		req.Date = date
	}

	s.run(w, r, req)
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, req billing.RunRequest) {
	report, err := s.runner.Run(r.Context(), req)
	switch {
	case errors.Is(err, billing.ErrOperatorRequired), errors.Is(err, billing.ErrInvalidDay):
		httputil.WriteBadRequest(w, r, err.Error())
		return
	case errors.Is(err, billing.ErrRunInProgress):
		httputil.WriteConflict(w, r, err.Error())
		return
	case err != nil:
		httputil.WriteInternalError(w, r, err)
		return
	}

	if req.Mode == billing.RunModeGenerate {
		s.reports.Purge()
	}
	httputil.WriteSuccess(w, report)
}
