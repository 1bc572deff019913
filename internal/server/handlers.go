package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"github.com/nainya/scriptgov/pkg/governance"
	"github.com/nainya/scriptgov/pkg/sandbox"
	"github.com/nainya/scriptgov/pkg/version"
)

// ScriptInput is the editable part of a script record
type ScriptInput struct {
	ScriptName    string            `json:"ScriptName"`
	Description   string            `json:"Description"`
	Category      string            `json:"Category"`
	RiskLevel     version.RiskLevel `json:"RiskLevel"`
	ScriptContent string            `json:"ScriptContent"`
}

func (in ScriptInput) record(caller string) version.ScriptRecord {
	return version.ScriptRecord{
		ScriptName:    in.ScriptName,
		Description:   in.Description,
		Category:      in.Category,
		RiskLevel:     in.RiskLevel,
		ScriptContent: in.ScriptContent,
		CreatedBy:     caller,
	}
}

type ValidateRequest struct {
	ScriptContent string `json:"ScriptContent"`
}

type RestoreRequest struct {
	Version           int    `json:"Version"`
	ConfirmationToken string `json:"ConfirmationToken,omitempty"`
}

type ExecRequest struct {
	Version      int            `json:"Version,omitempty"`
	TenantFilter string         `json:"TenantFilter"`
	Parameters   map[string]any `json:"Parameters,omitempty"`
}

type ExecResponse struct {
	ScriptGuid string         `json:"ScriptGuid"`
	Version    int            `json:"Version"`
	Result     sandbox.Result `json:"Result"`
}

type PolicyResponse struct {
	Revision       string   `json:"Revision"`
	MaxScriptBytes int      `json:"MaxScriptBytes"`
	Categories     []string `json:"Categories"`
	RiskLevels     []string `json:"RiskLevels"`
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	catalog := s.gov.Catalog()
	writeJSON(w, http.StatusOK, PolicyResponse{
		Revision:       catalog.Revision(),
		MaxScriptBytes: catalog.MaxScriptBytes(),
		Categories:     version.Categories,
		RiskLevels: []string{
			string(version.RiskLow), string(version.RiskMedium),
			string(version.RiskHigh), string(version.RiskCritical),
		},
	})
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	scripts, err := s.gov.Scripts(r.Context())
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	if scripts == nil {
		scripts = []version.ScriptRecord{}
	}
	writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, "", false)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, chi.URLParam(r, "guid"), true)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, guid string, edit bool) {
	var in ScriptInput
	if !s.decode(w, r, &in) {
		return
	}
	res, err := s.gov.Submit(r.Context(), governance.SubmitRequest{
		Guid:   guid,
		IsEdit: edit,
		Record: in.record(Caller(r.Context())),
	})
	if err != nil {
		if errors.Is(err, governance.ErrRejected) {
			s.writeError(w, r, err, &res.Verdict)
			return
		}
		s.writeError(w, r, err, nil)
		return
	}
	status := http.StatusOK
	if !edit {
		status = http.StatusCreated
		w.Header().Set("Location", "/api/scripts/"+res.Record.ScriptGuid)
	}
	writeJSON(w, status, res)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if !s.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.gov.Validate(r.Context(), req.ScriptContent))
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	if all, _ := strconv.ParseBool(r.URL.Query().Get("includeAllVersions")); all {
		history, err := s.gov.ListVersions(r.Context(), guid)
		if err != nil {
			s.writeError(w, r, err, nil)
			return
		}
		if len(history) == 0 {
			s.writeError(w, r, errors.Wrapf(version.ErrNotFound, "script %s", guid), nil)
			return
		}
		writeJSON(w, http.StatusOK, history)
		return
	}
	rec, err := s.gov.Latest(r.Context(), guid)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// versionParam parses a positive version number; empty yields 0
func versionParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, errors.Wrapf(governance.ErrInvalidRecord, "version %q is not a positive integer", raw)
	}
	return v, nil
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := versionParam(chi.URLParam(r, "version"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	rec, err := s.gov.Get(r.Context(), chi.URLParam(r, "guid"), v)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	from, err := versionParam(r.URL.Query().Get("from"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	to, err := versionParam(r.URL.Query().Get("to"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	res, err := s.gov.Compare(r.Context(), chi.URLParam(r, "guid"), from, to)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConfirmRestore(w http.ResponseWriter, r *http.Request) {
	var req RestoreRequest
	if !s.decode(w, r, &req) {
		return
	}
	c, err := s.gov.ConfirmRestore(r.Context(), chi.URLParam(r, "guid"), req.Version)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req RestoreRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.gov.Restore(r.Context(), chi.URLParam(r, "guid"), req.Version, req.ConfirmationToken)
	if err != nil {
		s.writeError(w, r, err, res.Verdict)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConfirmDelete(w http.ResponseWriter, r *http.Request) {
	c, err := s.gov.ConfirmDelete(r.Context(), chi.URLParam(r, "guid"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	removed, err := s.gov.Delete(r.Context(), guid, r.URL.Query().Get("confirmation"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ScriptGuid": guid, "RemovedVersions": removed})
}

// handleExec runs a stored version in the sandbox. The store is only read;
// the sandbox call happens with no lock held.
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req ExecRequest
	if !s.decode(w, r, &req) {
		return
	}
	if s.exec == nil {
		s.writeError(w, r, errors.Wrap(sandbox.ErrUnavailable, "no sandbox configured"), nil)
		return
	}
	if req.TenantFilter == "" {
		s.writeError(w, r, errors.Wrap(governance.ErrInvalidRecord, "TenantFilter is required"), nil)
		return
	}
	guid := chi.URLParam(r, "guid")
	script, err := s.gov.Prepare(r.Context(), guid, req.Version)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	start := time.Now()
	res, err := s.exec.Execute(r.Context(), script, req.TenantFilter, req.Parameters)
	s.metrics.RecordExecution(err)
	if err != nil {
		s.log.Info("test run failed").Str("script_guid", guid).Dur("duration", time.Since(start)).Err(err).Send()
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, ExecResponse{ScriptGuid: guid, Version: script.Version(), Result: res})
}
