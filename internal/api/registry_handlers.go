package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/adnotifier/internal/monitor"
	"github.com/JakeFAU/adnotifier/internal/registry"
)

type revalidateResponse struct {
	Kind   monitor.ChangeKind     `json:"kind"`
	Entry  monitor.MonitoredEntry `json:"entry"`
	Record *monitor.ChangeRecord  `json:"record,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req registry.UserRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	user, err := s.deps.Registry.CreateUser(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.DeleteUser(r.Context(), chi.URLParam(r, "user_id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// registerEntry handles POST /v1/users/{user_id}/entries. It answers 422 when
// the page cannot be fetched for the initial baseline.
func (s *Server) registerEntry(w http.ResponseWriter, r *http.Request) {
	var req registry.EntryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	entry, err := s.deps.Registry.RegisterEntry(r.Context(), chi.URLParam(r, "user_id"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) listEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Registry.ListEntries(r.Context(), chi.URLParam(r, "user_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []monitor.MonitoredEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) deleteEntry(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.DeleteEntry(r.Context(), chi.URLParam(r, "entry_id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// revalidateEntry handles POST /v1/entries/{entry_id}/revalidate. An
// unreachable page is reported in the body, not as an HTTP error.
func (s *Server) revalidateEntry(w http.ResponseWriter, r *http.Request) {
	check, err := s.deps.Revalidator.Revalidate(r.Context(), chi.URLParam(r, "entry_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := revalidateResponse{Kind: check.Kind, Entry: check.Updated, Record: check.Record}
	if check.Err != nil {
		resp.Error = check.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
