package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mrhapile/crossroads/runtime"
	"github.com/mrhapile/crossroads/store"
)

// healthResponse reports the extension in the active slot.
type healthResponse struct {
	Status string              `json:"status"`
	Active *runtime.ModuleInfo `json:"active,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy"}
	if info, err := s.runtime.Active(); err == nil {
		resp.Active = &info
	} else {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listProxies(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.All(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

// currentProxy answers with the current metadata, or null when the
// default extension is serving.
func (s *Server) currentProxy(w http.ResponseWriter, r *http.Request) {
	ext, err := s.store.Current(r.Context())
	if errors.Is(err, store.ErrNoCurrent) {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ext.Metadata)
}

// activateProxy compiles and installs the stored extension, then records
// it as current. The slot is only touched once the binary compiled, and is
// put back when the store cannot record the change.
func (s *Server) activateProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tag := chi.URLParam(r, "tag")

	s.mu.Lock()
	defer s.mu.Unlock()

	ext, err := s.store.Get(ctx, tag)
	if err != nil {
		s.storeError(w, err)
		return
	}
	previous, err := s.store.Current(ctx)
	if err != nil && !errors.Is(err, store.ErrNoCurrent) {
		s.storeError(w, err)
		return
	}
	if err := s.runtime.Replace(ctx, ext.Binary); err != nil {
		s.runtimeError(w, err)
		return
	}
	if err := s.store.SetCurrent(ctx, tag); err != nil {
		s.reinstall(ctx, previous)
		s.storeError(w, err)
		return
	}
	s.logger.Info().Str("tag", tag).Str("digest", ext.Digest).Msg("activated extension")
	writeJSON(w, http.StatusOK, ext.Metadata)
}

func (s *Server) createProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tag := chi.URLParam(r, "tag")
	if err := store.ValidateTag(tag); err != nil {
		errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	binary, status, err := s.readPayload(w, r)
	if err != nil {
		errorResponse(w, err.Error(), status)
		return
	}
	if _, err := s.runtime.Validate(ctx, binary); err != nil {
		s.runtimeError(w, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.store.Create(ctx, tag, binary)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.logger.Info().Str("tag", tag).Str("digest", m.Digest).Msg("created extension")
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) getProxy(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.Metadata(r.Context(), chi.URLParam(r, "tag"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// updateProxy stores a new binary under an existing tag. When the tag is
// current the new binary is installed as well; if that fails the stored
// binary is reverted.
func (s *Server) updateProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tag := chi.URLParam(r, "tag")
	if err := store.ValidateTag(tag); err != nil {
		errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	binary, status, err := s.readPayload(w, r)
	if err != nil {
		errorResponse(w, err.Error(), status)
		return
	}
	if _, err := s.runtime.Validate(ctx, binary); err != nil {
		s.runtimeError(w, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.isCurrent(r, tag)
	var old store.Extension
	if current {
		if old, err = s.store.Get(ctx, tag); err != nil {
			s.storeError(w, err)
			return
		}
	}
	m, err := s.store.Update(ctx, tag, binary)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if current {
		if err := s.runtime.Replace(ctx, binary); err != nil {
			if _, rerr := s.store.Update(ctx, tag, old.Binary); rerr != nil {
				s.logger.Error().Err(rerr).Str("tag", tag).Msg("failed to revert stored extension")
			}
			s.runtimeError(w, err)
			return
		}
		s.logger.Info().Str("tag", tag).Str("digest", m.Digest).Msg("reloaded current extension")
	}
	writeJSON(w, http.StatusOK, m)
}

// deleteProxy removes an extension. Deleting the current one falls back to
// the default extension.
func (s *Server) deleteProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tag := chi.URLParam(r, "tag")

	s.mu.Lock()
	defer s.mu.Unlock()

	wasCurrent := s.isCurrent(r, tag)
	if err := s.store.Delete(ctx, tag); err != nil {
		s.storeError(w, err)
		return
	}
	// the store drops the current marker together with the extension
	if wasCurrent {
		if err := s.runtime.Reset(ctx); err != nil {
			s.runtimeError(w, err)
			return
		}
		s.logger.Info().Str("tag", tag).Msg("deleted current extension, serving the default")
	}
	w.WriteHeader(http.StatusNoContent)
}

// reinstall puts prev back into the slot, or the default extension when
// prev is empty.
func (s *Server) reinstall(ctx context.Context, prev store.Extension) {
	var err error
	if prev.Tag == "" {
		err = s.runtime.Reset(ctx)
	} else {
		err = s.runtime.Replace(ctx, prev.Binary)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("tag", prev.Tag).Msg("failed to reinstall previous extension")
	}
}

func (s *Server) isCurrent(r *http.Request, tag string) bool {
	ext, err := s.store.Current(r.Context())
	return err == nil && ext.Tag == tag
}

// storeError maps store errors to status codes.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		errorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrTagExists):
		errorResponse(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrInvalidTag):
		errorResponse(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error().Err(err).Msg("store failure")
		errorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

// runtimeError maps runtime errors to status codes.
func (s *Server) runtimeError(w http.ResponseWriter, err error) {
	if runtime.IsCompileError(err) {
		errorResponse(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.logger.Error().Err(err).Msg("runtime failure")
	errorResponse(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// errorResponse sends an error response.
func errorResponse(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
