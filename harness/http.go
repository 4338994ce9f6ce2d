package harness

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/livedeck/parambus"
)

// Router builds the HTTP control API. tokenHash is a bcrypt hash of the
// shared bearer token; empty disables auth (local use).
func (h *Harness) Router(tokenHash string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		if tokenHash != "" {
			r.Use(requireBearer(tokenHash))
		}

		r.Get("/api/status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, h.Status())
		})

		r.Get("/api/params", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, h.Params())
		})

		r.Post("/api/params", func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, 32*1024)
			var partial parambus.Snapshot
			if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			h.SetParams(partial)
			writeJSON(w, http.StatusOK, h.Params())
		})

		r.Post("/api/params/reset", func(w http.ResponseWriter, _ *http.Request) {
			h.ResetParams()
			writeJSON(w, http.StatusOK, h.Params())
		})

		r.Get("/api/units", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, h.unitViews())
		})

		r.Post("/api/units", func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, 32*1024)
			var req struct {
				ID      string `json:"id"`
				Pattern string `json:"pattern"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			unit, err := h.CreateUnit(r.Context(), req.ID, req.Pattern)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSON(w, http.StatusCreated, unitView(unit.ID(), unit.CurrentCode(), h.SelectedUnit()))
		})

		r.Post("/api/units/{id}/select", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			if err := h.SelectUnit(r.Context(), id); err != nil {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"selected": id})
		})

		r.Post("/api/units/{id}/run", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			r.Body = http.MaxBytesReader(w, r.Body, 256*1024)
			var req struct {
				Code    string `json:"code"`
				Pattern string `json:"pattern"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}

			var err error
			switch {
			case req.Code != "":
				err = h.UpdateAndRun(r.Context(), id, req.Code)
			case req.Pattern != "":
				err = h.ApplyPattern(r.Context(), id, req.Pattern)
			default:
				writeError(w, http.StatusBadRequest, "code or pattern is required")
				return
			}
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"unit": id, "status": "running"})
		})

		r.Post("/api/units/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			if err := h.StopUnit(r.Context(), id); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"unit": id, "status": "stopped"})
		})
	})

	return r
}

// requireBearer verifies the Authorization bearer token against the bcrypt
// hash of the shared secret.
func requireBearer(tokenHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || token == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			if err := bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)); err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type unitViewJSON struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Selected bool   `json:"selected"`
}

func unitView(id, code, selected string) unitViewJSON {
	return unitViewJSON{ID: id, Code: code, Selected: id == selected}
}

func (h *Harness) unitViews() []unitViewJSON {
	selected := h.SelectedUnit()
	views := make([]unitViewJSON, 0, h.registry.Size())
	for _, id := range h.registry.Keys() {
		u := h.registry.Get(id)
		if u == nil {
			continue
		}
		views = append(views, unitView(id, u.CurrentCode(), selected))
	}
	return views
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
