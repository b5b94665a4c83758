package blocks

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// API serves the code-block CRUD endpoints over a Store. This is the
// template-provider surface the lobby and admin pages talk to; the session
// core consumes it read-only.
type API struct {
	store *Store
	log   *slog.Logger
}

func NewAPI(store *Store, logger *slog.Logger) *API {
	return &API{store: store, log: logger}
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/api/codeblocks", a.list).Methods(http.MethodGet)
	r.HandleFunc("/api/codeblocks", a.create).Methods(http.MethodPost)
	r.HandleFunc("/api/codeblocks/{id}", a.get).Methods(http.MethodGet)
	r.HandleFunc("/api/codeblocks/{id}", a.update).Methods(http.MethodPut)
	r.HandleFunc("/api/codeblocks/{id}", a.delete).Methods(http.MethodDelete)
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encode response", "err", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) list(w http.ResponseWriter, r *http.Request) {
	blocks, err := a.store.List(r.Context())
	if err != nil {
		a.log.Error("blocks.list", "err", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to list code blocks")
		return
	}
	jsonResponse(w, http.StatusOK, blocks)
}

func (a *API) get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	block, err := a.store.Block(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			errorResponse(w, http.StatusNotFound, "Code block not found")
			return
		}
		a.log.Error("blocks.get", "id", id, "err", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to get code block")
		return
	}
	jsonResponse(w, http.StatusOK, block)
}

func (a *API) create(w http.ResponseWriter, r *http.Request) {
	var b Block
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if b.Name == "" {
		errorResponse(w, http.StatusBadRequest, "Name is required")
		return
	}

	id, err := a.store.Create(r.Context(), b)
	if err != nil {
		a.log.Error("blocks.create", "err", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to create code block")
		return
	}
	b.ID = id
	jsonResponse(w, http.StatusCreated, b)
}

func (a *API) update(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var b Block
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := a.store.Update(r.Context(), id, b); err != nil {
		if errors.Is(err, ErrNotFound) {
			errorResponse(w, http.StatusNotFound, "Code block not found")
			return
		}
		a.log.Error("blocks.update", "id", id, "err", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to update code block")
		return
	}
	b.ID = id
	jsonResponse(w, http.StatusOK, b)
}

func (a *API) delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := a.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			errorResponse(w, http.StatusNotFound, "Code block not found")
			return
		}
		a.log.Error("blocks.delete", "id", id, "err", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to delete code block")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "deleted"})
}
