package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"dispatch-service/pkg/jwt"
)

// Handler exposes account, profile and vehicle HTTP endpoints.
type Handler struct{ svc *Service }

// NewHandler wires a handler to the identity service.
func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

// Routes returns a chi.Router mounted at the API root.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	// Public
	r.Post("/riders/register", h.RegisterRider)
	r.Post("/drivers/register", h.RegisterDriver)
	r.Post("/auth/login", h.Login)

	// Protected
	r.Group(func(r chi.Router) {
		r.Use(jwt.RequireAuth)
		r.Get("/riders/{id}", h.GetRider)
		r.Get("/drivers/{id}", h.GetDriver)
		r.Patch("/drivers/{id}/presence", h.SetPresence)
		r.Post("/drivers/{id}/vehicles", h.AddVehicle)
		r.Patch("/drivers/{id}/vehicles/{vehicleID}/primary", h.SetPrimaryVehicle)
	})

	// Admin
	r.Group(func(r chi.Router) {
		r.Use(jwt.RequireAuth, jwt.RequireRole(RoleAdmin))
		r.Post("/drivers/{id}/verification", h.DecideVerification)
	})

	return r
}

func (h *Handler) RegisterRider(w http.ResponseWriter, r *http.Request) {
	h.register(w, r, h.svc.RegisterRider)
}

func (h *Handler) RegisterDriver(w http.ResponseWriter, r *http.Request) {
	h.register(w, r, h.svc.RegisterDriver)
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request,
	fn func(context.Context, RegisterRequest) (*AuthResponse, error)) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	resp, err := fn(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	resp, err := h.svc.Login(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetRider(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Rider(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) GetDriver(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Driver(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) SetPresence(w http.ResponseWriter, r *http.Request) {
	var req PresenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	p, err := h.svc.SetPresence(r.Context(), chi.URLParam(r, "id"), req.Online)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) AddVehicle(w http.ResponseWriter, r *http.Request) {
	var req VehicleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	v, err := h.svc.AddVehicle(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *Handler) SetPrimaryVehicle(w http.ResponseWriter, r *http.Request) {
	err := h.svc.SetPrimaryVehicle(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "vehicleID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "primary_updated"})
}

func (h *Handler) DecideVerification(w http.ResponseWriter, r *http.Request) {
	var req VerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	p, err := h.svc.DecideVerification(r.Context(), chi.URLParam(r, "id"), req.Decision)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrEmailTaken):
		status = http.StatusConflict
	case errors.Is(err, ErrBadCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrVehicleTaken):
		status = http.StatusBadRequest
	default:
		// eligibility failures from the online gate surface as 403
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
