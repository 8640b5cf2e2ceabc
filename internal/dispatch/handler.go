package dispatch

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"dispatch-service/internal/eligibility"
	"dispatch-service/internal/fare"
	"dispatch-service/internal/geo"
	"dispatch-service/internal/identity"
	"dispatch-service/internal/locations"
	"dispatch-service/internal/payments"
	"dispatch-service/internal/requests"
	"dispatch-service/internal/trips"
	"dispatch-service/pkg/jwt"
)

// Handler exposes the dispatch and trip lifecycle HTTP endpoints.
type Handler struct{ coord *Coordinator }

// NewHandler wires a handler to the coordinator.
func NewHandler(coord *Coordinator) *Handler { return &Handler{coord: coord} }

// Routes returns a chi.Router; everything behind it needs a valid token.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(jwt.RequireAuth)

	r.Route("/requests", func(r chi.Router) {
		r.With(jwt.RequireRole(identity.RoleRider)).Post("/", h.RequestTrip)
		r.With(jwt.RequireRole(identity.RoleDriver)).Get("/nearby", h.ListNearby)
		r.With(jwt.RequireRole(identity.RoleDriver)).Post("/{id}/accept", h.AcceptRequest)
	})

	r.With(jwt.RequireRole(identity.RoleRider)).Get("/drivers/nearby", h.NearbyDrivers)

	r.Route("/trips", func(r chi.Router) {
		r.Get("/{id}", h.GetTrip)
		r.Get("/{id}/trail", h.Trail)
		r.With(jwt.RequireRole(identity.RoleDriver)).Patch("/{id}/pickup", h.MarkPickedUp)
		r.With(jwt.RequireRole(identity.RoleDriver)).Patch("/{id}/complete", h.CompleteTrip)
		r.Patch("/{id}/cancel", h.CancelTrip)
		r.Post("/{id}/rating", h.RateTrip)
		r.With(jwt.RequireRole(identity.RoleAdmin)).Post("/{id}/refund", h.RefundTrip)
		r.With(jwt.RequireRole(identity.RoleDriver)).Post("/{id}/locations", h.RecordLocation)
	})

	return r
}

type requestTripBody struct {
	PickupLat          float64 `json:"pickup_lat"`
	PickupLng          float64 `json:"pickup_lng"`
	PickupAddress      string  `json:"pickup_address"`
	DestinationLat     float64 `json:"destination_lat"`
	DestinationLng     float64 `json:"destination_lng"`
	DestinationAddress string  `json:"destination_address"`
	TripType           string  `json:"trip_type"`
}

func (h *Handler) RequestTrip(w http.ResponseWriter, r *http.Request) {
	var body requestTripBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid body"))
		return
	}
	claims := jwt.GetClaims(r.Context())
	req, err := h.coord.RequestTrip(r.Context(), claims.UserID, RequestTripInput{
		Pickup:             geo.Point{Lat: body.PickupLat, Lng: body.PickupLng},
		PickupAddress:      body.PickupAddress,
		Destination:        geo.Point{Lat: body.DestinationLat, Lng: body.DestinationLng},
		DestinationAddress: body.DestinationAddress,
		TripType:           fare.TripType(body.TripType),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handler) ListNearby(w http.ResponseWriter, r *http.Request) {
	claims := jwt.GetClaims(r.Context())
	hits, err := h.coord.ListNearbyRequests(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if hits == nil {
		hits = []NearbyRequest{}
	}
	writeJSON(w, http.StatusOK, hits)
}

func (h *Handler) NearbyDrivers(w http.ResponseWriter, r *http.Request) {
	lat, err1 := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, errBody("lat and lng query parameters are required"))
		return
	}
	hits, err := h.coord.NearbyDrivers(r.Context(), geo.Point{Lat: lat, Lng: lng})
	if err != nil {
		writeError(w, err)
		return
	}
	if hits == nil {
		hits = []geo.DriverHit{}
	}
	writeJSON(w, http.StatusOK, hits)
}

func (h *Handler) AcceptRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		VehicleID string `json:"vehicle_id"`
	}
	// the body is optional; an empty vehicle_id picks the primary vehicle
	_ = json.NewDecoder(r.Body).Decode(&body)

	claims := jwt.GetClaims(r.Context())
	trip, err := h.coord.AcceptRequest(r.Context(), chi.URLParam(r, "id"), claims.UserID, body.VehicleID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trip)
}

func (h *Handler) GetTrip(w http.ResponseWriter, r *http.Request) {
	claims := jwt.GetClaims(r.Context())
	trip, err := h.coord.GetTrip(r.Context(), chi.URLParam(r, "id"), claims.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (h *Handler) MarkPickedUp(w http.ResponseWriter, r *http.Request) {
	trip, err := h.coord.MarkPickedUp(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (h *Handler) CompleteTrip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ActualDistanceKm float64 `json:"actual_distance_km"`
		ActualFare       float64 `json:"actual_fare"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	trip, err := h.coord.CompleteTrip(r.Context(), chi.URLParam(r, "id"), body.ActualDistanceKm, body.ActualFare)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (h *Handler) CancelTrip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	trip, err := h.coord.CancelTrip(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (h *Handler) RateTrip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Score    int    `json:"score"`
		Feedback string `json:"feedback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid body"))
		return
	}
	claims := jwt.GetClaims(r.Context())
	trip, err := h.coord.RateTrip(r.Context(), chi.URLParam(r, "id"), claims.Role, body.Score, body.Feedback)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (h *Handler) RefundTrip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount float64 `json:"amount"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	trip, err := h.coord.RefundTrip(r.Context(), chi.URLParam(r, "id"), body.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (h *Handler) RecordLocation(w http.ResponseWriter, r *http.Request) {
	var body locations.RecordInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid body"))
		return
	}
	claims := jwt.GetClaims(r.Context())
	sample, err := h.coord.RecordLocation(r.Context(), chi.URLParam(r, "id"), claims.UserID, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sample)
}

func (h *Handler) Trail(w http.ResponseWriter, r *http.Request) {
	trail, err := h.coord.Trail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if trail == nil {
		trail = []locations.Sample{}
	}
	writeJSON(w, http.StatusOK, trail)
}

// writeError maps domain sentinels to HTTP statuses. The contested-claim
// outcomes matter most: a lost race is 409, a dead request is 410.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, trips.ErrNotFound), errors.Is(err, identity.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, requests.ErrAlreadyClaimed), errors.Is(err, trips.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, requests.ErrExpired):
		status = http.StatusGone
	case errors.Is(err, eligibility.ErrIneligibleRider), errors.Is(err, eligibility.ErrIneligibleDriver),
		errors.Is(err, locations.ErrDriverMismatch):
		status = http.StatusForbidden
	case errors.Is(err, requests.ErrInvalidLocation), errors.Is(err, requests.ErrInvalidTripType),
		errors.Is(err, trips.ErrInvalidRating), errors.Is(err, locations.ErrInvalidLocation):
		status = http.StatusBadRequest
	case errors.Is(err, payments.ErrPaymentFailed):
		status = http.StatusPaymentRequired
	}
	writeJSON(w, status, errBody(err.Error()))
}

func errBody(msg string) map[string]string { return map[string]string{"error": msg} }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
