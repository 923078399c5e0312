package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
)

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.PassengerID == "" || req.Fare <= 0 {
		http.Error(w, "passenger_id and positive fare required", http.StatusBadRequest)
		return
	}

	rec := &models.RideRecord{
		ID:            ride.NewRideID(),
		PassengerID:   req.PassengerID,
		PassengerName: req.PassengerName,
		Pickup:        req.Pickup,
		PickupAddr:    req.PickupAddr,
		Drop:          req.Drop,
		DropAddr:      req.DropAddr,
		Fare:          req.Fare,
		StartCode:     ride.NewStartCode(),
	}
	if err := s.store.Create(r.Context(), rec); err != nil {
		http.Error(w, "could not create ride", http.StatusInternalServerError)
		s.logger.Error("ride create failed", "error", err)
		return
	}
	observability.RidesCreatedTotal.Inc()

	if s.ledger != nil {
		if err := s.ledger.OnCreated(r.Context(), *rec); err != nil {
			s.logger.Warn("fare hold failed", "ride_id", rec.ID, "error", err)
		}
	}
	_ = s.notifier.Notify(r.Context(), rec.PassengerID, models.Event{
		Type: models.EventRideCreated, RideID: rec.ID, State: rec.State, At: time.Now(),
	})

	writeJSON(w, http.StatusCreated, map[string]any{
		"ride_id":    rec.ID,
		"start_code": rec.StartCode,
		"state":      rec.State,
	})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]

	// the offer loop can span several windows; don't tie it to the
	// request's write timeout once headers are in
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	out, err := s.coord.Dispatch(ctx, rideID)
	if err == ride.ErrNotFound {
		http.Error(w, "ride not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		s.logger.Error("dispatch failed", "ride_id", rideID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type transitionRequest struct {
	Actor   models.Actor  `json:"actor"`
	ActorID string        `json:"actor_id"`
	Action  models.Action `json:"action"`
	Reason  string        `json:"reason,omitempty"`
	Code    string        `json:"code,omitempty"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec, err := s.machine.SubmitTransition(r.Context(), rideID, req.Actor, req.Action,
		ride.TransitionPayload{Reason: req.Reason, Code: req.Code})
	switch err {
	case nil:
	case ride.ErrNotFound:
		http.Error(w, "ride not found", http.StatusNotFound)
		return
	case ride.ErrIllegalTransition:
		writeJSON(w, http.StatusConflict, map[string]string{"result": "illegal_transition"})
		return
	case ride.ErrVerificationFailed:
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"result": "verification_failed"})
		return
	case ride.ErrReasonRequired:
		http.Error(w, "cancellation reason required", http.StatusBadRequest)
		return
	case ride.ErrConflict:
		writeJSON(w, http.StatusConflict, map[string]string{"result": "conflict"})
		return
	default:
		http.Error(w, "transition failed", http.StatusInternalServerError)
		s.logger.Error("transition failed", "ride_id", rideID, "error", err)
		return
	}

	if s.ledger != nil && rec.State.Terminal() {
		if err := s.ledger.OnTerminal(r.Context(), rec); err != nil {
			s.logger.Warn("payment settlement failed", "ride_id", rec.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": "success", "state": rec.State})
}

type offerResponseRequest struct {
	DriverID string `json:"driver_id"`
	Accept   bool   `json:"accept"`
}

func (s *Server) handleOfferResponse(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var req offerResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.coord.Respond(rideID, req.DriverID, req.Accept); err != nil {
		// already committed, withdrawn, or expired; not a driver fault
		writeJSON(w, http.StatusGone, map[string]string{"result": "offer_unavailable"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"result": "received"})
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	rides, err := s.store.List(r.Context())
	if err != nil {
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rides)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), mux.Vars(r)["ride_id"])
	if err == ride.ErrNotFound {
		http.Error(w, "ride not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	pool, err := s.registry.SnapshotPool(r.Context())
	if err != nil {
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.registry.Get(r.Context(), mux.Vars(r)["driver_id"])
	if err == registry.ErrUnknownDriver {
		http.Error(w, "driver not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type availabilityRequest struct {
	DriverID     string              `json:"driver_id"`
	Availability models.Availability `json:"availability"`
}

func (s *Server) handleDriverAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.registry.SetAvailability(r.Context(), req.DriverID, req.Availability); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.refreshOnlineGauge(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var msg models.DriverLocationMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if msg.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	if msg.At.IsZero() {
		msg.At = time.Now()
	}

	// fire-and-forget onto the stream when configured
	if s.kafka != nil {
		if err := s.kafka.PublishLocation(msg); err != nil {
			s.logger.Debug("location publish failed", "driver_id", msg.DriverID, "error", err)
		}
	}
	if err := s.registry.UpdatePosition(r.Context(), msg.DriverID, msg.Position); err != nil {
		http.Error(w, "position update failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type approvalRequest struct {
	DriverID string          `json:"driver_id"`
	Approval models.Approval `json:"approval"`
	Rating   *float64        `json:"rating,omitempty"`
}

func (s *Server) handleDriverApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.registry.SetApproval(r.Context(), req.DriverID, req.Approval); err != nil {
		http.Error(w, "approval update failed", http.StatusInternalServerError)
		return
	}
	if req.Rating != nil {
		if err := s.registry.SetRating(r.Context(), req.DriverID, *req.Rating); err != nil {
			http.Error(w, "rating update failed", http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// refreshOnlineGauge recounts the dispatchable pool: approved drivers
// only, since SnapshotPool filters approval. Unapproved drivers never
// receive offers and are not counted.
func (s *Server) refreshOnlineGauge(ctx context.Context) {
	pool, err := s.registry.SnapshotPool(ctx)
	if err != nil {
		return
	}
	online := 0
	for _, d := range pool {
		if d.Availability == models.AvailabilityOnline {
			online++
		}
	}
	observability.DriversOnline.Set(float64(online))
}

// sendOffer is the coordinator's transport: offers go down the driver's
// websocket session.
func (s *Server) sendOffer(ctx context.Context, driverID string, offer models.RideOffer) error {
	return s.ws.Push(driverID, wsMessage{Type: "ride_offer", Offer: &offer})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
