package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

var upgrader = websocket.Upgrader{}

// wsMessage is the envelope both directions share on driver sessions.
// Outbound: ride_offer and event frames. Inbound: offer_response.
type wsMessage struct {
	Type     string            `json:"type"`
	Offer    *models.RideOffer `json:"offer,omitempty"`
	Event    *models.Event     `json:"event,omitempty"`
	RideID   string            `json:"ride_id,omitempty"`
	DriverID string            `json:"driver_id,omitempty"`
	Accept   bool              `json:"accept,omitempty"`
}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response
		s.logger.Debug("ws upgrade failed", "driver_id", driverID, "error", err)
		return
	}
	s.ws.Add(driverID, conn)
	go s.readDriverSession(driverID, conn)
}

// readDriverSession pumps inbound frames: offer responses route to the
// coordinator; the session closes on any read error.
func (s *Server) readDriverSession(driverID string, conn *websocket.Conn) {
	defer s.ws.Remove(driverID)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("bad ws frame", "driver_id", driverID, "error", err)
			continue
		}
		if msg.Type != "offer_response" || msg.RideID == "" {
			continue
		}
		if err := s.coord.Respond(msg.RideID, driverID, msg.Accept); err != nil {
			// offer no longer available; tell the driver and move on
			_ = s.ws.Push(driverID, wsMessage{Type: "offer_unavailable", RideID: msg.RideID})
		}
	}
}

func (s *Server) handlePassengerWS(w http.ResponseWriter, r *http.Request) {
	passengerID := mux.Vars(r)["passenger_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws upgrade failed", "passenger_id", passengerID, "error", err)
		return
	}
	s.ws.Add(passengerID, conn)
	go func() {
		defer s.ws.Remove(passengerID)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
