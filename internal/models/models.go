package models

import "time"

// Coordinate is a WGS84 point in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Availability string

const (
	AvailabilityOnline  Availability = "online"
	AvailabilityBusy    Availability = "busy"
	AvailabilityOffline Availability = "offline"
)

type Approval string

const (
	ApprovalApproved   Approval = "approved"
	ApprovalPending    Approval = "pending"
	ApprovalRejected   Approval = "rejected"
	ApprovalIncomplete Approval = "incomplete"
)

// DriverSnapshot is a point-in-time copy of one driver's registry state.
// The registry owns the live record; consumers never mutate a snapshot.
type DriverSnapshot struct {
	ID           string       `json:"id"`
	Position     Coordinate   `json:"position"`
	Availability Availability `json:"availability"`
	Approval     Approval     `json:"approval"`
	Rating       float64      `json:"rating"` // 0..5
	LastActive   time.Time    `json:"last_active"`
	Updated      time.Time    `json:"updated"`
}

// RideState is a ride lifecycle state.
type RideState string

const (
	StatePending    RideState = "pending"
	StateAccepted   RideState = "accepted"
	StateArrived    RideState = "arrived"
	StateInProgress RideState = "in_progress"
	StateCompleted  RideState = "completed"
	StateCancelled  RideState = "cancelled"
)

// Terminal reports whether s admits no further transitions.
func (s RideState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Actor identifies who is requesting a ride transition.
type Actor string

const (
	ActorCoordinator Actor = "coordinator"
	ActorDriver      Actor = "driver"
	ActorPassenger   Actor = "passenger"
	ActorAdmin       Actor = "admin"
)

// Action is a requested edge in the ride lifecycle.
type Action string

const (
	ActionAccept   Action = "accept"
	ActionArrive   Action = "arrive"
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

// RideRecord is the single source of truth for one ride request.
// Fare is fixed at creation. Version guards compare-and-set mutations.
type RideRecord struct {
	ID            string     `json:"id"`
	PassengerID   string     `json:"passenger_id"`
	PassengerName string     `json:"passenger_name"`
	Pickup        Coordinate `json:"pickup"`
	PickupAddr    string     `json:"pickup_addr"`
	Drop          Coordinate `json:"drop"`
	DropAddr      string     `json:"drop_addr"`
	Fare          int64      `json:"fare"`
	DriverID      string     `json:"driver_id,omitempty"`
	State         RideState  `json:"state"`
	StartCode     string     `json:"-"` // shared secret for the arrived->in_progress gate
	CancelReason  string     `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Version       int64      `json:"version"`
}

// RideRequest is the intake payload for a new ride.
type RideRequest struct {
	PassengerID   string     `json:"passenger_id"`
	PassengerName string     `json:"passenger_name"`
	Pickup        Coordinate `json:"pickup"`
	PickupAddr    string     `json:"pickup_addr"`
	Drop          Coordinate `json:"drop"`
	DropAddr      string     `json:"drop_addr"`
	Fare          int64      `json:"fare"`
}

// RideOffer is a time-boxed invitation to one candidate driver.
type RideOffer struct {
	RideID     string     `json:"ride_id"`
	DriverID   string     `json:"driver_id"`
	Pickup     Coordinate `json:"pickup"`
	PickupAddr string     `json:"pickup_addr"`
	Drop       Coordinate `json:"drop"`
	DropAddr   string     `json:"drop_addr"`
	Fare       int64      `json:"fare"`
	DistanceKm float64    `json:"distance_km"`
	ETASeconds float64    `json:"eta_seconds,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

// EventType labels a notify emission.
type EventType string

const (
	EventRideCreated      EventType = "ride_created"
	EventStateChanged     EventType = "state_changed"
	EventOfferSent        EventType = "offer_sent"
	EventOfferExpired     EventType = "offer_expired"
	EventOfferDeclined    EventType = "offer_declined"
	EventOfferWithdrawn   EventType = "offer_withdrawn"
	EventDispatchAssigned EventType = "dispatch_assigned"
	EventDispatchFailed   EventType = "dispatch_exhausted"
)

// Event is the payload delivered to the notify fanout.
type Event struct {
	Type     EventType `json:"type"`
	RideID   string    `json:"ride_id"`
	State    RideState `json:"state,omitempty"`
	DriverID string    `json:"driver_id,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// DriverLocationMessage is the wire shape of the driver location stream;
// the HTTP intake and the Kafka topic share it.
type DriverLocationMessage struct {
	DriverID     string       `json:"driver_id"`
	Position     Coordinate   `json:"position"`
	Availability Availability `json:"availability,omitempty"`
	At           time.Time    `json:"at"`
}
