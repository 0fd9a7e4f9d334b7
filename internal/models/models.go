package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// VehicleType is the service category a driver operates or a rider requests.
type VehicleType string

const (
	VehicleSaver     VehicleType = "saver"
	VehicleComfort   VehicleType = "comfort"
	VehicleVIP       VehicleType = "vip"
	VehicleTaxi      VehicleType = "taxi"
	VehicleIntercity VehicleType = "intercity"
)

func (v VehicleType) Valid() bool {
	switch v {
	case VehicleSaver, VehicleComfort, VehicleVIP, VehicleTaxi, VehicleIntercity:
		return true
	}
	return false
}

type TripStatus string

const (
	TripRequested TripStatus = "requested"
	TripAccepted  TripStatus = "accepted"
	TripArrived   TripStatus = "arrived"
	TripStarted   TripStatus = "started"
	TripCompleted TripStatus = "completed"
	TripCancelled TripStatus = "cancelled"
	TripExpired   TripStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s TripStatus) Terminal() bool {
	return s == TripCompleted || s == TripCancelled || s == TripExpired
}

// Rank orders statuses along the trip lifecycle; terminal statuses share the
// highest rank. Unknown statuses rank -1.
func (s TripStatus) Rank() int {
	switch s {
	case TripRequested:
		return 0
	case TripAccepted:
		return 1
	case TripArrived:
		return 2
	case TripStarted:
		return 3
	case TripCompleted, TripCancelled, TripExpired:
		return 4
	}
	return -1
}

// CanTransition reports whether a trip in s may move to next.
func (s TripStatus) CanTransition(next TripStatus) bool {
	switch s {
	case TripRequested:
		return next == TripAccepted || next == TripCancelled || next == TripExpired
	case TripAccepted:
		return next == TripArrived || next == TripStarted || next == TripCancelled
	case TripArrived:
		return next == TripStarted || next == TripCancelled
	case TripStarted:
		return next == TripCompleted || next == TripCancelled
	}
	return false
}

func (s TripStatus) Valid() bool {
	switch s {
	case TripRequested, TripAccepted, TripArrived, TripStarted, TripCompleted, TripCancelled, TripExpired:
		return true
	}
	return false
}

type TripRequest struct {
	RiderID         string      `json:"rider_id"`
	Pickup          Coord       `json:"pickup"`
	Destination     Coord       `json:"destination"`
	VehicleType     VehicleType `json:"vehicle_type"`
	IsTravelRequest bool        `json:"is_travel_request"`
}

type Trip struct {
	ID              string      `json:"id" db:"id"`
	RiderID         string      `json:"rider_id" db:"rider_id"`
	DriverID        string      `json:"driver_id,omitempty" db:"driver_id"`
	PickupLat       float64     `json:"pickup_lat" db:"pickup_lat"`
	PickupLng       float64     `json:"pickup_lng" db:"pickup_lng"`
	DestLat         float64     `json:"destination_lat" db:"dest_lat"`
	DestLng         float64     `json:"destination_lng" db:"dest_lng"`
	VehicleType     VehicleType `json:"vehicle_type" db:"vehicle_type"`
	IsTravelRequest bool        `json:"is_travel_request" db:"is_travel_request"`
	Status          TripStatus  `json:"status" db:"status"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
}

func (t *Trip) Pickup() Coord { return Coord{Lat: t.PickupLat, Lng: t.PickupLng} }

// DriverHeartbeat is the periodic location report sent by driver clients.
type DriverHeartbeat struct {
	DriverID    string      `json:"driver_id"`
	Lat         float64     `json:"lat"`
	Lng         float64     `json:"lng"`
	Online      bool        `json:"online"`
	VehicleType VehicleType `json:"vehicle_type"`
	TripID      string      `json:"trip_id,omitempty"`
	SentAt      time.Time   `json:"sent_at"`
}
