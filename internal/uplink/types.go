package uplink

import (
	"time"

	"github.com/antoniostano/fieldshare/internal/location"
)

// Outcome reports what happened to a best-effort location send.
type Outcome string

const (
	Delivered Outcome = "delivered"
	Dropped   Outcome = "dropped"
)

// LocationPayload is the body of POST /bookings/{id}/location. Unknown
// optional readings are omitted, never sent as zero.
type LocationPayload struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"` // km/h
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

const mpsToKmh = 3.6

func NewLocationPayload(s location.Sample) LocationPayload {
	p := LocationPayload{
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
	}
	if s.Heading != nil {
		h := *s.Heading
		p.Heading = &h
	}
	if s.Speed != nil {
		kmh := *s.Speed * mpsToKmh
		p.Speed = &kmh
	}
	if s.Accuracy != nil {
		a := *s.Accuracy
		p.Accuracy = &a
	}
	return p
}

// SessionBooking is the booking embedded in a server-side sharing session.
type SessionBooking struct {
	ID          string `json:"_id"`
	Address     string `json:"address"`
	BookingDate string `json:"bookingDate"`
	BookingTime string `json:"bookingTime"`
	Status      string `json:"status"`
}

// SessionSummary is one entry of GET /location/sessions.
type SessionSummary struct {
	ID          string         `json:"_id"`
	Booking     SessionBooking `json:"booking"`
	IsActive    bool           `json:"isActive"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

type sessionsResponse struct {
	Data []SessionSummary `json:"data"`
}
