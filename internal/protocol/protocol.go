// Package protocol defines the JSON wire format spoken between the relay hub
// and its driver and viewer clients.
//
// Every WebSocket text message is an Envelope: {"event": name, "data": payload}.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
)

// Event names.
const (
	EventJoinRoom        = "join_room"
	EventUpdateLocation  = "update_location"
	EventLocationUpdated = "location_updated"
	EventError           = "error"
)

// Error codes carried by ErrorEvent.
const (
	CodeMalformed      = "malformed"
	CodeUnknownEvent   = "unknown_event"
	CodeInvalidOrderID = "invalid_order_id"
	CodeInvalidFix     = "invalid_fix"
	CodeNotMember      = "not_member"
	CodeNotDriver      = "not_driver"
	CodeUnauthorized   = "unauthorized"
	CodeSuperseded     = "superseded"
	CodeRoomExpired    = "room_expired"
)

// MaxOrderIDLen bounds the length of an order identifier in bytes.
const MaxOrderIDLen = 128

var (
	ErrInvalidOrderID = errors.New("invalid order id")
	ErrInvalidFix     = errors.New("invalid location fix")
	ErrInvalidRole    = errors.New("invalid role")
	ErrUnknownEvent   = errors.New("unknown event")
	ErrMalformed      = errors.New("malformed message")
)

// Role tags a room member.
type Role string

const (
	RoleDriver Role = "driver"
	RoleViewer Role = "viewer"
)

// ParseRole accepts "driver" or "viewer" (case-insensitive). Empty means viewer.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(RoleViewer):
		return RoleViewer, nil
	case string(RoleDriver):
		return RoleDriver, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// ValidateOrderID trims id and checks it is usable as a room key.
// The identifier is otherwise opaque.
func ValidateOrderID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOrderID)
	}
	if len(id) > MaxOrderIDLen {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidOrderID, MaxOrderIDLen)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: contains control characters", ErrInvalidOrderID)
		}
	}
	return id, nil
}

// Fix is a single location sample.
type Fix struct {
	Latitude  float64
	Longitude float64
	Timestamp time.Time
}

// Validate rejects non-finite or out-of-range coordinates.
func (f Fix) Validate() error {
	if math.IsNaN(f.Latitude) || math.IsInf(f.Latitude, 0) || f.Latitude < -90 || f.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v", ErrInvalidFix, f.Latitude)
	}
	if math.IsNaN(f.Longitude) || math.IsInf(f.Longitude, 0) || f.Longitude < -180 || f.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v", ErrInvalidFix, f.Longitude)
	}
	return nil
}

// Envelope is the outer frame of every message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRoom is the join_room payload. On the wire it is either a bare order id
// string (joins as viewer) or an object.
type JoinRoom struct {
	OrderID string `json:"orderId"`
	Role    Role   `json:"role,omitempty"`
	Token   string `json:"token,omitempty"`
}

func (j *JoinRoom) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*j = JoinRoom{OrderID: id, Role: RoleViewer}
		return nil
	}
	type plain JoinRoom
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	role, err := ParseRole(string(p.Role))
	if err != nil {
		return err
	}
	p.Role = role
	*j = JoinRoom(p)
	return nil
}

// LatLng is a coordinate pair. Both keys are required when decoding.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (l *LatLng) UnmarshalJSON(data []byte) error {
	var aux struct {
		Lat *float64 `json:"lat"`
		Lng *float64 `json:"lng"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFix, err)
	}
	if aux.Lat == nil || aux.Lng == nil {
		return fmt.Errorf("%w: lat and lng are required", ErrInvalidFix)
	}
	l.Lat, l.Lng = *aux.Lat, *aux.Lng
	return nil
}

// UpdateLocation is the update_location payload. TS is the fix time in Unix
// milliseconds and is optional.
type UpdateLocation struct {
	OrderID  string  `json:"orderId"`
	Location *LatLng `json:"location"`
	TS       int64   `json:"ts,omitempty"`
}

// Fix converts the payload into a validated Fix. A missing TS is filled with now.
func (u UpdateLocation) Fix(now time.Time) (Fix, error) {
	if u.Location == nil {
		return Fix{}, fmt.Errorf("%w: missing location", ErrInvalidFix)
	}
	f := Fix{Latitude: u.Location.Lat, Longitude: u.Location.Lng, Timestamp: now}
	if u.TS > 0 {
		f.Timestamp = time.UnixMilli(u.TS)
	}
	return f, f.Validate()
}

// LocationUpdated is the location_updated payload fanned out to room members.
// Seq increases with every accepted publish in a room.
type LocationUpdated struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
	TS  int64   `json:"ts,omitempty"`
	Seq uint64  `json:"seq,omitempty"`
}

// Fix converts the payload back into a Fix.
func (l LocationUpdated) Fix() Fix {
	f := Fix{Latitude: l.Lat, Longitude: l.Lng}
	if l.TS > 0 {
		f.Timestamp = time.UnixMilli(l.TS)
	}
	return f
}

// ErrorEvent reports a rejected client event back to its sender.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e ErrorEvent) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Encode marshals payload into an Envelope for event.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Decode parses an Envelope. The payload is left raw for the caller.
func Decode(msg []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformed)
	}
	return env, nil
}

// NewJoin builds a join_room message.
func NewJoin(orderID string, role Role, token string) ([]byte, error) {
	if role == RoleViewer && token == "" {
		return Encode(EventJoinRoom, orderID)
	}
	return Encode(EventJoinRoom, JoinRoom{OrderID: orderID, Role: role, Token: token})
}

// NewUpdate builds an update_location message.
func NewUpdate(orderID string, f Fix) ([]byte, error) {
	u := UpdateLocation{
		OrderID:  orderID,
		Location: &LatLng{Lat: f.Latitude, Lng: f.Longitude},
	}
	if !f.Timestamp.IsZero() {
		u.TS = f.Timestamp.UnixMilli()
	}
	return Encode(EventUpdateLocation, u)
}
