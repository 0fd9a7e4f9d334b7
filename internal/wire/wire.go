// Package wire defines the JSON frames exchanged between realtime clients and
// the broadcast hub, one frame per WebSocket message.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Channel string

const (
	ChannelTripRequests   Channel = "driver:trip-requests"
	ChannelOfferUpdates   Channel = "driver:offer-updates"
	ChannelDriverLocation Channel = "driver:location"
	ChannelTripOffers     Channel = "trip:offers"
	ChannelTripStatus     Channel = "trip:status"
	ChannelTripMessages   Channel = "trip:messages"
	ChannelSupport        Channel = "support:messages"
)

// Channels lists every channel a client may subscribe to.
var Channels = []Channel{
	ChannelTripRequests, ChannelOfferUpdates, ChannelDriverLocation,
	ChannelTripOffers, ChannelTripStatus, ChannelTripMessages, ChannelSupport,
}

func (c Channel) Valid() bool {
	for _, k := range Channels {
		if c == k {
			return true
		}
	}
	return false
}

// UserScoped channels deliver to the authenticated user only; the topic is
// keyed on the connection's user id instead of a client supplied parameter.
func (c Channel) UserScoped() bool {
	return c == ChannelTripRequests || c == ChannelOfferUpdates
}

// Public channels may be used before authentication. None of the current
// channels are public.
func (c Channel) Public() bool { return false }

const (
	TypeAuth        = "auth"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeEvent       = "event"

	TypeAuthOK     = "auth_ok"
	TypeSubscribed = "subscribed"
	TypeError      = "error"
)

var ErrInvalidParams = errors.New("wire: invalid subscribe params")

// SubscribeParams are the channel and its parameters. They are flattened
// into the subscribe frame next to type and subscriptionId.
type SubscribeParams struct {
	Channel  Channel `json:"channel"`
	TripID   string  `json:"tripId,omitempty"`
	DriverID string  `json:"driverId,omitempty"`
	TicketID string  `json:"ticketId,omitempty"`
}

func (p SubscribeParams) Validate() error {
	missing := func(name string) error {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidParams, p.Channel, name)
	}
	switch p.Channel {
	case ChannelTripRequests, ChannelOfferUpdates:
		return nil
	case ChannelDriverLocation:
		if p.TripID == "" {
			return missing("tripId")
		}
		if p.DriverID == "" {
			return missing("driverId")
		}
	case ChannelTripOffers, ChannelTripStatus, ChannelTripMessages:
		if p.TripID == "" {
			return missing("tripId")
		}
	case ChannelSupport:
		if p.TicketID == "" {
			return missing("ticketId")
		}
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidParams, p.Channel)
	}
	return nil
}

// Topic resolves the params to the registry key they bind to. userID is the
// authenticated user and only matters for user-scoped channels.
func (p SubscribeParams) Topic(userID string) Topic {
	t := Topic{Channel: p.Channel}
	switch p.Channel {
	case ChannelTripRequests, ChannelOfferUpdates:
		t.UserID = userID
	case ChannelDriverLocation:
		t.TripID, t.DriverID = p.TripID, p.DriverID
	case ChannelTripOffers, ChannelTripStatus, ChannelTripMessages:
		t.TripID = p.TripID
	case ChannelSupport:
		t.TicketID = p.TicketID
	}
	return t
}

// Topic is a channel plus the parameters that select one stream on it.
type Topic struct {
	Channel  Channel
	UserID   string
	TripID   string
	DriverID string
	TicketID string
}

// Key is the canonical registry key, stable for equal topics.
func (t Topic) Key() string {
	var b strings.Builder
	b.WriteString(string(t.Channel))
	for _, kv := range [][2]string{{"user", t.UserID}, {"trip", t.TripID}, {"driver", t.DriverID}, {"ticket", t.TicketID}} {
		if kv[1] == "" {
			continue
		}
		b.WriteByte('|')
		b.WriteString(kv[0])
		b.WriteByte('=')
		b.WriteString(kv[1])
	}
	return b.String()
}

func (t Topic) String() string { return t.Key() }

// Convenience constructors used by publishers.
func DriverTripRequests(driverID string) Topic {
	return Topic{Channel: ChannelTripRequests, UserID: driverID}
}

func DriverOfferUpdates(driverID string) Topic {
	return Topic{Channel: ChannelOfferUpdates, UserID: driverID}
}

func DriverLocation(tripID, driverID string) Topic {
	return Topic{Channel: ChannelDriverLocation, TripID: tripID, DriverID: driverID}
}

func TripOffers(tripID string) Topic   { return Topic{Channel: ChannelTripOffers, TripID: tripID} }
func TripStatus(tripID string) Topic   { return Topic{Channel: ChannelTripStatus, TripID: tripID} }
func TripMessages(tripID string) Topic { return Topic{Channel: ChannelTripMessages, TripID: tripID} }
func SupportMessages(ticketID string) Topic {
	return Topic{Channel: ChannelSupport, TicketID: ticketID}
}

// ClientFrame is any frame a client sends. Fields not used by Type stay empty.
type ClientFrame struct {
	Type           string `json:"type"`
	Token          string `json:"token,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	SubscribeParams
}

func AuthFrame(token string) ClientFrame { return ClientFrame{Type: TypeAuth, Token: token} }

func SubscribeFrame(id string, p SubscribeParams) ClientFrame {
	return ClientFrame{Type: TypeSubscribe, SubscriptionID: id, SubscribeParams: p}
}

func UnsubscribeFrame(id string) ClientFrame {
	return ClientFrame{Type: TypeUnsubscribe, SubscriptionID: id}
}

// ServerFrame is any frame the hub sends.
type ServerFrame struct {
	Type           string          `json:"type"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	Error          string          `json:"error,omitempty"`
}

func EventFrame(subscriptionID string, payload json.RawMessage) ServerFrame {
	return ServerFrame{Type: TypeEvent, SubscriptionID: subscriptionID, Payload: payload}
}

func ErrorFrame(subscriptionID, msg string) ServerFrame {
	return ServerFrame{Type: TypeError, SubscriptionID: subscriptionID, Error: msg}
}

// DecodeClient parses an inbound frame. Frames without a known type are
// reported as errors so the caller can drop them.
func DecodeClient(data []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ClientFrame{}, fmt.Errorf("wire: decode frame: %w", err)
	}
	switch f.Type {
	case TypeAuth, TypeSubscribe, TypeUnsubscribe:
		return f, nil
	}
	return ClientFrame{}, fmt.Errorf("wire: unknown frame type %q", f.Type)
}

// Change is the payload envelope carried on trip-requests and trip:status
// events: the new row and, for updates, the fields that changed.
type Change struct {
	EventType string          `json:"eventType"`
	New       json.RawMessage `json:"new"`
	Old       json.RawMessage `json:"old,omitempty"`
}

const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
)

// Envelope marshals newRow (and oldRow if non-nil) into a Change payload.
func Envelope(eventType string, newRow, oldRow any) (json.RawMessage, error) {
	n, err := json.Marshal(newRow)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal new: %w", err)
	}
	c := Change{EventType: eventType, New: n}
	if oldRow != nil {
		o, err := json.Marshal(oldRow)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal old: %w", err)
		}
		c.Old = o
	}
	return json.Marshal(c)
}
