package relay

import (
	"encoding/json"
	"fmt"
)

// Wire frame types. Client frames carry subscribe, unsubscribe and ping;
// server frames carry webhook, pong, subscribed and unsubscribed.
const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypePing         = "ping"
	TypeWebhook      = "webhook"
	TypePong         = "pong"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
)

// Envelope pairs a unit key with its normalized event. It is the unit of
// fanout and mirroring.
type Envelope struct {
	Key   PRKey `json:"key"`
	Event Event `json:"event"`
}

// ClientMessage is a control frame sent by the client. Key is required for
// subscribe and unsubscribe.
type ClientMessage struct {
	Type string `json:"type"`
	Key  *PRKey `json:"key,omitempty"`
}

// ServerMessage is a frame sent by the server. Webhook frames carry the
// envelope inline as key plus event; acknowledgment frames carry only the
// key they acknowledge.
type ServerMessage struct {
	Type  string `json:"type"`
	Key   *PRKey `json:"key,omitempty"`
	Event *Event `json:"event,omitempty"`
}

// DecodeClientMessage parses and validates a client frame. Types outside the
// closed set yield an *UnknownTagError.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, err
	}
	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
		if msg.Key == nil {
			return ClientMessage{}, fmt.Errorf("%s frame missing key", msg.Type)
		}
	case TypePing:
	default:
		return ClientMessage{}, &UnknownTagError{Field: "type", Value: msg.Type}
	}
	return msg, nil
}

// DecodeServerMessage parses and validates a server frame. Types outside the
// closed set yield an *UnknownTagError; webhook frames must carry both key
// and event.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, err
	}
	switch msg.Type {
	case TypeWebhook:
		if msg.Key == nil || msg.Event == nil {
			return ServerMessage{}, fmt.Errorf("webhook frame missing key or event")
		}
	case TypeSubscribed, TypeUnsubscribed:
		if msg.Key == nil {
			return ServerMessage{}, fmt.Errorf("%s frame missing key", msg.Type)
		}
	case TypePong:
	default:
		return ServerMessage{}, &UnknownTagError{Field: "type", Value: msg.Type}
	}
	return msg, nil
}
