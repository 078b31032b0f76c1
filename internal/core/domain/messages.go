package domain

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// MessageType is the `type` discriminator of a signaling message.
type MessageType string

const (
	TypeLogin            MessageType = "login"
	TypeLoginSuccess     MessageType = "login_success"
	TypeLoginError       MessageType = "login_error"
	TypeOffer            MessageType = "offer"
	TypeAnswer           MessageType = "answer"
	TypeCandidate        MessageType = "candidate"
	TypeRequestOffer     MessageType = "request_offer"
	TypeStreamStarting   MessageType = "stream_starting"
	TypeStreamStopping   MessageType = "stream_stopping"
	TypeStreamStarted    MessageType = "stream_started"
	TypeStreamStopped    MessageType = "stream_stopped"
	TypeStreamRestored   MessageType = "stream_restored"
	TypePageOpened       MessageType = "page_opened"
	TypeStreamHeartbeat  MessageType = "stream_heartbeat"
	TypeStreamError      MessageType = "stream_error"
	TypeStreamControl    MessageType = "stream_control"
	TypeAudioDucking     MessageType = "audio_ducking"
	TypePing             MessageType = "ping"
	TypePong             MessageType = "pong"
	TypePeerConnected    MessageType = "peer_connected"
	TypePeerDisconnected MessageType = "peer_disconnected"
)

// Message is the closed set of signaling messages. Only types in this file
// implement it.
type Message interface {
	MessageType() MessageType
	Sender() Identity
	SetSender(Identity)
	header() *Header
}

// Targeted messages name the single endpoint the relay forwards them to.
type Targeted interface {
	Message
	TargetIdentity() Identity
}

// Header carries the fields shared by every message.
type Header struct {
	Type MessageType `json:"type"`
	From Identity    `json:"from,omitempty"`
}

func (h *Header) Sender() Identity      { return h.From }
func (h *Header) SetSender(id Identity) { h.From = id }
func (h *Header) header() *Header       { return h }

// Routing is embedded by messages addressed to one endpoint.
type Routing struct {
	Target Identity `json:"target"`
}

func (r Routing) TargetIdentity() Identity { return r.Target }

type Login struct {
	Header
	ID Identity `json:"id"`
}

type LoginSuccess struct {
	Header
	Clients []Identity `json:"clients"`
}

type LoginError struct {
	Header
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

type Offer struct {
	Header
	Routing
	Offer webrtc.SessionDescription `json:"offer"`
}

type Answer struct {
	Header
	Routing
	Answer webrtc.SessionDescription `json:"answer"`
}

type Candidate struct {
	Header
	Routing
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type RequestOffer struct {
	Header
	Routing
}

type StreamStarting struct{ Header }
type StreamStopping struct{ Header }
type StreamStarted struct{ Header }
type StreamRestored struct{ Header }
type PageOpened struct{ Header }
type StreamHeartbeat struct{ Header }

type StreamStopped struct {
	Header
	Reason StopReason `json:"reason,omitempty"`
}

type StreamError struct {
	Header
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type StreamControl struct {
	Header
	Routing
	Action StreamAction `json:"action"`
}

type AudioDucking struct {
	Header
	Routing
	Ducking bool    `json:"ducking"`
	Gain    float64 `json:"gain"`
}

type Ping struct{ Header }
type Pong struct{ Header }

type PeerConnected struct {
	Header
	Peer Identity `json:"peer"`
}

type PeerDisconnected struct {
	Header
	Peer Identity `json:"peer"`
}

func (*Login) MessageType() MessageType            { return TypeLogin }
func (*LoginSuccess) MessageType() MessageType     { return TypeLoginSuccess }
func (*LoginError) MessageType() MessageType       { return TypeLoginError }
func (*Offer) MessageType() MessageType            { return TypeOffer }
func (*Answer) MessageType() MessageType           { return TypeAnswer }
func (*Candidate) MessageType() MessageType        { return TypeCandidate }
func (*RequestOffer) MessageType() MessageType     { return TypeRequestOffer }
func (*StreamStarting) MessageType() MessageType   { return TypeStreamStarting }
func (*StreamStopping) MessageType() MessageType   { return TypeStreamStopping }
func (*StreamStarted) MessageType() MessageType    { return TypeStreamStarted }
func (*StreamStopped) MessageType() MessageType    { return TypeStreamStopped }
func (*StreamRestored) MessageType() MessageType   { return TypeStreamRestored }
func (*PageOpened) MessageType() MessageType       { return TypePageOpened }
func (*StreamHeartbeat) MessageType() MessageType  { return TypeStreamHeartbeat }
func (*StreamError) MessageType() MessageType      { return TypeStreamError }
func (*StreamControl) MessageType() MessageType    { return TypeStreamControl }
func (*AudioDucking) MessageType() MessageType     { return TypeAudioDucking }
func (*Ping) MessageType() MessageType             { return TypePing }
func (*Pong) MessageType() MessageType             { return TypePong }
func (*PeerConnected) MessageType() MessageType    { return TypePeerConnected }
func (*PeerDisconnected) MessageType() MessageType { return TypePeerDisconnected }

// newMessage returns an empty value for t.
func newMessage(t MessageType) (Message, error) {
	switch t {
	case TypeLogin:
		return &Login{}, nil
	case TypeLoginSuccess:
		return &LoginSuccess{}, nil
	case TypeLoginError:
		return &LoginError{}, nil
	case TypeOffer:
		return &Offer{}, nil
	case TypeAnswer:
		return &Answer{}, nil
	case TypeCandidate:
		return &Candidate{}, nil
	case TypeRequestOffer:
		return &RequestOffer{}, nil
	case TypeStreamStarting:
		return &StreamStarting{}, nil
	case TypeStreamStopping:
		return &StreamStopping{}, nil
	case TypeStreamStarted:
		return &StreamStarted{}, nil
	case TypeStreamStopped:
		return &StreamStopped{}, nil
	case TypeStreamRestored:
		return &StreamRestored{}, nil
	case TypePageOpened:
		return &PageOpened{}, nil
	case TypeStreamHeartbeat:
		return &StreamHeartbeat{}, nil
	case TypeStreamError:
		return &StreamError{}, nil
	case TypeStreamControl:
		return &StreamControl{}, nil
	case TypeAudioDucking:
		return &AudioDucking{}, nil
	case TypePing:
		return &Ping{}, nil
	case TypePong:
		return &Pong{}, nil
	case TypePeerConnected:
		return &PeerConnected{}, nil
	case TypePeerDisconnected:
		return &PeerDisconnected{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, t)
	}
}

// DecodeMessage parses one wire frame into its concrete message type.
func DecodeMessage(data []byte) (Message, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("invalid message envelope: %w", err)
	}
	if h.Type == "" {
		return nil, fmt.Errorf("message type is required")
	}

	msg, err := newMessage(h.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", h.Type, err)
	}
	msg.header().Type = h.Type
	return msg, nil
}

// EncodeMessage stamps the type discriminator and serializes msg.
func EncodeMessage(msg Message) ([]byte, error) {
	msg.header().Type = msg.MessageType()
	return json.Marshal(msg)
}
