package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var errMalformedSignal = errors.New("signal must be a session description or an ICE candidate")

// Envelope is a call signaling message between two users. From, FromConnection
// and FromName are always set by the server from the authenticated sender.
type Envelope struct {
	Kind           string          `json:"kind"`
	To             string          `json:"to" validate:"required,max=128"`
	ToConnection   string          `json:"toConnection,omitempty" validate:"omitempty,uuid"`
	From           string          `json:"from"`
	FromConnection string          `json:"fromConnection"`
	FromName       string          `json:"fromName,omitempty"`
	TicketID       string          `json:"ticketId,omitempty" validate:"max=128"`
	CallID         string          `json:"callId,omitempty" validate:"max=128"`
	Reason         string          `json:"reason,omitempty" validate:"max=64"`
	Signal         json.RawMessage `json:"signal,omitempty"`

	// extra holds top-level fields the server does not interpret. They are
	// forwarded untouched.
	extra map[string]json.RawMessage
}

// envelopeKeys are the fields Envelope decodes itself.
var envelopeKeys = []string{"kind", "to", "toConnection", "from", "fromConnection", "fromName", "ticketId", "callId", "reason", "signal"}

// MarshalJSON writes the known fields over the client's unknown ones.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	b, err := json.Marshal(plain(e))
	if err != nil || len(e.extra) == 0 {
		return b, err
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(b, &known); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(e.extra)+len(known))
	for k, v := range e.extra {
		out[k] = v
	}
	for k, v := range known {
		out[k] = v
	}
	return json.Marshal(out)
}

// Envelope kinds besides the SDP types and "candidate".
const (
	KindCallRequest = "call-request"
	KindCallAccept  = "call-accept"
	KindCallReject  = "call-reject"
	KindCallEnd     = "call-end"
	KindCandidate   = "candidate"
)

var eventKinds = map[string]string{
	EventCallRequest: KindCallRequest,
	EventCallAccept:  KindCallAccept,
	EventCallReject:  KindCallReject,
	EventCallEnd:     KindCallEnd,
}

// parseEnvelope decodes and shape-checks a call event payload. Only the
// signal event requires a payload; on other events it is passed through as is.
func parseEnvelope(event string, data json.RawMessage) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errPayload, err)
	}
	if err := validate.Struct(env); err != nil {
		return Envelope{}, errors.New(validationMessage(err))
	}
	env.From, env.FromConnection, env.FromName = "", "", ""
	if err := json.Unmarshal(data, &env.extra); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errPayload, err)
	}
	for _, k := range envelopeKeys {
		delete(env.extra, k)
	}
	if event != EventSignal {
		env.Kind = eventKinds[event]
		return env, nil
	}
	if len(env.Signal) == 0 || string(env.Signal) == "null" {
		return Envelope{}, errMalformedSignal
	}
	kind, err := signalKind(env.Signal)
	if err != nil {
		return Envelope{}, err
	}
	env.Kind = kind
	return env, nil
}

// signalKind classifies a WebRTC signal payload. Accepted shapes are a session
// description {type, sdp}, an ICE candidate {candidate, sdpMid?,
// sdpMLineIndex?}, or the same candidate wrapped as {type:"candidate",
// candidate:{...}}.
func signalKind(raw json.RawMessage) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", errMalformedSignal
	}
	if c, ok := fields["candidate"]; ok {
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal(raw, &init); err == nil {
			return KindCandidate, nil
		}
		if err := json.Unmarshal(c, &init); err == nil && init.Candidate != "" {
			return KindCandidate, nil
		}
		return "", errMalformedSignal
	}
	if _, ok := fields["type"]; !ok {
		return "", errMalformedSignal
	}
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(raw, &sd); err != nil {
		return "", errMalformedSignal
	}
	switch sd.Type {
	case webrtc.SDPTypeRollback:
		return sd.Type.String(), nil
	case webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer:
		if sd.SDP == "" {
			return "", errMalformedSignal
		}
		return sd.Type.String(), nil
	}
	return "", errMalformedSignal
}
