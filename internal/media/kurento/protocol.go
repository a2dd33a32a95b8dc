package kurento

import (
	"encoding/json"

	"github.com/onecast/onecast/internal/media"
)

// Wire shapes of the Kurento JSON-RPC protocol. Object handles and the
// server-assigned sessionId are threaded through every request.

type createParams struct {
	Type              string         `json:"type"`
	ConstructorParams map[string]any `json:"constructorParams"`
	SessionID         string         `json:"sessionId,omitempty"`
}

type createResult struct {
	Value     string `json:"value"`
	SessionID string `json:"sessionId"`
}

type invokeParams struct {
	Object          string         `json:"object"`
	Operation       string         `json:"operation"`
	OperationParams map[string]any `json:"operationParams,omitempty"`
	SessionID       string         `json:"sessionId,omitempty"`
}

type invokeResult struct {
	Value     json.RawMessage `json:"value"`
	SessionID string          `json:"sessionId"`
}

type subscribeParams struct {
	Object    string `json:"object"`
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
}

type releaseParams struct {
	Object    string `json:"object"`
	SessionID string `json:"sessionId,omitempty"`
}

type pingParams struct {
	Interval int64 `json:"interval"`
}

type eventParams struct {
	Value eventValue `json:"value"`
}

type eventValue struct {
	Object string          `json:"object"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
}

type iceCandidateFoundData struct {
	Candidate iceCandidate `json:"candidate"`
}

type errorEventData struct {
	Description string `json:"description"`
	ErrorCode   int    `json:"errorCode"`
	Type        string `json:"type"`
}

// iceCandidate is Kurento's IceCandidate representation; the __module__ and
// __type__ tags mark the complex-type payload on the wire.
type iceCandidate struct {
	Module        string `json:"__module__,omitempty"`
	TypeName      string `json:"__type__,omitempty"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

func toWireCandidate(c media.Candidate) iceCandidate {
	out := iceCandidate{
		Module:    "kurento",
		TypeName:  "IceCandidate",
		Candidate: c.Candidate,
	}
	if c.SDPMid != nil {
		out.SDPMid = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		out.SDPMLineIndex = *c.SDPMLineIndex
	}
	return out
}

func fromWireCandidate(c iceCandidate) media.Candidate {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return media.Candidate{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}
