// Package media defines the contract with the external media-processing
// server. The server owns the actual pipelines and endpoints; this process
// only holds opaque object ids and drives them over an async RPC client.
package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// ObjectID is a backend-assigned handle for a pipeline or endpoint.
type ObjectID string

// Candidate is the ICE candidate record exchanged with browsers and the
// backend.
type Candidate = webrtc.ICECandidateInit

type NotificationKind int

const (
	// CandidateFound: the backend discovered an ICE candidate for an endpoint.
	CandidateFound NotificationKind = iota
	// EndpointError: the backend reports an endpoint-level failure.
	EndpointError
)

// Notification is an async event pushed by the backend, keyed by the object
// that raised it.
type Notification struct {
	Kind      NotificationKind
	Source    ObjectID
	Candidate Candidate
	Detail    string
}

// Client is the async media-server client. Every call is a fallible network
// round-trip; callers bound them with a context deadline.
type Client interface {
	// CreatePipeline creates a new media pipeline on the server.
	CreatePipeline(ctx context.Context) (ObjectID, error)
	// CreatePlayer creates a playback source inside pipeline, reading uri.
	CreatePlayer(ctx context.Context, pipeline ObjectID, uri string) (ObjectID, error)
	// Play starts playback on a player endpoint.
	Play(ctx context.Context, player ObjectID) error
	// CreateEndpoint creates a WebRTC endpoint inside pipeline.
	CreateEndpoint(ctx context.Context, pipeline ObjectID) (ObjectID, error)
	// ProcessOffer negotiates an SDP offer on endpoint and returns the answer.
	ProcessOffer(ctx context.Context, endpoint ObjectID, offer string) (string, error)
	// GatherCandidates starts ICE candidate gathering on endpoint. Results
	// arrive as CandidateFound notifications.
	GatherCandidates(ctx context.Context, endpoint ObjectID) error
	// AddCandidate applies one remote ICE candidate to endpoint.
	AddCandidate(ctx context.Context, endpoint ObjectID, cand Candidate) error
	// Connect wires media to flow from source into sink.
	Connect(ctx context.Context, source, sink ObjectID) error
	// Subscribe registers interest in candidate and error events for object.
	Subscribe(ctx context.Context, object ObjectID) error
	// GraphDot fetches the server-side processing graph for object in
	// GraphViz dot format.
	GraphDot(ctx context.Context, object ObjectID) (string, error)
	// Release destroys a server-side object and everything it owns.
	Release(ctx context.Context, object ObjectID) error

	// OnNotification registers the single handler for async backend events.
	// Must be called before any Subscribe.
	OnNotification(fn func(Notification))

	Close() error
}
