// Package session holds the signaling core: per-viewer negotiation state,
// the process-wide session registry and the shared publisher coordinator.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/onecast/onecast/internal/media"
)

// State is the negotiation phase of one viewer session.
type State int

const (
	StateNew State = iota
	StateEndpointPending
	StateEndpointReady
	StateNegotiated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateEndpointPending:
		return "endpoint_pending"
	case StateEndpointReady:
		return "endpoint_ready"
	case StateNegotiated:
		return "negotiated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is one viewer's negotiation. It owns the remote endpoint the
// backend creates for that viewer and the queue of candidates that arrived
// before the endpoint existed.
//
// Transitions are linear: new -> endpoint_pending -> endpoint_ready ->
// negotiated, with closed reachable from anywhere. BeginNegotiation is
// one-shot; the mutex only guards state, never a backend round-trip.
type Session struct {
	id     string
	client media.Client

	mu       sync.Mutex
	state    State
	endpoint media.ObjectID
	queue    candidateQueue
}

func newSession(id string, client media.Client) *Session {
	return &Session{id: id, client: client}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Endpoint returns the backend endpoint handle, or "" before it exists.
func (s *Session) Endpoint() media.ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// BeginNegotiation runs the viewer's offer/answer cycle: create the remote
// endpoint inside pipeline, flush candidates queued so far, process the
// offer and start candidate gathering. Returns the SDP answer.
//
// Callable exactly once per session. Any backend failure closes the session
// and surfaces as ErrNegotiationFailed.
func (s *Session) BeginNegotiation(ctx context.Context, pipeline media.ObjectID, offer string) (string, error) {
	s.mu.Lock()
	if s.state != StateNew {
		st := s.state
		s.mu.Unlock()
		return "", fmt.Errorf("%w: session %s is %s", ErrAlreadyNegotiating, s.id, st)
	}
	s.state = StateEndpointPending
	s.mu.Unlock()

	endpoint, err := s.client.CreateEndpoint(ctx, pipeline)
	if err != nil {
		s.Close(ctx)
		return "", fmt.Errorf("%w: create endpoint: %v", ErrNegotiationFailed, err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		// Torn down while the round-trip was in flight.
		s.mu.Unlock()
		if relErr := s.client.Release(ctx, endpoint); relErr != nil {
			log.Warn().Err(relErr).Str("module", "session").Str("sid", s.id).Msg("release orphaned endpoint")
		}
		return "", fmt.Errorf("%w: %v", ErrNegotiationFailed, ErrSessionClosed)
	}
	s.endpoint = endpoint
	s.mu.Unlock()

	if err := s.client.Subscribe(ctx, endpoint); err != nil {
		s.Close(ctx)
		return "", fmt.Errorf("%w: subscribe: %v", ErrNegotiationFailed, err)
	}

	// Stay in endpoint_pending while flushing, so candidates that keep
	// arriving enqueue behind the ones already buffered instead of jumping
	// ahead of them. The queue is empty by the time the state flips.
	for {
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return "", fmt.Errorf("%w: %v", ErrNegotiationFailed, ErrSessionClosed)
		}
		if s.queue.len() == 0 {
			s.state = StateEndpointReady
			s.mu.Unlock()
			break
		}
		queued := s.queue
		s.queue = candidateQueue{}
		s.mu.Unlock()

		log.Info().Str("module", "session").Str("sid", s.id).Int("count", queued.len()).Msg("flushing queued candidates")
		queued.drainInto(ctx, s.client, endpoint)
	}

	answer, err := s.client.ProcessOffer(ctx, endpoint, offer)
	if err != nil {
		s.Close(ctx)
		return "", fmt.Errorf("%w: process offer: %v", ErrNegotiationFailed, err)
	}
	if err := s.client.GatherCandidates(ctx, endpoint); err != nil {
		s.Close(ctx)
		return "", fmt.Errorf("%w: gather candidates: %v", ErrNegotiationFailed, err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %v", ErrNegotiationFailed, ErrSessionClosed)
	}
	s.state = StateNegotiated
	s.mu.Unlock()

	log.Info().Str("module", "session").Str("sid", s.id).Str("endpoint", string(endpoint)).Msg("negotiated")
	return answer, nil
}

// AddCandidate applies a browser candidate to the remote endpoint, or queues
// it if the endpoint does not exist yet. Candidates for a closed session are
// dropped with ErrSessionClosed; they can race connection teardown.
func (s *Session) AddCandidate(ctx context.Context, cand media.Candidate) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case StateEndpointReady, StateNegotiated:
		endpoint := s.endpoint
		s.mu.Unlock()
		if err := s.client.AddCandidate(ctx, endpoint, cand); err != nil {
			return fmt.Errorf("%w: %v", ErrCandidateApplyFailed, err)
		}
		return nil
	default:
		s.queue.enqueue(cand)
		s.mu.Unlock()
		return nil
	}
}

// Close is idempotent. It releases the remote endpoint on the backend and
// drops any still-queued candidates.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	endpoint := s.endpoint
	s.endpoint = ""
	s.queue = candidateQueue{}
	s.state = StateClosed
	s.mu.Unlock()

	if endpoint != "" {
		if err := s.client.Release(ctx, endpoint); err != nil {
			log.Warn().Err(err).Str("module", "session").Str("sid", s.id).Msg("release endpoint")
		}
	}
	log.Info().Str("module", "session").Str("sid", s.id).Msg("session closed")
}
