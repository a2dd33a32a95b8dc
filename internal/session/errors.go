package session

import "errors"

var (
	// ErrDuplicateSession: a second session creation for a live connection
	// identity. Benign; the existing session is reused.
	ErrDuplicateSession = errors.New("duplicate session")
	// ErrAlreadyNegotiating: a second offer for a session that already
	// started its one-shot negotiation. Protocol misuse by the viewer.
	ErrAlreadyNegotiating = errors.New("already negotiating")
	// ErrNegotiationFailed: a backend round-trip failed during offer
	// processing; the session is closed, no answer is sent.
	ErrNegotiationFailed = errors.New("negotiation failed")
	// ErrPublisherNotReady: a viewer tried to connect before any publish
	// started.
	ErrPublisherNotReady = errors.New("publisher not ready")
	// ErrCandidateApplyFailed: a single candidate could not be applied.
	// Non-fatal; candidates are best-effort.
	ErrCandidateApplyFailed = errors.New("candidate apply failed")
	// ErrPipelineCreateFailed: pipeline or source setup failed. Fatal only
	// at startup; retryable on later publish requests.
	ErrPipelineCreateFailed = errors.New("pipeline create failed")
	// ErrSessionClosed: an operation arrived for a session that is already
	// torn down. Candidates can race connection teardown; not fatal.
	ErrSessionClosed = errors.New("session closed")
)
