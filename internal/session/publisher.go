package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/onecast/onecast/internal/media"
)

// Publisher owns the single shared pipeline and playback source that every
// viewer is fanned out from. Creation is lazy and single-flight: the mutex
// is held across the backend round-trips, so a second caller arriving while
// creation is in flight waits for it and observes the same pipeline instead
// of creating a duplicate (the backend's create call is not idempotent; a
// duplicate would leak a pipeline).
type Publisher struct {
	client media.Client
	uri    string

	mu       sync.Mutex
	pipeline media.ObjectID
	source   media.ObjectID
}

func NewPublisher(client media.Client, uri string) *Publisher {
	return &Publisher{client: client, uri: uri}
}

// EnsurePublishing creates the pipeline and playback source and starts
// playback, once. Later calls are no-ops while the pipeline lives. On any
// failure both handles are reset to absent, so a later call retries from
// scratch; pipeline and source are never observable half-created.
func (p *Publisher) EnsurePublishing(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pipeline != "" {
		return nil
	}

	pipeline, err := p.client.CreatePipeline(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPipelineCreateFailed, err)
	}
	source, err := p.client.CreatePlayer(ctx, pipeline, p.uri)
	if err != nil {
		p.releaseLocked(ctx, pipeline)
		return fmt.Errorf("%w: create player: %v", ErrPipelineCreateFailed, err)
	}
	if err := p.client.Play(ctx, source); err != nil {
		p.releaseLocked(ctx, pipeline)
		return fmt.Errorf("%w: play: %v", ErrPipelineCreateFailed, err)
	}

	p.pipeline = pipeline
	p.source = source
	log.Info().
		Str("module", "session.publisher").
		Str("pipeline", string(pipeline)).
		Str("source", string(source)).
		Str("uri", p.uri).
		Msg("publishing started")
	return nil
}

// Pipeline returns the shared pipeline handle, if publishing has started.
func (p *Publisher) Pipeline() (media.ObjectID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pipeline, p.pipeline != ""
}

// ConnectViewer wires the shared source into the viewer's remote endpoint so
// media flows one-way from source to viewer. The session must have reached
// endpoint_ready first.
func (p *Publisher) ConnectViewer(ctx context.Context, sess *Session) error {
	p.mu.Lock()
	source := p.source
	p.mu.Unlock()
	if source == "" {
		return fmt.Errorf("%w: no active publish yet", ErrPublisherNotReady)
	}
	endpoint := sess.Endpoint()
	if endpoint == "" {
		return fmt.Errorf("%w: session %s has no endpoint (state %s)", ErrPublisherNotReady, sess.ID(), sess.State())
	}
	if err := p.client.Connect(ctx, source, endpoint); err != nil {
		return fmt.Errorf("connect viewer %s: %w", sess.ID(), err)
	}
	log.Info().
		Str("module", "session.publisher").
		Str("sid", sess.ID()).
		Str("endpoint", string(endpoint)).
		Msg("viewer connected to source")
	return nil
}

// Shutdown releases the shared pipeline. The backend tears down every
// endpoint the pipeline owns with it.
func (p *Publisher) Shutdown(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pipeline == "" {
		return
	}
	p.releaseLocked(ctx, p.pipeline)
}

func (p *Publisher) releaseLocked(ctx context.Context, pipeline media.ObjectID) {
	if err := p.client.Release(ctx, pipeline); err != nil {
		log.Warn().Err(err).Str("module", "session.publisher").Str("pipeline", string(pipeline)).Msg("release pipeline")
	}
	p.pipeline = ""
	p.source = ""
}
