// Package mediatest provides a scripted in-memory media.Client for tests.
package mediatest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/onecast/onecast/internal/media"
)

// Fake implements media.Client. Error fields script the next failure of the
// matching call; counters and recorded arguments let tests assert exactly
// which round-trips happened.
type Fake struct {
	mu sync.Mutex

	CreatePipelineErr   error
	CreatePlayerErr     error
	PlayErr             error
	CreateEndpointErr   error
	ProcessOfferErr     error
	GatherCandidatesErr error
	AddCandidateErr     error
	ConnectErr          error
	SubscribeErr        error
	GraphDotErr         error

	// RejectCandidate marks individual candidates as unappliable without
	// failing the whole drain.
	RejectCandidate func(cand media.Candidate) bool

	// CreatePipelineDelay stretches the pipeline round-trip to widen race
	// windows in single-flight tests.
	CreatePipelineDelay time.Duration

	// Answer is returned by ProcessOffer; defaults to "answer:"+offer.
	Answer string

	Pipelines     int
	Players       int
	Endpoints     int
	OfferCalls    int
	GatherCalls   int
	PlayCalls     int
	Applied       map[media.ObjectID][]media.Candidate
	Connected     map[media.ObjectID]media.ObjectID // sink -> source
	Subscribed    []media.ObjectID
	Released      []media.ObjectID
	Dots          map[media.ObjectID]string
	notify        func(media.Notification)
	closed        bool
}

func NewFake() *Fake {
	return &Fake{
		Applied:   make(map[media.ObjectID][]media.Candidate),
		Connected: make(map[media.ObjectID]media.ObjectID),
		Dots:      make(map[media.ObjectID]string),
	}
}

func (f *Fake) CreatePipeline(ctx context.Context) (media.ObjectID, error) {
	if f.CreatePipelineDelay > 0 {
		time.Sleep(f.CreatePipelineDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreatePipelineErr != nil {
		err := f.CreatePipelineErr
		f.CreatePipelineErr = nil
		return "", err
	}
	f.Pipelines++
	return media.ObjectID(fmt.Sprintf("pipeline-%d", f.Pipelines)), nil
}

func (f *Fake) CreatePlayer(ctx context.Context, pipeline media.ObjectID, uri string) (media.ObjectID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreatePlayerErr != nil {
		err := f.CreatePlayerErr
		f.CreatePlayerErr = nil
		return "", err
	}
	f.Players++
	return media.ObjectID(fmt.Sprintf("player-%d", f.Players)), nil
}

func (f *Fake) Play(ctx context.Context, player media.ObjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PlayErr != nil {
		err := f.PlayErr
		f.PlayErr = nil
		return err
	}
	f.PlayCalls++
	return nil
}

func (f *Fake) CreateEndpoint(ctx context.Context, pipeline media.ObjectID) (media.ObjectID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateEndpointErr != nil {
		err := f.CreateEndpointErr
		f.CreateEndpointErr = nil
		return "", err
	}
	f.Endpoints++
	return media.ObjectID(fmt.Sprintf("endpoint-%d", f.Endpoints)), nil
}

func (f *Fake) ProcessOffer(ctx context.Context, endpoint media.ObjectID, offer string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OfferCalls++
	if f.ProcessOfferErr != nil {
		err := f.ProcessOfferErr
		f.ProcessOfferErr = nil
		return "", err
	}
	if f.Answer != "" {
		return f.Answer, nil
	}
	return "answer:" + offer, nil
}

func (f *Fake) GatherCandidates(ctx context.Context, endpoint media.ObjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GatherCalls++
	if f.GatherCandidatesErr != nil {
		err := f.GatherCandidatesErr
		f.GatherCandidatesErr = nil
		return err
	}
	return nil
}

func (f *Fake) AddCandidate(ctx context.Context, endpoint media.ObjectID, cand media.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AddCandidateErr != nil {
		err := f.AddCandidateErr
		f.AddCandidateErr = nil
		return err
	}
	if f.RejectCandidate != nil && f.RejectCandidate(cand) {
		return fmt.Errorf("rejected candidate %q", cand.Candidate)
	}
	f.Applied[endpoint] = append(f.Applied[endpoint], cand)
	return nil
}

func (f *Fake) Connect(ctx context.Context, source, sink media.ObjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConnectErr != nil {
		err := f.ConnectErr
		f.ConnectErr = nil
		return err
	}
	f.Connected[sink] = source
	return nil
}

func (f *Fake) Subscribe(ctx context.Context, object media.ObjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeErr != nil {
		err := f.SubscribeErr
		f.SubscribeErr = nil
		return err
	}
	f.Subscribed = append(f.Subscribed, object)
	return nil
}

func (f *Fake) GraphDot(ctx context.Context, object media.ObjectID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GraphDotErr != nil {
		err := f.GraphDotErr
		f.GraphDotErr = nil
		return "", err
	}
	if dot, ok := f.Dots[object]; ok {
		return dot, nil
	}
	return "digraph " + string(object) + " {}", nil
}

func (f *Fake) Release(ctx context.Context, object media.ObjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Released = append(f.Released, object)
	return nil
}

func (f *Fake) OnNotification(fn func(media.Notification)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = fn
}

// Emit pushes a backend event to the registered handler, as the real client
// does when the server sends one.
func (f *Fake) Emit(n media.Notification) {
	f.mu.Lock()
	fn := f.notify
	f.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

func (f *Fake) AppliedTo(endpoint media.ObjectID) []media.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]media.Candidate, len(f.Applied[endpoint]))
	copy(out, f.Applied[endpoint])
	return out
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
