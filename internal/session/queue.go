package session

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/onecast/onecast/internal/media"
)

// candidateQueue buffers ICE candidates that arrive before the session's
// remote endpoint exists. Arrival order is preserved; the queue is drained
// exactly once.
type candidateQueue struct {
	pending []media.Candidate
}

func (q *candidateQueue) enqueue(cand media.Candidate) {
	q.pending = append(q.pending, cand)
}

func (q *candidateQueue) len() int { return len(q.pending) }

// drainInto applies every queued candidate to endpoint in arrival order and
// leaves the queue empty. A per-candidate failure is logged and skipped;
// losing a candidate does not necessarily break connectivity.
func (q *candidateQueue) drainInto(ctx context.Context, client media.Client, endpoint media.ObjectID) {
	for _, cand := range q.pending {
		if err := client.AddCandidate(ctx, endpoint, cand); err != nil {
			log.Warn().Err(err).
				Str("module", "session").
				Str("endpoint", string(endpoint)).
				Str("candidate", cand.Candidate).
				Msg("queued candidate dropped")
		}
	}
	q.pending = nil
}
