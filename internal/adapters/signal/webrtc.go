package signal

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/onecast/onecast/internal/media"
	"github.com/onecast/onecast/internal/session"
)

func (ctl *Controller) sendCandidate(c *wsSignalConn, ci media.Candidate) {
	resp := struct {
		Type          string `json:"type"`
		Candidate     string `json:"candidate"`
		SDPMid        string `json:"sdpMid,omitempty"`
		SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
	}{
		Type:      "candidate",
		Candidate: ci.Candidate,
	}
	if ci.SDPMid != nil {
		resp.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		resp.SDPMLineIndex = *ci.SDPMLineIndex
	}
	ctl.sendJSON(c, resp)
}

// handleOffer registers the session inline, so candidate messages read right
// after the offer find it, then runs the negotiation's backend round-trips
// off the read loop. Candidates processed while those round-trips are in
// flight land in the session's pending queue.
func (ctl *Controller) handleOffer(sid string, conn *wsSignalConn, data []byte) {
	type offerPayload struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	var p offerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad offer payload")
		return
	}

	pipeline, ok := ctl.Publisher.Pipeline()
	if !ok {
		log.Warn().Err(session.ErrPublisherNotReady).Str("module", "signal").Str("sid", sid).Msg("offer before publish")
		return
	}

	sess, ok := ctl.Registry.Get(sid)
	if !ok {
		// The connection handler registers the session; hitting this means
		// the offer raced its own teardown.
		log.Warn().Str("module", "signal").Str("sid", sid).Msg("offer without session")
		sess, _ = ctl.Registry.GetOrCreate(sid)
	}
	go ctl.negotiate(sess, conn, pipeline, p.SDP)
}

// negotiate emits the answer only if endpoint creation, offer processing and
// the source hookup all succeeded; on any failure nothing is emitted and the
// viewer sees a stalled negotiation it can retry by reconnecting.
func (ctl *Controller) negotiate(sess *session.Session, conn *wsSignalConn, pipeline media.ObjectID, sdp string) {
	ctx, cancel := ctl.opCtx()
	defer cancel()

	answer, err := sess.BeginNegotiation(ctx, pipeline, sdp)
	if err != nil {
		if errors.Is(err, session.ErrAlreadyNegotiating) {
			log.Warn().Err(err).Str("module", "signal").Str("sid", sess.ID()).Msg("repeated offer ignored")
			return
		}
		log.Error().Err(err).Str("module", "signal").Str("sid", sess.ID()).Msg("negotiation failed")
		ctl.Registry.Remove(ctx, sess.ID())
		return
	}

	if err := ctl.Publisher.ConnectViewer(ctx, sess); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", sess.ID()).Msg("connect viewer")
		ctl.Registry.Remove(ctx, sess.ID())
		return
	}

	ctl.sendJSON(conn, map[string]string{
		"type": "answer",
		"sdp":  answer,
	})
}

func (ctl *Controller) handleCandidate(sid string, _ *wsSignalConn, data []byte) {
	type candidatePayload struct {
		Type          string `json:"type"`
		Candidate     string `json:"candidate"`
		SDPMid        string `json:"sdpMid"`
		SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	}
	var p candidatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad candidate payload")
		return
	}

	cand := media.Candidate{
		Candidate: p.Candidate,
	}
	if p.SDPMid != "" {
		cand.SDPMid = &p.SDPMid
	}
	cand.SDPMLineIndex = &p.SDPMLineIndex

	sess, ok := ctl.Registry.Get(sid)
	if !ok {
		log.Warn().Str("module", "signal").Str("sid", sid).Msg("candidate: no session")
		return
	}

	ctx, cancel := ctl.opCtx()
	defer cancel()
	if err := sess.AddCandidate(ctx, cand); err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			log.Warn().Str("module", "signal").Str("sid", sid).Msg("candidate raced session teardown")
			return
		}
		log.Error().Err(err).Str("module", "signal").Str("sid", sid).Msg("add ice candidate")
	}
}
