package signal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/onecast/onecast/internal/media"
)

func (ctl *Controller) handleStartPublish(sid string) {
	ctx, cancel := ctl.opCtx()
	defer cancel()
	if err := ctl.Publisher.EnsurePublishing(ctx); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", sid).Msg("start publish")
	}
}

// handleDebugDump exports the backend's processing graphs for the shared
// pipeline and the caller's endpoint. The two exports are independent;
// either may fail without blocking the other.
func (ctl *Controller) handleDebugDump(sid string) {
	ctx, cancel := ctl.opCtx()
	defer cancel()

	if pipeline, ok := ctl.Publisher.Pipeline(); ok {
		ctl.dumpDot(ctx, pipeline, fmt.Sprintf("pipeline-%d.dot", time.Now().Unix()))
	} else {
		log.Warn().Str("module", "signal").Str("sid", sid).Msg("debug dump: no pipeline")
	}

	sess, ok := ctl.Registry.Get(sid)
	if !ok || sess.Endpoint() == "" {
		log.Warn().Str("module", "signal").Str("sid", sid).Msg("debug dump: no endpoint")
		return
	}
	ctl.dumpDot(ctx, sess.Endpoint(), fmt.Sprintf("endpoint-%s-%d.dot", sid, time.Now().Unix()))
}

func (ctl *Controller) dumpDot(ctx context.Context, object media.ObjectID, name string) {
	dot, err := ctl.Media.GraphDot(ctx, object)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("object", string(object)).Msg("fetch dot graph")
		return
	}
	if err := os.MkdirAll(ctl.DebugDir, 0o755); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("create debug dir")
		return
	}
	path := filepath.Join(ctl.DebugDir, name)
	if err := os.WriteFile(path, []byte(dot), 0o644); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("path", path).Msg("write dot graph")
		return
	}
	log.Info().Str("module", "signal").Str("path", path).Msg("dot graph written")
}

func (ctl *Controller) handlePing(conn *wsSignalConn) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	ctl.sendJSON(conn, resp)
}
