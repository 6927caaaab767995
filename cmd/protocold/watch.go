package main

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protocold/internal/artifact"
	"github.com/fyrsmithlabs/protocold/internal/engine"
	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

// artifactSettle is how long a retry waits after the first filesystem event
// so the producer can finish writing.
const artifactSettle = 250 * time.Millisecond

// watchingEngine retries an advance that was blocked on a missing artifact
// once the artifact path is written. A retry rejected for any reason other
// than an unfinished write is reported to the log and left for the executor.
type watchingEngine struct {
	*engine.Engine
	watcher *artifact.Watcher
	logger  *zap.Logger
	settle  time.Duration

	mu      sync.Mutex
	base    context.Context
	pending map[string]struct{}
}

func newWatchingEngine(e *engine.Engine, w *artifact.Watcher, logger *zap.Logger) *watchingEngine {
	return &watchingEngine{
		Engine:  e,
		watcher: w,
		logger:  logger.Named("autoadvance"),
		settle:  artifactSettle,
		base:    context.Background(),
		pending: make(map[string]struct{}),
	}
}

func (w *watchingEngine) setBaseContext(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.base = ctx
}

// Advance forwards to the engine and, when the advance is blocked on a
// missing artifact, schedules one retry for when it appears.
func (w *watchingEngine) Advance(ctx context.Context, kind, sessionID string, req engine.AdvanceRequest) (*engine.Result, error) {
	res, err := w.Engine.Advance(ctx, kind, sessionID, req)
	var blocked *protocol.BlockingPreconditionError
	if w.watcher != nil && errors.As(err, &blocked) && blocked.Path != "" {
		w.await(kind, sessionID, req, blocked)
	}
	return res, err
}

// Pending returns the number of scheduled retries.
func (w *watchingEngine) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *watchingEngine) await(kind, sessionID string, req engine.AdvanceRequest, blocked *protocol.BlockingPreconditionError) {
	if _, err := os.Stat(blocked.Path); err == nil {
		// Present but rejected; only a new advance can retry it.
		return
	}
	id := blocked.Key.String() + "#" + req.Phase

	w.mu.Lock()
	if _, ok := w.pending[id]; ok {
		w.mu.Unlock()
		return
	}
	w.pending[id] = struct{}{}
	w.mu.Unlock()

	w.arm(id, kind, sessionID, req, blocked.Path, time.Time{})
}

// arm waits for path to change after since, then retries the advance.
func (w *watchingEngine) arm(id, kind, sessionID string, req engine.AdvanceRequest, path string, since time.Time) {
	err := w.watcher.AwaitSince(path, since, func() {
		w.retry(id, kind, sessionID, req, path)
	})
	if err != nil {
		w.release(id)
		w.logger.Warn("cannot watch artifact", zap.String("path", path), zap.Error(err))
	}
}

// retry re-runs the blocked advance. An artifact that is still missing its
// completion marker is being written, so the retry is re-armed for the next
// write instead of giving up.
func (w *watchingEngine) retry(id, kind, sessionID string, req engine.AdvanceRequest, path string) {
	time.Sleep(w.settle)
	w.mu.Lock()
	ctx := w.base
	w.mu.Unlock()

	attempted := time.Now()
	res, err := w.Engine.Advance(ctx, kind, sessionID, req)
	var blocked *protocol.BlockingPreconditionError
	if errors.As(err, &blocked) && artifact.Incomplete(blocked.Problems) && ctx.Err() == nil {
		w.logger.Debug("artifact incomplete, waiting for the next write",
			zap.String("protocol_kind", kind),
			zap.String("session_id", sessionID),
			zap.String("phase", req.Phase),
			zap.String("path", path))
		w.arm(id, kind, sessionID, req, path, attempted)
		return
	}
	w.release(id)

	if err != nil {
		w.logger.Info("artifact written but advance still rejected",
			zap.String("protocol_kind", kind),
			zap.String("session_id", sessionID),
			zap.String("phase", req.Phase),
			zap.Error(err))
		return
	}
	w.logger.Info("advanced after artifact was written",
		zap.String("protocol_kind", kind),
		zap.String("session_id", sessionID),
		zap.String("phase", req.Phase),
		zap.String("outcome", string(res.Outcome)),
		zap.String("path", path))
}

func (w *watchingEngine) release(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, id)
}
