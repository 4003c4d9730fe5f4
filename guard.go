// Copyright 2025 The existq authors
// Licensed under Apache 2.0, see LICENCE file for details.

package existq

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// resultGuard owns one server-side query session. Sessions hold resources
// on the server, so a finalizer releases any session the owning query set
// leaks without an explicit Close.
type resultGuard struct {
	db       Database
	session  string
	log      zerolog.Logger
	released int32
}

func newResultGuard(db Database, session string, log zerolog.Logger) *resultGuard {
	g := &resultGuard{db: db, session: session, log: log}
	runtime.SetFinalizer(g, func(g *resultGuard) {
		g.release(context.Background())
	})
	return g
}

// release drops the session. It runs the release at most once; later calls
// and the finalizer are no-ops. Release failures are logged, not
// propagated: the session expires server-side regardless.
func (g *resultGuard) release(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&g.released, 0, 1) {
		return
	}
	runtime.SetFinalizer(g, nil)
	if err := g.db.ReleaseQueryResult(ctx, g.session); err != nil {
		g.log.Warn().Str("session", g.session).Err(err).Msg("cannot release query session")
	}
}
