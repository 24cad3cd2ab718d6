package cmd

import (
	"context"

	"github.com/conneroisu/stencil/internal/engine"
	"github.com/conneroisu/stencil/internal/logging"
)

// snapshotPersister writes the snapshot after recompilations. Listeners run
// while the engine holds its change lock, so saving happens on a separate
// goroutine that is only signalled from the listener.
type snapshotPersister struct {
	engine  *engine.Engine
	path    string
	logger  logging.Logger
	pending chan struct{}
	done    chan struct{}
}

func newSnapshotPersister(eng *engine.Engine, path string, logger logging.Logger) *snapshotPersister {
	p := &snapshotPersister{
		engine:  eng,
		path:    path,
		logger:  logger.WithComponent("persist"),
		pending: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	eng.OnRecompile(p.notify)
	return p
}

func (p *snapshotPersister) notify([]string) {
	select {
	case p.pending <- struct{}{}:
	default:
		// a save is already queued and will include this change
	}
}

// Run saves on every signal until ctx ends, then makes a final save.
func (p *snapshotPersister) Run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			p.save(context.Background())
			return
		case <-p.pending:
			p.save(ctx)
		}
	}
}

// Wait blocks until Run has returned
func (p *snapshotPersister) Wait() {
	<-p.done
}

func (p *snapshotPersister) save(ctx context.Context) {
	written, err := p.engine.SaveSnapshot(p.path)
	if err != nil {
		p.logger.Error(ctx, err, "saving snapshot failed", "path", p.path)
		return
	}
	if written {
		p.logger.Debug(ctx, "snapshot saved", "path", p.path)
	}
}
