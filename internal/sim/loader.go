package sim

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/cory-johannsen/playnet/internal/level"
	"github.com/cory-johannsen/playnet/internal/scripting"
)

// Loader turns level documents into running worlds.
type Loader struct {
	levels     level.Loader
	catalog    *level.Catalog
	scripts    *scripting.Manager
	scriptRoot string
	instLimit  int
	logger     *zap.Logger
}

// NewLoader creates a Loader. scripts may be nil to disable scripting.
//
// Precondition: levels, catalog and logger must be non-nil.
func NewLoader(levels level.Loader, catalog *level.Catalog, scripts *scripting.Manager, scriptRoot string, instLimit int, logger *zap.Logger) *Loader {
	return &Loader{
		levels:     levels,
		catalog:    catalog,
		scripts:    scripts,
		scriptRoot: scriptRoot,
		instLimit:  instLimit,
		logger:     logger,
	}
}

// Load reads levelID and builds the world of room roomID, loading the
// level's scripts when it names a script directory.
//
// Postcondition: On error nothing stays registered for roomID.
func (l *Loader) Load(ctx context.Context, roomID uint64, levelID string) (*World, error) {
	doc, err := l.levels.Load(ctx, levelID)
	if err != nil {
		return nil, fmt.Errorf("loading level %q: %w", levelID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, err := NewWorld(roomID, doc, l.catalog, l.logger)
	if err != nil {
		return nil, err
	}
	if doc.ScriptDir == "" || l.scripts == nil {
		return w, nil
	}

	limit := doc.ScriptInstructionLimit
	if limit == 0 {
		limit = l.instLimit
	}
	dir := filepath.Join(l.scriptRoot, filepath.Clean("/"+doc.ScriptDir))
	if err := l.scripts.LoadRoom(roomID, dir, limit, w); err != nil {
		return nil, err
	}
	w.UseScripts(l.scripts)
	return w, nil
}
