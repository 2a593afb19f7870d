package gateway

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/playnet/internal/level"
	"github.com/cory-johannsen/playnet/internal/protocol"
	"github.com/cory-johannsen/playnet/internal/session"
)

// errSaveDisabled is reported by level:save when no level store is writable.
var errSaveDisabled = errors.New("level saving disabled")

// dispatch resolves the scope of m to its owner and delivers it. Messages
// whose owner does not exist, or is not visible to u, are dropped.
func (g *Gateway) dispatch(u *session.User, m *protocol.Message) {
	switch m.Scope.Type {
	case protocol.ScopeUser:
		g.handleUser(u, m)
	case protocol.ScopeRoom:
		r, ok := g.Room(m.Scope.ID)
		if !ok || !u.InRoom(r.ID()) {
			g.dropped(u, m)
			return
		}
		r.Deliver(m)
	case protocol.ScopePlayer:
		p, ok := g.routes.player(m.Scope.ID)
		if !ok || p.User() != u {
			g.dropped(u, m)
			return
		}
		p.Deliver(m)
	case protocol.ScopeNetworkEntity:
		e, ok := g.routes.entity(m.Scope.ID)
		if !ok || !u.InRoom(e.RoomID()) {
			g.dropped(u, m)
			return
		}
		e.Deliver(m)
	}
}

func (g *Gateway) dropped(u *session.User, m *protocol.Message) {
	g.logger.Debug("no owner for message",
		zap.String("user_id", u.ID()),
		zap.String("name", m.Name),
		zap.Stringer("scope", m.Scope),
	)
}

func (g *Gateway) handleUser(u *session.User, m *protocol.Message) {
	switch m.Kind {
	case protocol.KindRoomCreate:
		g.handleRoomCreate(u, m)
	case protocol.KindRoomJoin:
		g.handleRoomJoin(u, m)
	case protocol.KindRoomLeave:
		g.handleRoomLeave(u, m)
	case protocol.KindLevelSave:
		g.handleLevelSave(u, m)
	case protocol.KindApplication:
		u.Messages.Fire(m)
	default:
		g.logger.Debug("reserved message on user scope ignored",
			zap.String("user_id", u.ID()),
			zap.String("name", m.Name),
		)
	}
}

// levelIDArg accepts "L1" or {"levelId": "L1"}.
func levelIDArg(data any) (string, error) {
	if s, ok := data.(string); ok && s != "" {
		return s, nil
	}
	var args struct {
		LevelID string `json:"levelId"`
	}
	if err := protocol.DecodeData(data, &args); err != nil || args.LevelID == "" {
		return "", errors.New("room:create requires a level id")
	}
	return args.LevelID, nil
}

// roomIDArg accepts 3 or {"roomId": 3}.
func roomIDArg(data any) (uint64, error) {
	if m, ok := data.(map[string]any); ok {
		data = m["roomId"]
	}
	if data == nil {
		return 0, errors.New("room id required")
	}
	id, err := protocol.ParseID(data)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid room id %v", data)
	}
	return id, nil
}

func (g *Gateway) reply(u *session.User, m *protocol.Message, res protocol.Result) {
	if !m.IsCall() {
		return
	}
	if err := m.Reply(res); err != nil {
		g.logger.Debug("reply not delivered",
			zap.String("user_id", u.ID()),
			zap.String("name", m.Name),
			zap.Error(err),
		)
	}
}

func (g *Gateway) handleRoomCreate(u *session.User, m *protocol.Message) {
	levelID, err := levelIDArg(m.Data)
	if err != nil {
		g.reply(u, m, protocol.Failure(err))
		return
	}
	r, p, err := g.createRoom(g.ctx, levelID, u)
	if err != nil {
		g.reply(u, m, protocol.Failure(err))
		return
	}
	g.reply(u, m, protocol.Result{Success: true, RoomID: r.ID(), PlayerID: p.ID()})
	r.Announce(p)
}

func (g *Gateway) handleRoomJoin(u *session.User, m *protocol.Message) {
	roomID, err := roomIDArg(m.Data)
	if err != nil {
		g.reply(u, m, protocol.Failure(err))
		return
	}
	p, err := g.joinRoom(roomID, u)
	if err != nil {
		g.reply(u, m, protocol.Failure(err))
		return
	}
	g.reply(u, m, protocol.Result{Success: true, RoomID: roomID, PlayerID: p.ID()})
	p.Room().Announce(p)
}

func (g *Gateway) handleRoomLeave(u *session.User, m *protocol.Message) {
	roomID, err := roomIDArg(m.Data)
	if err != nil {
		g.reply(u, m, protocol.Failure(err))
		return
	}
	if err := g.LeaveRoom(roomID, u); err != nil {
		g.reply(u, m, protocol.Failure(err))
		return
	}
	g.reply(u, m, protocol.Result{Success: true, RoomID: roomID})
}

func (g *Gateway) handleLevelSave(u *session.User, m *protocol.Message) {
	if g.levels == nil {
		g.reply(u, m, protocol.Failure(errSaveDisabled))
		return
	}
	var doc level.Document
	if err := m.Decode(&doc); err != nil {
		g.reply(u, m, protocol.Failure(fmt.Errorf("decoding level: %w", err)))
		return
	}
	if err := doc.Validate(); err != nil {
		g.reply(u, m, protocol.Failure(err))
		return
	}
	ctx, cancel := context.WithTimeout(g.ctx, g.opts.LoadTimeout)
	defer cancel()
	if err := g.levels.Save(ctx, &doc); err != nil {
		g.logger.Warn("saving level", zap.String("level_id", doc.ID), zap.Error(err))
		g.reply(u, m, protocol.Failure(err))
		return
	}
	g.logger.Info("level saved", zap.String("level_id", doc.ID), zap.String("user_id", u.ID()))
	g.reply(u, m, protocol.Result{Success: true})
}
