// Package logctx enriches log records with collaboration attributes carried
// on the context, so call sites log once and every record downstream names
// the connection, room, and event it belongs to.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(connDataKey{}).(*ConnectionData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.Connection),
			slog.String("user", cd.User),
			slog.String("role", cd.Role),
		))
	}

	if rd, ok := ctx.Value(roomDataKey{}).(*RoomData); ok {
		r.AddAttrs(slog.Group("room",
			slog.String("id", rd.RoomID),
			slog.String("collection", rd.Collection),
			slog.String("item", rd.Item),
			slog.String("version", rd.Version),
		))
	}

	if ed, ok := ctx.Value(eventDataKey{}).(*EventData); ok {
		r.AddAttrs(slog.Group("event",
			slog.String("collection", ed.Collection),
			slog.String("action", ed.Action),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type connDataKey struct{}

type ConnectionData struct {
	Connection string
	User       string
	Role       string
}

func WithConnectionData(ctx context.Context, data *ConnectionData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type roomDataKey struct{}

type RoomData struct {
	RoomID     string
	Collection string
	Item       string
	Version    string
}

func WithRoomData(ctx context.Context, data *RoomData) context.Context {
	return context.WithValue(ctx, roomDataKey{}, data)
}

type eventDataKey struct{}

type EventData struct {
	Collection string
	Action     string
}

func WithEventData(ctx context.Context, data *EventData) context.Context {
	return context.WithValue(ctx, eventDataKey{}, data)
}
