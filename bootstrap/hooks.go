package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/entigate/core/events"
	"github.com/artpar/entigate/core/hooks"
)

// Extension action ids registered next to the lifecycle built-ins.
const (
	ActionLog       = "log"
	ActionTimestamp = "timestamp"
)

// RegisterActions registers the extension hook actions.
func RegisterActions(reg *hooks.Registry, logger zerolog.Logger, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	if err := reg.Register(ActionLog, logAction(logger)); err != nil {
		return err
	}
	if err := reg.Register(ActionTimestamp, timestampAction(now)); err != nil {
		return err
	}
	logger.Debug().Strs("actions", reg.List()).Msg("hook actions registered")
	return nil
}

// logAction logs the phase at the level given by args.level (default info).
//
//	args:
//	  level: debug
//	  message: post created
func logAction(logger zerolog.Logger) hooks.Action {
	return hooks.ActionFunc(func(_ context.Context, hc hooks.Context) (hooks.Context, error) {
		level := zerolog.InfoLevel
		if s, ok := hc.Meta.Args["level"].(string); ok {
			if l, err := zerolog.ParseLevel(s); err == nil {
				level = l
			}
		}
		msg, _ := hc.Meta.Args["message"].(string)
		if msg == "" {
			msg = "hook"
		}

		ev := logger.WithLevel(level).
			Str("type", hc.Meta.TypeKey).
			Str("phase", string(hc.Meta.Phase))
		if doc, ok := hc.ResultDoc(); ok {
			if id, ok := doc["id"].(string); ok {
				ev = ev.Str("id", id)
			}
		} else if id, ok := hc.Payload["id"].(string); ok {
			ev = ev.Str("id", id)
		}
		if docs := hc.ResultDocs(); len(docs) > 1 {
			ev = ev.Int("count", len(docs))
		}
		ev.Msg(msg)
		return hc, nil
	})
}

// timestampAction writes the current time into payload fields. Only
// before phases carry a payload that reaches storage.
//
//	args:
//	  fields: [updatedAt]
//	  onlyIfMissing: false
func timestampAction(now func() time.Time) hooks.Action {
	return hooks.ActionFunc(func(_ context.Context, hc hooks.Context) (hooks.Context, error) {
		if !hc.Meta.Phase.IsBefore() {
			return hc, fmt.Errorf("timestamp: phase %s has no stored payload", hc.Meta.Phase)
		}
		fields := stringList(hc.Meta.Args["fields"])
		if len(fields) == 0 {
			return hc, fmt.Errorf("timestamp: args.fields is required")
		}
		onlyIfMissing, _ := hc.Meta.Args["onlyIfMissing"].(bool)

		ts := now().UTC()
		payload := make(map[string]any, len(hc.Payload)+len(fields))
		for k, v := range hc.Payload {
			payload[k] = v
		}
		for _, f := range fields {
			if cur, ok := payload[f]; ok && cur != nil && onlyIfMissing {
				continue
			}
			payload[f] = ts
		}
		hc.Payload = payload
		return hc, nil
	})
}

// logEvents subscribes a debug logger to every lifecycle event.
func logEvents(bus *events.Bus, logger zerolog.Logger) {
	bus.Subscribe("*", func(_ context.Context, e events.Event) error {
		logger.Debug().
			Str("event", e.Name).
			Str("type", e.TypeKey).
			Str("id", e.ID).
			Msg("entity event")
		return nil
	})
}

func stringList(v any) []string {
	switch x := v.(type) {
	case string:
		return []string{x}
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, el := range x {
			if s, ok := el.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
