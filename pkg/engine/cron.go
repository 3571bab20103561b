package engine

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Schedule registers a time-based trigger: at every firing of the cron
// expression (six fields, second precision, UTC) the template is
// triggered with the given data, going through its overrun policy like
// any other trigger. The template must be loaded. The returned entry id
// can be passed to Unschedule.
func (e *Engine) Schedule(spec, templateID string, data any) (cron.EntryID, error) {
	e.mu.Lock()
	_, ok := e.templates[templateID]
	e.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("no template loaded under id %q", templateID)
	}
	id, err := e.cron.AddFunc(spec, func() {
		wf, err := e.Run(context.Background(), templateID, data)
		if err != nil {
			log.Error().Err(err).Str("template", templateID).
				Msg("cron trigger failed to run workflow")
			return
		}
		if wf == nil {
			log.Debug().Str("template", templateID).
				Msg("cron trigger skipped by overrun policy")
		}
	})
	if err != nil {
		return 0, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	log.Info().Str("template", templateID).Str("spec", spec).
		Msg("cron trigger scheduled")
	return id, nil
}

// Unschedule removes a cron trigger previously added with Schedule.
func (e *Engine) Unschedule(id cron.EntryID) {
	e.cron.Remove(id)
}

// StartScheduler starts firing the scheduled cron triggers.
func (e *Engine) StartScheduler() {
	e.cron.Start()
}

// StopScheduler stops the cron scheduler and waits for in-flight
// trigger callbacks to return. Workflows already started keep running.
func (e *Engine) StopScheduler() {
	<-e.cron.Stop().Done()
}
