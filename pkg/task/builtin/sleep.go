package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/optiflows/tukio/pkg/event"
	"github.com/optiflows/tukio/pkg/task"
)

func init() {
	task.MustRegister("sleep", NewSleep)
}

type sleepConfig struct {
	Duration float64 `json:"duration"`
}

// Sleep is a holder that waits for a configured number of seconds and
// passes its seed event data through. It is mostly useful to model
// quiescent periods and to exercise cancellation and timeouts.
type Sleep struct {
	duration time.Duration
}

// NewSleep builds a sleep holder from {"duration": <seconds>}.
func NewSleep(config map[string]any) (task.Holder, error) {
	cfg, err := decodeConfig[sleepConfig](config)
	if err != nil {
		return nil, err
	}
	if cfg.Duration < 0 {
		return nil, fmt.Errorf("duration must not be negative")
	}
	return &Sleep{duration: time.Duration(cfg.Duration * float64(time.Second))}, nil
}

// Execute waits for the configured duration or until the task is
// cancelled.
func (s *Sleep) Execute(ctx context.Context, ev *event.Event) (any, error) {
	timer := time.NewTimer(s.duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return ev.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
