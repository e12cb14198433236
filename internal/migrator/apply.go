package migrator

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/bamsammich/fsmigrate/internal/event"
	"github.com/bamsammich/fsmigrate/internal/fsys"
	"github.com/bamsammich/fsmigrate/internal/stats"
)

// ErrCriticalStep is returned when a step marked Critical fails.
var ErrCriticalStep = errors.New("critical migration step failed")

// Options configures Apply. The zero value is usable.
type Options struct {
	Logger *slog.Logger
	Stats  *stats.Collector
	Events chan<- event.Event
}

// Result lists what Apply did, by step name.
type Result struct {
	From    uint32
	To      uint32
	Applied []string
	Failed  []string
	Skipped []string
}

// Apply runs every step of reg newer than the version in state when Apply
// starts, in declaration order, recording the highest version run so far
// after each step. A failed step still
// advances the marker unless it is Critical, in which case Apply stops and
// returns an error matching ErrCriticalStep; the step runs again next time.
func Apply(reg Registry, state State, internal, external fsys.FS, opts Options) (Result, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if err := reg.Validate(); err != nil {
		return Result{}, err
	}

	from, err := state.Load()
	if err != nil {
		return Result{}, fmt.Errorf("load migration state: %w", err)
	}
	res := Result{From: from, To: from}
	version := from

	for _, step := range reg {
		if step.Version <= from {
			res.Skipped = append(res.Skipped, step.Name)
			opts.Stats.AddStepsSkipped(1)
			event.Emit(opts.Events, event.Event{Type: event.StepSkipped, Path: step.Name, Version: step.Version})
			continue
		}

		log.Info("running migration step", "step", step.Name, "version", step.Version)
		if err := step.Run(internal, external); err != nil {
			event.Emit(opts.Events, event.Event{Type: event.StepFailed, Path: step.Name, Version: step.Version, Error: err})
			opts.Stats.AddStepsFailed(1)
			res.Failed = append(res.Failed, step.Name)
			if step.Critical {
				log.Error("critical migration step failed", "step", step.Name, "version", step.Version, "error", err)
				return res, fmt.Errorf("%w: %s (version %d): %w", ErrCriticalStep, step.Name, step.Version, err)
			}
			log.Warn("migration step failed, continuing", "step", step.Name, "version", step.Version, "error", err)
		} else {
			event.Emit(opts.Events, event.Event{Type: event.StepApplied, Path: step.Name, Version: step.Version})
			opts.Stats.AddStepsApplied(1)
			res.Applied = append(res.Applied, step.Name)
		}

		version = max(version, step.Version)
		if err := state.Store(version); err != nil {
			return res, fmt.Errorf("store migration state %d: %w", version, err)
		}
		res.To = version
	}

	if len(res.Applied)+len(res.Failed) > 0 {
		log.Info("migrations applied", "from", res.From, "to", res.To,
			"applied", len(res.Applied), "failed", len(res.Failed))
	}
	return res, nil
}
