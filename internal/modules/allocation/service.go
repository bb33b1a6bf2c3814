package allocation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/billmoling/allocator/internal/domain"
	"github.com/billmoling/allocator/internal/events"
	"github.com/rs/zerolog"
)

// NamedSource is a signal source that reports its own name for logs and metrics.
type NamedSource interface {
	domain.SignalSource
	Name() string
}

// SignalMetrics records how many signals each source produced
type SignalMetrics interface {
	RecordSignals(source string, n int)
}

// ServiceDeps are the collaborators of a Service. Everything except Builder is optional.
type ServiceDeps struct {
	Builder  *Builder
	Sources  []domain.SignalSource
	Universe domain.UniverseChangeFeed
	Sink     domain.TargetSink
	Clock    domain.Clock
	Events   *events.Bus
	Metrics  SignalMetrics
}

// Service gathers cycle inputs from sources and forwards emitted targets to the sink.
// Cycles are serialized; read accessors wait for a running cycle to finish.
type Service struct {
	mu       sync.Mutex
	builder  *Builder
	sources  []domain.SignalSource
	universe domain.UniverseChangeFeed
	sink     domain.TargetSink
	clock    domain.Clock
	events   *events.Bus
	metrics  SignalMetrics
	pending  []domain.Signal

	// removals drained from the feed that no builder cycle has consumed yet
	pendingRemoved []string
	// targets the sink has not accepted yet; resubmitted with the next cycle
	undelivered []domain.AllocationTarget

	lastCycle *CycleResult
	log       zerolog.Logger
}

// NewService creates a new allocation service
func NewService(deps ServiceDeps, log zerolog.Logger) *Service {
	clock := deps.Clock
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Service{
		builder:  deps.Builder,
		sources:  deps.Sources,
		universe: deps.Universe,
		sink:     deps.Sink,
		clock:    clock,
		events:   deps.Events,
		metrics:  deps.Metrics,
		log:      log.With().Str("service", "allocation").Logger(),
	}
}

// Submit queues externally produced signals for the next cycle.
func (s *Service) Submit(signals ...domain.Signal) error {
	for _, sig := range signals {
		if err := sig.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.pending = append(s.pending, signals...)
	s.mu.Unlock()

	s.recordSignals("api", len(signals))
	return nil
}

// RunCycle gathers signals and universe changes, runs one builder cycle and
// submits any targets to the sink. Inputs drained for a cycle that never ran
// and targets the sink rejected are carried over to the next cycle.
func (s *Service) RunCycle(ctx context.Context) (*CycleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.clock.Now()

	removed := s.pendingRemoved
	s.pendingRemoved = nil
	if s.universe != nil {
		changes, err := s.universe.Changes(ctx, now)
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to poll universe changes")
			s.emitError(err, "universe")
		} else if !changes.Empty() {
			removed = append(removed, changes.Removed...)
			s.log.Info().
				Strs("added", changes.Added).
				Strs("removed", changes.Removed).
				Msg("Universe changed")
			s.emit(&events.UniverseChangedData{Added: changes.Added, Removed: changes.Removed})
		}
	}

	signals := s.pending
	s.pending = nil
	for _, src := range s.sources {
		name := sourceName(src)
		produced, err := src.Signals(ctx, now)
		if err != nil {
			s.log.Error().Err(err).Str("source", name).Msg("Signal source failed")
			s.emitError(err, name)
			continue
		}
		signals = append(signals, produced...)
		s.recordSignals(name, len(produced))
	}

	result, err := s.builder.RunCycle(ctx, CycleInput{Now: now, Signals: signals, Removed: removed})
	if result == nil {
		s.pending = signals
		s.pendingRemoved = removed
		s.log.Warn().
			Err(err).
			Int("signals", len(signals)).
			Int("removed", len(removed)).
			Msg("Cycle did not run, inputs kept for the next cycle")
		return nil, err
	}
	s.lastCycle = result

	targets := mergeTargets(s.undelivered, result.Targets)
	if len(targets) > 0 && s.sink != nil {
		if submitErr := s.sink.Submit(ctx, now, targets); submitErr != nil {
			s.undelivered = targets
			s.log.Error().Err(submitErr).Int("targets", len(targets)).Msg("Failed to submit allocation targets, will retry next cycle")
			s.emitError(submitErr, "sink")
			if err == nil {
				err = fmt.Errorf("submit targets: %w", submitErr)
			}
		} else {
			s.undelivered = nil
		}
	}

	return result, err
}

// mergeTargets appends newer targets to older ones; a newer target for the same symbol replaces the older one.
func mergeTargets(older, newer []domain.AllocationTarget) []domain.AllocationTarget {
	if len(older) == 0 {
		return newer
	}
	replaced := make(map[string]struct{}, len(newer))
	for _, t := range newer {
		replaced[t.Symbol] = struct{}{}
	}
	out := make([]domain.AllocationTarget, 0, len(older)+len(newer))
	for _, t := range older {
		if _, ok := replaced[t.Symbol]; !ok {
			out = append(out, t)
		}
	}
	return append(out, newer...)
}

// CurrentWeights returns the weight baseline
func (s *Service) CurrentWeights() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.builder.CurrentWeights()
}

// ActiveSignals returns the active signal per symbol at the current time
func (s *Service) ActiveSignals() map[string]domain.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.builder.ActiveSignals(s.clock.Now())
}

// PendingSignals returns signals queued for the next cycle
func (s *Service) PendingSignals() []domain.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Signal, len(s.pending))
	copy(out, s.pending)
	return out
}

// LastCycle returns the most recent cycle result, nil before the first cycle
func (s *Service) LastCycle() *CycleResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCycle
}

// Status summarizes the service for the status endpoint.
type Status struct {
	State                  State     `json:"state"`
	Objective              string    `json:"objective"`
	ActiveSignals          int       `json:"active_signals"`
	PendingSignals         int       `json:"pending_signals"`
	UndeliveredTargets     int       `json:"undelivered_targets"`
	NextScheduledRebalance time.Time `json:"next_scheduled_rebalance,omitempty"`
	NextExpiry             time.Time `json:"next_expiry,omitempty"`
}

// Status returns a snapshot of the builder state
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, _ := s.builder.NextExpiry()
	return Status{
		State:                  s.builder.State(),
		Objective:              string(s.builder.Config().Objective),
		ActiveSignals:          len(s.builder.ActiveSignals(s.clock.Now())),
		PendingSignals:         len(s.pending),
		UndeliveredTargets:     len(s.undelivered),
		NextScheduledRebalance: s.builder.NextScheduledRebalance(),
		NextExpiry:             next,
	}
}

func (s *Service) recordSignals(source string, n int) {
	if n == 0 {
		return
	}
	if s.metrics != nil {
		s.metrics.RecordSignals(source, n)
	}
	s.emit(&events.SignalsReceivedData{Source: source, Count: n})
}

func (s *Service) emit(data events.EventData) {
	if s.events != nil {
		s.events.Emit(moduleName, data)
	}
}

func (s *Service) emitError(err error, origin string) {
	if s.events != nil {
		s.events.EmitError(moduleName, err, map[string]interface{}{"origin": origin})
	}
}

func sourceName(src domain.SignalSource) string {
	if named, ok := src.(NamedSource); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", src)
}
