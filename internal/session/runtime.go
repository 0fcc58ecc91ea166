package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradingagent/internal/candle"
	"tradingagent/internal/database"
	"tradingagent/internal/events"
	"tradingagent/internal/marketdata"
	"tradingagent/internal/metrics"
)

// activeSession is one entry in the Runtime's active-session map.
type activeSession struct {
	state  *State
	cancel context.CancelFunc
}

// Runtime owns the single active-session map (spec §5 "Shared state
// policy": the active-session map is a single-owner mutable structure) and
// dispatches Event Bus commands to the right session's gate. Grounded on
// the teacher's internal/bot/bot.go worker-registry shape, generalized from
// one worker per exchange account to one driver goroutine per session.
type Runtime struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*activeSession

	bus     *events.Bus
	repo    *database.Repository
	metrics *metrics.Registry
	log     zerolog.Logger
}

// NewRuntime builds a Runtime over a shared Event Bus and Repository, with
// its own Prometheus registry shared by every session it drives.
func NewRuntime(bus *events.Bus, repo *database.Repository, log zerolog.Logger) *Runtime {
	return &Runtime{
		sessions: make(map[uuid.UUID]*activeSession),
		bus:      bus,
		repo:     repo,
		metrics:  metrics.New(),
		log:      log.With().Str("component", "session_runtime").Logger(),
	}
}

// Metrics exposes the Runtime's shared metrics registry, e.g. to mount a
// promhttp handler at /metrics.
func (r *Runtime) Metrics() *metrics.Registry { return r.metrics }

// BacktestParams bundles everything StartBacktest needs to initialize one
// historical-range session.
type BacktestParams struct {
	SessionID              uuid.UUID
	Agent                  AgentConfig
	Asset                  string
	Timeframe              candle.Timeframe
	Start, End             time.Time
	StartingCapital        float64
	Gateway                marketdata.Gateway
	Decider                Decider
	DecisionStartReadiness float64
	RuntimeReadiness       float64
}

// StartBacktest initializes and launches a backtest session's driver
// goroutine, registering it in the active-session map until it terminates.
func (r *Runtime) StartBacktest(parentCtx context.Context, p BacktestParams) error {
	hub := r.bus.HubFor(p.SessionID.String())

	bt, err := InitBacktest(parentCtx, r.repo, p.SessionID, p.Agent, p.Asset, p.Timeframe, p.Start, p.End, p.StartingCapital, p.Gateway, p.Decider, hub, p.DecisionStartReadiness, p.RuntimeReadiness, r.log)
	if err != nil {
		r.failInit(parentCtx, p.SessionID, hub, err)
		return err
	}
	bt.state.Metrics = r.metrics

	r.launch(parentCtx, bt.state, func(ctx context.Context) (*TerminalSummary, error) {
		return bt.Run(ctx)
	})
	return nil
}

// ForwardParams bundles everything StartForward needs to initialize one
// live-streamed session.
type ForwardParams struct {
	SessionID              uuid.UUID
	Agent                  AgentConfig
	Asset                  string
	Timeframe              candle.Timeframe
	StartingCapital        float64
	Gateway                marketdata.Gateway
	Decider                Decider
	DecisionStartReadiness float64
	RuntimeReadiness       float64
	AutoStop               AutoStopPolicy
}

// StartForward initializes and launches a forward session's driver
// goroutine, registering it in the active-session map until it terminates.
func (r *Runtime) StartForward(parentCtx context.Context, p ForwardParams) error {
	hub := r.bus.HubFor(p.SessionID.String())

	fwd, err := InitForward(parentCtx, r.repo, p.SessionID, p.Agent, p.Asset, p.Timeframe, p.StartingCapital, p.Gateway, p.Decider, hub, p.DecisionStartReadiness, p.RuntimeReadiness, p.AutoStop, r.log)
	if err != nil {
		r.failInit(parentCtx, p.SessionID, hub, err)
		return err
	}
	fwd.state.Metrics = r.metrics

	r.launch(parentCtx, fwd.state, func(ctx context.Context) (*TerminalSummary, error) {
		return fwd.Run(ctx)
	})
	return nil
}

func (r *Runtime) failInit(ctx context.Context, sessionID uuid.UUID, hub *events.Hub, initErr error) {
	now := time.Now().UTC()
	_ = r.repo.UpdateSessionStatus(ctx, sessionID, string(StatusFailed), nil, &now)
	hub.Broadcast(events.NewEvent(events.EventError, map[string]interface{}{
		"scope":   "initialization",
		"message": initErr.Error(),
	}))
	r.bus.RemoveSession(sessionID.String())
}

func (r *Runtime) launch(parentCtx context.Context, s *State, run func(context.Context) (*TerminalSummary, error)) {
	runCtx, cancel := context.WithCancel(parentCtx)

	r.mu.Lock()
	r.sessions[s.SessionID] = &activeSession{state: s, cancel: cancel}
	r.mu.Unlock()

	go r.drainCommands(runCtx, s)

	go func() {
		defer cancel()
		_, runErr := run(runCtx)
		if runErr != nil {
			s.Status = StatusFailed
			now := time.Now().UTC()
			_ = r.repo.UpdateSessionStatus(context.Background(), s.SessionID, string(StatusFailed), nil, &now)
			s.broadcastError(runErr.Error())
		}

		r.mu.Lock()
		delete(r.sessions, s.SessionID)
		r.mu.Unlock()
		r.bus.RemoveSession(s.SessionID.String())
	}()
}

// drainCommands dispatches one session's inbound pause/resume/stop/ping
// commands to its State, acknowledging each (spec §4.5 "Commands").
func (r *Runtime) drainCommands(ctx context.Context, s *State) {
	cmds := s.Hub.Commands()
	for {
		select {
		case cmd, ok := <-cmds:
			if !ok {
				return
			}
			r.handleCommand(s, cmd)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runtime) handleCommand(s *State, cmd events.Command) {
	switch cmd.Action {
	case events.CommandPause:
		ok := s.Pause()
		if ok {
			s.broadcastPaused()
		}
		s.Hub.Ack(cmd.ConnectionID, cmd.Action, map[string]interface{}{"paused": ok})
	case events.CommandResume:
		ok := s.Resume()
		if ok {
			s.broadcastResumed()
		}
		s.Hub.Ack(cmd.ConnectionID, cmd.Action, map[string]interface{}{"resumed": ok})
	case events.CommandStop:
		// Ack is deferred: finalizeStop sends it once the driver loop has
		// actually observed the stop and (optionally) closed the position.
		s.Stop(cmd.ClosePosition, cmd.ConnectionID)
	case events.CommandPing:
		s.Hub.Ack(cmd.ConnectionID, cmd.Action, nil)
	default:
		s.Hub.ReportUnknownCommand(cmd.ConnectionID, cmd.Unknown)
	}
}

// Stop signals a running session to stop, or — if its in-memory runtime is
// no longer present — falls back to the stop-from-database-only-state path
// (spec §4.6.5). A live session's terminal summary arrives asynchronously
// as a session_completed event; only the database-recovery path returns one
// synchronously. closePosition mirrors the stop command's optional
// close_position field (default true) for callers outside the WS command
// path, such as an HTTP API.
func (r *Runtime) Stop(ctx context.Context, sessionID uuid.UUID, closePosition bool) (*TerminalSummary, error) {
	r.mu.Lock()
	as, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if ok {
		as.state.Stop(closePosition, "")
		return nil, nil
	}

	summary, err := StopFromDB(ctx, r.repo, sessionID)
	if err != nil {
		return nil, err
	}
	hub := r.bus.HubFor(sessionID.String())
	hub.Broadcast(events.NewEvent(events.EventSessionCompleted, summary))
	r.bus.RemoveSession(sessionID.String())
	return summary, nil
}

// ReplayTo streams every processed candle (with its indicator snapshot) up
// to the session's current index to one newly joined consumer, in batches
// with inter-batch delays, followed by the session's historical AI-decision
// journal. Forward sessions replay decisions only after a short pause, to
// let candles render first (spec §4.5 "Replay on reconnect").
func (r *Runtime) ReplayTo(ctx context.Context, sessionID uuid.UUID, connectionID string, batchSize int, batchDelay time.Duration) {
	r.mu.Lock()
	as, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	s := as.state
	hub := s.Hub

	if batchSize <= 0 {
		batchSize = 50
	}

	upTo := s.CurrentIndex + 1
	if upTo > len(s.Candles) {
		upTo = len(s.Candles)
	}

	for i := 0; i < upTo; i += batchSize {
		end := i + batchSize
		if end > upTo {
			end = upTo
		}
		for j := i; j < end; j++ {
			hub.SendTo(connectionID, events.NewEvent(events.EventCandle, map[string]interface{}{
				"candle_index": j,
				"candle":       s.Candles[j],
				"indicators":   s.Indicators.ValuesAt(j),
			}))
		}
		if end < upTo {
			select {
			case <-time.After(batchDelay):
			case <-ctx.Done():
				return
			}
		}
	}

	if s.Kind == "forward" {
		select {
		case <-time.After(batchDelay * 4):
		case <-ctx.Done():
			return
		}
	}

	for _, entry := range s.Journal {
		hub.SendTo(connectionID, events.NewEvent(events.EventAIDecision, map[string]interface{}{
			"candle_index": entry.CandleIndex,
			"action":       entry.Decision.Action,
			"reasoning":    entry.Decision.Reasoning,
			"context":      entry.Decision.Context,
		}))
	}
}

// ActiveCount reports how many sessions this Runtime is currently driving.
func (r *Runtime) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
