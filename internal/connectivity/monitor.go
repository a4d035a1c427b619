package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Listener is called after every state transition.
type Listener func(prev, next State)

type Options struct {
	Interval        time.Duration
	ProbeTimeout    time.Duration
	DegradedLatency time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.DegradedLatency <= 0 {
		o.DegradedLatency = DefaultDegradedLatency
	}
	return o
}

// Monitor owns the process wide connectivity state.
// It starts offline and is refreshed on a fixed interval and on reachability events.
type Monitor struct {
	reach  Reachability
	prober Prober
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	refreshMu sync.Mutex // one probe at a time

	mu     sync.Mutex
	state  State
	subs   map[int]Listener
	nextID int

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(reach Reachability, prober Prober, opts Options, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		reach:  reach,
		prober: prober,
		opts:   opts.withDefaults(),
		logger: logger,
		now:    time.Now,
		state:  Offline,
		subs:   make(map[int]Listener),
		kick:   make(chan struct{}, 1),
	}
}

// State returns the last classified state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers l for transitions and returns a func that removes it.
func (m *Monitor) Subscribe(l Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs[id] = l
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Refresh probes once, updates the state and returns it.
func (m *Monitor) Refresh(ctx context.Context) State {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	next, ok := m.classify(ctx)
	if !ok {
		return m.State()
	}
	m.set(next)
	return next
}

// classify reports ok=false when ctx ended mid probe; that says nothing about the network.
func (m *Monitor) classify(ctx context.Context) (State, bool) {
	if !m.reach.Available() {
		return Offline, true
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	start := m.now()
	err := m.prober.Probe(probeCtx)
	latency := m.now().Sub(start)
	if ctx.Err() != nil {
		return "", false
	}

	state := Classify(true, latency, err, m.opts.DegradedLatency)
	m.logger.Debug("connectivity probe", "latency", latency, "error", err, "state", state)
	return state, true
}

func (m *Monitor) set(next State) {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	listeners := make([]Listener, 0, len(m.subs))
	for _, l := range m.subs {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "from", prev, "to", next)
	for _, l := range listeners {
		l(prev, next)
	}
}

// NotifyReachabilityChange asks the running monitor to re-evaluate now,
// as an OS online/offline event would.
func (m *Monitor) NotifyReachabilityChange() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Start refreshes immediately and then keeps polling until Stop or ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		cancel()
		return
	}
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()

		m.Refresh(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-m.kick:
			}
			if ctx.Err() != nil {
				return
			}
			m.Refresh(ctx)
		}
	}()
}

// Stop cancels polling and any probe in flight, and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
