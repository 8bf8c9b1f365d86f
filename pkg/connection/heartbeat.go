package connection

import (
	"context"
	"sync"
	"time"
)

// Heartbeat pings a peer on a fixed interval. Each ping has its own
// watchdog; the first watchdog to fire stops the heartbeat and reports a
// timeout exactly once.
type Heartbeat struct {
	interval time.Duration
	timeout  time.Duration

	ping      func(ctx context.Context) error
	onPong    func(latency time.Duration)
	onTimeout func()

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	probes  map[*probe]struct{}
}

// probe is one outstanding ping.
type probe struct {
	start    time.Time
	watchdog *time.Timer
	done     bool
}

// NewHeartbeat creates a stopped heartbeat. A zero timeout never fires the
// watchdog. onPong and onTimeout may be nil.
func NewHeartbeat(interval, timeout time.Duration, ping func(ctx context.Context) error,
	onPong func(latency time.Duration), onTimeout func()) *Heartbeat {
	ctx, cancel := context.WithCancel(context.Background())
	return &Heartbeat{
		interval:  interval,
		timeout:   timeout,
		ping:      ping,
		onPong:    onPong,
		onTimeout: onTimeout,
		stopCh:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		probes:    make(map[*probe]struct{}),
	}
}

// Start begins ticking. The first ping is sent one interval after Start.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running || h.stopped || h.interval <= 0 {
		return
	}
	h.running = true
	go h.loop()
}

// Stop halts the ticker and disarms every watchdog. It is idempotent.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

func (h *Heartbeat) stopLocked() {
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.stopCh)
	h.cancel()
	for p := range h.probes {
		p.done = true
		if p.watchdog != nil {
			p.watchdog.Stop()
		}
	}
	h.probes = nil
}

// Stopped reports whether the heartbeat has stopped, by Stop or timeout.
func (h *Heartbeat) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

func (h *Heartbeat) loop() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Heartbeat) tick() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	p := &probe{start: time.Now()}
	if h.timeout > 0 {
		p.watchdog = time.AfterFunc(h.timeout, func() { h.expired(p) })
	}
	h.probes[p] = struct{}{}
	ctx := h.ctx
	h.mu.Unlock()

	go func() {
		err := h.ping(ctx)
		h.answered(p, err)
	}()
}

func (h *Heartbeat) answered(p *probe, err error) {
	h.mu.Lock()
	if p.done {
		h.mu.Unlock()
		return
	}
	p.done = true
	if p.watchdog != nil {
		p.watchdog.Stop()
	}
	delete(h.probes, p)
	h.mu.Unlock()

	// A failed ping means the connection is going away; its teardown
	// stops the heartbeat.
	if err == nil && h.onPong != nil {
		h.onPong(time.Since(p.start))
	}
}

func (h *Heartbeat) expired(p *probe) {
	h.mu.Lock()
	if p.done {
		h.mu.Unlock()
		return
	}
	p.done = true
	h.stopLocked()
	h.mu.Unlock()

	if h.onTimeout != nil {
		h.onTimeout()
	}
}
