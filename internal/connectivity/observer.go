package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Observer probes the transcription endpoint on an interval and reports
// online/offline transitions. Any HTTP response counts as online; only a
// transport-level failure means the network is unreachable.
type Observer struct {
	cfg    config.ConnectivityConfig
	log    *slog.Logger
	hc     *http.Client
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	online atomic.Bool
	ch     chan bool
}

func NewObserver(parent context.Context, cfg config.ConnectivityConfig, logger *slog.Logger) *Observer {
	ctx, cancel := context.WithCancel(parent)
	o := &Observer{
		cfg:    cfg,
		log:    logger.With(slog.String("component", "connectivity")),
		hc:     &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
		ctx:    ctx,
		cancel: cancel,
		ch:     make(chan bool, 4),
	}
	o.online.Store(true)
	return o
}

// Start launches the probe loop. A no-op when the observer is disabled;
// the pipeline then assumes it is always online.
func (o *Observer) Start() {
	if !o.cfg.Enabled {
		return
	}
	o.wg.Add(1)
	go o.run()
}

func (o *Observer) Close() {
	o.cancel()
	o.wg.Wait()
}

// Online reports the last observed state.
func (o *Observer) Online() bool {
	return o.online.Load()
}

// Transitions delivers a value on every online/offline flip. The channel is
// buffered; if a consumer falls behind, intermediate flips are dropped.
func (o *Observer) Transitions() <-chan bool {
	return o.ch
}

func (o *Observer) run() {
	defer o.wg.Done()
	ticker := time.NewTicker(time.Duration(o.cfg.IntervalMS) * time.Millisecond)
	defer ticker.Stop()

	o.probe()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.probe()
		}
	}
}

func (o *Observer) probe() {
	req, err := http.NewRequestWithContext(o.ctx, http.MethodHead, o.cfg.ProbeURL, nil)
	if err != nil {
		o.log.Warn("invalid probe request", slog.String("error", err.Error()))
		return
	}
	resp, err := o.hc.Do(req)
	online := err == nil
	if resp != nil {
		resp.Body.Close()
	}

	prev := o.online.Swap(online)
	if online == prev {
		return
	}
	if online {
		o.log.Info("network reachable")
	} else {
		o.log.Warn("network unreachable", slog.String("error", err.Error()))
	}
	select {
	case o.ch <- online:
	default:
		o.log.Warn("transition dropped, consumer lagging")
	}
}
