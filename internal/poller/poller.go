package poller

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/maynero/youtube-to-m3u/internal/config"
	"github.com/maynero/youtube-to-m3u/internal/status"
	"github.com/maynero/youtube-to-m3u/internal/youtube"
)

var (
	pollsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "live_polls_total",
		Help: "Number of completed poll attempts",
	})
	pollFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "live_poll_failures_total",
		Help: "Number of failed poll attempts by classification",
	}, []string{"kind"})
	liveGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "live_status",
		Help: "1 when the watched channel is live, 0 otherwise",
	})
	consecutiveFailuresGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "live_poll_consecutive_failures",
		Help: "Consecutive failed polls since the last success",
	})
)

func init() {
	prometheus.MustRegister(pollsTotal, pollFailuresTotal, liveGauge, consecutiveFailuresGauge)
}

// Recorder persists status transitions. Satisfied by *store.Store; may be
// nil when history is disabled.
type Recorder interface {
	RecordTransition(ctx context.Context, channelID string, state status.State, videoID, detail string) error
}

// Broadcaster pushes snapshot updates to connected clients.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// Poller keeps the shared snapshot current by probing the channel on a
// timer. It is the snapshot's only writer.
type Poller struct {
	cfg         config.Config
	prober      youtube.Prober
	holder      *status.Holder
	recorder    Recorder
	broadcaster Broadcaster
	logger      *slog.Logger

	// inFlight guarantees at most one probe at a time; a tick or forced
	// poll that finds it held is skipped, not queued.
	inFlight sync.Mutex
	retry    *backoff.ExponentialBackOff
}

func New(cfg config.Config, prober youtube.Prober, holder *status.Holder, recorder Recorder, broadcaster Broadcaster, logger *slog.Logger) *Poller {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.PollInterval
	retry.MaxInterval = cfg.PollMaxInterval
	retry.Multiplier = 2
	retry.RandomizationFactor = 0
	retry.MaxElapsedTime = 0
	retry.Reset()

	return &Poller{
		cfg:         cfg,
		prober:      prober,
		holder:      holder,
		recorder:    recorder,
		broadcaster: broadcaster,
		logger:      logger,
		retry:       retry,
	}
}

// Run polls until ctx is canceled. The first poll fires immediately so the
// status surface fills in without waiting a full interval.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.pollNow(ctx)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			interval = p.pollNow(ctx)
			timer.Reset(interval)
		}
	}
}

// TryPoll runs one poll unless another is already in flight. Used by the
// forced-refresh endpoint.
func (p *Poller) TryPoll(ctx context.Context) bool {
	if !p.inFlight.TryLock() {
		return false
	}
	defer p.inFlight.Unlock()
	if p.pollOnce(ctx) == outcomeSuccess {
		p.retry.Reset()
	}
	return true
}

// pollNow runs one poll and returns the interval until the next one:
// the base interval after success, the backed-off interval after transient
// failures, the cap after a fatal failure.
func (p *Poller) pollNow(ctx context.Context) time.Duration {
	if !p.inFlight.TryLock() {
		p.logger.Warn("poll still in flight, skipping tick")
		return p.cfg.PollInterval
	}
	defer p.inFlight.Unlock()

	outcome := p.pollOnce(ctx)
	switch outcome {
	case outcomeSuccess:
		p.retry.Reset()
		return p.cfg.PollInterval
	case outcomeFatal:
		// Retrying faster will not fix bad credentials; hold at the cap
		// in case the upstream misclassified the failure.
		return p.cfg.PollMaxInterval
	default:
		next := p.retry.NextBackOff()
		if next > p.cfg.PollMaxInterval {
			next = p.cfg.PollMaxInterval
		}
		return next
	}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeTransient
	outcomeFatal
)

// pollOnce probes the channel and folds the result into a fresh snapshot.
// Errors never escape; they land in the snapshot's lastError.
func (p *Poller) pollOnce(ctx context.Context) outcome {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	result, err := p.prober.Probe(probeCtx, p.cfg.Channel)
	now := time.Now().UTC()

	prev := p.holder.Load()
	next := *prev
	next.CheckedAt = now
	pollsTotal.Inc()

	res := outcomeSuccess
	switch {
	case err == nil:
		next.IsLive = result.Live
		next.VideoID = result.VideoID
		next.ObservedAt = now
		next.LastError = ""
		next.ConsecutiveFailures = 0
		next.LastKnown = ""
		if result.Live {
			next.State = status.StateLive
		} else {
			next.State = status.StateNotLive
		}

	case youtube.IsFatal(err):
		res = outcomeFatal
		pollFailuresTotal.WithLabelValues("fatal").Inc()
		next.LastError = err.Error()
		next.ConsecutiveFailures++
		if next.State != status.StateDegraded {
			next.LastKnown = lastKnownOf(prev)
			next.State = status.StateDegraded
		}
		p.logger.Error("poll failed, degrading", "channel", p.cfg.Channel, "err", err)

	case ctx.Err() != nil:
		// Shutdown mid-poll; leave the snapshot as it was.
		return outcomeTransient

	default:
		res = outcomeTransient
		pollFailuresTotal.WithLabelValues("transient").Inc()
		next.LastError = err.Error()
		next.ConsecutiveFailures++
		if next.ConsecutiveFailures >= p.cfg.FailureThreshold && next.State != status.StateDegraded {
			next.LastKnown = lastKnownOf(prev)
			next.State = status.StateDegraded
			p.logger.Warn("failure threshold reached, degrading",
				"channel", p.cfg.Channel, "failures", next.ConsecutiveFailures)
		} else {
			p.logger.Warn("poll failed", "channel", p.cfg.Channel, "failures", next.ConsecutiveFailures, "err", err)
		}
	}

	p.holder.Store(&next)
	p.updateGauges(&next)

	if next.State != prev.State || next.VideoID != prev.VideoID {
		p.logger.Info("status changed",
			"channel", next.ChannelID, "state", next.State, "videoId", next.VideoID)
		p.publishTransition(ctx, &next)
	}
	return res
}

// lastKnownOf preserves the pre-degradation state for display.
func lastKnownOf(prev *status.Snapshot) status.State {
	if prev.State == status.StateDegraded {
		return prev.LastKnown
	}
	if prev.State == status.StateLive || prev.State == status.StateNotLive {
		return prev.State
	}
	return status.StateUnknown
}

func (p *Poller) updateGauges(s *status.Snapshot) {
	if s.IsLive {
		liveGauge.Set(1)
	} else {
		liveGauge.Set(0)
	}
	consecutiveFailuresGauge.Set(float64(s.ConsecutiveFailures))
}

func (p *Poller) publishTransition(ctx context.Context, s *status.Snapshot) {
	if p.recorder != nil {
		recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.recorder.RecordTransition(recCtx, s.ChannelID, s.State, s.VideoID, s.LastError); err != nil {
			p.logger.Error("record transition failed", "err", err)
		}
	}

	if p.broadcaster != nil {
		payload, err := json.Marshal(s)
		if err != nil {
			p.logger.Error("marshal snapshot failed", "err", err)
			return
		}
		p.broadcaster.Broadcast(payload)
	}
}
