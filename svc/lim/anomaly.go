package lim

import (
	"sync"
	"time"

	"slugbin/metrics"
	"slugbin/svc/util"
)

const (
	anomalyMinRequests = 10
	anomalyErrorRate   = 5.0
)

// AnomalyDetector keeps a rolling five minute window of request and error
// counts and fires onAnomaly when the error rate crosses the threshold.
type AnomalyDetector struct {
	mu           sync.Mutex
	window       []bucket
	currentIndex int
	onAnomaly    func()
	done         chan struct{}
	stopOnce     sync.Once
}

type bucket struct {
	requests int64
	errors   int64
}

func NewAnomalyDetector(onAnomaly func()) *AnomalyDetector {
	return &AnomalyDetector{
		window:    make([]bucket, 5),
		onAnomaly: onAnomaly,
		done:      make(chan struct{}),
	}
}

func (d *AnomalyDetector) Start() {
	ticker := time.NewTicker(time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.AdvanceWindow()
			case <-d.done:
				return
			}
		}
	}()
}

func (d *AnomalyDetector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

func (d *AnomalyDetector) RecordRequest() {
	d.mu.Lock()
	d.window[d.currentIndex].requests++
	d.mu.Unlock()
}

func (d *AnomalyDetector) RecordError() {
	d.mu.Lock()
	d.window[d.currentIndex].errors++
	d.mu.Unlock()
}

// AdvanceWindow evaluates the window and rotates to a fresh bucket. It
// returns the error rate percentage it observed.
func (d *AnomalyDetector) AdvanceWindow() float64 {
	d.mu.Lock()
	var reqs, errs int64
	for _, b := range d.window {
		reqs += b.requests
		errs += b.errors
	}
	d.currentIndex = (d.currentIndex + 1) % len(d.window)
	d.window[d.currentIndex] = bucket{}
	d.mu.Unlock()

	var rate float64
	if reqs > 0 {
		rate = float64(errs) / float64(reqs) * 100.0
	}
	metrics.RecentErrorRatePercent.Set(rate)
	if reqs > anomalyMinRequests && rate > anomalyErrorRate {
		util.Warn().
			Float64("error_rate", rate).
			Int64("total_reqs", reqs).
			Int64("total_errs", errs).
			Msg("high error rate, tightening rate limits")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}
	return rate
}
