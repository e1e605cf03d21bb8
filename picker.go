/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package weightedroundrobin

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	v3orcapb "github.com/cncf/xds/go/xds/data/orca/v3"
	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/connectivity"
	estats "google.golang.org/grpc/experimental/stats"

	"github.com/dws/weightedroundrobin/internal/clock"
	internalgrpclog "github.com/dws/weightedroundrobin/internal/grpclog"
)

// pickerEndpoint is the per-endpoint info the picker needs on the hot path.
type pickerEndpoint struct {
	picker balancer.Picker
	weight *endpointWeight
}

// picker performs WRR picks with weights based on endpoint-reported
// utilization and QPS.  It is built from the READY endpoints of one endpoint
// list and periodically rebuilds its scheduler from the current weights
// until stopped.
type picker struct {
	// The following fields are immutable.
	cfg             *lbConfig
	endpoints       []pickerEndpoint
	inc             func() uint32
	clock           clock.Clock
	target          string
	locality        string
	metricsRecorder estats.MetricsRecorder
	logger          *internalgrpclog.PrefixLogger

	// Used when falling back to RR.
	lastPickedIndex atomic.Uint32

	schedulerMu sync.Mutex
	scheduler   *staticStrideScheduler // nil means RR fallback

	// timerMu is acquired before schedulerMu, never the reverse.  A nil
	// timerHandle means the picker has been stopped; the timer callback
	// re-checks it to resolve the cancellation race.
	timerMu     sync.Mutex
	timerHandle clock.Timer
	stopped     bool
}

// newPicker creates a picker over the READY endpoints of el, taking a weight
// reference for each.  The caller starts the rebuild loop with start().
func newPicker(b *wrrBalancer, el *endpointList) *picker {
	p := &picker{
		cfg:             b.cfg,
		inc:             func() uint32 { return b.schedulerState.Add(1) },
		clock:           b.clock,
		target:          b.target,
		locality:        b.locality,
		metricsRecorder: b.metricsRecorder,
		logger:          b.logger,
	}
	for _, ep := range el.endpoints {
		if ep.state != connectivity.Ready {
			continue
		}
		ep.weight.ref()
		p.endpoints = append(p.endpoints, pickerEndpoint{picker: ep.picker(), weight: ep.weight})
	}
	// Start the RR fallback at a random point for the same reason the
	// sequence source is seeded randomly.
	p.lastPickedIndex.Store(rand.Uint32())
	if b.logger.V(2) {
		b.logger.Infof("created picker from endpoint list (%s) with %d ready endpoints", el.countersString(), len(p.endpoints))
	}
	return p
}

func (p *picker) Pick(info balancer.PickInfo) (balancer.PickResult, error) {
	ep := &p.endpoints[p.pickIndex()]
	pr, err := ep.picker.Pick(info)
	if err != nil {
		return balancer.PickResult{}, err
	}
	// Collect per-call utilization data if not using OOB reports.  The
	// wrapper composes with any Done set by the child picker.
	if !p.cfg.EnableOOBLoadReport {
		childDone := pr.Done
		weight := ep.weight
		penalty := p.cfg.ErrorUtilizationPenalty
		pr.Done = func(info balancer.DoneInfo) {
			if childDone != nil {
				childDone(info)
			}
			load, ok := info.ServerLoad.(*v3orcapb.OrcaLoadReport)
			if !ok || load == nil {
				return
			}
			utilization := load.ApplicationUtilization
			if utilization <= 0 {
				utilization = load.CpuUtilization
			}
			weight.maybeUpdateWeight(load.RpsFractional, load.Eps, utilization, penalty)
		}
	}
	return pr, nil
}

// pickIndex returns the index into endpoints to be picked.
func (p *picker) pickIndex() int {
	// Grab a reference to the scheduler under a brief lock; the pick itself
	// runs lock-free on the immutable snapshot.
	p.schedulerMu.Lock()
	sched := p.scheduler
	p.schedulerMu.Unlock()
	if sched != nil {
		return sched.pick()
	}
	// We don't have a scheduler (i.e. fewer than two endpoints have usable
	// weights), so fall back to RR.
	return int(p.lastPickedIndex.Add(1) % uint32(len(p.endpoints)))
}

// start builds the initial scheduler and kicks off the rebuild loop.
func (p *picker) start() {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	p.buildSchedulerAndStartTimerLocked()
}

// stop cancels the rebuild loop and releases the picker's weight references.
// It is idempotent and safe to call concurrently with an in-flight timer
// callback: the callback re-checks timerHandle under timerMu.
func (p *picker) stop() {
	p.timerMu.Lock()
	if p.stopped {
		p.timerMu.Unlock()
		return
	}
	p.stopped = true
	if p.timerHandle != nil {
		p.timerHandle.Stop()
		p.timerHandle = nil
	}
	p.timerMu.Unlock()
	// Release the weight references outside timerMu: releasing may erase a
	// store entry, and weightStoreMu sits above timerMu in the hierarchy.
	for _, ep := range p.endpoints {
		ep.weight.release()
	}
}

// buildSchedulerAndStartTimerLocked reads the current weights, emits
// telemetry for them, swaps a freshly built scheduler into place, and
// schedules the next rebuild.  Requires timerMu.
func (p *picker) buildSchedulerAndStartTimerLocked() {
	now := p.clock.Now()
	weights := make([]float64, 0, len(p.endpoints))
	var numNotYetUsable, numStale int64
	for _, ep := range p.endpoints {
		w, notYetUsable, stale := ep.weight.weight(now,
			time.Duration(p.cfg.WeightExpirationPeriod),
			time.Duration(p.cfg.BlackoutPeriod))
		if notYetUsable {
			numNotYetUsable++
		}
		if stale {
			numStale++
		}
		weights = append(weights, w)
		endpointWeightsMetric.Record(p.metricsRecorder, w, p.target, p.locality)
	}
	endpointWeightNotYetUsableMetric.Record(p.metricsRecorder, numNotYetUsable, p.target, p.locality)
	endpointWeightStaleMetric.Record(p.metricsRecorder, numStale, p.target, p.locality)

	scheduler := newStaticStrideScheduler(weights, p.inc)
	if scheduler == nil {
		rrFallbackMetric.Record(p.metricsRecorder, 1, p.target, p.locality)
		if p.logger.V(2) {
			p.logger.Infof("no scheduler, falling back to RR")
		}
	} else if p.logger.V(2) {
		p.logger.Infof("new scheduler with weights: %s", weightsString(weights))
	}

	p.schedulerMu.Lock()
	p.scheduler = scheduler
	p.schedulerMu.Unlock()

	// Schedule the next rebuild.  The handle is stored under timerMu after
	// the scheduling call returns; the callback may already have been
	// dequeued on another thread, so it must take timerMu and re-check the
	// handle before rebuilding.
	p.timerHandle = p.clock.AfterFunc(time.Duration(p.cfg.WeightUpdatePeriod), func() {
		p.timerMu.Lock()
		defer p.timerMu.Unlock()
		if p.timerHandle == nil {
			return
		}
		p.buildSchedulerAndStartTimerLocked()
	})
}

func weightsString(weights []float64) string {
	var sb strings.Builder
	for i, w := range weights {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%g", w)
	}
	return sb.String()
}
