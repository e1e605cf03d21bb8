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
	"sync"
	"sync/atomic"
	"time"

	v3orcapb "github.com/cncf/xds/go/xds/data/orca/v3"

	"github.com/dws/weightedroundrobin/internal/clock"
	internalgrpclog "github.com/dws/weightedroundrobin/internal/grpclog"
)

// endpointWeight tracks the load-report-derived weight for one endpoint
// address set.  A single instance is shared by every endpoint with the same
// address set across successive endpoint lists, so an address update does not
// lose accumulated weight information.
//
// Instances are reference counted.  The policy's weight store holds a
// non-owning entry; owning references live in wrrEndpoints and pickers.  When
// the last reference is released the instance erases its own store entry,
// but only if the store still maps the key to this exact instance: a
// successor may already have been inserted for the same key.
type endpointWeight struct {
	// The following fields are immutable.
	wrr    *wrrBalancer
	key    string
	clock  clock.Clock
	logger *internalgrpclog.PrefixLogger

	refs int32 // accessed atomically

	// The following fields are accessed from arbitrary goroutines (OOB
	// listeners, per-call Done callbacks, picker rebuilds) and are protected
	// by mu.  The zero time is the "+inf" sentinel.
	mu            sync.Mutex
	weightVal     float64
	nonEmptySince time.Time
	lastUpdated   time.Time
}

// ref takes a new reference.  The caller must already hold one, so the count
// cannot concurrently be zero.
func (w *endpointWeight) ref() {
	atomic.AddInt32(&w.refs, 1)
}

// refIfNonZero attempts to take a new reference.  It fails if the count has
// already dropped to zero, in which case the instance is on its way out of
// the store and a fresh one must be created.
func (w *endpointWeight) refIfNonZero() bool {
	for {
		n := atomic.LoadInt32(&w.refs)
		if n == 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&w.refs, n, n+1) {
			return true
		}
	}
}

// release drops one reference.  On the last release the store entry is
// erased if it still identifies this instance.
func (w *endpointWeight) release() {
	if atomic.AddInt32(&w.refs, -1) != 0 {
		return
	}
	b := w.wrr
	b.weightStoreMu.Lock()
	defer b.weightStoreMu.Unlock()
	if b.weightStore[w.key] == w {
		delete(b.weightStore, w.key)
	}
}

// maybeUpdateWeight computes a new weight from a load report and records it.
// A report from which no usable weight can be derived (zero QPS or zero
// utilization) carries no information and leaves all state untouched; in
// particular it does not refresh lastUpdated, so a long run of empty reports
// eventually expires the weight.
func (w *endpointWeight) maybeUpdateWeight(qps, eps, utilization, errorUtilizationPenalty float64) {
	var weight float64
	if qps > 0 && utilization > 0 {
		penalty := float64(0)
		if eps > 0 && errorUtilizationPenalty > 0 {
			penalty = eps / qps * errorUtilizationPenalty
		}
		weight = qps / (utilization + penalty)
	}
	if weight == 0 {
		if w.logger.V(2) {
			w.logger.Infof("Ignoring empty load report for endpoint %v: qps=%v eps=%v utilization=%v", w.key, qps, eps, utilization)
		}
		return
	}
	now := w.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.logger.V(2) {
		w.logger.Infof("New weight for endpoint %v: %v (qps=%v eps=%v utilization=%v penalty=%v)", w.key, weight, qps, eps, utilization, errorUtilizationPenalty)
	}
	if w.nonEmptySince.IsZero() {
		w.nonEmptySince = now
	}
	w.weightVal = weight
	w.lastUpdated = now
}

// weight returns the current effective weight of the endpoint.  Returns 0
// for endpoints whose data is blacked out, expired, or absent; the scheduler
// never routes to zero-weight entries, and with fewer than two usable
// weights the picker falls back to RR.  notYetUsable and stale report which
// of the zero cases applied, for counter accumulation by the caller.
func (w *endpointWeight) weight(now time.Time, weightExpirationPeriod, blackoutPeriod time.Duration) (weight float64, notYetUsable, stale bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// The endpoint has not received a load report yet.
	if w.lastUpdated.IsZero() {
		return 0, true, false
	}

	// If the most recent update was longer ago than the expiration period,
	// reset nonEmptySince so that we apply the blackout period again if we
	// start getting data again in the future, and return 0.
	if now.Sub(w.lastUpdated) >= weightExpirationPeriod {
		w.nonEmptySince = time.Time{}
		return 0, false, true
	}

	// If we don't have at least blackoutPeriod worth of data, return 0.
	if blackoutPeriod > 0 && (w.nonEmptySince.IsZero() || now.Sub(w.nonEmptySince) < blackoutPeriod) {
		return 0, true, false
	}

	return w.weightVal, false, false
}

// resetNonEmptySince restarts the blackout period.  Called when an endpoint
// reconnects, since reports from the previous connection may still arrive
// and must not count before the blackout elapses again.
func (w *endpointWeight) resetNonEmptySince() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nonEmptySince = time.Time{}
}

// oobWatcher feeds out-of-band backend metric reports into an endpoint
// weight.  It is registered as an ORCA listener when OOB load reporting is
// enabled; the per-call path is not installed in that case.
type oobWatcher struct {
	weight                  *endpointWeight
	errorUtilizationPenalty float64
}

func (o *oobWatcher) OnLoadReport(load *v3orcapb.OrcaLoadReport) {
	utilization := load.ApplicationUtilization
	if utilization <= 0 {
		utilization = load.CpuUtilization
	}
	o.weight.maybeUpdateWeight(load.RpsFractional, load.Eps, utilization, o.errorUtilizationPenalty)
}
