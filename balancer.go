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
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/balancer/base"
	"google.golang.org/grpc/connectivity"
	estats "google.golang.org/grpc/experimental/stats"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/serviceconfig"

	"github.com/dws/weightedroundrobin/internal"
	"github.com/dws/weightedroundrobin/internal/clock"
	internalgrpclog "github.com/dws/weightedroundrobin/internal/grpclog"
	iserviceconfig "github.com/dws/weightedroundrobin/internal/serviceconfig"
)

// Name is the name of the weighted round robin balancer.
const Name = "weighted_round_robin"

func init() {
	balancer.Register(bb{})
}

type bb struct{}

func (bb) Build(cc balancer.ClientConn, bOpts balancer.BuildOptions) balancer.Balancer {
	b := &wrrBalancer{
		cc:              cc,
		target:          bOpts.Target.String(),
		metricsRecorder: bOpts.MetricsRecorder,
		clock:           clock.NewRealClock(),
		weightStore:     make(map[string]*endpointWeight),
	}
	if b.metricsRecorder == nil {
		b.metricsRecorder = noopMetricsRecorder{}
	}
	// Seed the sequence source so co-located pickers with identical weight
	// vectors do not traverse endpoints in lockstep.
	b.schedulerState.Store(rand.Uint32())
	b.logger = prefixLogger(b)
	b.logger.Infof("Created")
	return b
}

func (bb) ParseConfig(js json.RawMessage) (serviceconfig.LoadBalancingConfig, error) {
	lbCfg := &lbConfig{
		// Default values as documented in A58.
		OOBReportingPeriod:      iserviceconfig.Duration(10 * time.Second),
		BlackoutPeriod:          iserviceconfig.Duration(10 * time.Second),
		WeightExpirationPeriod:  iserviceconfig.Duration(3 * time.Minute),
		WeightUpdatePeriod:      iserviceconfig.Duration(time.Second),
		ErrorUtilizationPenalty: 1,
	}
	if err := json.Unmarshal(js, lbCfg); err != nil {
		return nil, fmt.Errorf("wrr: unable to unmarshal LB policy config: %s, error: %v", string(js), err)
	}

	if lbCfg.ErrorUtilizationPenalty < 0 {
		return nil, fmt.Errorf("wrr: errorUtilizationPenalty must be non-negative")
	}

	// For easier comparisons later, ensure the OOB reporting period is unset
	// (0s) when OOB reports are disabled.
	if !lbCfg.EnableOOBLoadReport {
		lbCfg.OOBReportingPeriod = 0
	}

	// Impose lower bound of 100ms on weightUpdatePeriod.
	if !internal.AllowAnyWeightUpdatePeriod && lbCfg.WeightUpdatePeriod < iserviceconfig.Duration(100*time.Millisecond) {
		lbCfg.WeightUpdatePeriod = iserviceconfig.Duration(100 * time.Millisecond)
	}

	return lbCfg, nil
}

func (bb) Name() string {
	return Name
}

// wrrBalancer implements the weighted round robin LB policy.
//
// Synchronization: gRPC guarantees that UpdateClientConnState, ResolverError,
// Close, ExitIdle and SubConn state listeners are never called concurrently,
// which serves as the policy's control thread.  Load reports and picks arrive
// on arbitrary goroutines and only touch state with its own locking
// (endpointWeight.mu, the picker's locks, weightStoreMu).
//
// Lock order: weightStoreMu is never taken while another of these locks is
// held.  picker.timerMu is taken before endpointWeight.mu (reading weights
// for a rebuild) and before picker.schedulerMu (publishing the scheduler).
type wrrBalancer struct {
	// The following fields are set at initialization time and read only
	// after that, so they do not need to be protected by a mutex.
	cc              balancer.ClientConn
	logger          *internalgrpclog.PrefixLogger
	target          string
	metricsRecorder estats.MetricsRecorder
	clock           clock.Clock

	// schedulerState is the sequence source shared by every scheduler built
	// by this policy's pickers.  Wrap-around is expected and safe.
	schedulerState atomic.Uint32

	// The following fields are only accessed within the serialized control
	// thread described above.
	cfg      *lbConfig // active config
	locality string
	// Active endpoint list, and the latest pending one.  When we get an
	// updated address list, we create a new endpoint list for it as pending,
	// and wait to swap it into endpointList until the new list becomes
	// usable (see maybeUpdateAggregatedConnectivityState).
	endpointList              *endpointList
	latestPendingEndpointList *endpointList
	currentPicker             *picker
	shutdown                  bool

	// weightStore deduplicates endpointWeights by address-set key.  Entries
	// are non-owning: the owning references live in wrrEndpoints and
	// pickers, and the last release erases the entry (see endpointWeight).
	weightStoreMu sync.Mutex
	weightStore   map[string]*endpointWeight
}

func (b *wrrBalancer) UpdateClientConnState(ccs balancer.ClientConnState) error {
	if b.shutdown {
		return nil
	}
	b.logger.Infof("UpdateClientConnState: %v", ccs)
	cfg, ok := ccs.BalancerConfig.(*lbConfig)
	if !ok {
		return fmt.Errorf("wrr: received nil or illegal BalancerConfig (type %T): %v", ccs.BalancerConfig, ccs.BalancerConfig)
	}
	b.cfg = cfg
	b.locality = LocalityFromResolverState(ccs.ResolverState)

	// Weed out duplicate endpoints and sort the rest so that if the set of
	// endpoints doesn't change, their indexes in the endpoint list don't
	// change either, which avoids unnecessary churn in the picker.
	endpoints := dedupSortEndpoints(ccs.ResolverState.Endpoints)

	// Create the new endpoint list, replacing the previous pending list, if
	// any.
	if b.latestPendingEndpointList != nil {
		b.latestPendingEndpointList.close()
	}
	el, childErrs := newEndpointList(b, endpoints)
	b.latestPendingEndpointList = el

	// If the new list is empty, immediately promote it to the active list
	// and report TRANSIENT_FAILURE.
	if len(el.endpoints) == 0 {
		old := b.endpointList
		b.endpointList = el
		b.latestPendingEndpointList = nil
		old.close()
		err := errors.New("empty address list")
		el.reportTransientFailure(err)
		return err
	}

	// Otherwise, if this is the initial update, immediately promote it.
	if b.endpointList == nil {
		b.endpointList = el
		b.latestPendingEndpointList = nil
	}

	if len(childErrs) > 0 {
		return fmt.Errorf("wrr: errors from children: [%s]", strings.Join(childErrs, "; "))
	}
	return nil
}

func (b *wrrBalancer) ResolverError(err error) {
	if b.shutdown {
		return
	}
	// If we already have endpoints, keep using them; the resolver will retry
	// and the stale addresses may well still work.
	if b.endpointList != nil || b.latestPendingEndpointList != nil {
		b.logger.Warningf("Ignoring resolver error since endpoints exist: %v", err)
		return
	}
	b.publishState(connectivity.TransientFailure, base.NewErrPicker(err))
}

func (b *wrrBalancer) UpdateSubConnState(sc balancer.SubConn, state balancer.SubConnState) {
	b.logger.Errorf("UpdateSubConnState(%v, %+v) called unexpectedly", sc, state)
}

// ExitIdle requests a connection from every endpoint in both the active and
// pending lists.  Connect is a no-op on SubConns that are not idle, so this
// is safe to call at any time.
func (b *wrrBalancer) ExitIdle() {
	b.endpointList.exitIdle()
	b.latestPendingEndpointList.exitIdle()
}

// Close stops the balancer.  It cancels any ongoing scheduler updates, stops
// any ORCA listeners and shuts down all SubConns.
func (b *wrrBalancer) Close() {
	if b.shutdown {
		return
	}
	b.shutdown = true
	b.stopCurrentPicker()
	b.endpointList.close()
	b.endpointList = nil
	b.latestPendingEndpointList.close()
	b.latestPendingEndpointList = nil
}

// publishState pushes a new policy state to the channel.  Any previous WRR
// picker is stopped first so its rebuild timer cannot outlive it; if the new
// picker is a WRR picker, its rebuild loop is started before the channel can
// route picks to it.
func (b *wrrBalancer) publishState(state connectivity.State, pkr balancer.Picker) {
	b.stopCurrentPicker()
	if wp, ok := pkr.(*picker); ok {
		b.currentPicker = wp
		wp.start()
	}
	b.cc.UpdateState(balancer.State{ConnectivityState: state, Picker: pkr})
}

func (b *wrrBalancer) stopCurrentPicker() {
	if b.currentPicker == nil {
		return
	}
	b.currentPicker.stop()
	b.currentPicker = nil
}

// getOrCreateWeight returns the endpointWeight for the given address set,
// with a reference taken, creating it if the store has no live entry.
func (b *wrrBalancer) getOrCreateWeight(addrs []resolver.Address) *endpointWeight {
	key := addrSetKey(addrs)
	b.weightStoreMu.Lock()
	defer b.weightStoreMu.Unlock()
	if ew := b.weightStore[key]; ew != nil && ew.refIfNonZero() {
		return ew
	}
	// No entry, or the entry's last reference is concurrently being dropped;
	// insert a successor.  The dying instance's conditional erase will see
	// the store no longer points at it.
	ew := &endpointWeight{
		wrr:    b,
		key:    key,
		clock:  b.clock,
		logger: b.logger,
		refs:   1,
	}
	b.weightStore[key] = ew
	return ew
}

// addrSetKey returns the canonical representation of an unordered address
// set.  Two endpoints are the same endpoint iff their keys are equal; the
// sorted form also provides the deterministic iteration order for the
// endpoint list.
func addrSetKey(addrs []resolver.Address) string {
	as := make([]string, 0, len(addrs))
	for _, a := range addrs {
		as = append(as, a.Addr)
	}
	sort.Strings(as)
	return strings.Join(slices.Compact(as), ", ")
}

func endpointSetKey(e resolver.Endpoint) string {
	return addrSetKey(e.Addresses)
}

// dedupSortEndpoints collapses endpoints with equal address sets (first
// occurrence wins) and orders the rest by ascending key.
func dedupSortEndpoints(endpoints []resolver.Endpoint) []resolver.Endpoint {
	keys := make([]string, 0, len(endpoints))
	byKey := make(map[string]resolver.Endpoint, len(endpoints))
	for _, e := range endpoints {
		k := endpointSetKey(e)
		if _, ok := byKey[k]; ok {
			continue
		}
		byKey[k] = e
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]resolver.Endpoint, 0, len(keys))
	for _, k := range keys {
		out = append(out, byKey[k])
	}
	return out
}
