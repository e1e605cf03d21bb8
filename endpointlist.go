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
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/balancer/base"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/orca"
	"google.golang.org/grpc/resolver"
)

// endpointList is one generation of endpoints, ordered by ascending address
// set.  It tracks per-state child counters and aggregates them into the
// policy state.  The policy keeps up to two lists: the active one and the
// latest pending one (see maybeUpdateAggregatedConnectivityState for the
// promotion rules).
type endpointList struct {
	wrr       *wrrBalancer
	endpoints []*wrrEndpoint

	numReady            int
	numConnecting       int
	numTransientFailure int
	lastFailure         error

	// closed is set when the list is orphaned; stale SubConn notifications
	// arriving after that are ignored.
	closed bool
}

// newEndpointList builds a list for the given (already deduplicated and
// sorted) endpoints.  Endpoints that fail to construct are skipped; their
// errors are returned for aggregation, and the rest of the list functions
// normally.
func newEndpointList(b *wrrBalancer, endpoints []resolver.Endpoint) (*endpointList, []string) {
	el := &endpointList{wrr: b}
	var errs []string
	for _, endpoint := range endpoints {
		ep, err := newWrrEndpoint(el, endpoint)
		if err != nil {
			errs = append(errs, fmt.Sprintf("endpoint %q: %v", endpointSetKey(endpoint), err))
			continue
		}
		ep.index = len(el.endpoints)
		el.endpoints = append(el.endpoints, ep)
	}
	for _, ep := range el.endpoints {
		ep.sc.Connect()
	}
	return el, errs
}

// updateStateCounters adjusts the counters for a child moving from old to
// new.  IDLE is folded into CONNECTING, since it immediately transitions
// into that state anyway.  oldValid is false for a child's initial
// notification.
func (el *endpointList) updateStateCounters(oldState connectivity.State, oldValid bool, newState connectivity.State) {
	if oldValid {
		switch oldState {
		case connectivity.Ready:
			el.numReady--
		case connectivity.Connecting, connectivity.Idle:
			el.numConnecting--
		case connectivity.TransientFailure:
			el.numTransientFailure--
		}
	}
	switch newState {
	case connectivity.Ready:
		el.numReady++
	case connectivity.Connecting, connectivity.Idle:
		el.numConnecting++
	case connectivity.TransientFailure:
		el.numTransientFailure++
	}
}

func (el *endpointList) allEndpointsSeenInitialState() bool {
	for _, ep := range el.endpoints {
		if !ep.seenInitialState {
			return false
		}
	}
	return true
}

func (el *endpointList) countersString() string {
	return fmt.Sprintf("num_children=%d num_ready=%d num_connecting=%d num_transient_failure=%d",
		len(el.endpoints), el.numReady, el.numConnecting, el.numTransientFailure)
}

// maybeUpdateAggregatedConnectivityState promotes the pending list when it
// should take over, then derives the policy state from the active list's
// counters.
func (el *endpointList) maybeUpdateAggregatedConnectivityState(statusForTF error) {
	b := el.wrr
	// If this is the pending list, swap it into place in the following
	// cases:
	// - The active list has no READY children.
	// - This list has at least one READY child and we have seen the initial
	//   connectivity state notification for all children.
	// - All of the children in this list are in TRANSIENT_FAILURE.  (This
	//   may cause the channel to go from READY to TRANSIENT_FAILURE, but
	//   we're doing what the control plane told us to do.)
	if b.latestPendingEndpointList == el &&
		(b.endpointList.numReady == 0 ||
			(el.numReady > 0 && el.allEndpointsSeenInitialState()) ||
			el.numTransientFailure == len(el.endpoints)) {
		if b.logger.V(2) {
			b.logger.Infof("swapping out endpoint list (%s) in favor of (%s)", b.endpointList.countersString(), el.countersString())
		}
		old := b.endpointList
		b.endpointList = el
		b.latestPendingEndpointList = nil
		old.close()
	}
	// Only set connectivity state if this is the active endpoint list.
	if b.endpointList != el {
		return
	}
	// First matching rule wins:
	// 1) ANY child is READY => policy is READY.
	// 2) ANY child is CONNECTING => policy is CONNECTING.
	// 3) ALL children are TRANSIENT_FAILURE => policy is TRANSIENT_FAILURE.
	switch {
	case el.numReady > 0:
		b.publishState(connectivity.Ready, newPicker(b, el))
	case el.numConnecting > 0:
		b.publishState(connectivity.Connecting, base.NewErrPicker(balancer.ErrNoSubConnAvailable))
	case el.numTransientFailure == len(el.endpoints):
		if statusForTF != nil {
			el.lastFailure = fmt.Errorf("connections to all backends failing; last error: %v", statusForTF)
		}
		el.reportTransientFailure(el.lastFailure)
	}
}

func (el *endpointList) reportTransientFailure(err error) {
	if err == nil {
		err = errors.New("connections to all backends failing")
	}
	el.lastFailure = err
	el.wrr.publishState(connectivity.TransientFailure, base.NewErrPicker(err))
}

func (el *endpointList) exitIdle() {
	if el == nil {
		return
	}
	for _, ep := range el.endpoints {
		ep.sc.Connect()
	}
}

// close orphans the list: OOB listeners are stopped, SubConns shut down and
// weight references released.  Notifications still in flight for this list
// are dropped by onStateUpdate.
func (el *endpointList) close() {
	if el == nil || el.closed {
		return
	}
	el.closed = true
	for _, ep := range el.endpoints {
		if ep.stopORCAListener != nil {
			ep.stopORCAListener()
		}
		ep.sc.Shutdown()
		ep.weight.release()
	}
}

// wrrEndpoint ties one endpoint's SubConn to its shared endpointWeight for
// the lifetime of one list generation.
type wrrEndpoint struct {
	list   *endpointList
	sc     balancer.SubConn
	weight *endpointWeight
	index  int

	state            connectivity.State
	seenInitialState bool
	stopORCAListener func()
}

func newWrrEndpoint(el *endpointList, endpoint resolver.Endpoint) (*wrrEndpoint, error) {
	b := el.wrr
	if len(endpoint.Addresses) == 0 {
		return nil, errors.New("endpoint has no addresses")
	}
	ep := &wrrEndpoint{
		list:   el,
		weight: b.getOrCreateWeight(endpoint.Addresses),
	}
	sc, err := b.cc.NewSubConn(endpoint.Addresses, balancer.NewSubConnOptions{
		StateListener: func(state balancer.SubConnState) { ep.onStateUpdate(state) },
	})
	if err != nil {
		ep.weight.release()
		return nil, err
	}
	ep.sc = sc
	// Start the OOB watch if configured.  Per-call tracking is not installed
	// in that case (see picker.Pick); the two mechanisms never run
	// concurrently for the same endpoint.
	if cfg := b.cfg; cfg.EnableOOBLoadReport {
		ep.stopORCAListener = orca.RegisterOOBListener(sc, &oobWatcher{
			weight:                  ep.weight,
			errorUtilizationPenalty: cfg.ErrorUtilizationPenalty,
		}, orca.OOBListenerOptions{ReportInterval: time.Duration(cfg.OOBReportingPeriod)})
	}
	return ep, nil
}

// picker returns the per-endpoint pick delegate used while the endpoint is
// READY.
func (ep *wrrEndpoint) picker() balancer.Picker {
	return &scPicker{sc: ep.sc}
}

// onStateUpdate handles a connectivity state notification from the
// endpoint's SubConn.
func (ep *wrrEndpoint) onStateUpdate(scs balancer.SubConnState) {
	el := ep.list
	b := el.wrr
	if el.closed {
		// Stale notification for an orphaned list.
		return
	}
	newState := scs.ConnectivityState
	if newState == connectivity.Shutdown {
		return
	}
	if b.logger.V(2) {
		prev := "N/A"
		if ep.seenInitialState {
			prev = ep.state.String()
		}
		b.logger.Infof("connectivity changed for endpoint %d of %d: prev_state=%s new_state=%s (%v)",
			ep.index, len(el.endpoints), prev, newState, scs.ConnectionError)
	}
	switch newState {
	case connectivity.Idle:
		// The connection was lost; request a new one immediately.
		ep.sc.Connect()
	case connectivity.Ready:
		// If we transition back to READY state, restart the blackout period.
		// Skip this if this is the initial notification for this endpoint
		// (which happens whenever we get updated addresses and create a new
		// endpoint list).  Also skip it if the previous state was READY,
		// which should not happen in practice but has been seen from buggy
		// parents.
		//
		// Note that we cannot guarantee that we will never receive lingering
		// callbacks for backend metric reports from the previous connection
		// after the new connection has been established, but they should be
		// masked by new backend metric reports from the new connection by
		// the time the blackout period ends.
		if ep.seenInitialState && ep.state != connectivity.Ready {
			ep.weight.resetNonEmptySince()
		}
	}
	if !ep.seenInitialState || ep.state != newState {
		el.updateStateCounters(ep.state, ep.seenInitialState, newState)
	}
	ep.state = newState
	ep.seenInitialState = true
	el.maybeUpdateAggregatedConnectivityState(scs.ConnectionError)
}

// scPicker routes every pick to a single SubConn.
type scPicker struct {
	sc balancer.SubConn
}

func (p *scPicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	return balancer.PickResult{SubConn: p.sc}, nil
}
