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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/resolver"

	"github.com/dws/weightedroundrobin/internal/clocktest"
)

const (
	testBlackout   = 10 * time.Second
	testExpiration = 3 * time.Minute
)

func newTestWeight(fc clocktest.FakeClock) *endpointWeight {
	return &endpointWeight{key: "test", clock: fc, refs: 1}
}

func TestWeightDerivation(t *testing.T) {
	fc := clocktest.NewFakeClock()
	w := newTestWeight(fc)

	w.maybeUpdateWeight(100, 0, 0.5, 1)
	got, notYetUsable, stale := w.weight(fc.Now(), testExpiration, 0)
	require.False(t, notYetUsable)
	require.False(t, stale)
	require.InDelta(t, 200.0, got, 1e-9)

	// eps applies a penalty of eps/qps*errorUtilizationPenalty.
	w.maybeUpdateWeight(100, 10, 0.5, 2)
	got, _, _ = w.weight(fc.Now(), testExpiration, 0)
	require.InDelta(t, 100/(0.5+0.2), got, 1e-9)

	// A zero penalty config ignores eps.
	w.maybeUpdateWeight(100, 10, 0.5, 0)
	got, _, _ = w.weight(fc.Now(), testExpiration, 0)
	require.InDelta(t, 200.0, got, 1e-9)
}

func TestWeightUtilizationFallsBackToCPU(t *testing.T) {
	fc := clocktest.NewFakeClock()
	w := newTestWeight(fc)

	// The caller resolves utilization: application utilization wins when
	// strictly positive, else CPU utilization.
	ow := &oobWatcher{weight: w, errorUtilizationPenalty: 1}
	ow.OnLoadReport(orcaLoad(100, 0, 0, 0.25))
	got, _, _ := w.weight(fc.Now(), testExpiration, 0)
	require.InDelta(t, 400.0, got, 1e-9)

	ow.OnLoadReport(orcaLoad(100, 0, 0.5, 0.25))
	got, _, _ = w.weight(fc.Now(), testExpiration, 0)
	require.InDelta(t, 200.0, got, 1e-9)
}

func TestWeightZeroReportIsNoOp(t *testing.T) {
	fc := clocktest.NewFakeClock()
	w := newTestWeight(fc)

	w.maybeUpdateWeight(100, 0, 0.5, 1)
	wantUpdated := w.lastUpdated
	wantNonEmpty := w.nonEmptySince

	fc.Advance(time.Second)
	w.maybeUpdateWeight(0, 0, 0.5, 1) // no qps
	w.maybeUpdateWeight(100, 0, 0, 1) // no utilization

	require.Equal(t, wantUpdated, w.lastUpdated, "zero report must not refresh lastUpdated")
	require.Equal(t, wantNonEmpty, w.nonEmptySince, "zero report must not touch nonEmptySince")
	got, _, _ := w.weight(fc.Now(), testExpiration, 0)
	require.InDelta(t, 200.0, got, 1e-9)
}

func TestWeightBlackout(t *testing.T) {
	fc := clocktest.NewFakeClock()
	w := newTestWeight(fc)
	start := fc.Now()

	w.maybeUpdateWeight(100, 0, 0.5, 1)

	// Within the blackout period the weight reads as zero and counts as not
	// yet usable.
	got, notYetUsable, stale := w.weight(start.Add(5*time.Second), testExpiration, testBlackout)
	require.Zero(t, got)
	require.True(t, notYetUsable)
	require.False(t, stale)

	// After the blackout elapses the computed weight is visible.
	got, notYetUsable, stale = w.weight(start.Add(15*time.Second), testExpiration, testBlackout)
	require.InDelta(t, 200.0, got, 1e-9)
	require.False(t, notYetUsable)
	require.False(t, stale)
}

func TestWeightZeroBlackoutImmediatelyUsable(t *testing.T) {
	fc := clocktest.NewFakeClock()
	w := newTestWeight(fc)

	w.maybeUpdateWeight(100, 0, 0.5, 1)
	got, notYetUsable, _ := w.weight(fc.Now(), testExpiration, 0)
	require.InDelta(t, 200.0, got, 1e-9)
	require.False(t, notYetUsable)
}

func TestWeightNoReportNotYetUsable(t *testing.T) {
	fc := clocktest.NewFakeClock()
	w := newTestWeight(fc)

	got, notYetUsable, stale := w.weight(fc.Now(), testExpiration, testBlackout)
	require.Zero(t, got)
	require.True(t, notYetUsable)
	require.False(t, stale)
}

func TestWeightExpiration(t *testing.T) {
	fc := clocktest.NewFakeClock()
	w := newTestWeight(fc)
	start := fc.Now()

	w.maybeUpdateWeight(100, 0, 2, 1) // weight 50

	// Reports stop.  Just past the expiration period the weight is stale and
	// nonEmptySince is reset so a future resumption re-applies the blackout.
	at := start.Add(testExpiration + time.Second)
	got, notYetUsable, stale := w.weight(at, testExpiration, testBlackout)
	require.Zero(t, got)
	require.False(t, notYetUsable)
	require.True(t, stale)
	require.True(t, w.nonEmptySince.IsZero())

	// Reports resume: the blackout applies anew.
	fc.Advance(testExpiration + 2*time.Second)
	w.maybeUpdateWeight(100, 0, 2, 1)
	got, notYetUsable, _ = w.weight(fc.Now().Add(5*time.Second), testExpiration, testBlackout)
	require.Zero(t, got)
	require.True(t, notYetUsable)
	got, _, _ = w.weight(fc.Now().Add(testBlackout), testExpiration, testBlackout)
	require.InDelta(t, 50.0, got, 1e-9)
}

func TestWeightResetNonEmptySince(t *testing.T) {
	fc := clocktest.NewFakeClock()
	w := newTestWeight(fc)
	start := fc.Now()

	w.maybeUpdateWeight(100, 0, 0.5, 1)
	got, _, _ := w.weight(start.Add(testBlackout), testExpiration, testBlackout)
	require.InDelta(t, 200.0, got, 1e-9)

	// Simulates a reconnect: the blackout applies again even though reports
	// continued.
	w.resetNonEmptySince()
	got, notYetUsable, _ := w.weight(start.Add(testBlackout), testExpiration, testBlackout)
	require.Zero(t, got)
	require.True(t, notYetUsable)
}

func newTestStoreBalancer(fc clocktest.FakeClock) *wrrBalancer {
	return &wrrBalancer{
		clock:       fc,
		weightStore: make(map[string]*endpointWeight),
	}
}

func addrs(as ...string) []resolver.Address {
	out := make([]resolver.Address, len(as))
	for i, a := range as {
		out[i] = resolver.Address{Addr: a}
	}
	return out
}

func TestWeightStoreDeduplicates(t *testing.T) {
	fc := clocktest.NewFakeClock()
	b := newTestStoreBalancer(fc)

	w1 := b.getOrCreateWeight(addrs("a:1", "b:2"))
	// Address order does not matter: the key is the unordered set.
	w2 := b.getOrCreateWeight(addrs("b:2", "a:1"))
	require.Same(t, w1, w2)
	require.Len(t, b.weightStore, 1)

	w3 := b.getOrCreateWeight(addrs("c:3"))
	require.NotSame(t, w1, w3)
	require.Len(t, b.weightStore, 2)
}

func TestWeightStoreEntryRemovedOnLastRelease(t *testing.T) {
	fc := clocktest.NewFakeClock()
	b := newTestStoreBalancer(fc)

	w1 := b.getOrCreateWeight(addrs("a:1"))
	w2 := b.getOrCreateWeight(addrs("a:1"))
	require.Same(t, w1, w2)

	w1.release()
	require.Len(t, b.weightStore, 1, "entry must survive while references remain")
	w2.release()
	require.Empty(t, b.weightStore)

	// A new lookup creates a fresh instance.
	w3 := b.getOrCreateWeight(addrs("a:1"))
	require.NotSame(t, w1, w3)
}

func TestWeightStoreIdentityRace(t *testing.T) {
	fc := clocktest.NewFakeClock()
	b := newTestStoreBalancer(fc)

	w1 := b.getOrCreateWeight(addrs("a:1"))

	// Simulate the race in which w1's last reference has been dropped but
	// its conditional erase has not yet run when a successor is requested.
	w1.refs = 0
	w2 := b.getOrCreateWeight(addrs("a:1"))
	require.NotSame(t, w1, w2, "a dying instance must not be revived")

	// The delayed erase must not remove the successor's entry.
	w1.refs = 1
	w1.release()
	require.Same(t, w2, b.weightStore["a:1"])
}
