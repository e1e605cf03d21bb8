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
	"math"
)

const maxWeight = math.MaxUint16

// Ratio bounds applied to each positive weight relative to the mean of the
// positive weights.  Limiting the spread keeps the stride loop short and
// guarantees every positive weight survives the uint16 quantization with a
// nonzero value.
const (
	maxRatio = 10.0
	minRatio = 0.1
)

// staticStrideScheduler selects backend indexes in proportion to a fixed
// weight vector.  It is immutable after construction; the only mutable state
// is the shared sequence counter supplied by the caller, so picks are
// lock-free and deterministic given the counter values.
type staticStrideScheduler struct {
	weights []uint16
	inc     func() uint32
}

// newStaticStrideScheduler builds a scheduler from weights.  It returns nil
// when fewer than two weights are strictly positive; the caller is expected
// to fall back to plain round robin in that case.  Entries with weight zero
// are never selected.
func newStaticStrideScheduler(weights []float64, inc func() uint32) *staticStrideScheduler {
	n := len(weights)
	numPositive := 0
	sum := float64(0)
	for _, w := range weights {
		if w > 0 {
			numPositive++
			sum += w
		}
	}
	if numPositive < 2 {
		return nil
	}
	mean := sum / float64(numPositive)

	// Clamp the positive weights, then scale so the largest maps to
	// maxWeight.
	clamped := make([]float64, n)
	maxw := float64(0)
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		cw := math.Min(w, mean*maxRatio)
		cw = math.Max(cw, mean*minRatio)
		clamped[i] = cw
		if cw > maxw {
			maxw = cw
		}
	}
	scalingFactor := maxWeight / maxw

	scaled := make([]uint16, n)
	for i, cw := range clamped {
		scaled[i] = uint16(math.Round(scalingFactor * cw))
	}

	return &staticStrideScheduler{weights: scaled, inc: inc}
}

// pick returns the index of the backend to route the next call to.  It uses
// the same stride walk as the grpc-c++ StaticStrideScheduler.
func (s *staticStrideScheduler) pick() int {
	const offset = maxWeight / 2

	for {
		idx := uint64(s.inc())

		// The sequence number (idx) is split in two: the lower %n gives the
		// index of the backend, and the rest gives the number of times we've
		// iterated through all backends.  `generation` is used to
		// deterministically decide whether we pick or skip the backend on
		// this iteration, in proportion to the backend's weight.
		backendIndex := idx % uint64(len(s.weights))
		generation := idx / uint64(len(s.weights))
		weight := uint64(s.weights[backendIndex])

		// We pick a backend `weight` times per `maxWeight` generations.  The
		// multiply and modulus ~evenly spread out the picks for a given
		// backend between different generations.  The offset by
		// `backendIndex` helps to reduce the chance of multiple consecutive
		// non-picks: if we have two consecutive backends with an equal, say,
		// 80% weight of the max, with no offset we would see 1/5 generations
		// that skipped both.
		mod := (weight*generation + backendIndex*offset) % maxWeight

		if mod < maxWeight-weight {
			continue
		}
		return int(backendIndex)
	}
}
