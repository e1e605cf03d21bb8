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

// Package clocktest adapts the clockwork fake clock to the clock.Clock
// interface.  Compatibility between Go interfaces is shallow: the Clock
// methods returning Timer compare their result types nominally, so the
// clockwork methods returning clockwork.Timer must be re-boxed to return
// clock.Timer.
package clocktest

import (
	"time"

	"github.com/dws/weightedroundrobin/internal/clock"
	"github.com/jonboulle/clockwork"
)

// FakeClock is a clock.Clock that can be manually advanced through time.
type FakeClock interface {
	clock.Clock
	Advance(d time.Duration)
	BlockUntil(waiters int)
}

// NewFakeClock creates a new FakeClock using clockwork.
func NewFakeClock() FakeClock {
	return fakeClock{clockwork.NewFakeClock()}
}

// NewFakeClockAt creates a new FakeClock set to the given time.
func NewFakeClockAt(t time.Time) FakeClock {
	return fakeClock{clockwork.NewFakeClockAt(t)}
}

type fakeClock struct {
	clockwork.FakeClock
}

var _ FakeClock = fakeClock{}

func (f fakeClock) AfterFunc(d time.Duration, fn func()) clock.Timer {
	return f.FakeClock.AfterFunc(d, fn)
}

func (f fakeClock) NewTimer(d time.Duration) clock.Timer {
	return f.FakeClock.NewTimer(d)
}
