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

// Package weightedroundrobin provides the weighted_round_robin LB policy,
// which routes RPCs to backends in proportion to load signals (QPS, errors
// and utilization) reported by the backends themselves, either out-of-band or
// on call completion.
//
// Importing this package registers the policy with gRPC under the name
// "weighted_round_robin".
//
// It also exports the attribute API used to attach a static weight to an
// individual address for consumption by weighted-target style parents.
package weightedroundrobin

import (
	"fmt"

	"google.golang.org/grpc/attributes"
	"google.golang.org/grpc/resolver"
)

// attributeKey is the type used as the key to store AddrInfo in the
// BalancerAttributes field of resolver.Address.
type attributeKey struct{}

// AddrInfo carries a static per-address weight in the BalancerAttributes
// field of Address.  The weighted_round_robin policy itself does not read it.
type AddrInfo struct {
	Weight uint32
}

// Equal allows the values to be compared by Attributes.Equal.
func (a AddrInfo) Equal(o any) bool {
	oa, ok := o.(AddrInfo)
	return ok && oa.Weight == a.Weight
}

// SetAddrInfo returns a copy of addr in which the BalancerAttributes field is
// updated with addrInfo.
func SetAddrInfo(addr resolver.Address, addrInfo AddrInfo) resolver.Address {
	addr.BalancerAttributes = addr.BalancerAttributes.WithValue(attributeKey{}, addrInfo)
	return addr
}

// AddrInfoFromAddr returns the AddrInfo stored in the BalancerAttributes
// field of addr.  Returns the zero value if not present.
func AddrInfoFromAddr(addr resolver.Address) AddrInfo {
	return addrInfoFromAttributes(addr.BalancerAttributes)
}

func addrInfoFromAttributes(attrs *attributes.Attributes) AddrInfo {
	if attrs == nil {
		return AddrInfo{}
	}
	v := attrs.Value(attributeKey{})
	ai, _ := v.(AddrInfo)
	return ai
}

func (a AddrInfo) String() string {
	return fmt.Sprintf("Weight: %d", a.Weight)
}

// localityKey is the key of the locality attribute on resolver state, set by
// weighted-target style parents for their children.
type localityKey struct{}

// SetLocality returns a copy of state with the given locality name attached.
// The policy reports it as the value of the "grpc.lb.locality" telemetry
// label.
func SetLocality(state resolver.State, locality string) resolver.State {
	state.Attributes = state.Attributes.WithValue(localityKey{}, locality)
	return state
}

// LocalityFromResolverState returns the locality attached to state by
// SetLocality, or the empty string.
func LocalityFromResolverState(state resolver.State) string {
	locality, _ := state.Attributes.Value(localityKey{}).(string)
	return locality
}
