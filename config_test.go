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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	iserviceconfig "github.com/dws/weightedroundrobin/internal/serviceconfig"
)

func parseConfig(t *testing.T, js string) *lbConfig {
	t.Helper()
	cfg, err := bb{}.ParseConfig(json.RawMessage(js))
	require.NoError(t, err)
	return cfg.(*lbConfig)
}

func TestParseConfigDefaults(t *testing.T) {
	got := parseConfig(t, `{}`)
	want := &lbConfig{
		EnableOOBLoadReport:     false,
		OOBReportingPeriod:      0, // zeroed because OOB reporting is off
		BlackoutPeriod:          iserviceconfig.Duration(10 * time.Second),
		WeightExpirationPeriod:  iserviceconfig.Duration(3 * time.Minute),
		WeightUpdatePeriod:      iserviceconfig.Duration(time.Second),
		ErrorUtilizationPenalty: 1,
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(lbConfig{}, "LoadBalancingConfig")); diff != "" {
		t.Fatalf("unexpected config (-want +got):\n%s", diff)
	}
}

func TestParseConfigFields(t *testing.T) {
	got := parseConfig(t, `{
		"enableOobLoadReport": true,
		"oobReportingPeriod": "0.5s",
		"blackoutPeriod": "1.5s",
		"weightExpirationPeriod": "60s",
		"weightUpdatePeriod": "2s",
		"errorUtilizationPenalty": 1.5
	}`)
	require.True(t, got.EnableOOBLoadReport)
	require.Equal(t, iserviceconfig.Duration(500*time.Millisecond), got.OOBReportingPeriod)
	require.Equal(t, iserviceconfig.Duration(1500*time.Millisecond), got.BlackoutPeriod)
	require.Equal(t, iserviceconfig.Duration(time.Minute), got.WeightExpirationPeriod)
	require.Equal(t, iserviceconfig.Duration(2*time.Second), got.WeightUpdatePeriod)
	require.Equal(t, 1.5, got.ErrorUtilizationPenalty)
}

func TestParseConfigOOBPeriodZeroedWhenDisabled(t *testing.T) {
	got := parseConfig(t, `{"oobReportingPeriod": "20s"}`)
	require.Zero(t, got.OOBReportingPeriod)
}

func TestParseConfigWeightUpdatePeriodLowerBound(t *testing.T) {
	got := parseConfig(t, `{"weightUpdatePeriod": "0.050s"}`)
	require.Equal(t, iserviceconfig.Duration(100*time.Millisecond), got.WeightUpdatePeriod)
}

func TestParseConfigNegativePenaltyRejected(t *testing.T) {
	_, err := bb{}.ParseConfig(json.RawMessage(`{"errorUtilizationPenalty": -1}`))
	require.ErrorContains(t, err, "errorUtilizationPenalty must be non-negative")
}

func TestParseConfigMalformed(t *testing.T) {
	_, err := bb{}.ParseConfig(json.RawMessage(`{"blackoutPeriod": "ten seconds"}`))
	require.Error(t, err)
	_, err = bb{}.ParseConfig(json.RawMessage(`not json`))
	require.Error(t, err)
}
