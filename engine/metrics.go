// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/isdbgo/tsengine/common"
	"github.com/isdbgo/tsengine/common/ts"
)

var (
	uptime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: common.App,
		Name:      "uptime",
		Help:      "Seconds since the engine started.",
	})

	buildInfo = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.App,
		Name:      "build_info",
		Help:      "Build metadata, value is meaningless, labels carry the information.",
	}, []string{"version", "git_hash", "build_time"})

	packetsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: common.App,
		Name:      "packets_processed_total",
		Help:      "Transport stream packets handed from the source to the recorder.",
	})

	continuityErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.App,
		Name:      "continuity_errors_total",
		Help:      "Continuity counter discontinuities observed per PID.",
	}, []string{"pid"})

	scrambledPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.App,
		Name:      "scrambled_packets_total",
		Help:      "Packets observed with a non-zero scrambling control field, per PID.",
	}, []string{"pid"})
)

func pidLabel(pid ts.PID) string {
	return strconv.FormatUint(uint64(pid), 10)
}
