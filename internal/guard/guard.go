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

// Package guard recovers panics on worker goroutines (source push
// workers, DataStreamer ticks) so a single malformed stream never
// takes the whole engine down, converting the panic into a log entry
// per the error-handling design's "never propagate across thread
// boundaries" rule.
package guard

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/isdbgo/tsengine/common"
	"github.com/isdbgo/tsengine/logger"
)

var panicTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: common.App,
		Name:      "panic_total",
		Help:      "total number of recovered panics across worker goroutines",
	},
)

var PanicHandlers = []func(any){
	incPanicCounter,
	logPanic,
}

func incPanicCounter(_ any) {
	panicTotal.Inc()
}

func logPanic(r any) {
	const size = 64 << 10
	stacktrace := make([]byte, size)
	stacktrace = stacktrace[:runtime.Stack(stacktrace, false)]
	logger.ErrorAdvise("check the triggering input for malformed data", "observed a panic: %v\n%s", r, stacktrace)
}

// HandleCrash recovers a panic on the calling goroutine and runs the
// registered PanicHandlers. Call via `defer guard.HandleCrash()`.
func HandleCrash() {
	if r := recover(); r != nil {
		for _, fn := range PanicHandlers {
			fn(r)
		}
	}
}

// Go starts f on a new goroutine protected by HandleCrash.
func Go(f func()) {
	go func() {
		defer HandleCrash()
		f()
	}()
}
