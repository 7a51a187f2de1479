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

// Package cmd holds the tsengine command-line surface: a root cobra
// command plus one subcommand per entry point (agent, epgdatatojson,
// tspidinfo, tslogoextract, ifaces).
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/isdbgo/tsengine/common"
)

var rootCmd = &cobra.Command{
	Use:   "tsengine",
	Short: "ISDB/MPEG-2 transport stream processing engine",
	Long:  "tsengine captures, demultiplexes, and records ISDB transport streams.",
}

func init() {
	info := common.GetBuildInfo()
	rootCmd.Version = fmt.Sprintf("%s (git: %s, built: %s)", info.Version, info.GitHash, info.Time)
}

// Execute runs the root command; main is the only caller.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
