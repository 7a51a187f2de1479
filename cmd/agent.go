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

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/isdbgo/tsengine/common"
	"github.com/isdbgo/tsengine/confengine"
	"github.com/isdbgo/tsengine/engine"
	"github.com/isdbgo/tsengine/graph/source/netsource"
	"github.com/isdbgo/tsengine/internal/sigs"
	"github.com/isdbgo/tsengine/logger"
)

var agentConfig struct {
	configPath string

	iface     string
	pcapFile  string
	bpfFilter string
	rtp       bool
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the engine as a long-lived capture/record agent",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := confengine.LoadConfigPath(agentConfig.configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}

		medium := netsource.New(netsource.Config{
			Iface:          agentConfig.iface,
			PcapFile:       agentConfig.pcapFile,
			BPFFilter:      agentConfig.bpfFilter,
			Promisc:        true,
			RTPDepacketize: agentConfig.rtp,
		})

		eng, err := engine.New(cfg, medium, common.GetBuildInfo())
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create engine: %v\n"+
				"Note: live capture may require root privileges (try running with 'sudo')", err)
			os.Exit(1)
		}
		if err := eng.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start engine: %v\n", err)
			os.Exit(1)
		}

		var reloadTotal int
		for {
			select {
			case <-sigs.Terminate():
				eng.Stop()
				return

			case <-sigs.Reload():
				reloadTotal++

				cfg, err := confengine.LoadConfigPath(agentConfig.configPath)
				if err != nil {
					fmt.Fprintf(os.Stderr, "failed to load config (count=%d): %v\n", reloadTotal, err)
					continue
				}

				start := time.Now()
				if err := eng.Reload(cfg); err != nil {
					logger.Errorf("failed to reload config: %v", err)
				}
				logger.Infof("reload (count=%d) take %s", reloadTotal, time.Since(start))
			}
		}
	},
	Example: "# tsengine agent --config tsengine.yaml --iface eth0",
}

func init() {
	agentCmd.Flags().StringVar(&agentConfig.configPath, "config", "tsengine.yaml", "Configuration file path")
	agentCmd.Flags().StringVar(&agentConfig.iface, "iface", "", "Network interface to capture from")
	agentCmd.Flags().StringVar(&agentConfig.pcapFile, "pcap.file", "", "Path to a pcap file to replay instead of a live interface")
	agentCmd.Flags().StringVar(&agentConfig.bpfFilter, "bpf", "udp", "BPF capture filter")
	agentCmd.Flags().BoolVar(&agentConfig.rtp, "rtp", false, "Strip a leading RTP header from each captured datagram")
	rootCmd.AddCommand(agentCmd)
}
