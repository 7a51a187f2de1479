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
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/isdbgo/tsengine/common"
	"github.com/isdbgo/tsengine/common/ts"
)

// pidRole describes what a PID does in the stream, derived from the
// PAT/PMT/CAT walk rather than the packets themselves.
type pidRole struct {
	serviceID uint16
	role      string
}

func describeRoles(pats []ts.ProgramAssociation, pmts map[uint16]ts.ProgramMap, emmPIDs []ts.PID) map[ts.PID]pidRole {
	roles := map[ts.PID]pidRole{
		ts.PIDPAT: {role: "PAT"},
		ts.PIDCAT: {role: "CAT"},
	}
	for _, emm := range emmPIDs {
		roles[emm] = pidRole{role: "EMM"}
	}
	for _, assoc := range pats {
		if assoc.ProgramNumber == 0 {
			roles[assoc.PID] = pidRole{role: "NIT"}
			continue
		}
		roles[assoc.PID] = pidRole{serviceID: assoc.ProgramNumber, role: "PMT"}

		pm, ok := pmts[assoc.ProgramNumber]
		if !ok {
			continue
		}
		roles[pm.PCRPID] = pidRole{serviceID: assoc.ProgramNumber, role: "PCR"}
		for _, es := range pm.Streams {
			roles[es.PID] = pidRole{serviceID: assoc.ProgramNumber, role: es.Type.String()}
		}
		for _, ecm := range pm.ECMPIDs {
			roles[ecm] = pidRole{serviceID: assoc.ProgramNumber, role: "ECM"}
		}
	}
	return roles
}

// scanPIDInfo reads every TS packet in r, accumulating per-PID
// continuity/scrambling stats via ts.ContinuityTracker and collecting
// enough PAT/PMT/CAT sections to describe each PID's role.
func scanPIDInfo(r io.Reader) (map[ts.PID]ts.Stats, map[ts.PID]pidRole, error) {
	tracker := ts.NewContinuityTracker()

	var pats []ts.ProgramAssociation
	pmts := make(map[uint16]ts.ProgramMap)
	var emmPIDs []ts.PID
	seenPAT := false

	buf := make([]byte, common.TSPacketSize)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, nil, err
		}

		pkt, err := ts.Parse(buf)
		if err != nil {
			continue
		}
		tracker.Observe(pkt)

		switch {
		case pkt.PID() == ts.PIDPAT && pkt.PayloadUnitStart() && !seenPAT:
			assocs, err := ts.ParsePAT(ts.SectionPayload(pkt))
			if err == nil {
				pats = assocs
				seenPAT = true
			}
		case pkt.PID() == ts.PIDCAT && pkt.PayloadUnitStart() && len(emmPIDs) == 0:
			emms, err := ts.ParseCAT(ts.SectionPayload(pkt))
			if err == nil {
				emmPIDs = emms
			}
		default:
			for _, assoc := range pats {
				if assoc.ProgramNumber == 0 || assoc.PID != pkt.PID() || !pkt.PayloadUnitStart() {
					continue
				}
				if _, done := pmts[assoc.ProgramNumber]; done {
					continue
				}
				pm, err := ts.ParsePMT(ts.SectionPayload(pkt))
				if err == nil {
					pmts[assoc.ProgramNumber] = pm
				}
			}
		}
	}

	stats := make(map[ts.PID]ts.Stats)
	for _, pid := range tracker.PIDs() {
		stats[pid] = tracker.Stats(pid)
	}
	return stats, describeRoles(pats, pmts, emmPIDs), nil
}

var tsPIDInfoCmd = &cobra.Command{
	Use:   "tspidinfo <file|->",
	Short: "Print per-PID packet, continuity-error, and scrambled counts",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		r := os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to open %s: %v\n", args[0], err)
				os.Exit(1)
			}
			defer f.Close()
			r = f
		}

		stats, roles, err := scanPIDInfo(r)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to scan %s: %v\n", args[0], err)
			os.Exit(1)
		}

		pids := make([]ts.PID, 0, len(stats))
		for pid := range stats {
			if pid == ts.PIDNULL {
				continue
			}
			pids = append(pids, pid)
		}
		sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

		for _, pid := range pids {
			s := stats[pid]
			role, ok := roles[pid]
			desc := "unknown"
			if ok {
				desc = role.role
				if role.serviceID != 0 {
					desc = fmt.Sprintf("%s (service %d)", role.role, role.serviceID)
				}
			}
			fmt.Printf("PID 0x%04X: packets=%d continuityErrors=%d scrambled=%d role=%s\n",
				uint16(pid), s.Packets, s.ContinuityErrs, s.Scrambled, desc)
		}
	},
	Example: "# tsengine tspidinfo capture.ts",
}

func init() {
	rootCmd.AddCommand(tsPIDInfoCmd)
}
