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

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/isdbgo/tsengine/epg"
)

var jstOffset = time.FixedZone("JST", 9*3600)

type extendedTextJSON struct {
	Description string `json:"description"`
	Text        string `json:"text"`
}

type eventJSON struct {
	EventID         uint16               `json:"eventId"`
	EventName       string               `json:"eventName"`
	EventText       string               `json:"eventText"`
	ExtendedText    []extendedTextJSON   `json:"extendedText"`
	StartTime       string               `json:"startTime"`
	Duration        uint32               `json:"duration"`
	FreeCaMode      bool                 `json:"freeCaMode"`
	VideoList       []epg.VideoComponent `json:"videoList"`
	AudioList       []epg.AudioComponent `json:"audioList"`
	ContentNibble   []epg.GenrePair      `json:"contentNibble"`
	EventGroup      []epg.EventGroup     `json:"eventGroup"`
	CommonServiceID *uint16              `json:"commonServiceId,omitempty"`
	CommonEventID   *uint16              `json:"commonEventId,omitempty"`
}

type serviceJSON struct {
	ServiceID         uint16      `json:"serviceId"`
	NetworkID         uint16      `json:"networkId"`
	TransportStreamID uint16      `json:"transportStreamId"`
	EventList         []eventJSON `json:"eventList"`
}

type epgJSON struct {
	ServiceList []serviceJSON `json:"serviceList"`
}

func startTimeISO8601(dt epg.DateTime) string {
	t := time.Date(int(dt.Year), time.Month(dt.Month), int(dt.Day),
		int(dt.Hour), int(dt.Minute), int(dt.Second), 0, jstOffset)
	return t.Format("2006-01-02T15:04:05-07:00")
}

func toEventJSON(ev *epg.Event) eventJSON {
	ext := make([]extendedTextJSON, 0, len(ev.ExtendedText))
	for _, item := range ev.ExtendedText {
		ext = append(ext, extendedTextJSON{Description: item.Description, Text: item.Text})
	}

	out := eventJSON{
		EventID:       ev.EventID,
		EventName:     ev.Name,
		EventText:     ev.Text,
		ExtendedText:  ext,
		StartTime:     startTimeISO8601(ev.StartTime),
		Duration:      ev.Duration,
		FreeCaMode:    ev.FreeCA(),
		VideoList:     ev.Video,
		AudioList:     ev.Audio,
		ContentNibble: ev.Genres,
		EventGroup:    ev.Groups,
	}
	if ev.IsCommonReference {
		out.CommonServiceID = &ev.CommonServiceID
		out.CommonEventID = &ev.CommonEventID
	}
	return out
}

var epgDataToJSONCmd = &cobra.Command{
	Use:   "epgdatatojson <file>",
	Short: "Dump an EPG database file as JSON",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		f, err := os.Open(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open %s: %v\n", args[0], err)
			os.Exit(1)
		}
		defer f.Close()

		db, err := epg.Load(f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", args[0], err)
			os.Exit(1)
		}

		out := epgJSON{ServiceList: make([]serviceJSON, 0, len(db.Services))}
		for _, svc := range db.Services {
			sj := serviceJSON{
				ServiceID:         svc.ServiceID,
				NetworkID:         svc.NetworkID,
				TransportStreamID: svc.TransportStreamID,
				EventList:         make([]eventJSON, 0, len(svc.Events)),
			}
			for _, ev := range svc.Events {
				sj.EventList = append(sj.EventList, toEventJSON(ev))
			}
			out.ServiceList = append(out.ServiceList, sj)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(os.Stderr, "failed to encode json: %v\n", err)
			os.Exit(1)
		}
	},
	Example: "# tsengine epgdatatojson epg.db > epg.json",
}

func init() {
	rootCmd.AddCommand(epgDataToJSONCmd)
}
