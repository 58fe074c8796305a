/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// lofar-udp-info prints the parsed header and derived session geometry
// of captured CEP packet streams.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/molberg/udpPacketManager/lofar"
	"github.com/molberg/udpPacketManager/transport"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var compressed bool

var rootCmd = &cobra.Command{
	Use:   "lofar-udp-info [file ...]",
	Short: "inspect captured LOFAR CEP packet streams",
	Args:  cobra.MinimumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		if err := run(args); err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	rootCmd.Flags().BoolVarP(&compressed, "zstd", "z", false, "inputs are zstd compressed")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(paths []string) error {
	ttype := transport.Raw
	if compressed {
		ttype = transport.Compressed
	}

	headers := make([][]byte, len(paths))
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"port", "station", "clock", "bit mode", "beamlets", "packet length", "first packet"})
	for i, path := range paths {
		tr, err := transport.Open(transport.Config{Type: ttype, Paths: paths}, i, 0)
		if err != nil {
			return err
		}
		hdr := make([]byte, lofar.HeaderSize)
		err = tr.PeekHeader(hdr)
		tr.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		headers[i] = hdr

		h := lofar.DecodeHeader(hdr)
		if err := h.Validate(); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		clock := "160MHz"
		if h.Source.Clock200MHz() {
			clock = "200MHz"
		}
		table.Append([]string{
			strconv.Itoa(i),
			lofar.StationCode(h.StationID()),
			clock,
			h.BitMode().String(),
			strconv.Itoa(int(h.Beamlets)),
			strconv.Itoa(lofar.HeaderSize + h.BitMode().PayloadLength(int(h.Beamlets))),
			strconv.FormatInt(h.PacketNumber(), 10),
		})
	}
	table.Render()

	geom, err := lofar.ParseHeaders(headers, [2]int{0, 0})
	if err != nil {
		return err
	}
	fmt.Println(geom)
	return nil
}
