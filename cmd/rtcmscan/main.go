// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// rtcmscan reads a raw RTCM3 capture and prints the message types and
// stream statistics found in it. Useful for checking what a caster
// mountpoint actually carries.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/relabs-tech/rtk_bridge/internal/rtcm"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s <capture file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	verbose := flag.Bool("v", false, "print every message as it is found")
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "rtcmscan: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	scanner := rtcm.NewScanner(nil)
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			for _, chunk := range scanner.Push(buf[:n]) {
				if *verbose {
					fmt.Printf("#%d type %d (%d bytes)\n",
						chunk.Seq, chunk.Type, len(chunk.Data))
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "rtcmscan: read: %v\n", err)
			os.Exit(1)
		}
	}

	stats := scanner.Stats()
	fmt.Printf("messages: %d (%d bytes), crc errors: %d\n",
		stats.MessagesSeen, stats.BytesForwarded, stats.CRCErrors)

	types := make([]int, 0, len(stats.PerType))
	for t := range stats.PerType {
		types = append(types, t)
	}
	sort.Ints(types)
	for _, t := range types {
		fmt.Printf("  %4d: %d\n", t, stats.PerType[t])
	}
}
