package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"aiminigames/sessionsync/internal/game"
	"aiminigames/sessionsync/tools/archive_player"
)

func main() {
	path := flag.String("path", "", "Path to a session bundle or its manifest.json")
	settings := flag.String("settings", "", "Game settings used when the session was created")
	verify := flag.Bool("verify", false, "Rebuild the final state from history and compare it with the archive")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "path flag is required")
		os.Exit(1)
	}

	timeline, err := archiveplayer.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	if *verify {
		rebuilt, err := archiveplayer.Rebuild(timeline, game.NewRegistry(), json.RawMessage(*settings))
		if err != nil {
			fmt.Fprintln(os.Stderr, "rebuild error:", err)
			os.Exit(3)
		}
		if !sameJSON(rebuilt, timeline.Final) {
			fmt.Fprintf(os.Stderr, "mismatch: rebuilt %s, archived %s\n", rebuilt, timeline.Final)
			os.Exit(4)
		}
	}

	//1.- Render the timeline as JSON so callers can pipe the output elsewhere.
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(timeline); err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
}

func sameJSON(a, b []byte) bool {
	var left, right bytes.Buffer
	if json.Compact(&left, a) != nil || json.Compact(&right, b) != nil {
		return false
	}
	return bytes.Equal(left.Bytes(), right.Bytes())
}
