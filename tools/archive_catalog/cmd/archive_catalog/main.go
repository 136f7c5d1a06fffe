package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"aiminigames/sessionsync/tools/archive_catalog"
)

func main() {
	root := flag.String("dir", ".", "archive root containing session bundles")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	flag.Parse()

	entries, err := archivecatalog.List(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *jsonFlag {
		payload, err := archivecatalog.MarshalEntries(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	for _, entry := range entries {
		fmt.Printf("%s (%s, %s)\n", entry.Manifest.SessionID, entry.GameType, entry.Outcome)
		fmt.Printf("  ended: %s after %dms\n", entry.EndedAt.Format(time.RFC3339), entry.DurationMS)
		fmt.Printf("  revision: %d (%d in history)\n", entry.Manifest.Revision, entry.Manifest.Entries)
		if len(entry.Participants) > 0 {
			fmt.Printf("  participants: %s\n", strings.Join(entry.Participants, ", "))
		}
		fmt.Printf("  bundle: %s\n", entry.BundlePath)
	}
}
