package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ILLUVRSE/docflow/internal/audit"
)

// Verifies an exported audit stream, e.g. the body of GET /v1/requests/{id}/events.
func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: docflow-auditverify <events.json> <public-key-b64>\n")
		os.Exit(1)
	}

	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading file: %v\n", err)
		os.Exit(1)
	}
	pub, err := base64.StdEncoding.DecodeString(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding public key: %v\n", err)
		os.Exit(1)
	}

	var export struct {
		Events []audit.Event `json:"events"`
	}
	if err := json.Unmarshal(data, &export); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing JSON: %v\n", err)
		os.Exit(1)
	}
	if len(export.Events) == 0 {
		fmt.Fprintf(os.Stderr, "No events found\n")
		os.Exit(1)
	}

	if err := audit.VerifyStream(export.Events, pub); err != nil {
		fmt.Fprintf(os.Stderr, "Chain invalid: %v\n", err)
		os.Exit(2)
	}
	last := export.Events[len(export.Events)-1]
	fmt.Printf("ok: stream %s, %d events, head %s\n", last.StreamID, len(export.Events), last.Hash)
}
