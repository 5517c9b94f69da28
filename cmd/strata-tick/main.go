// Package main implements strata-tick, a small client that triggers a
// lifecycle pass on a running strata server. Useful from cron or during
// operational debugging when waiting for the periodic controller is too slow.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

type tickResponse struct {
	Sealed           []string `json:"sealed"`
	ArchivalsStarted []string `json:"archivals_started"`
	ArchivalsFailed  []string `json:"archivals_failed"`
	Retired          []string `json:"retired"`
	RequestID        string   `json:"request_id"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

func main() {
	var (
		addr    string
		timeout time.Duration
	)

	flag.StringVar(&addr, "addr", "http://localhost:8080", "Address of the strata server")
	flag.DurationVar(&timeout, "timeout", 5*time.Minute, "Request timeout (archivals run within the request)")
	flag.Parse()

	client := &http.Client{Timeout: timeout}

	resp, err := client.Post(addr+"/v1/tick", "application/json", nil)
	if err != nil {
		log.Fatalf("Failed to trigger tick: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			log.Fatalf("Tick failed with status %d", resp.StatusCode)
		}
		log.Fatalf("Tick failed with status %d: %s (%s)", resp.StatusCode, errResp.Error, errResp.Code)
	}

	var result tickResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		log.Fatalf("Failed to decode response: %v", err)
	}

	printPhase("sealed", result.Sealed)
	printPhase("archivals started", result.ArchivalsStarted)
	printPhase("archivals failed", result.ArchivalsFailed)
	printPhase("retired", result.Retired)

	if len(result.ArchivalsFailed) > 0 {
		os.Exit(1)
	}
}

func printPhase(name string, ids []string) {
	if len(ids) == 0 {
		fmt.Printf("%-18s 0\n", name+":")
		return
	}
	fmt.Printf("%-18s %d  %s\n", name+":", len(ids), strings.Join(ids, " "))
}
