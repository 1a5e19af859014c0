// Command stress drives the example server with a mix of quick tasks and
// occasional long stalls so the watchdog has something to report.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/chosenoffset/freezewatch/freezewatch-example/internal/dispatch"
)

var stallKinds = []string{"sleep", "spin", "lock", "channel"}

func main() {
	client := &http.Client{Timeout: 5 * time.Second}
	baseURL := "http://localhost:8080"
	ctx := context.Background()

	for {
		if rand.Intn(10) < 8 {
			// Quick task, keeps the Apdex honest.
			submitTask(ctx, client, baseURL, "sleep", rand.Intn(50))
		} else {
			kind := stallKinds[rand.Intn(len(stallKinds))]
			durationMs := 4000 + rand.Intn(4000)
			log.Printf("Submitting %s stall of %dms", kind, durationMs)
			submitTask(ctx, client, baseURL, kind, durationMs)
		}

		time.Sleep(200 * time.Millisecond)
	}
}

func submitTask(ctx context.Context, client *http.Client, baseURL, kind string, durationMs int) {
	body, err := json.Marshal(dispatch.TaskRequest{Kind: kind, DurationMs: durationMs})
	if err != nil {
		log.Printf("Failed to encode task: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", baseURL+"/task", bytes.NewReader(body))
	if err != nil {
		log.Printf("Failed to build request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		log.Printf("Task submit failed: %v", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		log.Printf("Task rejected with status %d", resp.StatusCode)
	}
}
