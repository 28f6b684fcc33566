// Command simulator generates synthetic load against the control-plane API:
// it repeatedly enqueues orchestrator jobs covering small rolling time
// windows, the way the teacher's simulator posted synthetic job submissions
// at a configurable rate, generalized here to this pipeline's enqueue shape.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/healthbridge/extractpipeline/pkg/jobmodel"
)

func main() {
	apiURL := os.Getenv("API_URL")
	if apiURL == "" {
		apiURL = "http://api:8080"
	}
	queueType := envInt("QUEUE_TYPE", 1)
	ratePerSec := envInt("RATE_PER_SEC", 1)
	windowMinutes := envInt("WINDOW_MINUTES", 10)

	interval := time.Second
	if ratePerSec > 0 {
		interval = time.Second / time.Duration(ratePerSec)
	}
	if interval < time.Millisecond {
		interval = time.Millisecond
	}

	ticker := time.NewTicker(interval)
	var sequence int64
	for range ticker.C {
		sequence++
		submitTrigger(apiURL, queueType, sequence, windowMinutes)
	}
}

func submitTrigger(apiURL string, queueType int, sequence int64, windowMinutes int) {
	end := time.Now().UTC()
	start := end.Add(-time.Duration(windowMinutes) * time.Minute)

	input := jobmodel.OrchestratorJobInputData{
		TriggerSequenceID: sequence,
		DataStartTime:     start,
		DataEndTime:        end,
		Since:              start,
		FilterScope:        jobmodel.FilterScopeSystem,
		ResourceTypes:      []string{"Patient"},
	}
	definition, err := json.Marshal(input)
	if err != nil {
		log.Printf("marshal trigger input: %v", err)
		return
	}

	body, _ := json.Marshal(map[string]any{
		"groupId":     sequence,
		"definitions": [][]byte{definition},
	})

	url := fmt.Sprintf("%s/v1/jobs/%d", apiURL, queueType)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("failed to submit trigger: %v", err)
		return
	}
	defer resp.Body.Close()
	log.Printf("submitted trigger sequence=%d status=%d", sequence, resp.StatusCode)
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
