// Command loadtest drives a running order-execution-engine server with
// concurrent submissions and status polling, and reports latency
// percentiles per endpoint. Adapted from the teacher's
// cmd/simulation's routeStats/simulationClient shape onto this
// system's two real endpoints, dropping the auth/clearing/settlement
// steps that no longer exist.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minOrders     = 15
	maxOrders     = 150
	numWorkers    = 5
	pollInterval  = 200 * time.Millisecond
	pollTimeout   = 15 * time.Second
	defaultServer = "http://localhost:8080"
)

var (
	tokens = []string{"BTC", "ETH", "SOL", "USDC", "AVAX"}
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks per-endpoint latency, grounded on the teacher's
// simulation routeStats.
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
	mu         sync.Mutex
}

func (rs *routeStats) addDuration(d time.Duration, ok bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if !ok {
		rs.failures++
	}
}

func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return
	}
	sort.Slice(rs.durations, func(i, j int) bool { return rs.durations[i] < rs.durations[j] })
	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]
	p95 = rs.durations[int(math.Ceil(float64(len(rs.durations))*0.95))-1]
	p99 = rs.durations[int(math.Ceil(float64(len(rs.durations))*0.99))-1]
	return
}

type client struct {
	baseURL string
	http    *http.Client
	stats   map[string]*routeStats
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"execute": {name: "POST /orders/execute"},
			"get":     {name: "GET /orders/:id"},
		},
	}
}

type executeRequest struct {
	Type     string `json:"type"`
	TokenIn  string `json:"tokenIn"`
	TokenOut string `json:"tokenOut"`
	Amount   string `json:"amount"`
	Slippage string `json:"slippage"`
}

func randomRequest() executeRequest {
	in, out := tokens[rand.Intn(len(tokens))], tokens[rand.Intn(len(tokens))]
	for out == in {
		out = tokens[rand.Intn(len(tokens))]
	}
	return executeRequest{
		Type:     "market",
		TokenIn:  in,
		TokenOut: out,
		Amount:   fmt.Sprintf("%.4f", 1+rand.Float64()*100),
		Slippage: "0.01",
	}
}

func (c *client) execute(req executeRequest) (orderID string, err error) {
	start := time.Now()
	ok := false
	defer func() { c.stats["execute"].addDuration(time.Since(start), ok) }()

	body, _ := json.Marshal(req)
	httpReq, err := http.NewRequest("POST", c.baseURL+"/orders/execute", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	var result struct {
		Success bool   `json:"success"`
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decode execute response: %w, body=%s", err, respBody)
	}
	if !result.Success || result.OrderID == "" {
		return "", fmt.Errorf("execute failed: %s", respBody)
	}
	ok = true
	return result.OrderID, nil
}

func (c *client) getOrder(orderID string) (status string, err error) {
	start := time.Now()
	ok := false
	defer func() { c.stats["get"].addDuration(time.Since(start), ok) }()

	resp, err := c.http.Get(c.baseURL + "/orders/" + orderID)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decode get response: %w, body=%s", err, respBody)
	}
	ok = true
	return result.Data.Status, nil
}

func (c *client) pollUntilTerminal(orderID string) string {
	deadline := time.Now().Add(pollTimeout)
	for time.Now().Before(deadline) {
		status, err := c.getOrder(orderID)
		if err == nil && (status == "confirmed" || status == "failed") {
			return status
		}
		time.Sleep(pollInterval)
	}
	return "timeout"
}

func (c *client) printStats() {
	fmt.Println()
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-24s %8s %8s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))
	for _, s := range c.stats {
		min, max, mean, median, p95, p99 := s.calculate()
		fmt.Printf("%-24s %8d %8d %10s %10s %10s %10s %10s %10s\n",
			s.name, s.totalCalls, s.failures,
			min.Round(time.Millisecond), max.Round(time.Millisecond),
			mean.Round(time.Millisecond), median.Round(time.Millisecond),
			p95.Round(time.Millisecond), p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

func main() {
	baseURL := defaultServer
	if v := os.Getenv("LOADTEST_SERVER"); v != "" {
		baseURL = v
	}
	c := newClient(baseURL)

	target := minOrders + rand.Intn(maxOrders-minOrders)
	log.Info().Int("target_orders", target).Str("server", baseURL).Msg("starting load test")

	orderIDs := make(chan string, target)
	var wg sync.WaitGroup
	perWorker := target / numWorkers

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				req := randomRequest()
				id, err := c.execute(req)
				if err != nil {
					log.Error().Err(err).Int("worker", workerID).Msg("execute failed")
					continue
				}
				orderIDs <- id
				time.Sleep(time.Duration(rand.Intn(300)) * time.Millisecond)
			}
		}(w)
	}
	wg.Wait()
	close(orderIDs)

	var ids []string
	for id := range orderIDs {
		ids = append(ids, id)
	}
	log.Info().Int("orders_created", len(ids)).Msg("all orders submitted, polling for terminal status")

	var confirmed, failed, timedOut int
	var pollWg sync.WaitGroup
	var mu sync.Mutex
	for _, id := range ids {
		pollWg.Add(1)
		go func(orderID string) {
			defer pollWg.Done()
			outcome := c.pollUntilTerminal(orderID)
			mu.Lock()
			switch outcome {
			case "confirmed":
				confirmed++
			case "failed":
				failed++
			default:
				timedOut++
			}
			mu.Unlock()
		}(id)
	}
	pollWg.Wait()

	log.Info().
		Int("total", len(ids)).
		Int("confirmed", confirmed).
		Int("failed", failed).
		Int("timed_out", timedOut).
		Msg("load test complete")

	c.printStats()
}
