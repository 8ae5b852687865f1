package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	seedFile    string
	replayRate  float64
)

// Metrics
var (
	totalRequests uint64
	created201    uint64
	replay200     uint64
	accepted      uint64
	fail409       uint64 // Conflicts (lost accept/reject races)
	fail422       uint64 // Insufficient balance
	failOther     uint64
)

type seed struct {
	Accounts    []string `json:"accounts"`
	Restaurants []string `json:"restaurants"`
}

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.StringVar(&seedFile, "seed", "seed.json", "Ids written by cmd/seeder")
	flag.Float64Var(&replayRate, "replay", 0.1, "Fraction of orders resent with the same Idempotency-Key")
}

func main() {
	flag.Parse()

	raw, err := os.ReadFile(seedFile)
	if err != nil {
		log.Fatalf("Unable to read seed file: %v", err)
	}
	var s seed
	if err := json.Unmarshal(raw, &s); err != nil || len(s.Accounts) < 2 || len(s.Restaurants) == 0 {
		log.Fatalf("Seed file %s is not usable", seedFile)
	}

	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, s)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func post(client *http.Client, path string, payload any, key string) (int, []byte) {
	var body []byte
	if payload != nil {
		body, _ = json.Marshal(payload)
	}
	req, _ := http.NewRequest("POST", targetURL+path, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes()
}

func count(code int) {
	atomic.AddUint64(&totalRequests, 1)
	switch code {
	case 201:
		atomic.AddUint64(&created201, 1)
	case 200:
		atomic.AddUint64(&replay200, 1)
	case 409:
		atomic.AddUint64(&fail409, 1)
	case 422:
		atomic.AddUint64(&fail422, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
}

func worker(wg *sync.WaitGroup, start time.Time, s seed) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		account, restaurant := pick(s)
		key := fmt.Sprintf("bench-%s-%d", account, time.Now().UnixNano())

		order := map[string]any{
			"account_id":    account,
			"restaurant_id": restaurant,
			"items": []map[string]any{{
				"menu_item_id": "combo",
				"name":         "Combo Meal",
				"quantity":     1,
				"unit_price":   "8.50",
			}},
			"subtotal": "8.50",
		}

		code, body := post(client, "/orders", order, key)
		if code == 0 {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		count(code)
		if code != 201 {
			continue
		}

		if rand.Float64() < replayRate {
			replay, _ := post(client, "/orders", order, key)
			count(replay)
		}

		var created struct {
			Order struct {
				ID string `json:"id"`
			} `json:"order"`
		}
		if json.Unmarshal(body, &created) != nil {
			continue
		}

		// Racing accept and reject exercises the order row lock.
		path := "/restaurants/" + restaurant + "/orders/" + created.Order.ID
		var inner sync.WaitGroup
		inner.Add(2)
		go func() {
			defer inner.Done()
			if c, _ := post(client, path+"/accept", nil, ""); c == 200 {
				atomic.AddUint64(&accepted, 1)
			} else {
				count(c)
			}
		}()
		go func() {
			defer inner.Done()
			if c, _ := post(client, path+"/reject", nil, ""); c != 200 {
				count(c)
			}
		}()
		inner.Wait()
	}
}

func pick(s seed) (string, string) {
	restaurant := s.Restaurants[rand.Intn(len(s.Restaurants))]

	if workload == "hotspot" {
		// Hotspot: 90% of traffic comes from the first two accounts
		if rand.Float32() < 0.90 {
			return s.Accounts[rand.Intn(2)], restaurant
		}
	}

	// Uniform Random
	return s.Accounts[rand.Intn(len(s.Accounts))], restaurant
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	c201 := atomic.LoadUint64(&created201)
	r200 := atomic.LoadUint64(&replay200)
	acc := atomic.LoadUint64(&accepted)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	conflictRate := 0.0
	if total > 0 {
		conflictRate = float64(f409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":             workload,
		"duration_sec":         d.Seconds(),
		"total_requests":       total,
		"throughput_tps":       tps,
		"orders_created":       c201,
		"orders_replayed":      r200,
		"orders_accepted":      acc,
		"conflicts":            f409,
		"conflict_rate_pct":    conflictRate,
		"insufficient_balance": f422,
		"errors":               fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
