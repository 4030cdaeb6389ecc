package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	tradeID     int64
	accepterID  int64
	action      string
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // The single settlement
	fail409       uint64 // Lost the claim race
	fail400       uint64 // Caller does not own the requested membership
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 50, "Concurrent callers racing on the trade")
	flag.Int64Var(&tradeID, "trade", 0, "Pending trade id to race on")
	flag.Int64Var(&accepterID, "user", 0, "User id sent as the caller")
	flag.StringVar(&action, "action", "accept", "Trade action: accept | decline | cancel")
}

func main() {
	flag.Parse()
	if tradeID <= 0 || accepterID <= 0 {
		logrus.Fatal("-trade and -user are required")
	}
	logrus.Infof("Starting Benchmark: %s trade %d | Workers: %d", action, tradeID, concurrency)

	start := time.Now()
	ready := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, ready)
	}
	close(ready)

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, ready <-chan struct{}) {
	defer wg.Done()
	client := &http.Client{Timeout: 2 * time.Minute}
	url := fmt.Sprintf("%s/api/v1/trades/%d/%s", targetURL, tradeID, action)

	req, err := http.NewRequest("POST", url, nil)
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return
	}
	req.Header.Set("X-User-ID", strconv.FormatInt(accepterID, 10))

	<-ready
	resp, err := client.Do(req)
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return
	}
	defer resp.Body.Close()

	atomic.AddUint64(&totalRequests, 1)
	switch resp.StatusCode {
	case http.StatusOK:
		atomic.AddUint64(&success200, 1)
	case http.StatusConflict:
		atomic.AddUint64(&fail409, 1)
	case http.StatusBadRequest:
		atomic.AddUint64(&fail400, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s200 := atomic.LoadUint64(&success200)
	f409 := atomic.LoadUint64(&fail409)
	f400 := atomic.LoadUint64(&fail400)
	fErr := atomic.LoadUint64(&failOther)

	results := map[string]any{
		"action":          action,
		"trade_id":        tradeID,
		"duration_sec":    d.Seconds(),
		"total_requests":  total,
		"settled":         s200,
		"aborts_conflict": f409,
		"rejected_owner":  f400,
		"errors":          fErr,
		"single_winner":   s200 <= 1,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s_%d.json", action, tradeID)
	file, err := os.Create(filename)
	if err != nil {
		logrus.WithError(err).Warn("could not save results")
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)

	if s200 > 1 {
		logrus.Errorf("%d callers settled the same trade", s200)
		os.Exit(1)
	}
}
