// Command loadtest drives synthetic multi-cloud order traffic at the api
// service. Every business event is delivered through all three provider
// webhooks, so a clean run reconciles fully consistent; the -drop-rate,
// -dup-rate, and -mutate-rate flags inject missing deliveries, repeat
// deliveries, and payload drift to provoke reconciliation findings.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cloudparity/parity/internal/ingest"
)

type Config struct {
	BaseURL     string
	Concurrency int
	Duration    time.Duration
	DropRate    float64
	DupRate     float64
	MutateRate  float64
}

type Stats struct {
	totalRequests atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
	dropped       atomic.Int64
	duplicated    atomic.Int64
	mutated       atomic.Int64
	latencies     []time.Duration
	latenciesMu   sync.Mutex
	statusCodes   map[int]*atomic.Int64
	statusCodesMu sync.Mutex
}

func NewStats() *Stats {
	return &Stats{
		latencies:   make([]time.Duration, 0, 100000),
		statusCodes: make(map[int]*atomic.Int64),
	}
}

func (s *Stats) RecordRequest(duration time.Duration, statusCode int, err error) {
	s.totalRequests.Add(1)

	if err != nil {
		s.errorCount.Add(1)
		return
	}

	if statusCode >= 200 && statusCode < 300 {
		s.successCount.Add(1)
	} else {
		s.errorCount.Add(1)
	}

	s.latenciesMu.Lock()
	s.latencies = append(s.latencies, duration)
	s.latenciesMu.Unlock()

	s.statusCodesMu.Lock()
	if _, ok := s.statusCodes[statusCode]; !ok {
		s.statusCodes[statusCode] = &atomic.Int64{}
	}
	s.statusCodes[statusCode].Add(1)
	s.statusCodesMu.Unlock()
}

type product struct {
	id    string
	price float64
}

var products = []product{
	{"PROD-LAPTOP-001", 1299.99},
	{"PROD-PHONE-002", 899.99},
	{"PROD-TABLET-003", 499.99},
	{"PROD-WATCH-004", 399.99},
	{"PROD-HEADPHONES-005", 199.99},
	{"PROD-KEYBOARD-006", 149.99},
	{"PROD-MOUSE-007", 79.99},
	{"PROD-MONITOR-008", 349.99},
}

// sourceWeights mirrors the observed provider traffic split. Faults pick
// their victim source from this distribution.
var sourceWeights = []struct {
	source string
	weight float64
}{
	{ingest.SourceAWS, 0.40},
	{ingest.SourceGCP, 0.30},
	{ingest.SourceAzure, 0.30},
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the api service")
	concurrency := flag.Int("concurrency", 4, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	dropRate := flag.Float64("drop-rate", 0.05, "probability an event skips one provider")
	dupRate := flag.Float64("dup-rate", 0.03, "probability one provider delivers an event twice")
	mutateRate := flag.Float64("mutate-rate", 0.05, "probability one provider delivers a drifted payload")
	flag.Parse()

	cfg := Config{
		BaseURL:     *baseURL,
		Concurrency: *concurrency,
		Duration:    *duration,
		DropRate:    *dropRate,
		DupRate:     *dupRate,
		MutateRate:  *mutateRate,
	}

	fmt.Println("=== Multi-Cloud Event Load Test ===")
	fmt.Printf("Target:      %s\n", cfg.BaseURL)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Printf("Drop rate:   %.1f%%\n", cfg.DropRate*100)
	fmt.Printf("Dup rate:    %.1f%%\n", cfg.DupRate*100)
	fmt.Printf("Mutate rate: %.1f%%\n", cfg.MutateRate*100)
	fmt.Println()

	stats := runLoadTest(cfg)
	printReport(stats, cfg.Duration)
}

func runLoadTest(cfg Config) *Stats {
	stats := NewStats()
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	fmt.Print("Running")

	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				for _, ev := range orderLifecycle() {
					deliverEvent(ctx, client, cfg, stats, ev)
				}
			}
		}()
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

// loadEvent is one business event of an order lifecycle. The payload carries
// the event_id, so the three provider deliveries group during reconciliation.
type loadEvent struct {
	eventID   string
	eventType string
	orderID   string
	payload   map[string]any
}

// orderLifecycle generates the event sequence for one synthetic order. Most
// orders ship; a tenth cancel and refund instead.
func orderLifecycle() []loadEvent {
	orderID := fmt.Sprintf("ORD-%d-%d", time.Now().UnixMilli(), 1000+rand.Intn(9000))
	customerID := fmt.Sprintf("CUST-%04d", 1+rand.Intn(100))
	p := products[rand.Intn(len(products))]
	quantity := 1 + rand.Intn(5)

	types := []string{ingest.TypeOrderPlaced, ingest.TypePaymentProcessed, ingest.TypeInventoryReserved}
	if rand.Float64() < 0.10 {
		types = append(types, ingest.TypeOrderCancelled, ingest.TypeRefundProcessed)
	} else {
		types = append(types, ingest.TypeShipmentCreated)
	}

	events := make([]loadEvent, 0, len(types))
	for _, t := range types {
		eventID := uuid.NewString()
		events = append(events, loadEvent{
			eventID:   eventID,
			eventType: t,
			orderID:   orderID,
			payload: map[string]any{
				"event_id":    eventID,
				"order_id":    orderID,
				"customer_id": customerID,
				"product_id":  p.id,
				"amount":      p.price,
				"quantity":    quantity,
				"timestamp":   time.Now().UTC().Format(time.RFC3339),
			},
		})
	}
	return events
}

// deliverEvent sends one business event through all three provider webhooks,
// applying the configured fault injections.
func deliverEvent(ctx context.Context, client *http.Client, cfg Config, stats *Stats, ev loadEvent) {
	droppedSource := ""
	if rand.Float64() < cfg.DropRate {
		droppedSource = weightedSource()
		stats.dropped.Add(1)
	}
	dupSource := ""
	if rand.Float64() < cfg.DupRate {
		dupSource = weightedSource()
	}
	mutateSource := ""
	if rand.Float64() < cfg.MutateRate {
		mutateSource = weightedSource()
	}

	for _, sw := range sourceWeights {
		source := sw.source
		if source == droppedSource {
			continue
		}

		payload := ev.payload
		if source == mutateSource {
			payload = mutatePayload(payload)
			stats.mutated.Add(1)
		}

		sendWebhook(ctx, client, cfg.BaseURL, stats, source, ev, payload)
		if source == dupSource {
			sendWebhook(ctx, client, cfg.BaseURL, stats, source, ev, payload)
			stats.duplicated.Add(1)
		}
	}
}

// mutatePayload copies the payload with a one-cent amount drift, the classic
// cross-provider rounding disagreement.
func mutatePayload(payload map[string]any) map[string]any {
	mutated := make(map[string]any, len(payload))
	for k, v := range payload {
		mutated[k] = v
	}
	if amount, ok := mutated["amount"].(float64); ok {
		mutated["amount"] = math.Round((amount+0.01)*100) / 100
	}
	return mutated
}

func weightedSource() string {
	r := rand.Float64()
	cumulative := 0.0
	for _, sw := range sourceWeights {
		cumulative += sw.weight
		if r <= cumulative {
			return sw.source
		}
	}
	return ingest.SourceAWS
}

func sendWebhook(ctx context.Context, client *http.Client, baseURL string, stats *Stats, source string, ev loadEvent, payload map[string]any) {
	body, err := webhookBody(source, ev, payload)
	if err != nil {
		stats.RecordRequest(0, 0, err)
		return
	}

	url := fmt.Sprintf("%s/api/v1/webhooks/%s", baseURL, source)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		stats.RecordRequest(0, 0, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	duration := time.Since(start)
	if err != nil {
		stats.RecordRequest(duration, 0, err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	stats.RecordRequest(duration, resp.StatusCode, nil)
}

// webhookBody renders the event in the wire format of the given provider.
func webhookBody(source string, ev loadEvent, payload map[string]any) ([]byte, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	switch source {
	case ingest.SourceAWS:
		return json.Marshal(map[string]any{
			"version":     "0",
			"id":          "aws-" + ev.eventID,
			"detail-type": ev.eventType,
			"source":      "ecommerce.orders",
			"account":     "123456789012",
			"time":        now,
			"region":      "us-east-1",
			"detail":      payload,
		})
	case ingest.SourceGCP:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{
			"message": map[string]any{
				"data":        base64.StdEncoding.EncodeToString(data),
				"attributes":  map[string]string{"eventType": ev.eventType},
				"messageId":   "gcp-" + ev.eventID,
				"publishTime": now,
			},
			"subscription": "projects/demo/subscriptions/parity-events",
		})
	case ingest.SourceAzure:
		return json.Marshal([]map[string]any{{
			"id":          "azure-" + ev.eventID,
			"eventType":   ev.eventType,
			"subject":     "orders/" + ev.orderID,
			"eventTime":   now,
			"data":        payload,
			"dataVersion": "1.0",
		}})
	}
	return nil, fmt.Errorf("unknown source %s", source)
}

func printReport(stats *Stats, duration time.Duration) {
	total := stats.totalRequests.Load()
	success := stats.successCount.Load()
	errors := stats.errorCount.Load()

	fmt.Println("=== Results ===")
	fmt.Printf("Total Requests:  %d\n", total)
	fmt.Printf("Successful:      %d\n", success)
	fmt.Printf("Errors:          %d\n", errors)

	if total > 0 {
		errorRate := float64(errors) / float64(total) * 100
		fmt.Printf("Error Rate:      %.2f%%\n", errorRate)
		rps := float64(total) / duration.Seconds()
		fmt.Printf("Requests/sec:    %.2f\n", rps)
	}

	fmt.Println()
	fmt.Println("=== Injected Faults ===")
	fmt.Printf("Dropped deliveries:    %d\n", stats.dropped.Load())
	fmt.Printf("Duplicated deliveries: %d\n", stats.duplicated.Load())
	fmt.Printf("Mutated deliveries:    %d\n", stats.mutated.Load())

	stats.latenciesMu.Lock()
	latencies := make([]time.Duration, len(stats.latencies))
	copy(latencies, stats.latencies)
	stats.latenciesMu.Unlock()

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool {
			return latencies[i] < latencies[j]
		})

		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))

		fmt.Println()
		fmt.Println("=== Latency ===")
		fmt.Printf("Min:    %s\n", latencies[0])
		fmt.Printf("Avg:    %s\n", avg)
		fmt.Printf("P50:    %s\n", percentile(latencies, 50))
		fmt.Printf("P90:    %s\n", percentile(latencies, 90))
		fmt.Printf("P95:    %s\n", percentile(latencies, 95))
		fmt.Printf("P99:    %s\n", percentile(latencies, 99))
		fmt.Printf("Max:    %s\n", latencies[len(latencies)-1])
	}

	fmt.Println()
	fmt.Println("=== Status Codes ===")
	stats.statusCodesMu.Lock()
	codes := make([]int, 0, len(stats.statusCodes))
	for code := range stats.statusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		count := stats.statusCodes[code].Load()
		fmt.Printf("  %d: %d\n", code, count)
	}
	stats.statusCodesMu.Unlock()

	if total == 0 {
		fmt.Println()
		fmt.Println("WARNING: No requests completed. Is the api service running?")
		os.Exit(1)
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
