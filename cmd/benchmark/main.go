// Benchmark tool for testing Kestrel against labeled fraud data.
//
// Usage:
//
//	go run cmd/benchmark/main.go -csv /path/to/labeled.csv -url http://localhost:8080
//
// The CSV needs a header with at least: user_id, amount, merchant,
// category, is_fraud. Optional columns: device_fingerprint, payment_method.
//
// This tool:
//  1. Replays each transaction through POST /score
//  2. Treats REVIEW and BLOCK as "flagged" and compares with the label
//  3. Calculates precision, recall, F1-score, and the confusion matrix
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LabeledTransaction is one row of the replay dataset.
type LabeledTransaction struct {
	UserID            string
	Amount            float64
	Merchant          string
	Category          string
	DeviceFingerprint string
	PaymentMethod     string
	IsFraud           bool
}

// ScoreRequest mirrors the Kestrel API request format.
type ScoreRequest struct {
	UserID            string  `json:"userId"`
	Amount            float64 `json:"amount"`
	Merchant          string  `json:"merchant"`
	MerchantCategory  string  `json:"merchantCategory"`
	PaymentMethod     string  `json:"paymentMethod,omitempty"`
	DeviceFingerprint string  `json:"deviceFingerprint,omitempty"`
}

// ScoreResponse mirrors the Kestrel API response format.
type ScoreResponse struct {
	AssessmentID string  `json:"assessmentId"`
	RiskScore    float64 `json:"riskScore"`
	Decision     string  `json:"decision"`
	RingDetected bool    `json:"ringDetected"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64 // fraud flagged
	FalsePositives int64 // non-fraud flagged
	TrueNegatives  int64 // non-fraud approved
	FalseNegatives int64 // fraud approved (missed!)

	Decisions struct {
		Approve int64
		Review  int64
		Block   int64
	}

	TotalProcessed int64
	TotalErrors    int64
	RingsSeen      int64

	LatencyMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to labeled CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/labeled.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("Kestrel benchmark")
	fmt.Printf("  CSV:     %s\n", *csvPath)
	fmt.Printf("  URL:     %s\n", *baseURL)
	fmt.Printf("  Tenant:  %s\n", *tenantID)
	fmt.Printf("  Workers: %d\n", *workers)
	fmt.Printf("  Limit:   %d\n\n", *limit)

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}

	transactions, err := readCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: failed to read CSV: %v\n", err)
		os.Exit(1)
	}

	fraudCount := 0
	for _, tx := range transactions {
		if tx.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("Loaded %d transactions (%d fraud, %d legitimate)\n\n",
		len(transactions), fraudCount, len(transactions)-fraudCount)

	start := time.Now()
	metrics := run(transactions, *baseURL, *tenantID, *workers, *verbose)
	printResults(metrics, time.Since(start))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readCSV(path string, limit int) ([]LabeledTransaction, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	col := make(map[string]int)
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"user_id", "amount", "merchant", "category", "is_fraud"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	get := func(record []string, name string) string {
		if i, ok := col[name]; ok && i < len(record) {
			return record[i]
		}
		return ""
	}

	var transactions []LabeledTransaction
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // skip malformed rows
		}

		amount, err := strconv.ParseFloat(get(record, "amount"), 64)
		if err != nil || amount <= 0 {
			continue
		}

		transactions = append(transactions, LabeledTransaction{
			UserID:            get(record, "user_id"),
			Amount:            amount,
			Merchant:          get(record, "merchant"),
			Category:          get(record, "category"),
			DeviceFingerprint: get(record, "device_fingerprint"),
			PaymentMethod:     get(record, "payment_method"),
			IsFraud:           get(record, "is_fraud") == "1" || strings.EqualFold(get(record, "is_fraud"), "true"),
		})

		if limit > 0 && len(transactions) >= limit {
			break
		}
	}
	return transactions, nil
}

func run(transactions []LabeledTransaction, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}
	work := make(chan LabeledTransaction, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for tx := range work {
				start := time.Now()
				result, err := scoreTransaction(client, baseURL, tenantID, tx)
				atomic.AddInt64(&metrics.LatencyMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", tx.UserID, err)
					}
					continue
				}

				switch result.Decision {
				case "APPROVE":
					atomic.AddInt64(&metrics.Decisions.Approve, 1)
				case "REVIEW":
					atomic.AddInt64(&metrics.Decisions.Review, 1)
				case "BLOCK":
					atomic.AddInt64(&metrics.Decisions.Block, 1)
				}
				if result.RingDetected {
					atomic.AddInt64(&metrics.RingsSeen, 1)
				}

				flagged := result.Decision != "APPROVE"
				switch {
				case flagged && tx.IsFraud:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case flagged && !tx.IsFraud:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !flagged && !tx.IsFraud:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					mark := "ok  "
					if flagged != tx.IsFraud {
						mark = "MISS"
					}
					fmt.Printf("%s %-20s $%10.2f fraud=%-5v -> %-7s (%.2f)\n",
						mark, tx.UserID, tx.Amount, tx.IsFraud, result.Decision, result.RiskScore)
				}
			}
		}()
	}

	for _, tx := range transactions {
		work <- tx
	}
	close(work)
	wg.Wait()

	return metrics
}

func scoreTransaction(client *http.Client, baseURL, tenantID string, tx LabeledTransaction) (*ScoreResponse, error) {
	req := ScoreRequest{
		UserID:            tx.UserID,
		Amount:            tx.Amount,
		Merchant:          tx.Merchant,
		MerchantCategory:  tx.Category,
		PaymentMethod:     tx.PaymentMethod,
		DeviceFingerprint: tx.DeviceFingerprint,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result ScoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nRESULTS")
	fmt.Printf("  Processed: %d (errors: %d)\n", m.TotalProcessed, m.TotalErrors)
	fmt.Printf("  Decisions: APPROVE %d / REVIEW %d / BLOCK %d\n",
		m.Decisions.Approve, m.Decisions.Review, m.Decisions.Block)
	fmt.Printf("  Rings:     %d transactions in detected rings\n", m.RingsSeen)

	fmt.Println("\nCONFUSION MATRIX (flagged = REVIEW or BLOCK)")
	fmt.Println("                      Flagged    Approved")
	fmt.Printf("  Actual fraud     %10d  %10d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("  Actual legit     %10d  %10d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	var precision, recall, f1, accuracy float64
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Println("\nDETECTION METRICS")
	fmt.Printf("  Precision: %.4f  (of flagged, how many were actual fraud)\n", precision)
	fmt.Printf("  Recall:    %.4f  (of fraud, how many did we catch)\n", recall)
	fmt.Printf("  F1-Score:  %.4f\n", f1)
	fmt.Printf("  Accuracy:  %.4f\n", accuracy)

	fmt.Println("\nPERFORMANCE")
	fmt.Printf("  Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Printf("  Avg latency: %.2f ms\n", float64(m.LatencyMs)/float64(m.TotalProcessed))
		fmt.Printf("  Throughput:  %.2f tx/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Println()
}
