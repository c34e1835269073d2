// Benchmark tool for testing Kestrel against labeled signup data.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/signups.csv -url http://localhost:8080
//
// This tool:
//   1. Reads labeled signup emails (fraud/legit) from CSV
//   2. Optionally submits a training batch before scoring (-train)
//   3. Sends each email to Kestrel for scoring
//   4. Compares Kestrel's outcome (block/warn vs allow) with actual labels
//   5. Calculates precision, recall, F1-score, and confusion matrix
//
// Expected CSV columns: email, label (fraud|legit), confidence, source
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

// LabeledSignup represents a row from the benchmark dataset
type LabeledSignup struct {
	Email      string
	Label      string
	Confidence float64
	Source     string
	IsFraud    bool
}

// ScoreAPIRequest is the Kestrel scoring request format
type ScoreAPIRequest struct {
	Email    string `json:"email"`
	SourceID string `json:"sourceId,omitempty"`
}

// ScoreAPIResponse is the subset of the decision the benchmark needs
type ScoreAPIResponse struct {
	ID        string   `json:"id"`
	Outcome   string   `json:"outcome"`
	FinalRisk float64  `json:"finalRisk"`
	Reason    string   `json:"reason"`
	Reasons   []string `json:"reasons,omitempty"`
}

// TrainAPIRequest is the Kestrel training request format
type TrainAPIRequest struct {
	Samples []TrainSample `json:"samples"`
	Mode    string        `json:"mode"`
}

type TrainSample struct {
	Email            string  `json:"email"`
	Label            string  `json:"label"`
	ConfidenceWeight float64 `json:"confidenceWeight"`
	Source           string  `json:"source"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud flagged (warn/block)
	FalsePositives int64 // Legit flagged
	TrueNegatives  int64 // Legit allowed
	FalseNegatives int64 // Fraud allowed (missed fraud!)

	TotalProcessed int64
	TotalFraud     int64
	TotalLegit     int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to labeled signup CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum signups to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	doTrain := flag.Bool("train", false, "Submit the dataset as a training batch first")
	trainMode := flag.String("train-mode", "full", "Training mode: full or incremental")
	flagBlockOnly := flag.Bool("block-only", false, "Count only block outcomes as flagged (default counts warn too)")
	verbose := flag.Bool("verbose", false, "Print each signup result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/signups.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          KESTREL BENCHMARK - Signup Fraud Scoring             ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Train First: %v\n", *doTrain)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  cd kestrel && go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	// Read labeled data
	fmt.Printf("\nReading labeled signups from %s...\n", *csvPath)
	signups, err := readSignupCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d signups\n", len(signups))

	fraudCount := 0
	for _, s := range signups {
		if s.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud: %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(signups)))
	fmt.Printf("  - Legit: %d (%.2f%%)\n", len(signups)-fraudCount, 100*float64(len(signups)-fraudCount)/float64(len(signups)))

	// Optionally train before scoring
	if *doTrain {
		fmt.Printf("\nSubmitting training batch (%s mode)...\n", *trainMode)
		if err := submitTraining(*baseURL, *tenantID, *trainMode, signups); err != nil {
			fmt.Printf("ERROR: Training failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("✓ Model trained and promoted")
	}

	// Run benchmark
	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(signups, *baseURL, *tenantID, *workers, *flagBlockOnly, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, duration)
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

func readSignupCSV(path string, limit int) ([]LabeledSignup, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"email", "label"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	var signups []LabeledSignup

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		label := strings.ToLower(strings.TrimSpace(record[colIndex["label"]]))
		if label != "fraud" && label != "legit" {
			continue
		}

		confidence := 1.0
		if i, ok := colIndex["confidence"]; ok && i < len(record) {
			if v, err := strconv.ParseFloat(record[i], 64); err == nil {
				confidence = v
			}
		}

		source := "benchmark"
		if i, ok := colIndex["source"]; ok && i < len(record) && record[i] != "" {
			source = record[i]
		}

		signups = append(signups, LabeledSignup{
			Email:      record[colIndex["email"]],
			Label:      label,
			Confidence: confidence,
			Source:     source,
			IsFraud:    label == "fraud",
		})

		if limit > 0 && len(signups) >= limit {
			break
		}
	}

	return signups, nil
}

func submitTraining(baseURL, tenantID, mode string, signups []LabeledSignup) error {
	req := TrainAPIRequest{Mode: mode}
	for _, s := range signups {
		weight := s.Confidence
		// Flip the weight for legit samples: the pipeline expects low
		// fraud-confidence on the legit side of the filter.
		if !s.IsFraud && weight > 0.3 {
			weight = 1.0 - weight
		}
		req.Samples = append(req.Samples, TrainSample{
			Email:            s.Email,
			Label:            s.Label,
			ConfidenceWeight: weight,
			Source:           s.Source,
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/train", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	client := &http.Client{Timeout: 120 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func runBenchmark(signups []LabeledSignup, baseURL, tenantID string, numWorkers int, blockOnly, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Create work channel
	work := make(chan LabeledSignup, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for s := range work {
				start := time.Now()
				result, err := scoreSignup(client, baseURL, tenantID, s)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", s.Email, err)
					}
					continue
				}

				// Track actual labels
				if s.IsFraud {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalLegit, 1)
				}

				// Calculate confusion matrix
				predicted := result.Outcome == "block"
				if !blockOnly {
					predicted = predicted || result.Outcome == "warn"
				}
				actual := s.IsFraud

				if predicted && actual {
					atomic.AddInt64(&metrics.TruePositives, 1)
				} else if predicted && !actual {
					atomic.AddInt64(&metrics.FalsePositives, 1)
				} else if !predicted && !actual {
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				} else { // !predicted && actual
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if (predicted && !actual) || (!predicted && actual) {
						status = "✗"
					}
					email := s.Email
					if len(email) > 30 {
						email = email[:30]
					}
					fmt.Printf("%s %-30s | Fraud: %-5v | Kestrel: %-5s (%.2f) | %s\n",
						status,
						email,
						s.IsFraud,
						result.Outcome,
						result.FinalRisk,
						result.Reason,
					)
				}
			}
		}()
	}

	// Send work
	for _, s := range signups {
		work <- s
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func scoreSignup(client *http.Client, baseURL, tenantID string, s LabeledSignup) (*ScoreAPIResponse, error) {
	req := ScoreAPIRequest{
		Email:    s.Email,
		SourceID: s.Source,
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

	var result ScoreAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Legit:      %d\n", m.TotalLegit)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                  Flagged     Allowed")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           L  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	// Calculate metrics
	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flagged signups, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	fmt.Printf("\n🔍 DETECTION ANALYSIS\n")
	if m.TotalFraud > 0 {
		detectionRate := float64(m.TruePositives) / float64(m.TotalFraud) * 100
		missRate := float64(m.FalseNegatives) / float64(m.TotalFraud) * 100
		fmt.Printf("   Fraud Caught:      %d / %d (%.2f%%)\n", m.TruePositives, m.TotalFraud, detectionRate)
		fmt.Printf("   Fraud Missed:      %d / %d (%.2f%%) ⚠️\n", m.FalseNegatives, m.TotalFraud, missRate)
	}
	if m.TotalLegit > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalLegit) * 100
		fmt.Printf("   False Alarms:      %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalLegit, falseAlarmRate)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f signups/sec\n", tps)
	}

	// Interpretation
	fmt.Printf("\n💡 INTERPRETATION\n")
	if recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - catching most fraud")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but missing some fraud")
	} else if recall >= 0.5 {
		fmt.Println("   ⚠️  Moderate recall - significant fraud being missed")
	} else {
		fmt.Println("   ❌ Poor recall - most fraud is being missed!")
	}

	if precision >= 0.5 {
		fmt.Println("   ✅ Good precision - flags are meaningful")
	} else if precision >= 0.2 {
		fmt.Println("   ⚠️  Low precision - many false alarms")
	} else {
		fmt.Println("   ❌ Very low precision - mostly false alarms")
	}

	fmt.Println()
}
