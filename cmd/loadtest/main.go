package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var relayProcess *os.Process

func main() {
	var (
		relayURL      = flag.String("relay-url", "http://localhost:5010", "Relay base URL")
		testType      = flag.String("test-type", "both", "Test type: submit, chat, or both")
		duration      = flag.Duration("duration", 30*time.Second, "Test duration")
		clientWorkers = flag.Int("workers", 5, "Number of concurrent client goroutines")
		syntheticBots = flag.Int("synthetic-workers", 2, "Number of synthetic inference workers to register against the relay")
		qps           = flag.Int("qps", 25, "Requests per second per client worker")
		model         = flag.String("model", "loadtest-model", "Model name to submit requests under")
		baselineDir   = flag.String("baseline-dir", "testdata/baselines", "Directory for baseline files")
		threshold     = flag.Float64("threshold", 10.0, "Regression threshold percentage")
		prometheusURL = flag.String("prometheus-url", "", "Prometheus URL for additional metrics")
		verbose       = flag.Bool("verbose", false, "Enable verbose logging")
		updateBase    = flag.Bool("update-baseline", false, "Update baseline files instead of checking regression")
		manageRelay   = flag.Bool("manage-relay", false, "Build and start a relay instance for the duration of the test")
		relayConfig   = flag.String("relay-config", "", "Path to relay-config.yaml, passed to the managed relay")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if *manageRelay {
		if err := startRelay(*relayConfig, logger); err != nil {
			log.Fatalf("failed to start relay: %v", err)
		}
		defer func() {
			logger.Info("cleaning up managed relay")
			stopRelay(logger)
		}()
		go func() {
			<-sigChan
			logger.Info("received interrupt signal, cleaning up")
			stopRelay(logger)
			os.Exit(1)
		}()
	}

	if err := os.MkdirAll(*baselineDir, 0755); err != nil {
		log.Fatalf("failed to create baseline directory: %v", err)
	}

	fmt.Println("=== token.place Relay Load Test Runner ===")
	fmt.Printf("Relay URL: %s\n", *relayURL)
	fmt.Printf("Test Type: %s\n", *testType)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Client Workers: %d\n", *clientWorkers)
	fmt.Printf("Synthetic Workers: %d\n", *syntheticBots)
	fmt.Printf("QPS per Client Worker: %d\n", *qps)
	fmt.Printf("Regression Threshold: %.1f%%\n", *threshold)
	if *prometheusURL != "" {
		fmt.Printf("Prometheus URL: %s\n", *prometheusURL)
	}
	fmt.Println()

	exitCode := 0
	startTime := time.Now()

	stopBots := make(chan struct{})
	var botsWG sync.WaitGroup
	for i := 0; i < *syntheticBots; i++ {
		botsWG.Add(1)
		go runSyntheticWorker(*relayURL, fmt.Sprintf("loadtest-worker-%d", i), *model, stopBots, &botsWG, logger)
	}
	// Give the synthetic workers time to register before clients start submitting.
	time.Sleep(200 * time.Millisecond)

	if *testType == "submit" || *testType == "both" {
		fmt.Println("--- Running Submit/Retrieve Load Test ---")
		if err := runLoadTest(loadTestParams{
			name:        "submit_retrieve",
			relayURL:    *relayURL,
			workers:     *clientWorkers,
			duration:    *duration,
			qps:         *qps,
			model:       *model,
			baselineDir: *baselineDir,
			threshold:   *threshold,
			prometheus:  *prometheusURL,
			update:      *updateBase,
			logger:      logger,
			iteration:   submitRetrieveIteration,
		}); err != nil {
			log.Printf("submit/retrieve test failed: %v", err)
			exitCode = 1
		}
		fmt.Println()
	}

	if *testType == "chat" || *testType == "both" {
		fmt.Println("--- Running Chat Completion Load Test ---")
		if err := runLoadTest(loadTestParams{
			name:        "chat_completion",
			relayURL:    *relayURL,
			workers:     *clientWorkers,
			duration:    *duration,
			qps:         *qps,
			model:       *model,
			baselineDir: *baselineDir,
			threshold:   *threshold,
			prometheus:  *prometheusURL,
			update:      *updateBase,
			logger:      logger,
			iteration:   chatCompletionIteration,
		}); err != nil {
			log.Printf("chat completion test failed: %v", err)
			exitCode = 1
		}
		fmt.Println()
	}

	close(stopBots)
	botsWG.Wait()

	fmt.Printf("=== Load Tests Complete (Total Time: %v) ===\n", time.Since(startTime))
	if exitCode != 0 {
		fmt.Println("some tests failed or regressions detected")
		os.Exit(exitCode)
	}
	fmt.Println("all tests passed")
}

// runSyntheticWorker keeps one worker registered against the relay and
// echoes back a fixed reply for every request it receives, so a load test
// can exercise full submit -> sink -> source -> retrieve round trips
// without a real inference backend attached.
func runSyntheticWorker(relayURL, workerID, model string, stop <-chan struct{}, wg *sync.WaitGroup, logger *logrus.Logger) {
	defer wg.Done()
	client := &http.Client{Timeout: 35 * time.Second}
	for {
		select {
		case <-stop:
			return
		default:
		}

		sinkURL := fmt.Sprintf("%s/sink?worker_id=%s&model=%s", relayURL, workerID, model)
		resp, err := client.Get(sinkURL)
		if err != nil {
			logger.WithError(err).Debug("synthetic worker sink poll failed")
			time.Sleep(time.Second)
			continue
		}
		var body struct {
			RequestID string `json:"request_id"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil || body.RequestID == "" {
			continue
		}

		reply := map[string]any{
			"request_id": body.RequestID,
			"envelope": map[string]string{
				"ciphertext": encodeStub(`{"content":"synthetic reply"}`),
				"algorithm":  "plaintext",
			},
		}
		payload, _ := json.Marshal(reply)
		sourceURL := fmt.Sprintf("%s/source?worker_id=%s", relayURL, workerID)
		postResp, err := client.Post(sourceURL, "application/json", bytes.NewReader(payload))
		if err != nil {
			logger.WithError(err).Debug("synthetic worker publish failed")
			continue
		}
		postResp.Body.Close()
	}
}

func encodeStub(jsonBody string) string {
	return base64.StdEncoding.EncodeToString([]byte(jsonBody))
}

// loadTestParams configures one named load test run against the relay.
type loadTestParams struct {
	name        string
	relayURL    string
	workers     int
	duration    time.Duration
	qps         int
	model       string
	baselineDir string
	threshold   float64
	prometheus  string
	update      bool
	logger      *logrus.Logger
	iteration   func(client *http.Client, relayURL, model string) (time.Duration, error)
}

// latencyResult summarizes one load test's timing distribution.
type latencyResult struct {
	Name        string        `json:"name"`
	TotalOps    int64         `json:"total_ops"`
	Errors      int64         `json:"errors"`
	P50Millis   float64       `json:"p50_ms"`
	P90Millis   float64       `json:"p90_ms"`
	P99Millis   float64       `json:"p99_ms"`
	MeanMillis  float64       `json:"mean_ms"`
	Duration    time.Duration `json:"duration"`
}

func runLoadTest(p loadTestParams) error {
	client := &http.Client{Timeout: 35 * time.Second}
	deadline := time.Now().Add(p.duration)

	var ops int64
	var errs int64
	var latencies []time.Duration
	var mu sync.Mutex

	var wg sync.WaitGroup
	interval := time.Second / time.Duration(max(p.qps, 1))
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for time.Now().Before(deadline) {
				<-ticker.C
				d, err := p.iteration(client, p.relayURL, p.model)
				atomic.AddInt64(&ops, 1)
				if err != nil {
					atomic.AddInt64(&errs, 1)
					p.logger.WithError(err).Debug("load test iteration failed")
					continue
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	result := summarize(p.name, p.duration, ops, errs, latencies)
	printResult(result)

	if p.prometheus != "" {
		metrics, err := queryPrometheusMetrics(p.prometheus)
		if err != nil {
			p.logger.WithError(err).Warn("failed to query prometheus metrics")
		} else {
			fmt.Println("--- Prometheus Metrics ---")
			for k, v := range metrics {
				fmt.Printf("%s: %v\n", k, v)
			}
			fmt.Println()
		}
	}

	baselinePath := fmt.Sprintf("%s/%s_baseline.json", p.baselineDir, p.name)
	if p.update {
		if err := writeBaseline(baselinePath, result); err != nil {
			return fmt.Errorf("write baseline: %w", err)
		}
		fmt.Printf("baseline updated for %s\n", p.name)
		return nil
	}

	baseline, err := readBaseline(baselinePath)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no baseline found - run with --update-baseline to create one")
			return nil
		}
		return fmt.Errorf("read baseline: %w", err)
	}

	regressed, pct := regressed(baseline, result, p.threshold)
	fmt.Printf("p99 baseline=%.2fms current=%.2fms delta=%.1f%%\n", baseline.P99Millis, result.P99Millis, pct)
	if regressed {
		return fmt.Errorf("significant regression detected in %s", p.name)
	}
	fmt.Printf("%s passed\n", p.name)
	return nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func summarize(name string, duration time.Duration, ops, errs int64, latencies []time.Duration) latencyResult {
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	pick := func(p float64) float64 {
		if len(latencies) == 0 {
			return 0
		}
		idx := int(math.Ceil(p*float64(len(latencies)))) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return float64(latencies[idx]) / float64(time.Millisecond)
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	mean := 0.0
	if len(latencies) > 0 {
		mean = float64(total) / float64(len(latencies)) / float64(time.Millisecond)
	}
	return latencyResult{
		Name:       name,
		TotalOps:   ops,
		Errors:     errs,
		P50Millis:  pick(0.50),
		P90Millis:  pick(0.90),
		P99Millis:  pick(0.99),
		MeanMillis: mean,
		Duration:   duration,
	}
}

func printResult(r latencyResult) {
	fmt.Printf("ops=%d errors=%d p50=%.2fms p90=%.2fms p99=%.2fms mean=%.2fms\n",
		r.TotalOps, r.Errors, r.P50Millis, r.P90Millis, r.P99Millis, r.MeanMillis)
}

func writeBaseline(path string, r latencyResult) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func readBaseline(path string) (latencyResult, error) {
	var r latencyResult
	data, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	err = json.Unmarshal(data, &r)
	return r, err
}

func regressed(baseline, current latencyResult, thresholdPct float64) (bool, float64) {
	if baseline.P99Millis == 0 {
		return false, 0
	}
	pct := (current.P99Millis - baseline.P99Millis) / baseline.P99Millis * 100
	return pct > thresholdPct, pct
}

// queryPrometheusMetrics fetches a handful of relay gauges/counters from a
// Prometheus HTTP API for inclusion in the load test report.
func queryPrometheusMetrics(baseURL string) (map[string]float64, error) {
	queries := []string{
		"relay_workers_registered",
		"relay_dispatch_submit_total",
		"relay_dispatch_queue_full_total",
	}
	results := make(map[string]float64)
	client := &http.Client{Timeout: 10 * time.Second}
	for _, q := range queries {
		url := fmt.Sprintf("%s/api/v1/query?query=%s", baseURL, q)
		resp, err := client.Get(url)
		if err != nil {
			return nil, err
		}
		var parsed struct {
			Data struct {
				Result []struct {
					Value []any `json:"value"`
				} `json:"result"`
			} `json:"data"`
		}
		err = json.NewDecoder(resp.Body).Decode(&parsed)
		resp.Body.Close()
		if err != nil {
			continue
		}
		if len(parsed.Data.Result) == 0 || len(parsed.Data.Result[0].Value) < 2 {
			continue
		}
		if s, ok := parsed.Data.Result[0].Value[1].(string); ok {
			var v float64
			fmt.Sscanf(s, "%f", &v)
			results[q] = v
		}
	}
	return results, nil
}

// submitRetrieveIteration exercises one full plaintext submit -> retrieve
// round trip against the relay's C5 HTTP surface.
func submitRetrieveIteration(client *http.Client, relayURL, model string) (time.Duration, error) {
	start := time.Now()

	submitBody := map[string]any{
		"client_public_key": "loadtest-client-" + uuid.NewString(),
		"model":             model,
		"envelope": map[string]string{
			"ciphertext": encodeStub(`{"messages":[{"role":"user","content":"ping"}]}`),
			"algorithm":  "plaintext",
			"model":      model,
		},
	}
	payload, _ := json.Marshal(submitBody)
	resp, err := client.Post(relayURL+"/submit", "application/json", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	var submitResp struct {
		RequestID string `json:"request_id"`
	}
	err = json.NewDecoder(resp.Body).Decode(&submitResp)
	resp.Body.Close()
	if err != nil || submitResp.RequestID == "" {
		return 0, fmt.Errorf("submit did not return a request_id")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		retrieveBody, _ := json.Marshal(map[string]string{
			"request_id":        submitResp.RequestID,
			"client_public_key": submitBody["client_public_key"].(string),
		})
		rResp, err := client.Post(relayURL+"/retrieve", "application/json", bytes.NewReader(retrieveBody))
		if err != nil {
			return 0, err
		}
		var rBody map[string]any
		json.NewDecoder(rResp.Body).Decode(&rBody)
		rResp.Body.Close()
		if _, ready := rBody["envelope"]; ready {
			return time.Since(start), nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return 0, fmt.Errorf("timed out waiting for reply")
}

// chatCompletionIteration exercises a plaintext, non-streaming
// /v1/chat/completions round trip.
func chatCompletionIteration(client *http.Client, relayURL, model string) (time.Duration, error) {
	start := time.Now()
	body := map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "user", "content": "ping"},
		},
	}
	payload, _ := json.Marshal(body)
	resp, err := client.Post(relayURL+"/v1/chat/completions", "application/json", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("chat completion returned status %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// startRelay builds and launches a relay binary for the duration of the
// load test, the same self-managed-process pattern the teacher used for
// its gateway process, adapted from S3 backend management to the relay's
// own cmd/relay entrypoint.
func startRelay(configPath string, logger *logrus.Logger) error {
	logger.Info("building relay binary")
	buildCmd := exec.Command("go", "build", "-o", "bin/relay", "./cmd/relay")
	if output, err := buildCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to build relay: %w\noutput: %s", err, output)
	}

	cmd := exec.Command("./bin/relay")
	if configPath != "" {
		cmd.Args = append(cmd.Args, "-config", configPath)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}
	relayProcess = cmd.Process

	if err := waitForRelayReady(logger); err != nil {
		relayProcess.Kill()
		relayProcess.Wait()
		relayProcess = nil
		return err
	}
	logger.Info("relay is ready")
	return nil
}

func stopRelay(logger *logrus.Logger) {
	if relayProcess == nil {
		return
	}
	if err := relayProcess.Signal(syscall.SIGTERM); err != nil {
		relayProcess.Kill()
	}
	done := make(chan struct{})
	go func() {
		relayProcess.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		relayProcess.Kill()
		<-done
	}
	relayProcess = nil
}

func waitForRelayReady(logger *logrus.Logger) error {
	client := &http.Client{Timeout: 2 * time.Second}
	for i := 0; i < 30; i++ {
		resp, err := client.Get("http://localhost:5010/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(time.Second)
	}
	return fmt.Errorf("relay did not become ready in time")
}
