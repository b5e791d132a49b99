// Script loadtest submits a high volume of palette jobs to benchmark
// admission throughput, then samples jobs to measure end-to-end latency.
// Every tenth submission reuses an idempotency key to exercise replays.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/leejennwah/palette-engine/internal/retry"
	"github.com/leejennwah/palette-engine/pkg/client"
)

const (
	defaultJobCount    = 5000
	defaultConcurrency = 50
	sampleEvery        = 100
)

func main() {
	apiURL := getEnv("API_URL", "http://localhost:8080")
	jobCount := getEnvInt("JOB_COUNT", defaultJobCount)
	concurrency := getEnvInt("CONCURRENCY", defaultConcurrency)

	fmt.Printf("=== Palette Engine Load Test ===\n")
	fmt.Printf("Target:      %s\n", apiURL)
	fmt.Printf("Total Jobs:  %d\n", jobCount)
	fmt.Printf("Concurrency: %d\n", concurrency)
	fmt.Printf("Job Mix:     90%% fresh uploads, 10%% idempotent replays\n\n")

	opts := []client.Option{client.WithHTTPClient(&http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        concurrency * 2,
			MaxIdleConnsPerHost: concurrency * 2,
			MaxConnsPerHost:     concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	})}
	if secret := os.Getenv("SIGNATURE_SECRET"); secret != "" {
		opts = append(opts, client.WithSigningSecret(secret))
	}
	c := client.New(apiURL, opts...)
	ctx := context.Background()

	var (
		accepted    int64
		rejected    int64
		rateLimited int64
		replays     int64
		wg          sync.WaitGroup
		sem         = make(chan struct{}, concurrency)

		mu      sync.Mutex
		sampled []uuid.UUID
	)

	img := sample()
	runID := uuid.NewString()[:8]
	start := time.Now()

	for i := 0; i < jobCount; i++ {
		wg.Add(1)
		sem <- struct{}{}

		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			key := fmt.Sprintf("load-%s-%d", runID, idx)
			if idx%10 == 9 {
				// Replays the previous submission; the API returns its job.
				key = fmt.Sprintf("load-%s-%d", runID, idx-1)
				atomic.AddInt64(&replays, 1)
			}

			resp, err := c.SubmitJob(ctx, &client.SubmitRequest{
				Images:         []client.Image{{Filename: fmt.Sprintf("img-%d.png", idx), Data: img}},
				IdempotencyKey: key,
			})
			if err != nil {
				var apiErr *client.APIError
				if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
					atomic.AddInt64(&rateLimited, 1)
				} else {
					atomic.AddInt64(&rejected, 1)
				}
				return
			}
			n := atomic.AddInt64(&accepted, 1)
			if idx%sampleEvery == 0 {
				mu.Lock()
				sampled = append(sampled, resp.JobID)
				mu.Unlock()
			}

			if n%1000 == 0 {
				elapsed := time.Since(start)
				rate := float64(n) / elapsed.Seconds() * 60
				fmt.Printf("  Progress: %d/%d jobs accepted (%.0f jobs/min)\n", n, jobCount, rate)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Printf("\n=== Admission Results ===\n")
	fmt.Printf("Duration:      %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Accepted:      %d / %d\n", accepted, jobCount)
	fmt.Printf("Rejected:      %d\n", rejected)
	fmt.Printf("Rate Limited:  %d\n", rateLimited)
	fmt.Printf("Replays:       %d\n", replays)
	if accepted > 0 {
		fmt.Printf("Throughput:    %.0f jobs/min\n", float64(accepted)/elapsed.Seconds()*60)
	}

	fmt.Printf("\n=== Completion (%d sampled jobs) ===\n", len(sampled))
	statuses := make(map[client.Status]int)
	var slowest time.Duration
	for _, id := range sampled {
		j, err := c.WaitForCompletion(ctx, id, retry.PollPolicy())
		if err != nil {
			fmt.Printf("  %s: %v\n", id, err)
			continue
		}
		statuses[j.Status]++
		if j.FinishedAt != nil {
			if d := j.FinishedAt.Sub(j.CreatedAt); d > slowest {
				slowest = d
			}
		}
	}
	for s, n := range statuses {
		fmt.Printf("  %-10s %d\n", s, n)
	}
	fmt.Printf("Slowest job:   %s\n", slowest.Round(time.Millisecond))

	if rejected > 0 {
		fmt.Printf("\nWARNING: %d jobs were rejected\n", rejected)
		os.Exit(1)
	}
}

func sample() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 128, 128))
	for y := 0; y < 128; y++ {
		for x := 0; x < 128; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 2), G: uint8(y * 2), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
