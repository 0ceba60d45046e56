// Package mirror picks the fastest reachable provider for a manifest.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/BadgerOps/patcher/internal/manifest"
	"github.com/BadgerOps/patcher/internal/safety"
)

const (
	speedTestTimeout    = 5 * time.Second
	speedTestMaxWorkers = 10
)

// Candidate is one provider URL to measure.
type Candidate struct {
	Provider manifest.Provider
	URL      string
}

// SpeedResult holds the outcome of measuring one candidate.
type SpeedResult struct {
	Provider manifest.Provider
	URL      string
	Latency  time.Duration
	Error    string
}

// SpeedTester measures round-trip latency to provider mirrors.
type SpeedTester struct {
	client    *http.Client
	logger    *slog.Logger
	userAgent string
	timeout   time.Duration
}

// NewSpeedTester creates a SpeedTester. A nil client uses a client with the test
// timeout.
func NewSpeedTester(client *http.Client, logger *slog.Logger) *SpeedTester {
	if client == nil {
		client = safety.NewHTTPClient(speedTestTimeout)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SpeedTester{
		client:    client,
		logger:    logger,
		userAgent: "patcher/1.0",
		timeout:   speedTestTimeout,
	}
}

// Candidates picks one sample URL per provider referenced by m: the URL of
// the first entry that has an HTTP(S) location for that provider.
func Candidates(m *manifest.Manifest) []Candidate {
	var out []Candidate
	for _, p := range m.Providers() {
		for _, e := range m.Entries() {
			if u := e.URLs[p]; safety.IsHTTPURL(u) {
				out = append(out, Candidate{Provider: p, URL: u})
				break
			}
		}
	}
	return out
}

// Fastest measures every provider of m and returns the one with the lowest
// latency. When none answers it falls back to manifest.None.
func (p *SpeedTester) Fastest(ctx context.Context, m *manifest.Manifest) (manifest.Provider, []SpeedResult) {
	results := p.SpeedTest(ctx, Candidates(m))
	if len(results) == 0 || results[0].Error != "" {
		p.logger.Warn("no mirror answered the speed test, using origin", "candidates", len(results))
		return manifest.None, results
	}
	p.logger.Info("selected mirror", "provider", results[0].Provider, "latency", results[0].Latency)
	return results[0].Provider, results
}

// SpeedTest sends concurrent HEAD requests and returns results sorted by latency
// ascending, errors last.
func (p *SpeedTester) SpeedTest(ctx context.Context, candidates []Candidate) []SpeedResult {
	results := make([]SpeedResult, len(candidates))
	sem := make(chan struct{}, speedTestMaxWorkers)
	var wg sync.WaitGroup

	for i, c := range candidates {
		wg.Add(1)
		go func(idx int, c Candidate) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = p.measure(ctx, c)
		}(i, c)
	}

	wg.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Error != "" && results[j].Error == "" {
			return false
		}
		if results[i].Error == "" && results[j].Error != "" {
			return true
		}
		return results[i].Latency < results[j].Latency
	})

	for _, r := range results {
		p.logger.Debug("mirror speed test", "provider", r.Provider, "url", r.URL, "latency", r.Latency, "error", r.Error)
	}
	return results
}

func (p *SpeedTester) measure(ctx context.Context, c Candidate) SpeedResult {
	res := SpeedResult{Provider: c.Provider, URL: c.URL}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, c.URL, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	req.Header.Set("User-Agent", p.userAgent)

	start := time.Now()
	resp, err := p.client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		res.Error = fmt.Sprintf("http status %d", resp.StatusCode)
	}
	return res
}
