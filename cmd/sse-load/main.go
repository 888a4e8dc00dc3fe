// Command sse-load opens many /stream connections, folds every received fact
// into a reconciler per connection, and fails if events stop arriving or a
// connection observes a sequence gap.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"tasksync/client"
	"tasksync/domain"
)

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

type counters struct {
	attempts atomic.Uint64
	failures atomic.Uint64
	events   atomic.Uint64
	gaps     atomic.Uint64
}

func main() {
	streamURL := getenv("STREAM_URL", "http://localhost:5000/stream")
	conns := getenvInt("SSE_CONNECTIONS", 200)
	duration := time.Duration(getenvInt("DURATION_SEC", 120)) * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var c counters
	httpClient := &http.Client{}
	var wg sync.WaitGroup
	wg.Add(conns)
	for i := range conns {
		go func() {
			defer wg.Done()
			u, err := withUser(streamURL, fmt.Sprintf("load-%d", i))
			if err != nil {
				log.Fatalf("stream url: %v", err)
			}
			streamContinuously(ctx, httpClient, u, &c)
		}()
	}

	go func() {
		select {
		case <-time.After(60 * time.Second):
			if c.events.Load() == 0 {
				fmt.Println("no events received in 60s")
				os.Exit(1)
			}
		case <-ctx.Done():
		}
	}()

	wg.Wait()
	attempts, failures := c.attempts.Load(), c.failures.Load()
	events, gaps := c.events.Load(), c.gaps.Load()
	failureRate := 0.0
	if attempts > 0 {
		failureRate = float64(failures) / float64(attempts)
	}
	fmt.Printf("connections=%d duration_sec=%d events_received=%d connection_failures=%d sequence_gaps=%d\n",
		conns, int(duration.Seconds()), events, failures, gaps)
	if events == 0 || gaps > 0 || failureRate > 0.01 {
		os.Exit(1)
	}
}

func withUser(raw, user string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("user", user)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func streamContinuously(ctx context.Context, hc *http.Client, streamURL string, c *counters) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		c.attempts.Add(1)
		err := stream(ctx, hc, streamURL, c)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, client.ErrGap) {
			c.gaps.Add(1)
		}
		c.failures.Add(1)
		log.WithError(err).Debug("stream ended")
		time.Sleep(backoff)
		backoff = min(backoff*2, 5*time.Second)
	}
}

func stream(ctx context.Context, hc *http.Client, streamURL string, c *counters) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	rec := client.NewReconciler()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		c.events.Add(1)
		f, err := domain.DecodeFact([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))))
		if err != nil {
			return err
		}
		if _, err := rec.Apply(f); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("stream closed by server")
}
