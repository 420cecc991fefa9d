package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type latencySample struct {
	kind string
	dur  time.Duration
}

type status struct {
	View  string `json:"view"`
	Dirty int    `json:"dirty"`
	Label string `json:"label"`
}

type client struct {
	base string
	http *http.Client
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "server address to target")
	collection := flag.String("collection", "attendance", "roster collection")
	key := flag.String("key", "loadtest", "roster key shared by all views")
	records := flag.Int("records", 200, "records seeded into the roster")
	views := flag.Int("views", 50, "number of concurrent views")
	edits := flag.Int("edits", 20, "edits per view")
	interval := flag.Duration("interval", 100*time.Millisecond, "delay between edits")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("scope", *collection+"/"+*key).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &client{base: strings.TrimRight(*addr, "/"), http: &http.Client{Timeout: 10 * time.Second}}
	if err := c.seed(ctx, *collection, *key, *records); err != nil {
		logger.Fatal().Err(err).Msg("failed to seed roster")
	}

	samples := make(chan latencySample, *views*(*edits+1))
	var wg sync.WaitGroup
	for i := 0; i < *views; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := c.runView(ctx, n, *collection, *key, *records, *edits, *interval, samples); err != nil {
				logger.Error().Err(err).Int("client", n).Msg("view client failed")
			}
		}(i)
	}

	wg.Wait()
	close(samples)
	report(samples, logger)
}

func (c *client) seed(ctx context.Context, collection, key string, n int) error {
	seeds := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		seeds = append(seeds, map[string]any{
			"id":     fmt.Sprintf("r%04d", i),
			"fields": map[string]any{"status": "present", "guardian_id": fmt.Sprintf("g%04d", i)},
		})
	}
	return c.call(ctx, http.MethodPut, "/rosters/"+url.PathEscape(collection)+"/"+url.PathEscape(key), seeds, nil)
}

func (c *client) runView(ctx context.Context, n int, collection, key string, records, edits int, interval time.Duration, samples chan<- latencySample) error {
	var opened struct {
		Status status `json:"status"`
	}
	body := map[string]any{"scope": map[string]string{"collection": collection, "key": key}}
	if err := c.call(ctx, http.MethodPost, "/views", body, &opened); err != nil {
		return fmt.Errorf("open view: %w", err)
	}
	viewPath := "/views/" + opened.Status.View
	defer func() { _ = c.call(context.Background(), http.MethodDelete, viewPath+"?force=true", nil, nil) }()

	if err := c.call(ctx, http.MethodPost, viewPath+"/mode", nil, nil); err != nil {
		return fmt.Errorf("enter edit mode: %w", err)
	}

	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + viewPath + "/stream"
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	frames := make(chan status, 64)
	go readerLoop(conn, frames)
	<-frames

	statuses := []string{"absent", "late", "present", "excused"}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for j := 0; j < edits; j++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		edit := map[string]any{"edits": []map[string]any{{
			"id":    fmt.Sprintf("r%04d", (n*edits+j)%records),
			"field": "status",
			"value": statuses[(n+j)%len(statuses)],
		}}}
		drain(frames)
		sent := time.Now()
		if err := c.call(ctx, http.MethodPost, viewPath+"/edits", edit, nil); err != nil {
			return fmt.Errorf("edit: %w", err)
		}
		select {
		case _, ok := <-frames:
			if !ok {
				return fmt.Errorf("stream closed")
			}
			samples <- latencySample{kind: "edit", dur: time.Since(sent)}
		case <-time.After(5 * time.Second):
			return fmt.Errorf("no status frame after edit %d", j)
		}
	}

	started := time.Now()
	if err := c.call(ctx, http.MethodPost, viewPath+"/save", nil, nil); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	samples <- latencySample{kind: "save", dur: time.Since(started)}
	return nil
}

func readerLoop(conn *websocket.Conn, frames chan<- status) {
	defer close(frames)
	for {
		var st status
		if err := conn.ReadJSON(&st); err != nil {
			return
		}
		select {
		case frames <- st:
		default:
		}
	}
}

func drain(frames <-chan status) {
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (c *client) call(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func report(samples <-chan latencySample, logger zerolog.Logger) {
	type agg struct {
		count     int
		total     time.Duration
		max       time.Duration
		under50ms int
	}
	byKind := map[string]*agg{}
	for s := range samples {
		a := byKind[s.kind]
		if a == nil {
			a = &agg{}
			byKind[s.kind] = a
		}
		a.count++
		a.total += s.dur
		if s.dur > a.max {
			a.max = s.dur
		}
		if s.dur < 50*time.Millisecond {
			a.under50ms++
		}
	}

	if len(byKind) == 0 {
		fmt.Fprintln(os.Stdout, "no samples collected")
		return
	}

	for _, kind := range []string{"edit", "save"} {
		a := byKind[kind]
		if a == nil {
			continue
		}
		avg := time.Duration(int64(math.Round(float64(a.total) / float64(a.count))))
		pct := (float64(a.under50ms) / float64(a.count)) * 100
		fmt.Fprintf(os.Stdout, "[%s] Samples: %d\nAvg latency: %s\nMax latency: %s\n<50ms: %.2f%%\n", kind, a.count, avg, a.max, pct)
		if kind == "edit" && pct < 95 {
			logger.Warn().Msg("less than 95% of edit notifications met the 50ms target")
		}
	}
}
