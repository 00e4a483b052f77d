// Package notify delivers job lifecycle callbacks over HTTP.
//
// A job created with a callback URL gets exactly one POST when it
// finishes (completed or canceled). Delivery is asynchronous with a
// bounded retry ladder; the daemon never blocks on a slow receiver.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Event is the JSON body POSTed to a job's callback URL.
type Event struct {
	// Event is "job.completed" or "job.canceled".
	Event      string `json:"event"`
	InstanceID string `json:"instance_id"`
	JobID      string `json:"job_id"`
	Source     string `json:"source"`

	TilesTotal  int `json:"tiles_total"`
	TilesLoaded int `json:"tiles_loaded"`
	TilesEmpty  int `json:"tiles_empty"`
	TilesFailed int `json:"tiles_failed"`

	// FinishedAt is a Unix timestamp in milliseconds.
	FinishedAt int64 `json:"finished_at"`
}

// Options configures a Notifier.
type Options struct {
	// Timeout bounds one delivery attempt. Defaults to 5s.
	Timeout time.Duration
	// RetryDelays is the wait between successive attempts; the number of
	// retries equals its length.
	RetryDelays []time.Duration
	// Secret, when non-empty, signs each body with HMAC-SHA256 in the
	// X-Tileflow-Signature header.
	Secret string
}

// Notifier posts events and retries failures on a fixed delay ladder.
type Notifier struct {
	log      *slog.Logger
	client   *http.Client
	delays   []time.Duration
	secret   string
	instance string

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// New returns a notifier stamping events with the given instance ID.
func New(logger *slog.Logger, instanceID string, opts Options) *Notifier {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		log:      logger.With("component", "notify"),
		client:   &http.Client{Timeout: timeout},
		delays:   opts.RetryDelays,
		secret:   opts.Secret,
		instance: instanceID,
		done:     make(chan struct{}),
	}
}

// Deliver posts ev to url in the background. A blank url is a no-op.
func (n *Notifier) Deliver(url string, ev Event) {
	if url == "" {
		return
	}
	ev.InstanceID = n.instance

	body, err := json.Marshal(ev)
	if err != nil {
		n.log.Error("marshal callback payload", "job", ev.JobID, "error", err)
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(url, ev.JobID, body)
	}()
}

// Close stops pending retries and waits for in-flight deliveries.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() { close(n.done) })
	n.wg.Wait()
}

func (n *Notifier) deliver(url, jobID string, body []byte) {
	for attempt := 0; ; attempt++ {
		err := n.post(url, body)
		if err == nil {
			n.log.Info("callback delivered", "job", jobID, "url", url, "attempt", attempt+1)
			return
		}
		if attempt >= len(n.delays) {
			n.log.Warn("callback abandoned", "job", jobID, "url", url, "attempts", attempt+1, "error", err)
			return
		}
		n.log.Warn("callback failed, will retry", "job", jobID, "attempt", attempt+1, "delay", n.delays[attempt], "error", err)
		select {
		case <-n.done:
			return
		case <-time.After(n.delays[attempt]):
		}
	}
}

// post performs one delivery attempt. Returns nil only for a 2xx answer.
func (n *Notifier) post(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// Sign the request body when a secret is provided.
	if n.secret != "" {
		mac := hmac.New(sha256.New, []byte(n.secret))
		mac.Write(body)
		sig := hex.EncodeToString(mac.Sum(nil))
		req.Header.Set("X-Tileflow-Signature", "sha256="+sig)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: POST to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: endpoint returned %d", resp.StatusCode)
	}
	return nil
}
