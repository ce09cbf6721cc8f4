package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/dreamware/torua/internal/async"
	"github.com/dreamware/torua/internal/fs"
	"github.com/dreamware/torua/internal/protocol"
)

// Options configures a remote Client.
type Options struct {
	Path          string        // Command endpoint, "/fs" by default
	Timeout       time.Duration // Per-request timeout for non-streaming commands
	RetryAttempts int           // Extra attempts for idempotent commands on connection failure
	RetryDelay    time.Duration // Initial delay between those attempts
	Transport     http.RoundTripper
}

// DefaultOptions returns the options used by nodes to reach their peers.
func DefaultOptions() Options {
	return Options{
		Path:          "/fs",
		Timeout:       10 * time.Second,
		RetryAttempts: 2,
		RetryDelay:    100 * time.Millisecond,
	}
}

// Client implements fs.Client against a Handler reachable over HTTP.
//
// Connection failures, and calls refused by the open circuit breaker, are
// returned wrapped with fs.ErrUnreachable. Protocol errors are rebuilt from
// the response so errors.Is identity survives the wire. Idempotent commands
// (Download, List, Inspect, InspectAll, Ping) are retried with exponential
// backoff on connection failure.
type Client struct {
	url      string
	commands *http.Client // Bounded by Options.Timeout
	streams  *http.Client // No overall timeout; bounded by the caller's context
	breaker  *gobreaker.CircuitBreaker
	options  Options
	logger   *zap.Logger
}

var _ fs.Client = (*Client)(nil)

// NewClient creates a client for the node at baseURL (e.g. "http://10.0.0.2:8081").
func NewClient(baseURL string, options Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultOptions()
	if options.Path == "" {
		options.Path = defaults.Path
	}
	if options.Timeout <= 0 {
		options.Timeout = defaults.Timeout
	}
	if options.RetryDelay <= 0 {
		options.RetryDelay = defaults.RetryDelay
	}
	transport := options.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	c := &Client{
		url:      strings.TrimRight(baseURL, "/") + options.Path,
		commands: &http.Client{Transport: transport, Timeout: options.Timeout},
		streams:  &http.Client{Transport: transport},
		options:  options,
		logger:   logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        baseURL,
		MaxRequests: 1,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errCallerGone)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				zap.String("node", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return c
}

// URL returns the command endpoint this client posts to.
func (c *Client) URL() string {
	return c.url
}

func (c *Client) Upload(ctx context.Context, name string) (fs.Sink, error) {
	if err := fs.ValidateName(name); err != nil {
		return nil, err
	}
	// Fail at open time rather than mid-stream when the node is down.
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}
	header, err := protocol.Encode(protocol.Upload{Name: name})
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url, pr)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set(CommandHeader, string(header))
	req.Header.Set("Content-Type", "application/octet-stream")

	done := async.Go(func() (struct{}, error) {
		resp, err := c.send(c.streams, req)
		if err != nil {
			pr.CloseWithError(err)
			return struct{}{}, err
		}
		defer resp.Body.Close()
		err = checkAck(resp)
		pr.CloseWithError(err)
		return struct{}{}, err
	})
	return &remoteSink{pipe: pw, done: done, cancel: cancel}, nil
}

// remoteSink streams writes into the body of an in-flight upload request.
type remoteSink struct {
	pipe   *io.PipeWriter
	done   *async.Future[struct{}]
	cancel context.CancelFunc
	once   sync.Once
}

func (s *remoteSink) Write(p []byte) (int, error) {
	n, err := s.pipe.Write(p)
	if err != nil && s.done.IsDone() {
		if _, reqErr := s.done.Result(); reqErr != nil {
			return n, reqErr
		}
	}
	return n, err
}

func (s *remoteSink) Close() error {
	s.pipe.Close()
	_, err := s.done.Result()
	s.once.Do(s.cancel)
	return err
}

func (s *remoteSink) Abort(err error) {
	if err == nil {
		err = errors.New("upload aborted")
	}
	// Cancel first so the failed request is attributed to the caller.
	s.once.Do(s.cancel)
	s.pipe.CloseWithError(err)
	s.done.Result()
}

func (c *Client) Download(ctx context.Context, name string, offset, limit int64) (io.ReadCloser, error) {
	resp, err := c.call(ctx, c.streams, protocol.Download{Name: name, Offset: offset, Limit: limit}, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return resp.Body, nil
}

func (c *Client) Copy(ctx context.Context, name, target string) error {
	return c.command(ctx, protocol.Copy{Name: name, Target: target})
}

func (c *Client) CopyAll(ctx context.Context, sourceToTarget map[string]string) error {
	return c.command(ctx, protocol.CopyAll{SourceToTarget: sourceToTarget})
}

func (c *Client) Move(ctx context.Context, name, target string) error {
	return c.command(ctx, protocol.Move{Name: name, Target: target})
}

func (c *Client) MoveAll(ctx context.Context, sourceToTarget map[string]string) error {
	return c.command(ctx, protocol.MoveAll{SourceToTarget: sourceToTarget})
}

func (c *Client) Delete(ctx context.Context, name string) error {
	return c.command(ctx, protocol.Delete{Name: name})
}

func (c *Client) DeleteAll(ctx context.Context, names []string) error {
	return c.command(ctx, protocol.DeleteAll{Names: names})
}

func (c *Client) List(ctx context.Context, glob string) ([]fs.FileMetadata, error) {
	var out protocol.ListResponse
	if err := c.query(ctx, protocol.List{Glob: glob}, &out); err != nil {
		return nil, err
	}
	if out.Files == nil {
		out.Files = []fs.FileMetadata{}
	}
	return out.Files, nil
}

func (c *Client) Info(ctx context.Context, name string) (*fs.FileMetadata, error) {
	var out protocol.InspectResponse
	if err := c.query(ctx, protocol.Inspect{Name: name}, &out); err != nil {
		return nil, err
	}
	return out.Metadata, nil
}

func (c *Client) InfoAll(ctx context.Context, names []string) (map[string]*fs.FileMetadata, error) {
	var out protocol.InspectAllResponse
	if err := c.query(ctx, protocol.InspectAll{Names: names}, &out); err != nil {
		return nil, err
	}
	files := make(map[string]*fs.FileMetadata, len(names))
	for _, name := range names {
		files[name] = out.Files[name]
	}
	return files, nil
}

func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.call(ctx, c.commands, protocol.Ping{}, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkAck(resp)
}

// command sends a mutating command and expects an ack.
func (c *Client) command(ctx context.Context, cmd protocol.Command) error {
	resp, err := c.call(ctx, c.commands, cmd, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkAck(resp)
}

// query sends an idempotent command and decodes its JSON result into out.
func (c *Client) query(ctx context.Context, cmd protocol.Command, out any) error {
	resp, err := c.call(ctx, c.commands, cmd, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", cmd.Type(), err)
	}
	return nil
}

// call posts cmd and returns the raw response. Idempotent commands are
// retried on connection failure.
func (c *Client) call(ctx context.Context, client *http.Client, cmd protocol.Command, idempotent bool) (*http.Response, error) {
	body, err := protocol.Encode(cmd)
	if err != nil {
		return nil, err
	}

	attempt := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.send(client, req)
		if err != nil && (!fs.IsUnreachable(err) || ctx.Err() != nil) {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}
	if !idempotent || c.options.RetryAttempts <= 0 {
		resp, err := attempt()
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return nil, permanent.Err
		}
		return resp, err
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = c.options.RetryDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(retry, uint64(c.options.RetryAttempts)), ctx)
	resp, err := backoff.RetryNotifyWithData[*http.Response](attempt, policy, func(err error, wait time.Duration) {
		c.logger.Debug("retrying command",
			zap.String("url", c.url),
			zap.String("command", string(cmd.Type())),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return resp, err
}

// errCallerGone marks requests that failed because the caller cancelled
// them. The breaker does not count them as failures.
var errCallerGone = errors.New("request cancelled by caller")

// send performs req through the circuit breaker. Only connection failures
// count against the breaker; any HTTP response is a success at this level.
func (c *Client) send(client *http.Client, req *http.Request) (*http.Response, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := client.Do(req)
		if err != nil && req.Context().Err() != nil {
			return nil, fmt.Errorf("%w: %w", errCallerGone, err)
		}
		return resp, err
	})
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s: %w: %w", c.url, fs.ErrUnreachable, err)
	}
	return result.(*http.Response), nil
}

func checkAck(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	}
	return responseError(resp)
}

// responseError rebuilds the error carried by a failed response.
func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var envelope protocol.ErrorResponse
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Code == "" {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return envelope.Err()
}
