// Package client talks to a gridclash server over HTTP. Submissions are
// upserts, so a retried request is safe to apply twice.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"gridclash.app/internal/protocol"
	"gridclash.app/internal/sim/battle/grid"
	"gridclash.app/internal/sim/battle/settle"
)

var ErrRetriesExhausted = errors.New("retries exhausted")

// APIError is a non-2xx reply. Code carries the server's E_* code when the
// body had one.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client

	MaxAttempts int
	Backoff     time.Duration

	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		HTTP:        &http.Client{Timeout: 10 * time.Second},
		MaxAttempts: 3,
		Backoff:     time.Second,
		Sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Board is the authoritative board for one bucket. An unsettled bucket has
// Settled=false and no cells.
type Board struct {
	RoomID  string
	Bucket  string
	Settled bool
	Digest  string
	Cells   []grid.CellView
}

// IsTransient reports whether err is worth retrying: network timeouts,
// refused/reset/aborted connections, truncated responses, unreachable hosts
// and gateway-class statuses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.ECONNABORTED,
		syscall.EHOSTUNREACH,
		syscall.ENETUNREACH,
		syscall.ENETDOWN,
		syscall.EPIPE,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// retry runs fn until it succeeds, fails with a non-transient error, or the
// attempt budget runs out.
func (c *Client) retry(ctx context.Context, fn func() error) error {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := c.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	var last error
	for i := 1; i <= attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !IsTransient(err) {
			return err
		}
		last = err
		if i < attempts {
			if err := sleep(ctx, c.Backoff); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, last)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) bucketURL(roomID, bucket, tail string) string {
	return fmt.Sprintf("%s/v1/rooms/%s/buckets/%s/%s",
		strings.TrimRight(c.BaseURL, "/"), url.PathEscape(roomID), url.PathEscape(bucket), tail)
}

// do sends one request and returns the body of a 2xx reply.
func (c *Client) do(ctx context.Context, method, u string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	req.Header.Set("accept", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var e struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(b, &e) == nil && e.Code != "" {
			apiErr.Code = e.Code
			apiErr.Message = e.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(b))
		}
		return nil, apiErr
	}
	return b, nil
}

// FetchRoom returns the room status as seen by viewer (empty for a
// spectator view).
func (c *Client) FetchRoom(ctx context.Context, roomID, viewer string) (protocol.RoomStatusMsg, error) {
	u := fmt.Sprintf("%s/v1/rooms/%s", strings.TrimRight(c.BaseURL, "/"), url.PathEscape(roomID))
	if viewer != "" {
		u += "?viewer=" + url.QueryEscape(viewer)
	}
	var msg protocol.RoomStatusMsg
	err := c.retry(ctx, func() error {
		b, err := c.do(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		msg = protocol.RoomStatusMsg{}
		if err := json.Unmarshal(b, &msg); err != nil {
			return fmt.Errorf("decode room: %w", err)
		}
		return nil
	})
	return msg, err
}

// SubmitAllocations replaces the team's allocations for bucket. The reply's
// Applied map holds what the server stored after clamping.
func (c *Client) SubmitAllocations(ctx context.Context, roomID, bucket string, team grid.Team, allocs map[int]int) (protocol.SubmitAllocationsResp, error) {
	if allocs == nil {
		allocs = map[int]int{}
	}
	body, err := json.Marshal(protocol.SubmitAllocationsReq{
		Type:            protocol.TypeSubmit,
		ProtocolVersion: protocol.Version,
		RoomID:          roomID,
		Bucket:          bucket,
		Team:            team.String(),
		Allocations:     allocs,
	})
	if err != nil {
		return protocol.SubmitAllocationsResp{}, err
	}
	u := c.bucketURL(roomID, bucket, "teams/"+url.PathEscape(team.String())+"/allocations")

	var out protocol.SubmitAllocationsResp
	err = c.retry(ctx, func() error {
		b, err := c.do(ctx, http.MethodPut, u, body)
		if err != nil {
			return err
		}
		out = protocol.SubmitAllocationsResp{}
		if err := json.Unmarshal(b, &out); err != nil {
			return fmt.Errorf("decode submit result: %w", err)
		}
		return nil
	})
	if err != nil {
		return protocol.SubmitAllocationsResp{}, err
	}
	if !out.OK {
		return out, &APIError{Status: http.StatusOK, Code: out.Code, Message: out.Message}
	}
	return out, nil
}

func (c *Client) FetchBoardState(ctx context.Context, roomID, bucket string) (Board, error) {
	u := c.bucketURL(roomID, bucket, "board")
	var msg protocol.BoardMsg
	err := c.retry(ctx, func() error {
		b, err := c.do(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		msg = protocol.BoardMsg{}
		if err := json.Unmarshal(b, &msg); err != nil {
			return fmt.Errorf("decode board: %w", err)
		}
		return nil
	})
	if err != nil {
		return Board{}, err
	}
	out := Board{RoomID: msg.RoomID, Bucket: msg.Bucket, Settled: msg.Settled, Digest: msg.Digest}
	if out.RoomID == "" {
		out.RoomID = roomID
	}
	if out.Bucket == "" {
		out.Bucket = bucket
	}
	if msg.Settled {
		out.Cells = protocol.CellsToView(msg.Cells)
	}
	return out, nil
}

// FetchRoundSummary never fails on a malformed payload; it falls back to an
// empty summary for the bucket.
func (c *Client) FetchRoundSummary(ctx context.Context, roomID, bucket string) (settle.RoundSummary, error) {
	u := c.bucketURL(roomID, bucket, "summary")
	var raw []byte
	err := c.retry(ctx, func() error {
		b, err := c.do(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		raw = b
		return nil
	})
	if err != nil {
		return settle.RoundSummary{}, err
	}
	s := DecodeRoundSummary(raw)
	if s.RoomID == "" {
		s.RoomID = roomID
	}
	if s.Bucket == "" {
		s.Bucket = bucket
	}
	return s, nil
}
