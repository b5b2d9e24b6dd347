package chains

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"syscall"
	"time"

	. "github.com/parvit/closecheck/logger"
	"github.com/parvit/closecheck/shared"
)

const (
	// DEFAULT_CHAIN_TIMEOUT wait for the response of a single chain
	DEFAULT_CHAIN_TIMEOUT = 5 * time.Second
)

var timeNow = time.Now

// Driver executes chains in order over a single client connection, which it owns
type Driver struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration

	peerClosed bool
	err        error
}

// NewDriver returns a driver for the connection, each chain waits at most _timeout_ for
// its response
func NewDriver(conn net.Conn, timeout time.Duration) *Driver {
	if timeout <= 0 {
		timeout = DEFAULT_CHAIN_TIMEOUT
	}
	return &Driver{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: timeout,
	}
}

// PeerClosed returns true if the peer closed the connection during the run
func (d *Driver) PeerClosed() bool {
	return d.peerClosed
}

// Err returns the fatal error which interrupted the run, nil if none happened
func (d *Driver) Err() error {
	return d.err
}

// Close closes the client connection
func (d *Driver) Close() error {
	return d.conn.Close()
}

// Run executes the chains strictly in sequence and returns one result per chain, with
// indices following the order of the list
func (d *Driver) Run(ctx context.Context, list []MessageChain) []ChainResult {
	results := make([]ChainResult, 0, len(list))
	for i, chain := range list {
		switch {
		case d.err != nil || d.peerClosed:
			results = append(results, ChainResult{Index: i, Outcome: OutcomeUnavailable, Reason: "connection closed"})
			continue
		case ctx.Err() != nil:
			results = append(results, ChainResult{Index: i, Outcome: OutcomeUnavailable, Reason: ctx.Err().Error()})
			continue
		}

		res := d.runChain(ctx, i, chain)
		if res.Matched {
			Info("Chain %d: matched", i)
		} else {
			Warning("Chain %d: %s (%s)", i, res.Outcome, res.Reason)
		}
		results = append(results, res)
	}
	return results
}

func (d *Driver) deadline(ctx context.Context) time.Time {
	deadline := timeNow().Add(d.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}

// watchContext interrupts the pending reads when the context is cancelled
func (d *Driver) watchContext(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		defer func() {
			if err := recover(); err != nil {
				Error("PANIC: %v", err)
				debug.PrintStack()
			}
		}()
		select {
		case <-ctx.Done():
			_ = d.conn.SetDeadline(time.Now())
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (d *Driver) runChain(ctx context.Context, index int, chain MessageChain) ChainResult {
	res := ChainResult{Index: index}

	stop := d.watchContext(ctx)
	defer stop()

	_ = d.conn.SetDeadline(d.deadline(ctx))
	Debug("Chain %d: sending %d bytes", index, len(chain.Request))
	if _, err := d.conn.Write(chain.Request); err != nil {
		d.err = fmt.Errorf("%w: %v", shared.ErrConnectionLost, err)
		res.Outcome = OutcomeConnectionLost
		res.Reason = fmt.Sprintf("send failed: %v", err)
		return res
	}
	res.Sent = true

	resp, err := d.readResponse(chain.Request)
	switch {
	case err == nil:
		res.Received = resp

	case isTimeout(err):
		res.Outcome = OutcomeTimeout
		if chain.Expected.NoResponse {
			res.Reason = "timeout waiting for the connection to be closed"
		} else {
			res.Reason = "timeout waiting for response"
		}
		return res

	case isClosed(err):
		d.peerClosed = true
		if chain.Expected.NoResponse {
			res.Matched = true
			res.Outcome = OutcomeMatched
			return res
		}
		res.Outcome = OutcomeConnectionLost
		res.Reason = fmt.Sprintf("connection closed by peer: %v", err)
		return res

	default:
		res.Outcome = OutcomeMismatch
		res.Reason = fmt.Sprintf("malformed response: %v", err)
		return res
	}

	if reason := chain.Expected.Match(resp); len(reason) > 0 {
		res.Outcome = OutcomeMismatch
		res.Reason = reason
		return res
	}

	if chain.ExpectClose {
		if reason := d.waitPeerClose(); len(reason) > 0 {
			res.Outcome = OutcomeMismatch
			res.Reason = reason
			return res
		}
	}

	res.Matched = true
	res.Outcome = OutcomeMatched
	return res
}

// readResponse reads a complete response including its body
func (d *Driver) readResponse(rawRequest []byte) (*Response, error) {
	var req *http.Request
	if r, err := ParseRequest(rawRequest); err == nil {
		req = r
	}

	resp, err := http.ReadResponse(d.reader, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

// waitPeerClose waits for the end of the stream after a response which is expected to be
// followed by the close of the connection
func (d *Driver) waitPeerClose() string {
	_, err := d.reader.Peek(1)
	switch {
	case err == nil:
		return "unexpected data after the response"
	case isClosed(err):
		d.peerClosed = true
		Debug("Connection closed by peer as expected")
		return ""
	case isTimeout(err):
		return "connection not closed by peer"
	}
	return fmt.Sprintf("waiting for close: %v", err)
}

func isTimeout(err error) bool {
	var nErr net.Error
	return errors.As(err, &nErr) && nErr.Timeout()
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed)
}
