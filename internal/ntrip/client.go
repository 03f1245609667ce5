// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package ntrip

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/rtk_bridge/internal/rtcm"
)

// The connect errors are distinguished because they call for
// different operator action: an unreachable caster is a network
// problem, bad credentials need a config fix, a missing mountpoint
// needs a different stream name.
var (
	ErrCasterUnreachable    = errors.New("ntrip: caster unreachable")
	ErrAuthenticationFailed = errors.New("ntrip: authentication failed")
	ErrMountpointNotFound   = errors.New("ntrip: mountpoint not found")
	ErrStreamStalled        = errors.New("ntrip: stream stalled")
)

// State of the caster connection, owned exclusively by the client.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateHandshaking   State = "handshaking"
	StateAuthenticated State = "authenticated"
	StateStreaming     State = "streaming"
	StateFailed        State = "failed"
)

// Config is the caster connection configuration, handed in already
// validated.
type Config struct {
	Host       string
	Port       int
	Mountpoint string
	Username   string
	Password   string

	// DialTimeout bounds the TCP connect plus handshake.
	DialTimeout time.Duration
	// SilenceTimeout is how long the stream may go quiet before the
	// connection is declared stalled. Silence is the primary failure
	// signal; TCP alone may not report a dead peer for minutes.
	SilenceTimeout time.Duration
}

// Client speaks NTRIP v1 to a caster: one handshake for the
// configured mountpoint, then a continuous raw RTCM3 byte stream.
type Client struct {
	cfg     Config
	scanner *rtcm.Scanner

	mu    sync.Mutex
	state State
	conn  net.Conn
}

// NewClient builds a client that frames the stream through the given
// scanner.
func NewClient(cfg Config, scanner *rtcm.Scanner) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = 30 * time.Second
	}
	return &Client{cfg: cfg, scanner: scanner, state: StateDisconnected}
}

// State returns the current caster state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns the correction-stream counters.
func (c *Client) Stats() rtcm.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanner.Stats()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state != s {
		log.Debugf("ntrip: state %s -> %s", c.state, s)
	}
	c.state = s
	c.mu.Unlock()
}

// Run connects, performs the handshake and streams chunks into out
// until the context is cancelled or the stream fails. The returned
// error is one of the sentinel errors above (wrapped), or ctx.Err().
func (c *Client) Run(ctx context.Context, out chan<- rtcm.Chunk) error {
	br, err := c.connect(ctx)
	if err != nil {
		c.setState(StateFailed)
		return err
	}
	defer c.Close()

	// Unblock the read when the context goes away.
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	c.setState(StateStreaming)
	log.Infof("ntrip: streaming %s from %s:%d", c.cfg.Mountpoint, c.cfg.Host, c.cfg.Port)

	buf := make([]byte, 2048)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return ctx.Err()
		}
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.SilenceTimeout)); err != nil {
			return fmt.Errorf("ntrip: set deadline: %w", err)
		}
		n, err := br.Read(buf)
		if n > 0 {
			c.mu.Lock()
			chunks := c.scanner.Push(buf[:n])
			c.mu.Unlock()
			for _, chunk := range chunks {
				select {
				case out <- chunk:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.setState(StateFailed)
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("%w: no data for %s", ErrStreamStalled, c.cfg.SilenceTimeout)
			}
			return fmt.Errorf("ntrip: read: %w", err)
		}
	}
}

// connect dials the caster and performs the source-request handshake.
// It returns a reader positioned at the start of the correction
// stream; buffered bytes past the response line belong to the stream.
func (c *Client) connect(ctx context.Context) (*bufio.Reader, error) {
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	c.setState(StateHandshaking)

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCasterUnreachable, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	deadline := time.Now().Add(c.cfg.DialTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: %v", ErrCasterUnreachable, err)
	}

	var req strings.Builder
	fmt.Fprintf(&req, "GET /%s HTTP/1.0\r\n", c.cfg.Mountpoint)
	fmt.Fprintf(&req, "Host: %s\r\n", addr)
	req.WriteString("User-Agent: NTRIP rtk-bridge/1.0\r\n")
	req.WriteString("Accept: */*\r\n")
	if c.cfg.Username != "" {
		cred := base64.StdEncoding.EncodeToString(
			[]byte(c.cfg.Username + ":" + c.cfg.Password))
		fmt.Fprintf(&req, "Authorization: Basic %s\r\n", cred)
	}
	req.WriteString("\r\n")
	if _, err := conn.Write([]byte(req.String())); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: %v", ErrCasterUnreachable, err)
	}

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: %v", ErrCasterUnreachable, err)
	}
	status = strings.TrimSpace(status)

	switch {
	case status == "ICY 200 OK":
		// NTRIP v1: the stream follows immediately.
	case strings.HasPrefix(status, "HTTP/") && strings.Contains(status, " 200 "):
		// v2-style response: skip headers up to the blank line.
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				c.Close()
				return nil, fmt.Errorf("%w: %v", ErrCasterUnreachable, err)
			}
			if strings.TrimSpace(line) == "" {
				break
			}
		}
	case strings.Contains(status, " 401 ") || strings.Contains(status, "Unauthorized"):
		c.Close()
		return nil, fmt.Errorf("%w: caster said %q", ErrAuthenticationFailed, status)
	case strings.HasPrefix(status, "SOURCETABLE"):
		// The caster answers a request for an unknown mountpoint with
		// its source table instead of an error status.
		c.Close()
		return nil, fmt.Errorf("%w: caster returned source table for %q",
			ErrMountpointNotFound, c.cfg.Mountpoint)
	default:
		// HTML error pages and anything else that is not a streaming
		// preamble must never be treated as a silent empty stream.
		c.Close()
		return nil, fmt.Errorf("%w: caster said %q", ErrMountpointNotFound, status)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: %v", ErrCasterUnreachable, err)
	}
	c.setState(StateAuthenticated)
	return br, nil
}

// Close shuts the connection so any blocked read unblocks promptly.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
}
