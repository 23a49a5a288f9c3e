// Package transport talks to a debug probe's telnet command server.
//
// The server answers every command line with free text followed by its
// prompt. A response is considered complete when the received bytes,
// after telnet negotiation and carriage returns are stripped, end with
// Prompt. Each exchange runs under one lock with a read deadline, so at
// most one command is ever outstanding on the wire.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/probemon/internal/errors"
	"codeberg.org/mutker/probemon/internal/logger"
)

const (
	Prompt                  = "> "
	DefaultTimeout          = time.Second
	DefaultMaxResponseBytes = 64 * 1024
)

var prompt = []byte(Prompt)

// Telnet bytes the command server may interleave with text.
const (
	telnetIAC  = 0xff
	telnetSB   = 0xfa
	telnetSE   = 0xf0
	telnetWILL = 0xfb
	telnetDONT = 0xfe
)

type Config struct {
	// Timeout bounds dialing and every command exchange.
	Timeout          time.Duration
	MaxResponseBytes int
}

// Client is a MemoryTransport over one TCP connection.
type Client struct {
	cfg Config
	log logger.Logger

	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
}

var _ Transport = (*Client)(nil)

func New(cfg Config, log logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	return &Client{
		cfg: cfg,
		log: log.With("transport"),
	}
}

// Connect dials host:port and waits for the first prompt. An existing
// connection is closed first. Failures are not retried.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	errFactory := errors.New()
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked()

	d := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errFactory.Wrap(ErrConnectFailed, err).WithData(addr)
	}

	c.conn = conn
	c.rd = bufio.NewReader(conn)

	// Banner and first prompt.
	if _, err := c.receiveLocked(ctx); err != nil {
		c.closeLocked()
		return errFactory.Wrap(ErrConnectFailed, err).WithData(addr)
	}

	c.log.Info().Str("addr", addr).Msg("Connected to probe")
	return nil
}

// Disconnect closes the connection. It is safe to call repeatedly.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	c.closeLocked()
	c.log.Info().Msg("Disconnected from probe")
	return nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// ReadBytes reads n bytes starting at addr using half-word dumps.
func (c *Client) ReadBytes(ctx context.Context, addr uint32, n int) ([]byte, error) {
	if n <= 0 {
		return []byte{}, nil
	}

	halfWords := (n + 1) / 2
	resp, err := c.Exec(ctx, fmt.Sprintf("mdh 0x%08x %d", addr, halfWords))
	if err != nil {
		return nil, err
	}

	return parseHalfWords(resp, n)
}

// WriteBytes writes data at addr one 32-bit word per command. A trailing
// partial word is zero padded.
func (c *Client) WriteBytes(ctx context.Context, addr uint32, data []byte) error {
	for i := 0; i < len(data); i += 4 {
		var word [4]byte
		copy(word[:], data[i:])

		value := uint32(word[0]) | uint32(word[1])<<8 | uint32(word[2])<<16 | uint32(word[3])<<24
		if _, err := c.Exec(ctx, fmt.Sprintf("mww 0x%08x 0x%08x", addr+uint32(i), value)); err != nil {
			return err
		}
	}
	return nil
}

// Exec sends one command line and returns the response text without the
// echoed command and trailing prompt. A response mentioning an error is
// returned as ErrCommandRejected; the connection stays usable.
func (c *Client) Exec(ctx context.Context, cmd string) (string, error) {
	errFactory := errors.New()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return "", errFactory.WithData(ErrNotConnected, cmd)
	}

	c.log.Debug().Str("cmd", cmd).Msg("Sending command")

	if err := c.setDeadlineLocked(ctx); err != nil {
		c.closeLocked()
		return "", errFactory.Wrap(ErrIOFailed, err)
	}
	if _, err := c.conn.Write([]byte(cmd + "\n")); err != nil {
		c.closeLocked()
		return "", classify(ctx, err)
	}

	raw, err := c.receiveLocked(ctx)
	if err != nil {
		c.closeLocked()
		return "", err
	}

	resp := stripEcho(raw, cmd)
	c.log.Debug().Str("cmd", cmd).Str("resp", resp).Msg("Received response")

	if rejected(resp) {
		return "", errFactory.WithData(ErrCommandRejected, strings.TrimSpace(resp))
	}
	return resp, nil
}

func (c *Client) setDeadlineLocked(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return c.conn.SetDeadline(deadline)
}

// receiveLocked reads until the prompt, the deadline or the size bound.
func (c *Client) receiveLocked(ctx context.Context) (string, error) {
	if err := c.setDeadlineLocked(ctx); err != nil {
		return "", errors.New().Wrap(ErrIOFailed, err)
	}

	// Unblock the read if ctx is cancelled before the deadline.
	conn := c.conn
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	var buf []byte
	for {
		b, err := c.rd.ReadByte()
		if err != nil {
			return "", classify(ctx, err)
		}

		switch b {
		case telnetIAC:
			lit, err := c.skipTelnetLocked()
			if err != nil {
				return "", classify(ctx, err)
			}
			if !lit {
				continue
			}
		case '\r', 0:
			continue
		}

		buf = append(buf, b)
		if len(buf) > c.cfg.MaxResponseBytes {
			return "", errors.New().WithData(ErrMalformedResponse, "response exceeds size limit")
		}
		if bytes.HasSuffix(buf, prompt) {
			return string(buf[:len(buf)-len(Prompt)]), nil
		}
	}
}

// skipTelnetLocked consumes a telnet command following IAC. It reports
// true for an escaped literal 0xff data byte.
func (c *Client) skipTelnetLocked() (bool, error) {
	b, err := c.rd.ReadByte()
	if err != nil {
		return false, err
	}

	switch {
	case b == telnetIAC:
		return true, nil
	case b >= telnetWILL && b <= telnetDONT:
		_, err = c.rd.ReadByte()
		return false, err
	case b == telnetSB:
		for {
			b, err = c.rd.ReadByte()
			if err != nil {
				return false, err
			}
			if b != telnetIAC {
				continue
			}
			b, err = c.rd.ReadByte()
			if err != nil {
				return false, err
			}
			if b == telnetSE {
				return false, nil
			}
		}
	}
	return false, nil
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.rd = nil
}

func classify(ctx context.Context, err error) error {
	errFactory := errors.New()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return errFactory.Wrap(ErrIOFailed, ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errFactory.Wrap(ErrTimeout, err)
	}
	return errFactory.Wrap(ErrIOFailed, err)
}

// stripEcho drops the echoed command line the telnet server sends back.
func stripEcho(resp, cmd string) string {
	trimmed := strings.TrimLeft(resp, "\n")
	line, rest, found := strings.Cut(trimmed, "\n")
	if strings.TrimSpace(line) == cmd {
		if !found {
			return ""
		}
		return rest
	}
	return resp
}

func rejected(resp string) bool {
	lower := strings.ToLower(resp)
	return strings.Contains(lower, "error") || strings.Contains(lower, "invalid")
}

// parseHalfWords decodes "addr: hhhh hhhh ..." dump lines into n bytes,
// each half-word little-endian. Any token that is not a 16-bit hex value,
// or a dump shorter than n bytes, is reported as malformed.
func parseHalfWords(resp string, n int) ([]byte, error) {
	errFactory := errors.New()
	out := make([]byte, 0, n+1)

	for _, line := range strings.Split(resp, "\n") {
		_, values, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		for _, tok := range strings.Fields(values) {
			hex := strings.TrimPrefix(strings.TrimPrefix(tok, "0x"), "0X")
			v, err := strconv.ParseUint(hex, 16, 16)
			if err != nil {
				return nil, errFactory.WithData(ErrMalformedResponse, tok)
			}
			out = append(out, byte(v), byte(v>>8))
		}
	}

	if len(out) < n {
		return nil, errFactory.WithData(ErrMalformedResponse, fmt.Sprintf("got %d of %d bytes", len(out), n))
	}
	return out[:n], nil
}
