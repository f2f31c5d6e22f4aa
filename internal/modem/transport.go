package modem

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"
)

// Transport owns the serial port exclusively. Exchanges are requested by
// acquiring a single-capacity token channel that represents the AT session
// lock; a second token channel serializes the HTTP request/response
// sequence (spec §4.A's two mutexes). Because the HTTP sequence still
// acquires the AT token per-command rather than holding it for the whole
// session, the two tokens never nest — the re-entrancy hazard the source's
// nested-lock design has is structurally absent here (spec §9 REDESIGN
// FLAG: "prefer a single actor owning the port, exchanging request/
// response values with callers over a channel").
type Transport struct {
	port   io.ReadWriteCloser
	reader *bufio.Reader

	atToken   chan struct{}
	httpToken chan struct{}
}

// NewTransport wraps an already-opened serial port (or any
// io.ReadWriteCloser, which lets tests substitute an in-memory pipe).
func NewTransport(port io.ReadWriteCloser) *Transport {
	t := &Transport{
		port:      port,
		reader:    bufio.NewReader(port),
		atToken:   make(chan struct{}, 1),
		httpToken: make(chan struct{}, 1),
	}
	t.atToken <- struct{}{}
	t.httpToken <- struct{}{}
	return t
}

// Close releases the underlying port.
func (t *Transport) Close() error {
	return t.port.Close()
}

func acquire(ctx context.Context, token chan struct{}) error {
	select {
	case <-token:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func release(token chan struct{}) {
	token <- struct{}{}
}

// withHTTPSession holds the HTTP session token for the duration of fn,
// serializing the whole multi-command HTTP exchange end to end the way
// spec §4.A requires ("the session must be serialized end-to-end by a
// second mutex held across all of ...").
func (t *Transport) withHTTPSession(ctx context.Context, fn func() error) error {
	if err := acquire(ctx, t.httpToken); err != nil {
		return err
	}
	defer release(t.httpToken)
	return fn()
}

// SendAT writes command + CRLF and reads lines until one contains a
// terminator from expected (default {"OK"} if expected is empty) or an
// error token ("ERROR", "+CME ERROR:"). Returns the full captured lines on
// success.
func (t *Transport) SendAT(ctx context.Context, command string, expected []string, timeout time.Duration) ([]string, error) {
	if len(expected) == 0 {
		expected = []string{"OK"}
	}

	if err := acquire(ctx, t.atToken); err != nil {
		return nil, err
	}
	defer release(t.atToken)

	if _, err := io.WriteString(t.port, command+"\r\n"); err != nil {
		return nil, newModuleOperationError("write AT command: "+err.Error(), command)
	}

	deadline := time.Now().Add(timeout)
	var lines []string
	for time.Now().Before(deadline) {
		line, ok := t.readLine()
		if !ok {
			continue
		}
		if line == "" {
			continue
		}
		lines = append(lines, line)
		for _, term := range expected {
			if strings.Contains(line, term) {
				return lines, nil
			}
		}
		if strings.Contains(line, "ERROR") {
			return lines, newModuleOperationError("AT command returned an error token", command)
		}
	}
	return lines, newModuleOperationError("AT command timed out", command)
}

// WriteRaw writes raw bytes directly to the port, under the AT token, for
// the URL/POST-body writes that happen mid-HTTP-sequence outside the
// request/response framing of SendAT.
func (t *Transport) WriteRaw(ctx context.Context, data []byte) error {
	if err := acquire(ctx, t.atToken); err != nil {
		return err
	}
	defer release(t.atToken)

	_, err := t.port.Write(data)
	return err
}

// ReadUntilOK reads lines until one equals exactly "OK", or timeout elapses.
func (t *Transport) ReadUntilOK(ctx context.Context, timeout time.Duration) bool {
	if err := acquire(ctx, t.atToken); err != nil {
		return false
	}
	defer release(t.atToken)

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		line, ok := t.readLine()
		if !ok {
			continue
		}
		if line == "OK" {
			return true
		}
	}
	return false
}

// WaitForURC reads lines until one starts with prefix, or timeout elapses.
func (t *Transport) WaitForURC(ctx context.Context, prefix string, timeout time.Duration) (string, bool) {
	if err := acquire(ctx, t.atToken); err != nil {
		return "", false
	}
	defer release(t.atToken)

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		line, ok := t.readLine()
		if !ok {
			continue
		}
		if strings.HasPrefix(line, prefix) {
			return line, true
		}
	}
	return "", false
}

// ReadRawUntil reads raw bytes (not line-framed) until the accumulated
// buffer contains marker, or timeout elapses. Used for +QHTTPREAD's binary
// body drain.
func (t *Transport) ReadRawUntil(ctx context.Context, marker string, timeout time.Duration) (string, error) {
	if err := acquire(ctx, t.atToken); err != nil {
		return "", err
	}
	defer release(t.atToken)

	deadline := time.Now().Add(timeout)
	var buf strings.Builder
	tmp := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, err := t.reader.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
			if strings.Contains(buf.String(), marker) {
				return strings.Split(buf.String(), marker)[0], nil
			}
		}
		if err != nil && err != io.EOF {
			return buf.String(), err
		}
	}
	return buf.String(), context.DeadlineExceeded
}

// readLine reads one line, or signals "nothing yet" via ok=false so the
// caller can re-check its own deadline rather than blocking past it. This
// relies on the underlying port having a short per-Read timeout configured
// (the way the source opens pyserial with timeout=1), so a silent port
// doesn't wedge this loop past its AT-command deadline.
func (t *Transport) readLine() (string, bool) {
	line, err := t.reader.ReadString('\n')
	if err != nil && line == "" {
		return "", false
	}
	return strings.TrimSpace(line), true
}
