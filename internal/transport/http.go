package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-meross/internal/protocol"
)

// HTTP request constants.
const (
	// defaultRequestTimeout bounds one request attempt end to end.
	defaultRequestTimeout = 10 * time.Second

	// defaultConnectTimeoutMax caps the escalating dial timeout.
	defaultConnectTimeoutMax = 5 * time.Second

	// initialConnectTimeout is the dial timeout for the first attempt.
	initialConnectTimeout = 1 * time.Second

	// maxResponseSize bounds the reply body read (1MB).
	maxResponseSize = 1 << 20

	contentTypeJSON      = "application/json"
	contentTypeEncrypted = "application/octet-stream"
)

// HTTPOptions configures an HTTP client for one appliance.
type HTTPOptions struct {
	// Host is the appliance address, with optional port. May be empty at
	// construction and set later via SetHost once discovery learns it.
	Host string

	// Key is the device key used for signing. When empty the client runs
	// in reply-echo mode: requests reuse the identity of the last reply,
	// which most firmwares accept in place of a valid signature.
	Key string

	// Timeout bounds one request attempt. Default: 10 seconds.
	Timeout time.Duration

	// ConnectTimeoutMax caps the escalating dial timeout.
	// Default: 5 seconds.
	ConnectTimeoutMax time.Duration

	// Logger for retry and key fallback logging (optional).
	Logger *logging.Logger
}

// HTTP sends request envelopes to one appliance's embedded web server.
//
// Appliance HTTP stacks sometimes stop answering the TCP handshake for a
// while, so each request retries the connect with a doubling dial timeout
// until either the connect succeeds or the configured cap is reached. The
// attempt itself stays bounded by Timeout.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type HTTP struct {
	key               string
	timeout           time.Duration
	connectTimeoutMax time.Duration
	log               *logging.Logger

	mu       sync.Mutex
	url      string
	cipher   *protocol.Cipher
	replyKey *protocol.Header

	// ctx is cancelled by Terminate so in-flight requests abort.
	ctx    context.Context
	cancel context.CancelFunc

	// post is swappable for tests.
	post func(ctx context.Context, url, contentType string, body []byte, connectTimeout time.Duration) ([]byte, error)
}

// NewHTTP creates an HTTP client for one appliance.
func NewHTTP(opts HTTPOptions) *HTTP {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRequestTimeout
	}
	if opts.ConnectTimeoutMax <= 0 {
		opts.ConnectTimeoutMax = defaultConnectTimeoutMax
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &HTTP{
		key:               opts.Key,
		timeout:           opts.Timeout,
		connectTimeoutMax: opts.ConnectTimeoutMax,
		log:               opts.Logger,
		ctx:               ctx,
		cancel:            cancel,
	}
	t.post = t.doPost
	if opts.Host != "" {
		t.SetHost(opts.Host)
	}
	return t
}

// SetHost points the client at a new appliance address. Descriptor
// refreshes call this when the reported innerIp changes.
func (t *HTTP) SetHost(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if host == "" {
		t.url = ""
		return
	}
	t.url = fmt.Sprintf("http://%s/config", host)
}

// SetEncryption enables AES-CBC body encryption with the given derived
// key, or disables it when key is nil. Newer firmwares advertising the
// encryption ability reject plaintext bodies.
func (t *HTTP) SetEncryption(key []byte) error {
	if key == nil {
		t.mu.Lock()
		t.cipher = nil
		t.mu.Unlock()
		return nil
	}
	cipher, err := protocol.NewCipher(key)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.cipher = cipher
	t.mu.Unlock()
	return nil
}

// Terminate aborts any in-flight request and permanently disables the
// client. A new client must be built to talk to the device again.
func (t *HTTP) Terminate() {
	t.cancel()
}

// Usable reports whether the client can currently carry requests.
func (t *HTTP) Usable() bool {
	if t.ctx.Err() != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url != ""
}

// Cloud reports false: HTTP always talks to the appliance directly.
func (t *HTTP) Cloud() bool {
	return false
}

// Send posts msg to the appliance and returns the raw reply body.
//
// In reply-echo mode (no key configured) the request is first rebuilt
// with the identity of the last reply when one is known. If the device
// still rejects the signature with error 5001, the request is rebuilt
// once more from the rejecting reply itself and retried. Any carrier
// error resets the stored echo since it may have gone stale.
func (t *HTTP) Send(ctx context.Context, deviceID string, msg *protocol.Message) ([]byte, error) {
	if t.ctx.Err() != nil {
		return nil, ErrTerminated
	}

	echoMode := t.key == ""
	if echoMode {
		t.mu.Lock()
		echo := t.replyKey
		t.mu.Unlock()
		if echo != nil {
			msg = protocol.NewEchoRequest(msg.Header.Namespace, msg.Header.Method, msg.Payload, echo, msg.Header.From)
		}
	}

	raw, err := t.roundTrip(ctx, msg)
	if err != nil {
		if echoMode {
			t.setReplyKey(nil)
		}
		return nil, err
	}
	if !echoMode {
		return raw, nil
	}

	reply, _, derr := protocol.DecodeResponse(raw)
	if derr != nil {
		return raw, nil
	}
	if reply.Header.Method == protocol.MethodError && protocol.ErrorCode(reply.Payload) == protocol.ErrorCodeInvalidKey {
		t.log.Warn("key rejected, retrying with echoed reply identity",
			"device", deviceID,
			"namespace", msg.Header.Namespace)
		retry := protocol.NewEchoRequest(msg.Header.Namespace, msg.Header.Method, msg.Payload, &reply.Header, msg.Header.From)
		raw, err = t.roundTrip(ctx, retry)
		if err != nil {
			t.setReplyKey(nil)
			return nil, fmt.Errorf("%w: %w", protocol.ErrInvalidKey, err)
		}
		reply, _, derr = protocol.DecodeResponse(raw)
		if derr != nil {
			return raw, nil
		}
	}
	t.setReplyKey(&reply.Header)
	return raw, nil
}

func (t *HTTP) setReplyKey(h *protocol.Header) {
	t.mu.Lock()
	t.replyKey = h
	t.mu.Unlock()
}

// roundTrip encodes msg and posts it, retrying transient connect
// timeouts with a doubling dial timeout up to the configured cap.
func (t *HTTP) roundTrip(ctx context.Context, msg *protocol.Message) ([]byte, error) {
	body, err := msg.Encode()
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	url := t.url
	cipher := t.cipher
	t.mu.Unlock()
	if url == "" {
		return nil, ErrNoHost
	}

	contentType := contentTypeJSON
	if cipher != nil {
		body = cipher.Encrypt(body)
		contentType = contentTypeEncrypted
	}

	connectTimeout := initialConnectTimeout
	for {
		raw, err := t.post(ctx, url, contentType, body, connectTimeout)
		if err == nil {
			if cipher != nil {
				return cipher.Decrypt(raw)
			}
			return raw, nil
		}
		if t.ctx.Err() != nil {
			return nil, ErrTerminated
		}
		if ctx.Err() != nil {
			return nil, err
		}
		// Only dial timeouts are retried: the appliance HTTP stack
		// sometimes ignores the handshake transiently. Refused
		// connections and per-attempt timeouts fail immediately.
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, err
		}
		if connectTimeout >= t.connectTimeoutMax {
			return nil, err
		}
		connectTimeout *= 2
		t.log.Debug("connect timeout, escalating dial timeout",
			"url", url,
			"timeout", connectTimeout)
	}
}

// doPost performs one POST attempt. The dial timeout is applied per
// attempt; keep-alives are disabled because appliance web servers hold
// at most one connection and drop idle ones without notice.
func (t *HTTP) doPost(ctx context.Context, url, contentType string, body []byte, connectTimeout time.Duration) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	client := &http.Client{
		Transport: &http.Transport{
			DialContext:       (&net.Dialer{Timeout: connectTimeout}).DialContext,
			DisableKeepAlives: true,
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		// Distinguish attempt expiry from a dial timeout so the
		// caller's retry loop does not escalate past the budget.
		if ctxErr := reqCtx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("request aborted: %w", ctxErr)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrHTTPStatus, resp.Status)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}
	return raw, nil
}
