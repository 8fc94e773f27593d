package websocket

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pion/randutil"
	"golang.org/x/time/rate"
)

// jitterDigits is the alphabet handed to randutil to produce a small
// random decimal offset for reconnect jitter.
const jitterDigits = "0123456789"

// Callbacks bundles the event handlers of the reconnecting application
// loop, mirroring WebSocketApp's on_* hooks. Every callback is optional;
// nil callbacks are simply skipped. A callback's panic is recovered and
// reported through the Logger rather than crashing the loop, matching
// _callback's catch-and-log behavior.
type Callbacks struct {
	OnOpen    func(c *Conn)
	OnMessage func(c *Conn, opcode Opcode, data []byte)
	OnPing    func(c *Conn, data []byte)
	OnPong    func(c *Conn, data []byte)
	// OnContMessage, when set, receives every individual fragment of a
	// fragmented message (data, fin) instead of App buffering and
	// delivering only the reassembled whole via OnMessage.
	OnContMessage func(c *Conn, data []byte, fin bool)
	OnError       func(c *Conn, err error)
	OnClose       func(c *Conn, code int, reason string)
}

// AppOptions configures the reconnecting event loop.
type AppOptions struct {
	Dialer    Dialer
	Callbacks Callbacks

	// PingInterval, when positive, sends an automatic PING on this
	// period for as long as the connection is open.
	PingInterval time.Duration
	// PingTimeout, when positive, bounds each wait for the next frame:
	// if nothing becomes readable within this long, OnError receives a
	// *TimeoutError and the connection is closed. The wait starts afresh
	// before every read; it is not measured from when the last ping was
	// sent. On non-Windows platforms a stream without a pollable file
	// descriptor (a TLS connection, for one) counts as always readable,
	// so no timeout applies to it.
	PingTimeout time.Duration

	// Reconnect, when true, re-dials after the connection closes
	// (cleanly or not) instead of returning from Run.
	Reconnect bool
	// ReconnectMinBackoff/MaxBackoff bound the exponential backoff
	// applied between reconnect attempts; a jitter is added to each
	// delay to avoid synchronized reconnect storms across many
	// clients, per the ambient "reconnect" stack.
	ReconnectMinBackoff time.Duration
	ReconnectMaxBackoff time.Duration

	Logger LeveledLogger
}

// App is the reconnecting event loop described in spec.md §5: connect,
// fire OnOpen, poll for frames (dispatching CLOSE/PING/PONG/CONT/data),
// run an optional ping scheduler, and on disconnection either return or
// reconnect with backoff.
type App struct {
	opts AppOptions
	log  LeveledLogger

	mu       sync.Mutex
	conn     *Conn
	stopCh   chan struct{}
	stopOnce sync.Once

	errThrottle rate.Sometimes
}

// NewApp builds an App ready to Run.
func NewApp(opts AppOptions) *App {
	if opts.ReconnectMinBackoff <= 0 {
		opts.ReconnectMinBackoff = 500 * time.Millisecond
	}
	if opts.ReconnectMaxBackoff <= 0 {
		opts.ReconnectMaxBackoff = 30 * time.Second
	}
	return &App{
		opts:        opts,
		log:         loggerOrDefault(opts.Logger, "app"),
		stopCh:      make(chan struct{}),
		errThrottle: rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Send writes a TEXT or BINARY message on the current connection.
func (a *App) Send(opcode Opcode, data []byte) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return &ConnectionClosed{Reason: "app is not connected"}
	}
	return conn.WriteMessage(opcode, data)
}

// Stop ends the loop, closing the current connection (if any) and
// preventing further reconnects. Run returns after the in-flight
// connection's close handshake completes.
func (a *App) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		conn.Close(CloseNormalClosure, "")
	}
}

// Run dials url and drives the event loop until Stop is called or, when
// Reconnect is false, until the connection closes once.
func (a *App) Run(ctx context.Context, url string) error {
	backoff := a.opts.ReconnectMinBackoff
	for {
		select {
		case <-a.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := a.opts.Dialer.Dial(ctx, url)
		if err != nil {
			a.logThrottled(err)
			if !a.opts.Reconnect {
				return err
			}
			if !a.sleepBackoff(ctx, &backoff) {
				return ctx.Err()
			}
			continue
		}
		backoff = a.opts.ReconnectMinBackoff

		a.mu.Lock()
		a.conn = conn
		a.mu.Unlock()

		a.invokeOnOpen(conn)
		a.runConnection(ctx, conn)

		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()

		select {
		case <-a.stopCh:
			return nil
		default:
		}
		if !a.opts.Reconnect {
			return nil
		}
		if !a.sleepBackoff(ctx, &backoff) {
			return ctx.Err()
		}
	}
}

// runConnection owns one connection's lifetime: the ping scheduler and
// the blocking read loop, returning once the connection closes.
func (a *App) runConnection(ctx context.Context, conn *Conn) {
	var pingWG sync.WaitGroup
	pingStop := make(chan struct{})
	if a.opts.PingInterval > 0 {
		pingWG.Add(1)
		go a.runPingScheduler(conn, pingStop, &pingWG)
	}
	defer func() {
		close(pingStop)
		pingWG.Wait()
	}()

	// fragOpcode/fragBuf accumulate a fragmented message across
	// ReadMessage calls when OnContMessage is nil, mirroring
	// fire_cont_frame=false in the original client.
	var fragOpcode Opcode
	var fragBuf []byte

	for {
		if a.opts.PingTimeout > 0 {
			ready, err := waitReadable(conn.UnderlyingConn(), a.opts.PingTimeout)
			if err != nil {
				a.invokeOnError(conn, err)
				conn.Close(CloseAbnormalClosure, "")
				a.invokeOnCloseCode(conn, CloseAbnormalClosure, "")
				return
			}
			if !ready {
				a.invokeOnError(conn, &TimeoutError{Reason: "no frame within ping_timeout"})
				conn.Close(CloseInternalServerErr, "ping timeout")
				a.invokeOnCloseCode(conn, CloseAbnormalClosure, "")
				return
			}
		}

		msg, err := conn.ReadMessage()
		if err != nil {
			if cc, ok := err.(*ConnectionClosed); ok {
				a.invokeOnCloseCode(conn, cc.Code, cc.Reason)
				return
			}
			a.invokeOnError(conn, err)
			code, ok := closeCodeForError(err)
			if !ok {
				code = CloseAbnormalClosure
			}
			conn.Close(code, "")
			a.invokeOnCloseCode(conn, CloseAbnormalClosure, "")
			return
		}

		switch msg.Opcode {
		case OpPing:
			a.invokeOnPing(conn, msg.Payload)
		case OpPong:
			a.invokeOnPong(conn, msg.Payload)
		case OpContinuation:
			if a.opts.Callbacks.OnContMessage != nil {
				a.invokeOnContMessage(conn, msg.Payload, msg.Fin)
				continue
			}
			fragBuf = append(fragBuf, msg.Payload...)
			if msg.Fin {
				a.invokeOnMessage(conn, fragOpcode, fragBuf)
				fragBuf = nil
			}
		default:
			if !msg.Fin {
				fragOpcode = msg.Opcode
				if a.opts.Callbacks.OnContMessage != nil {
					a.invokeOnContMessage(conn, msg.Payload, false)
					continue
				}
				fragBuf = append(fragBuf[:0], msg.Payload...)
				continue
			}
			a.invokeOnMessage(conn, msg.Opcode, msg.Payload)
		}
	}
}

func (a *App) runPingScheduler(conn *Conn, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(a.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(OpPing, nil); err != nil {
				return
			}
		}
	}
}

// sleepBackoff waits out one reconnect backoff interval, doubling it for
// next time (capped at ReconnectMaxBackoff) and jittering it with
// pion/randutil so many clients reconnecting at once don't synchronize.
// It returns false if ctx or Stop fired first.
func (a *App) sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	jittered := jitterDuration(*backoff)
	timer := time.NewTimer(jittered)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return false
	case <-a.stopCh:
		return false
	}

	next := *backoff * 2
	if next > a.opts.ReconnectMaxBackoff {
		next = a.opts.ReconnectMaxBackoff
	}
	*backoff = next
	return true
}

// jitterDuration scales d by a random offset of +/-25%, using
// pion/randutil (the jitter/backoff source shared with the rest of the
// pion stack) instead of math/rand directly.
func jitterDuration(d time.Duration) time.Duration {
	spread := int64(d) / 2
	if spread <= 0 {
		return d
	}
	generator := randutil.NewMathRandomGenerator()
	digits := generator.GenerateString(6, jitterDigits)
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return d
	}
	offset := n%spread - spread/2
	return time.Duration(int64(d) + offset)
}

func (a *App) logThrottled(err error) {
	a.errThrottle.Do(func() {
		a.log.Warnf("connect failed: %v", err)
	})
}

func (a *App) invokeOnOpen(conn *Conn) {
	if a.opts.Callbacks.OnOpen == nil {
		return
	}
	a.safeCall(conn, func() { a.opts.Callbacks.OnOpen(conn) })
}

func (a *App) invokeOnMessage(conn *Conn, opcode Opcode, data []byte) {
	if a.opts.Callbacks.OnMessage == nil {
		return
	}
	a.safeCall(conn, func() { a.opts.Callbacks.OnMessage(conn, opcode, data) })
}

func (a *App) invokeOnPing(conn *Conn, data []byte) {
	if a.opts.Callbacks.OnPing == nil {
		return
	}
	a.safeCall(conn, func() { a.opts.Callbacks.OnPing(conn, data) })
}

func (a *App) invokeOnPong(conn *Conn, data []byte) {
	if a.opts.Callbacks.OnPong == nil {
		return
	}
	a.safeCall(conn, func() { a.opts.Callbacks.OnPong(conn, data) })
}

func (a *App) invokeOnError(conn *Conn, err error) {
	if a.opts.Callbacks.OnError == nil {
		a.log.Errorf("%v", err)
		return
	}
	a.safeCall(conn, func() { a.opts.Callbacks.OnError(conn, err) })
}

func (a *App) invokeOnContMessage(conn *Conn, data []byte, fin bool) {
	if a.opts.Callbacks.OnContMessage == nil {
		return
	}
	a.safeCall(conn, func() { a.opts.Callbacks.OnContMessage(conn, data, fin) })
}

func (a *App) invokeOnCloseCode(conn *Conn, code int, reason string) {
	if a.opts.Callbacks.OnClose == nil {
		return
	}
	a.safeCall(conn, func() { a.opts.Callbacks.OnClose(conn, code, reason) })
}

// safeCall recovers a panicking callback and logs it, matching
// _callback's catch-and-log semantics: a misbehaving handler never
// brings down the event loop.
func (a *App) safeCall(conn *Conn, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Errorf("callback panic: %v", r)
		}
	}()
	fn()
}
