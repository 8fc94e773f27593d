package websocket

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/pion/transport/vnet"
)

// Dialer holds the connection-establishment options from spec.md §6.
// The zero value dials plain TCP with no extras, matching DefaultDialer
// in the pack's client libraries.
type Dialer struct {
	// TLSConfig configures the TLS handshake for wss:// URLs. A nil
	// value uses a default tls.Config.
	TLSConfig *tls.Config

	// SockOpts are applied to the TCP socket after the connection is
	// established, not before connect, and only when the dialed stream
	// is a *net.TCPConn. A failure is logged and does not fail the dial.
	SockOpts []SockOpt

	// Timeout bounds connect() + handshake completion. Zero means no
	// timeout.
	Timeout time.Duration

	// Net, when non-nil, replaces the TCP dialer with a pluggable
	// network (e.g. a vnet.Net virtual network for tests), per spec.md
	// §4.4 "Stream acquisition is scoped": the connect path owns
	// whatever Net produces exactly like a real TCP connection.
	Net vnet.Net

	// ProxyDialContext, when set, is used instead of a direct TCP dial
	// to produce a pre-connected stream (e.g. after an HTTP CONNECT
	// tunnel). Per spec.md §1, proxy tunnelling itself is out of scope;
	// this is the injection point a caller uses to supply one.
	ProxyDialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	Handshake HandshakeOptions

	// MaskKeyGenerator overrides the client mask-key source (tests
	// inject a deterministic one; see S3).
	MaskKeyGenerator MaskKeyGenerator

	Logger LeveledLogger
}

// SockOpt mirrors syscall.SetsockoptInt's argument shape, per spec.md §6.
type SockOpt struct {
	Level, Name, Value int
}

// Dial establishes a TCP or TLS stream to the URL's host:port, performs
// the upgrade handshake, and returns an Open Conn. Stream acquisition is
// scoped: on any failure between socket creation and handshake
// completion, the stream is released before the error propagates
// (spec.md §4.4).
func (d *Dialer) Dial(ctx context.Context, rawurl string) (*Conn, error) {
	u, err := ParseURL(rawurl)
	if err != nil {
		return nil, err
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	stream, err := d.dialStream(ctx, u)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}
	conn, err := d.handshakeOverStream(stream, u)
	if err != nil {
		stream.Close()
		return nil, err
	}
	stream.SetDeadline(time.Time{})
	return conn, nil
}

func (d *Dialer) dialStream(ctx context.Context, u *ParsedURL) (net.Conn, error) {
	addr := net.JoinHostPort(u.Host, strconv.Itoa(u.Port))

	dial := d.ProxyDialContext
	if dial == nil {
		dial = d.netDial
	}

	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, wrap(err, "dialing "+addr)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		if err := applySockOpts(tc, d.SockOpts); err != nil {
			loggerOrDefault(d.Logger, "dialer").Warnf("sockopt: %v", err)
		}
	}

	if u.Secure {
		tlsConfig := d.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{}
		}
		if tlsConfig.ServerName == "" {
			tlsConfig = tlsConfig.Clone()
			tlsConfig.ServerName = u.Host
		}
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, &HandshakeError{Reason: "TLS handshake: " + err.Error()}
		}
		return tlsConn, nil
	}
	return conn, nil
}

// netDial dials over d.Net (a virtual network substituted in tests, per
// spec.md §4.4) when present, otherwise over a real net.Dialer.
// vnet.Net.Dial predates context support, so cancellation is enforced by
// racing the dial against ctx.Done() in a goroutine.
func (d *Dialer) netDial(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.Net == nil {
		var nd net.Dialer
		return nd.DialContext(ctx, network, addr)
	}

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := d.Net.Dial(network, addr)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (d *Dialer) handshakeOverStream(stream net.Conn, u *ParsedURL) (*Conn, error) {
	opts := d.Handshake
	req, key, err := buildRequest(u, opts)
	if err != nil {
		return nil, err
	}
	if _, err := stream.Write(req); err != nil {
		return nil, wrap(err, "writing handshake request")
	}

	br := bufio.NewReader(stream)
	resp, err := readHandshakeResponse(br)
	if err != nil {
		return nil, err
	}

	subprotocol, compression, err := validateResponse(resp, key, opts.Subprotocols, opts.Compression)
	if err != nil {
		return nil, err
	}

	return newConn(stream, br, connConfig{
		subprotocol:      subprotocol,
		compression:      compression,
		maskKeyGenerator: d.MaskKeyGenerator,
		logger:           d.Logger,
	}), nil
}
