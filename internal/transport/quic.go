package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/satindergrewal/airwave/internal/logging"
)

const (
	quicIdleTimeout  = 30 * time.Second
	keepAlive        = 10 * time.Second
	handshakeTimeout = 5 * time.Second
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  quicIdleTimeout,
		KeepAlivePeriod: keepAlive,
	}
}

// quicStream ties a QUIC stream to the connection that carries it, so closing
// the stream also releases the connection.
type quicStream struct {
	quic.Stream
	conn quic.Connection
}

// Read reports a peer's orderly connection close as io.EOF.
func (q *quicStream) Read(p []byte) (int, error) {
	n, err := q.Stream.Read(p)
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == 0 {
		err = io.EOF
	}
	return n, err
}

func (q *quicStream) Close() error {
	q.Stream.CancelRead(0)
	err := q.Stream.Close()
	q.conn.CloseWithError(0, "stream closed")
	return err
}

// Dialer opens point-to-point streams to peers over QUIC.
type Dialer struct {
	TLS *tls.Config // defaults to ClientTLS()
}

// OpenStream dials peer (host:port), opens one bidirectional stream and
// announces protocolID as its first frame.
func (d *Dialer) OpenStream(ctx context.Context, peer, protocolID string) (*Stream, error) {
	tlsConf := d.TLS
	if tlsConf == nil {
		tlsConf = ClientTLS()
	}

	conn, err := quic.DialAddr(ctx, peer, tlsConf, quicConfig())
	if err != nil {
		return nil, &DialError{Peer: peer, Protocol: protocolID, Err: err}
	}
	qs, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, &DialError{Peer: peer, Protocol: protocolID, Err: err}
	}

	s := NewStream(&quicStream{Stream: qs, conn: conn}, peer, protocolID)
	if err := s.Handshake(); err != nil {
		s.Close()
		return nil, &DialError{Peer: peer, Protocol: protocolID, Err: err}
	}
	return s, nil
}

// Listener accepts point-to-point streams that announce the expected protocol.
type Listener struct {
	ln       *quic.Listener
	protocol string
	log      *zap.Logger
}

// Listen binds a QUIC listener on addr.
func Listen(addr string, tlsConf *tls.Config, protocolID string, log *zap.Logger) (*Listener, error) {
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, &TransportError{Op: "listen", Err: err}
	}
	return &Listener{
		ln:       ln,
		protocol: protocolID,
		log:      logging.OrNop(log).Named("quic"),
	}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error { return l.ln.Close() }

// Accept waits for the next connection and its first stream, and checks the
// protocol id. Errors from a single bad peer are returned like listener
// errors; Serve tells them apart.
func (l *Listener) Accept(ctx context.Context) (*Stream, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, &TransportError{Op: "accept", Err: err}
	}
	return l.handshake(ctx, conn)
}

func (l *Listener) handshake(ctx context.Context, conn quic.Connection) (*Stream, error) {
	qs, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, &TransportError{Op: "accept", Err: err}
	}
	s := NewStream(&quicStream{Stream: qs, conn: conn}, conn.RemoteAddr().String(), "")
	qs.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if err := s.AcceptHandshake(l.protocol); err != nil {
		s.Close()
		return nil, err
	}
	qs.SetReadDeadline(time.Time{})
	return s, nil
}

// Serve accepts connections until ctx is cancelled or the listener fails,
// handing each stream that passes the handshake to handle on its own
// goroutine. Peers that fail the handshake are logged and dropped.
func (l *Listener) Serve(ctx context.Context, handle func(*Stream)) error {
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()

	l.log.Info("listening for streams", zap.String("addr", l.Addr().String()), zap.String("protocol", l.protocol))
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &TransportError{Op: "accept", Err: err}
		}

		go func() {
			hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
			s, err := l.handshake(hctx, conn)
			cancel()
			if err != nil {
				l.log.Warn("rejected stream", zap.String("peer", conn.RemoteAddr().String()), zap.Error(err))
				return
			}
			l.log.Info("stream accepted", zap.String("peer", s.Peer()))
			handle(s)
		}()
	}
}
