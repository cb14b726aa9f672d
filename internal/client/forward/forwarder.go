// Package forward relays tunneled connections to the local service.
package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/yamux"
	"golang.org/x/sync/errgroup"

	"github.com/essajiwa/hooklab/internal/metrics"
)

// DefaultDialTimeout bounds the local dial when Forwarder.DialTimeout is zero.
const DefaultDialTimeout = 5 * time.Second

// ConnectRefusedError reports that nothing accepted the connection on the
// local port. It is never retried.
type ConnectRefusedError struct {
	Addr string
	Err  error
}

func (e *ConnectRefusedError) Error() string {
	return fmt.Sprintf("local service %s refused connection: %v", e.Addr, e.Err)
}

func (e *ConnectRefusedError) Unwrap() error { return e.Err }

// Forwarder relays tunneled streams to host:port.
type Forwarder struct {
	Host        string
	Port        int
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Addr is the local address streams are relayed to.
func (f *Forwarder) Addr() string {
	host := f.Host
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(f.Port))
}

// Forward dials the local service and copies bytes between it and stream in
// both directions until both directions have finished or ctx is cancelled.
// Cancelling ctx closes both ends. The caller still owns stream.
func (f *Forwarder) Forward(ctx context.Context, stream net.Conn) error {
	addr := f.Addr()
	log := f.logger().With("local_addr", addr)

	timeout := f.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	dialer := net.Dialer{Timeout: timeout}
	local, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			metrics.ForwardedConns.WithLabelValues("refused").Inc()
			return &ConnectRefusedError{Addr: addr, Err: err}
		}
		metrics.ForwardedConns.WithLabelValues("dial_error").Inc()
		return fmt.Errorf("dialing local service %s: %w", addr, err)
	}
	defer local.Close()

	if tcp, ok := local.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	metrics.ForwardedConns.WithLabelValues("ok").Inc()
	metrics.ActiveForwarders.Inc()
	defer metrics.ActiveForwarders.Dec()

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		_ = local.Close()
		_ = stream.Close()
	})
	defer stop()

	g.Go(func() error {
		n, err := io.Copy(local, stream)
		metrics.ForwardedBytes.WithLabelValues(metrics.DirectionInbound).Add(float64(n))
		closeWrite(local)
		return err
	})

	g.Go(func() error {
		n, err := io.Copy(stream, local)
		metrics.ForwardedBytes.WithLabelValues(metrics.DirectionOutbound).Add(float64(n))
		closeWrite(stream)
		return err
	})

	if err := g.Wait(); err != nil && !isClosed(err) {
		log.Debug("Relay ended with error", "error", err)
		return fmt.Errorf("relaying to %s: %w", addr, err)
	}

	log.Debug("Relay finished")
	return nil
}

func (f *Forwarder) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

// closeWrite half-closes c when it supports it. yamux streams treat Close as
// a half-close, so they fall through to Close.
func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, yamux.ErrStreamClosed) ||
		errors.Is(err, yamux.ErrConnectionReset) ||
		errors.Is(err, yamux.ErrSessionShutdown) ||
		errors.Is(err, context.Canceled)
}
