// Package contentserver serves one in-memory HTML payload over HTTP for the
// lifetime of a hosted measurement.
package contentserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devtrace/internal/faults"
	"github.com/fyrsmithlabs/devtrace/internal/logging"
)

// DefaultContentType is sent with every response.
const DefaultContentType = "text/html"

// Server starts content handles. The zero value is usable.
type Server struct {
	// ContentType overrides DefaultContentType.
	ContentType string
	Logger      *logging.Logger
}

// Start binds addr and serves payload on it. See Server.Start.
func Start(payload []byte, addr string) (*Handle, error) {
	return (&Server{}).Start(payload, addr)
}

// Start binds a TCP listener on addr before returning, so a port already in
// use fails here with faults.KindServerBind rather than later in the
// background. Every request, whatever its method or path, receives 200 and
// the exact payload bytes.
func (s *Server) Start(payload []byte, addr string) (*Handle, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, faults.New(faults.KindServerBind, "listen "+addr, err)
	}

	log := s.Logger
	if log == nil {
		log = logging.NewNop()
	}
	contentType := s.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}

	h := &Handle{
		payload:  append([]byte(nil), payload...),
		addr:     ln.Addr().String(),
		listener: ln,
		log:      log,
		done:     make(chan struct{}),
	}
	h.listening.Store(true)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	// Pre-routing middleware answers every request before the router can
	// reject an unknown path or method.
	e.Pre(func(echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			n := h.requests.Add(1)
			log.Debug(c.Request().Context(), "serving hosted content",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int64("request", n))
			return c.Blob(http.StatusOK, contentType, h.payload)
		}
	})

	h.srv = &http.Server{
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		defer close(h.done)
		if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "content server stopped unexpectedly",
				zap.String("addr", h.addr),
				zap.Error(err))
		}
	}()

	log.Info(context.Background(), "content server listening",
		zap.String("addr", h.addr),
		zap.Int("payload_bytes", len(payload)))

	return h, nil
}

// Handle is a running content server. It is single-use: once stopped it
// cannot be restarted.
type Handle struct {
	payload  []byte
	addr     string
	listener net.Listener
	srv      *http.Server
	log      *logging.Logger

	listening atomic.Bool
	requests  atomic.Int64

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

// Addr is the bound listener address.
func (h *Handle) Addr() string {
	return h.addr
}

// Port is the bound TCP port.
func (h *Handle) Port() int {
	if tcp, ok := h.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Payload returns a copy of the served bytes.
func (h *Handle) Payload() []byte {
	return append([]byte(nil), h.payload...)
}

// Listening reports whether the server still accepts connections.
func (h *Handle) Listening() bool {
	return h.listening.Load()
}

// Requests is the number of requests answered so far.
func (h *Handle) Requests() int64 {
	return h.requests.Load()
}

// Stop closes the listener and waits for in-flight requests until ctx is
// done, then force-closes remaining connections. Calling Stop again returns
// the first result.
func (h *Handle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		err := h.srv.Shutdown(ctx)
		if err != nil {
			if closeErr := h.srv.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
				err = multierr.Append(err, closeErr)
			}
		}
		h.listening.Store(false)

		select {
		case <-h.done:
		case <-ctx.Done():
		}

		if err != nil {
			h.stopErr = faults.New(faults.KindOrchestrationTeardown, "stop content server", err)
		}
		h.log.Info(ctx, "content server stopped",
			zap.String("addr", h.addr),
			zap.Int64("requests", h.requests.Load()))
	})
	return h.stopErr
}
