package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/gorilla/websocket"
)

// DefaultPath is the http path the listener upgrades
const DefaultPath = "/dlink"

// --------------------------------------------------------------------------
// Dialer
// --------------------------------------------------------------------------

// dialer implements transport.IDialer with the gorilla websocket client
type dialer struct {
	config common.TransportConfig
	dialer websocket.Dialer
}

// NewDialer creates a websocket dialer. Endpoints are ws:// or wss:// URLs,
// a bare host:port is expanded to ws://host:port/dlink.
func NewDialer(config common.TransportConfig) transport.IDialer {
	return &dialer{
		config: config,
		dialer: websocket.Dialer{
			HandshakeTimeout: time.Duration(config.TimeoutSecond) * time.Second,
			ReadBufferSize:   config.ReadBufferSize,
			WriteBufferSize:  config.WriteBufferSize,
		},
	}
}

// Dial (docu see transport.IDialer)
func (d *dialer) Dial(ctx context.Context, endpoint string) (transport.IChannel, error) {
	if endpoint == "" {
		endpoint = d.config.Endpoint
	}
	url := endpointURL(endpoint)

	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	Logger.Infof("Connected to %s using ws transport", url)
	return newChannel(conn, d.config), nil
}

// endpointURL turns host:port into a websocket url
func endpointURL(endpoint string) string {
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return endpoint
	}
	return "ws://" + endpoint + DefaultPath
}

// --------------------------------------------------------------------------
// Handler
// --------------------------------------------------------------------------

// Handler upgrades http requests to channels. It can be mounted on any mux and
// implements transport.IListener, so upgraded channels are taken with Accept.
type Handler struct {
	config   common.TransportConfig
	upgrader websocket.Upgrader
	channels chan transport.IChannel
	closed   chan struct{}
	once     sync.Once
	addr     string
}

// NewHandler creates a handler for mounting on an existing http server
func NewHandler(config common.TransportConfig) *Handler {
	return &Handler{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		channels: make(chan transport.IChannel),
		closed:   make(chan struct{}),
		addr:     config.Endpoint,
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.closed:
		http.Error(w, "listener closed", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the http error
		Logger.Warningf("Websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	ch := newChannel(conn, h.config)
	select {
	case h.channels <- ch:
	case <-h.closed:
		_ = ch.Close()
	case <-r.Context().Done():
		_ = ch.Close()
	}
}

// Accept (docu see transport.IListener)
func (h *Handler) Accept(ctx context.Context) (transport.IChannel, error) {
	select {
	case ch := <-h.channels:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.closed:
		return nil, transport.ErrClosed
	}
}

// Addr (docu see transport.IListener)
func (h *Handler) Addr() string {
	return h.addr
}

// Close (docu see transport.IListener)
func (h *Handler) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

// --------------------------------------------------------------------------
// Listener
// --------------------------------------------------------------------------

// listener runs its own http server around a Handler
type listener struct {
	*Handler
	server *http.Server
	ln     net.Listener
}

// NewListener listens on config.Endpoint (host:port) and upgrades requests to DefaultPath.
// Further handlers, like a metrics endpoint, can be added with extra.
func NewListener(config common.TransportConfig, extra map[string]http.Handler) (transport.IListener, error) {
	ln, err := net.Listen("tcp", config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP socket: %w", err)
	}

	handler := NewHandler(config)
	handler.addr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.Handle(DefaultPath, handler)
	for path, h := range extra {
		mux.Handle(path, h)
	}

	l := &listener{
		Handler: handler,
		server:  &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		ln:      ln,
	}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("Websocket server on %s stopped: %v", handler.addr, err)
		}
	}()

	Logger.Infof("Starting ws listener on %s%s", handler.addr, DefaultPath)
	return l, nil
}

// Close stops the http server. Hijacked websocket connections stay open.
func (l *listener) Close() error {
	_ = l.Handler.Close()
	return l.server.Close()
}
