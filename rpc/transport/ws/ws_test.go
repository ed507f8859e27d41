package ws

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/transport"
	transporttesting "github.com/ValentinKolb/dLink/rpc/transport/testing"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func testConfig() common.TransportConfig {
	conf := common.DefaultTransportConfig("127.0.0.1:0")
	conf.MaxMessageSize = 8192
	conf.ReadBufferSize = 4096
	conf.WriteBufferSize = 4096
	return conf
}

func connectedPair(t *testing.T) (transport.IChannel, transport.IChannel) {
	t.Helper()
	handler := NewHandler(testConfig())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = handler.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	endpoint := "ws://" + strings.TrimPrefix(srv.URL, "http://") + DefaultPath
	client, err := NewDialer(testConfig()).Dial(ctx, endpoint)
	require.NoError(t, err)

	server, err := handler.Accept(ctx)
	require.NoError(t, err)
	return client, server
}

func TestWebsocketChannel(t *testing.T) {
	transporttesting.RunChannelTests(t, "WebSocket", connectedPair)
}

func TestEndpointURL(t *testing.T) {
	require.Equal(t, "ws://localhost:8080/dlink", endpointURL("localhost:8080"))
	require.Equal(t, "wss://example.org/x", endpointURL("wss://example.org/x"))
}

func TestListenerServesExtraHandlers(t *testing.T) {
	extra := map[string]http.Handler{
		"/health": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "ok")
		}),
	}
	ln, err := NewListener(testConfig(), extra)
	require.NoError(t, err)
	defer ln.Close()

	resp, err := http.Get("http://" + ln.Addr() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, "ok", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan transport.IChannel, 1)
	go func() {
		ch, err := ln.Accept(ctx)
		if err == nil {
			accepted <- ch
		}
	}()

	client, err := NewDialer(testConfig()).Dial(ctx, ln.Addr())
	require.NoError(t, err)
	defer client.Close()

	select {
	case server := <-accepted:
		_ = server.Close()
	case <-ctx.Done():
		t.Fatal("listener did not accept the websocket")
	}
}

func TestNonBinaryMessagesAreIgnored(t *testing.T) {
	a, b := connectedPair(t)
	defer a.Close()
	defer b.Close()

	rx := transporttesting.StartCollector(t, b)
	transporttesting.StartCollector(t, a)

	// write a text frame below the channel abstraction
	raw := a.(*wsChannel)
	require.NoError(t, raw.conn.WriteMessage(websocket.TextMessage, []byte("text")))
	require.NoError(t, a.Send([]byte("binary")))

	require.Equal(t, "binary", string(rx.Next(t)))
}
