package util

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/peer"
	"github.com/ValentinKolb/dLink/rpc/serializer"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/ValentinKolb/dLink/rpc/transport/tcp"
	"github.com/ValentinKolb/dLink/rpc/transport/unix"
	"github.com/ValentinKolb/dLink/rpc/transport/ws"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Logger = logger.GetLogger("cli")

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// Transports lists the transports usable from the command line
var Transports = []string{"tcp", "unix", "ws"}

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// --------------------------------------------------------------------------
// Flags and configuration
// --------------------------------------------------------------------------

// SetupTransportFlags adds the transport flags shared by serve and the client commands
func SetupTransportFlags(cmd *cobra.Command, defaultEndpoint string) {
	key := "endpoint"
	cmd.PersistentFlags().String(key, defaultEndpoint, WrapString("The address to listen on or connect to (host:port for tcp and ws, a socket path for unix, a ws:// url is accepted too)"))

	key = "timeout"
	cmd.PersistentFlags().Int(key, 10, WrapString("Timeout in seconds for connecting and for the remote hello"))

	key = "transport-retries"
	cmd.PersistentFlags().Int(key, 3, WrapString("How many times to try connecting before giving up"))

	key = "transport-max-message-size"
	cmd.PersistentFlags().Int(key, 64, WrapString("The largest message a channel accepts (in KB)"))

	key = "transport-write-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the write buffer for the transport (in KB)"))

	key = "transport-read-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the read buffer for the transport (in KB)"))

	key = "transport-tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY (only for tcp)"))

	key = "transport-tcp-keepalive"
	cmd.PersistentFlags().Int(key, 0, WrapString("The keepalive interval (in seconds, only for tcp)"))

	key = "transport-tcp-linger"
	cmd.PersistentFlags().Int(key, -1, WrapString("The linger time (in seconds, only for tcp, negative keeps the OS default)"))
}

// InitConfig loads the env files and binds the DLINK_ environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("dlink")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// GetTransportConfig reads the transport configuration from viper
func GetTransportConfig() common.TransportConfig {
	return common.TransportConfig{
		Endpoint:       viper.GetString("endpoint"),
		MaxMessageSize: viper.GetInt("transport-max-message-size") * 1024,
		TimeoutSecond:  viper.GetInt("timeout"),
		RetryCount:     viper.GetInt("transport-retries"),
		SocketConf: common.SocketConf{
			WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
			ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
		},
		TCPConf: common.TCPConf{
			TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
			TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
			TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
		},
	}
}

// GetIdentity returns the configured identity or a generated one
func GetIdentity() string {
	if identity := viper.GetString("identity"); identity != "" {
		return identity
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "dlink"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// GetPeerConfig returns the peer defaults for the configured identity
func GetPeerConfig() common.PeerConfig {
	config := common.DefaultPeerConfig(GetIdentity())
	if compression := viper.GetString("compression"); compression != "" {
		config.Stream.Compression = compression
	}
	config.Labels = map[string]string{"transport": viper.GetString("transport")}
	return config
}

// GetSerializer creates the configured serializer
func GetSerializer() (serializer.ISerializer, error) {
	return serializer.ByName(viper.GetString("serializer"))
}

// --------------------------------------------------------------------------
// Transport factories
// --------------------------------------------------------------------------

// NewDialer creates the dialer of the configured transport
func NewDialer(config common.TransportConfig) (transport.IDialer, error) {
	switch viper.GetString("transport") {
	case "tcp":
		return tcp.NewTCPDialer(config), nil
	case "unix":
		return unix.NewUnixDialer(config), nil
	case "ws":
		return ws.NewDialer(config), nil
	default:
		return nil, fmt.Errorf("invalid transport %s, must be one of %s", viper.GetString("transport"), strings.Join(Transports, ", "))
	}
}

// NewListener creates the listener of the configured transport. The extra
// handlers are mounted next to the websocket endpoint and ignored otherwise.
func NewListener(config common.TransportConfig, extra map[string]http.Handler) (transport.IListener, error) {
	switch viper.GetString("transport") {
	case "tcp":
		return tcp.NewTCPListener(config)
	case "unix":
		return unix.NewUnixListener(config)
	case "ws":
		return ws.NewListener(config, extra)
	default:
		return nil, fmt.Errorf("invalid transport %s, must be one of %s", viper.GetString("transport"), strings.Join(Transports, ", "))
	}
}

// Connect dials config.Endpoint and attaches the channel to p
func Connect(ctx context.Context, p *peer.Peer, config common.TransportConfig) (string, error) {
	dialer, err := NewDialer(config)
	if err != nil {
		return "", err
	}

	timeout := time.Duration(config.TimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	channel, err := dialer.Dial(ctx, config.Endpoint)
	if err != nil {
		return "", err
	}
	s, err := p.Attach(ctx, channel)
	if err != nil {
		return "", err
	}
	return s.RemoteIdentity(), nil
}
