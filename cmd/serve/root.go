package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dLink/cmd/util"
	"github.com/ValentinKolb/dLink/rpc/engine"
	"github.com/ValentinKolb/dLink/rpc/peer"
	"github.com/ValentinKolb/dLink/rpc/stream"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const (
	// ChatTopic carries text streams printed by the server
	ChatTopic = "chat"
	// FilesTopic carries byte streams saved into the download directory
	FilesTopic = "files"
)

var (
	ServeCmd = &cobra.Command{
		Use:     "serve",
		Short:   "Start a dLink peer that accepts connections",
		Long:    `Start a dLink peer that listens for other peers. The configuration can be set via command line flags or environment variables. The format of the environment variables is DLINK_<flag> (e.g. DLINK_DOWNLOAD_DIR=/tmp/files)`,
		PreRunE: processConfig,
		RunE:    run,
	}

	downloadDir     string
	metricsEndpoint string
)

func init() {
	cmdUtil.SetupTransportFlags(ServeCmd, "0.0.0.0:7000")

	key := "download-dir"
	ServeCmd.PersistentFlags().String(key, "downloads", cmdUtil.WrapString("Directory where files received on the files topic are saved"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address to serve prometheus metrics on (e.g. localhost:9100). With the ws transport /metrics is always served next to the websocket endpoint"))
}

// processConfig binds the flags and validates the download directory
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	downloadDir = viper.GetString("download-dir")
	metricsEndpoint = viper.GetString("metrics-endpoint")

	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return fmt.Errorf("creating download directory %s: %w", downloadDir, err)
	}
	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	ser, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}

	config := cmdUtil.GetPeerConfig()
	transportConfig := cmdUtil.GetTransportConfig()

	fmt.Println(config.String())
	fmt.Println(transportConfig.String())

	p := peer.New(config, ser)
	defer p.Close()
	if err := register(p); err != nil {
		return err
	}

	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	ln, err := cmdUtil.NewListener(transportConfig, map[string]http.Handler{"/metrics": metricsHandler})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	cmdUtil.Logger.Infof("peer %q listening on %s", config.Identity, ln.Addr())

	g.Go(func() error {
		return acceptLoop(ctx, p, ln, time.Duration(transportConfig.TimeoutSecond)*time.Second)
	})

	if metricsEndpoint != "" {
		server := &http.Server{Addr: metricsEndpoint, Handler: metricsHandler, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			cmdUtil.Logger.Infof("serving metrics on %s", metricsEndpoint)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return server.Close()
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})

	return g.Wait()
}

// acceptLoop attaches every inbound channel until ctx is done
func acceptLoop(ctx context.Context, p *peer.Peer, ln transport.IListener, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	for {
		channel, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}

		go func() {
			attachCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if _, err := p.Attach(attachCtx, channel); err != nil {
				cmdUtil.Logger.Warningf("rejected %s: %v", channel.Label(), err)
			}
		}()
	}
}

// --------------------------------------------------------------------------
// Built-in methods and stream handlers
// --------------------------------------------------------------------------

// register installs the built-in rpc methods and the chat and files handlers
func register(p *peer.Peer) error {
	p.RegisterRpcMethod("echo", func(_ context.Context, data engine.InvocationData) (string, error) {
		return data.Payload, nil
	})
	p.RegisterRpcMethod("upper", func(_ context.Context, data engine.InvocationData) (string, error) {
		return strings.ToUpper(data.Payload), nil
	})
	p.RegisterRpcMethod("time", func(context.Context, engine.InvocationData) (string, error) {
		return time.Now().UTC().Format(time.RFC3339Nano), nil
	})
	p.RegisterRpcMethod("peers", func(context.Context, engine.InvocationData) (string, error) {
		b, err := json.Marshal(p.RemoteIdentities())
		return string(b), err
	})

	p.OnData(func(data []byte, topic string, sender string) {
		fmt.Printf("[%s] %s: %s\n", topic, sender, data)
	})

	if err := p.RegisterTextStreamHandler(ChatTopic, printText); err != nil {
		return err
	}
	return p.RegisterByteStreamHandler(FilesTopic, saveFile)
}

func printText(r *stream.TextReader) {
	text, err := r.ReadAll(context.Background())
	if err != nil {
		cmdUtil.Logger.Warningf("chat stream %s from %s: %v", r.StreamID, r.Sender, err)
		return
	}
	fmt.Printf("[%s] %s: %s\n", ChatTopic, r.Sender, text)
}

func saveFile(r *stream.ByteReader) {
	name := filepath.Base(r.Name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = r.StreamID
	}
	path := filepath.Join(downloadDir, name)

	file, err := os.Create(path)
	if err != nil {
		cmdUtil.Logger.Errorf("creating %s: %v", path, err)
		return
	}

	n, err := io.Copy(file, r)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		cmdUtil.Logger.Warningf("receiving %s from %s failed after %d bytes: %v", name, r.Sender, n, err)
		_ = os.Remove(path)
		return
	}
	cmdUtil.Logger.Infof("saved %s from %s (%d bytes, %s)", path, r.Sender, n, r.MimeType)
}
