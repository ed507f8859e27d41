package client

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cmdUtil "github.com/ValentinKolb/dLink/cmd/util"
	"github.com/ValentinKolb/dLink/rpc/engine"
	"github.com/ValentinKolb/dLink/rpc/peer"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"github.com/ValentinKolb/dLink/rpc/transport/memory"
	"github.com/ValentinKolb/dLink/rpc/transport/webrtc"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	perfNumThreads      = 10
	perfCalls           = 1000
	perfPayloadSize     = 64
	perfLargePayload    = 8 * 1024
	perfLoopback        = ""
	perfSkip            = make([]string, 0)
	perfPercentiles     = []float64{0.5, 0.9, 0.99}
	perfPercentileNames = []string{"p50", "p90", "p99"}
)

func init() {
	key := "skip"
	PerfCmd.Flags().String(key, "", cmdUtil.WrapString("Benchmarks to skip (comma separated, e.g. rpc-large,data)"))
	key = "threads"
	PerfCmd.Flags().Int(key, 10, cmdUtil.WrapString("Number of concurrent callers"))
	key = "calls"
	PerfCmd.Flags().Int(key, 1000, cmdUtil.WrapString("Number of operations per benchmark"))
	key = "payload-size"
	PerfCmd.Flags().Int(key, 64, cmdUtil.WrapString("Payload size of the rpc benchmark (in bytes)"))
	key = "large-payload-size"
	PerfCmd.Flags().Int(key, 8*1024, cmdUtil.WrapString("Payload size of the rpc-large benchmark (in bytes)"))
	key = "loopback"
	PerfCmd.Flags().String(key, "", cmdUtil.WrapString("Run against an in-process peer instead of the endpoint (memory, webrtc)"))
	key = "csv"
	PerfCmd.Flags().String(key, "", cmdUtil.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfNumThreads = max(viper.GetInt("threads"), 1)
	perfCalls = max(viper.GetInt("calls"), 1)
	perfPayloadSize = viper.GetInt("payload-size")
	perfLargePayload = viper.GetInt("large-payload-size")
	perfLoopback = viper.GetString("loopback")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	switch perfLoopback {
	case "", "memory", "webrtc":
		return nil
	default:
		return fmt.Errorf("invalid loopback %s, must be memory or webrtc", perfLoopback)
	}
}

// perfResult is the outcome of one benchmark
type perfResult struct {
	timer   gometrics.Timer
	errors  int64
	elapsed time.Duration
	skipped bool
}

func runPerf(cmd *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for dLink peers")

	ser, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}
	local := peer.New(cmdUtil.GetPeerConfig(), ser)
	defer local.Close()

	var target string
	if perfLoopback != "" {
		remote, cleanup, err := startLoopback(cmd.Context(), local)
		if err != nil {
			return err
		}
		defer cleanup()
		target = remote
	} else {
		target, err = cmdUtil.Connect(cmd.Context(), local, cmdUtil.GetTransportConfig())
		if err != nil {
			return err
		}
	}
	if d, _ := cmd.Flags().GetString("destination"); d != "" {
		target = d
	}

	fmt.Println()
	fmt.Println("Configuration:")
	config := cmdUtil.GetTransportConfig()
	fmt.Println(config.String())
	fmt.Printf("Target: %s\nThreads: %d\nCalls: %d\nLoopback: %q\n\n", target, perfNumThreads, perfCalls, perfLoopback)

	fmt.Println("starting tests...")

	small := strings.Repeat("x", perfPayloadSize)
	large := strings.Repeat("y", perfLargePayload)

	tests := []struct {
		name string
		op   func(ctx context.Context) error
	}{
		{"rpc", func(ctx context.Context) error {
			_, err := local.PerformRpc(ctx, target, "echo", small, 0)
			return err
		}},
		{"rpc-large", func(ctx context.Context) error {
			_, err := local.PerformRpc(ctx, target, "echo", large, 0)
			return err
		}},
		{"data", func(ctx context.Context) error {
			return local.PublishData(ctx, []byte(small), "perf", []string{target}, true)
		}},
	}

	results := make(map[string]*perfResult)
	var order []string
	for _, test := range tests {
		result := benchmark(cmd.Context(), test.name, test.op)
		results[test.name] = result
		order = append(order, test.name)
		printResult(test.name, result)
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		if err := writeResultsToCSV(csvPath, order, results); err != nil {
			return err
		}
		fmt.Printf("\nresults written to %s\n", csvPath)
	}
	return nil
}

// benchmark runs perfCalls operations on perfNumThreads goroutines
func benchmark(ctx context.Context, name string, op func(context.Context) error) *perfResult {
	result := &perfResult{timer: gometrics.NewTimer()}
	if shouldSkip(name) {
		result.skipped = true
		return result
	}

	var next atomic.Int64
	var errCount atomic.Int64
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < perfNumThreads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for next.Add(1) <= int64(perfCalls) {
				begin := time.Now()
				if err := op(ctx); err != nil {
					if errCount.Add(1) == 1 {
						cmdUtil.Logger.Warningf("(%s) - first error: %v", name, err)
					}
					continue
				}
				result.timer.UpdateSince(begin)
			}
		}()
	}
	wg.Wait()

	result.elapsed = time.Since(start)
	result.errors = errCount.Load()
	result.timer.Stop()
	return result
}

// startLoopback starts an echo peer in this process and attaches it to local
func startLoopback(ctx context.Context, local *peer.Peer) (string, func(), error) {
	ser, err := cmdUtil.GetSerializer()
	if err != nil {
		return "", nil, err
	}
	config := cmdUtil.GetPeerConfig()
	config.Identity = "loopback-" + config.Identity
	remote := peer.New(config, ser)
	remote.RegisterRpcMethod("echo", func(_ context.Context, data engine.InvocationData) (string, error) {
		return data.Payload, nil
	})

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var a, b transport.IChannel
	cleanup := func() { _ = remote.Close() }
	switch perfLoopback {
	case "webrtc":
		pair, err := webrtc.NewLoopbackPair(ctx, 0)
		if err != nil {
			_ = remote.Close()
			return "", nil, err
		}
		a, b = pair.A, pair.B
		cleanup = func() {
			_ = remote.Close()
			_ = pair.Close()
		}
	default:
		a, b = memory.NewPair(memory.Options{Label: "perf"})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := local.Attach(gctx, a)
		return err
	})
	g.Go(func() error {
		_, err := remote.Attach(gctx, b)
		return err
	})
	if err := g.Wait(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("attaching loopback peers: %w", err)
	}
	return config.Identity, cleanup, nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

func opsPerSec(result *perfResult) float64 {
	if result.elapsed <= 0 {
		return 0
	}
	return float64(result.timer.Count()) / result.elapsed.Seconds()
}

// printResult prints the result of a benchmark in a formatted way
func printResult(test string, result *perfResult) {
	if result.skipped || result.timer.Count() == 0 {
		fmt.Printf("%-12sskipped (%d errors)\n", test, result.errors)
		return
	}

	ps := result.timer.Percentiles(perfPercentiles)
	fmt.Printf("%-12smean %-12s", test, time.Duration(result.timer.Mean()))
	for i, name := range perfPercentileNames {
		fmt.Printf("%s %-12s", name, time.Duration(ps[i]))
	}
	fmt.Printf("max %-12s%.0f ops/sec\t%d errors\n", time.Duration(result.timer.Max()), opsPerSec(result), result.errors)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, order []string, results map[string]*perfResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"Test", "Count", "Errors", "MeanNs"}
	for _, name := range perfPercentileNames {
		header = append(header, strings.ToUpper(name[:1])+name[1:]+"Ns")
	}
	header = append(header, "MaxNs", "OpsPerSec", "Skipped", "Serializer", "Transport", "Loopback", "Threads")
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, test := range order {
		result := results[test]
		ps := result.timer.Percentiles(perfPercentiles)

		row := []string{
			test,
			strconv.FormatInt(result.timer.Count(), 10),
			strconv.FormatInt(result.errors, 10),
			fmt.Sprintf("%.0f", result.timer.Mean()),
		}
		for _, p := range ps {
			row = append(row, fmt.Sprintf("%.0f", p))
		}
		row = append(row,
			strconv.FormatInt(result.timer.Max(), 10),
			fmt.Sprintf("%.0f", opsPerSec(result)),
			strconv.FormatBool(result.skipped),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			perfLoopback,
			strconv.Itoa(perfNumThreads),
		)

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
