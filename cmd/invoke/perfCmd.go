package invoke

import (
	"context"
	"encoding/csv"
	"fmt"
	"github.com/ValentinKolb/sockrpc/cmd/util"
	"github.com/ValentinKolb/sockrpc/rpc/client"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"github.com/ValentinKolb/sockrpc/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"
)

const perfSubsystem = server.SubsystemEcho

var (
	// PerfCmd benchmarks the echo subsystem of a sockrpc server
	PerfCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for sockrpc servers",
		Long:    "Runs parallel benchmarks against the echo subsystem of a sockrpc server and prints the latency statistics of the client",
		PreRunE: processPerfConfig,
		RunE:    runPerf,
		PostRun: closeClient,
	}
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfSkip             = make([]string, 0)
)

func init() {
	util.SetupRPCClientFlags(PerfCmd)

	// add flags
	key := "skip"
	PerfCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. small,oneway)"))
	key = "threads"
	PerfCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	PerfCmd.Flags().Int(key, 100, util.WrapString("How large the payload for the large test should be (in KB)"))
	key = "csv"
	PerfCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, args []string) error {
	if err := setupClient(cmd, args); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfNumThreads = viper.GetInt("threads")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for sockrpc servers")

	// Print configuration
	config := util.GetClientConfig()
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(config.String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("starting tests...")

	ctx := context.Background()
	small := []byte("test")
	large := make([]byte, perfLargeValueSizeKB*1024)
	mixedMeta := map[string]string{server.MetaDelay: "1ms"}

	benchmarks := []struct {
		name string
		op   func(counter int) error
	}{
		{"small", func(int) error {
			_, err := rpcClient.Invoke(ctx, perfSubsystem, small, nil)
			return err
		}},
		{"large", func(int) error {
			_, err := rpcClient.Invoke(ctx, perfSubsystem, large, nil)
			return err
		}},
		{"oneway", func(int) error {
			return rpcClient.InvokeOneway(ctx, perfSubsystem, small, nil)
		}},
		{"mixed", func(counter int) error {
			var err error
			switch counter % 3 {
			case 0:
				_, err = rpcClient.Invoke(ctx, perfSubsystem, small, nil)
			case 1:
				_, err = rpcClient.Invoke(ctx, perfSubsystem, small, mixedMeta)
			case 2:
				err = rpcClient.InvokeOneway(ctx, perfSubsystem, small, nil)
			}
			return err
		}},
	}

	results := make(map[string]testing.BenchmarkResult)
	for _, bench := range benchmarks {
		result := testing.Benchmark(func(b *testing.B) {
			if shouldSkip(bench.name) {
				return
			}

			b.SetParallelism(perfNumThreads)
			b.ResetTimer()

			b.RunParallel(func(pb *testing.PB) {
				counter := 0
				for pb.Next() {
					if err := bench.op(counter); err != nil {
						log.Printf("(%s) - invocation failed: %v\n", bench.name, err)
					}
					counter++
				}
			})
		})
		results[bench.name] = result
		printResult(bench.name, result)
	}

	fmt.Println()
	printStats(rpcClient.Stats())

	// Write results to csv if specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, config); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if test == strings.TrimSpace(skip) {
			return true
		}
	}
	return false
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// printStats prints the latency statistics collected by the client
func printStats(stats client.Stats) {
	fmt.Println("Client statistics:")
	fmt.Printf("%-20s%d\n", "invocations", stats.Invocations)
	fmt.Printf("%-20s%d\n", "oneway", stats.Oneway)
	fmt.Printf("%-20s%d\n", "errors", stats.Errors)
	fmt.Printf("%-20s%s\n", "mean", stats.Mean)
	fmt.Printf("%-20s%s\n", "p50", stats.P50)
	fmt.Printf("%-20s%s\n", "p99", stats.P99)
	fmt.Printf("%-20s%s\n", "max", stats.Max)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Endpoints", "RetryCount", "MaxPoolSize", "ProtocolVersion",
		"Serializer", "Transport", "Threads", "LargeValueSizeKB",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for test, result := range results {
		var nsPerOp, opsPerSec float64
		skipped := "true"
		if result.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strings.Join(config.Transport.Endpoints, ";"),
			strconv.Itoa(config.Transport.RetryCount),
			strconv.Itoa(config.Transport.MaxPoolSize),
			strconv.Itoa(int(config.Transport.ProtocolVersion)),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
