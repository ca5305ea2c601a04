// cmd/bench.go
package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	scheduler "github.com/cortexserve/batchsched/scheduler"
)

var (
	benchRequests    int
	benchRate        float64
	benchMaxNewToks  uint32
	benchInputTokens int
	benchSeed        int64
)

// benchCmd drives synthetic Poisson-arrival load through the scheduler
// end-to-end against the reference backend and reports aggregate latency.
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Drive synthetic load through the scheduler",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()

		cfg := scheduler.DefaultConfig()
		if configPath != "" {
			loaded, err := scheduler.LoadConfig(configPath)
			if err != nil {
				logrus.Fatalf("loading config: %v", err)
			}
			cfg = loaded
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		backend := scheduler.NewReferenceBackend(cfg.Backend)
		infer := scheduler.NewInfer(ctx, cfg, backend, scheduler.NoopMetrics{})

		rng := rand.New(rand.NewSource(benchSeed))
		var wg sync.WaitGroup
		latencies := make([]time.Duration, benchRequests)
		errCount := 0
		var mu sync.Mutex

		start := time.Now()
		for i := 0; i < benchRequests; i++ {
			interArrival := time.Duration(rng.ExpFloat64()/benchRate*1e9) * time.Nanosecond
			time.Sleep(interArrival)

			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				inputIDs := make([]int32, benchInputTokens)
				for j := range inputIDs {
					inputIDs[j] = int32(rng.Intn(32000))
				}
				req := scheduler.Request{
					InputIDs: inputIDs,
					Stopping: scheduler.StoppingParams{MaxNewTokens: benchMaxNewToks},
				}
				issued := time.Now()
				_, err := infer.Generate(ctx, req)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errCount++
					return
				}
				latencies[idx] = time.Since(issued)
			}(i)
		}
		wg.Wait()
		total := time.Since(start)

		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		fmt.Println("=== Bench Results ===")
		fmt.Printf("Requests        : %d\n", benchRequests)
		fmt.Printf("Errors          : %d\n", errCount)
		fmt.Printf("Wall Clock      : %s\n", total)
		if benchRequests > errCount {
			fmt.Printf("Average Latency : %s\n", sum/time.Duration(benchRequests-errCount))
		}
	},
}

func init() {
	benchCmd.Flags().IntVar(&benchRequests, "requests", 100, "Number of synthetic requests to issue")
	benchCmd.Flags().Float64Var(&benchRate, "rate", 20, "Poisson arrival rate (requests per second)")
	benchCmd.Flags().Uint32Var(&benchMaxNewToks, "max-new-tokens", 32, "Tokens to generate per request")
	benchCmd.Flags().IntVar(&benchInputTokens, "input-tokens", 64, "Synthetic input length per request")
	benchCmd.Flags().Int64Var(&benchSeed, "seed", 1, "Random seed for synthetic arrivals")
}
