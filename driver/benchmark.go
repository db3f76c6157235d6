package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"shardledger/client"
	"shardledger/config"
)

// BenchmarkConfig is loaded from a JSON file passed to the benchmark
// subcommand. Zero fields fall back to the defaults below.
type BenchmarkConfig struct {
	DurationSeconds int     `json:"duration_seconds"`
	Workers         int     `json:"workers"`
	ReadRatio       float64 `json:"read_ratio"`
	CrossShardRatio float64 `json:"cross_shard_ratio"`
	ZipfS           float64 `json:"zipf_s"`
	ZipfV           float64 `json:"zipf_v"`
	MaxAmount       int     `json:"max_amount"`
	Seed            int64   `json:"seed"`
}

func (c *BenchmarkConfig) applyDefaults() {
	if c.DurationSeconds <= 0 {
		c.DurationSeconds = 30
	}
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.ReadRatio < 0 || c.ReadRatio > 1 {
		c.ReadRatio = 0.2
	}
	if c.CrossShardRatio < 0 || c.CrossShardRatio > 1 {
		c.CrossShardRatio = 0.1
	}
	if c.ZipfS <= 1 {
		c.ZipfS = 1.1
	}
	if c.ZipfV < 1 {
		c.ZipfV = 1
	}
	if c.MaxAmount <= 0 {
		c.MaxAmount = 3
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
}

// clusterSampler draws keys with a Zipf skew, per shard, so hot keys cluster
// the way real workloads do.
type clusterSampler struct {
	mu       sync.Mutex
	rng      *rand.Rand
	perShard []*rand.Zipf
}

func newClusterSampler(cfg BenchmarkConfig) *clusterSampler {
	rng := rand.New(rand.NewSource(cfg.Seed))
	perShard := make([]*rand.Zipf, config.ShardCount()+1)
	for shard := 1; shard <= config.ShardCount(); shard++ {
		start, end := config.ShardKeyRange(shard)
		perShard[shard] = rand.NewZipf(rng, cfg.ZipfS, cfg.ZipfV, uint64(end-start))
	}
	return &clusterSampler{rng: rng, perShard: perShard}
}

func (s *clusterSampler) keyInShard(shard int) int {
	start, _ := config.ShardKeyRange(shard)
	return start + int(s.perShard[shard].Uint64())
}

// next returns a transaction shape: a read, an intra-shard transfer, or a
// cross-shard transfer, per the configured ratios.
func (s *clusterSampler) next(cfg BenchmarkConfig) config.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	shard := 1 + s.rng.Intn(config.ShardCount())
	roll := s.rng.Float64()
	if roll < cfg.ReadRatio {
		return config.Transaction{Sender: s.keyInShard(shard), ReadOnly: true, Consistency: config.Eventual}
	}

	sender := s.keyInShard(shard)
	receiverShard := shard
	if s.rng.Float64() < cfg.CrossShardRatio && config.ShardCount() > 1 {
		for receiverShard == shard {
			receiverShard = 1 + s.rng.Intn(config.ShardCount())
		}
	}
	receiver := s.keyInShard(receiverShard)
	for receiver == sender {
		receiver = s.keyInShard(receiverShard)
	}
	return config.Transaction{Sender: sender, Receiver: receiver, Amount: 1 + s.rng.Intn(cfg.MaxAmount)}
}

type benchmarkTotals struct {
	attempted int64
	committed int64
	aborted   int64
	skipped   int64
	pending   int64
	reads     int64
	readErrs  int64
	latencyNs int64
}

func (t *benchmarkTotals) report(elapsed time.Duration) {
	attempted := atomic.LoadInt64(&t.attempted)
	reads := atomic.LoadInt64(&t.reads)
	total := attempted + reads
	fmt.Printf("\n===== Benchmark results =====\n")
	fmt.Printf("Elapsed:    %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Transfers:  %d (committed=%d aborted=%d skipped=%d pending=%d)\n",
		attempted, atomic.LoadInt64(&t.committed), atomic.LoadInt64(&t.aborted),
		atomic.LoadInt64(&t.skipped), atomic.LoadInt64(&t.pending))
	fmt.Printf("Reads:      %d (errors=%d)\n", reads, atomic.LoadInt64(&t.readErrs))
	if elapsed > 0 && total > 0 {
		fmt.Printf("Throughput: %.2f ops/s\n", float64(total)/elapsed.Seconds())
		fmt.Printf("Avg latency: %v\n", (time.Duration(atomic.LoadInt64(&t.latencyNs)) / time.Duration(total)).Round(time.Microsecond))
	}
}

func runBenchmark(cfgPath string) error {
	var cfg BenchmarkConfig
	if data, err := os.ReadFile(cfgPath); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parse benchmark config: %w", err)
		}
	} else {
		fmt.Printf("No benchmark config at %s, using defaults\n", cfgPath)
	}
	cfg.applyDefaults()

	shardMap, err := config.NewShardMap("")
	if err != nil {
		return err
	}
	cl := client.New(shardMap)

	fmt.Println("Flushing system state...")
	flushSystem()
	setBenchmarkMode(true)
	defer setBenchmarkMode(false)

	sampler := newClusterSampler(cfg)
	totals := &benchmarkTotals{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.DurationSeconds)*time.Second)
	defer cancel()

	fmt.Printf("Running %d workers for %ds (read=%.0f%% cross-shard=%.0f%%)\n",
		cfg.Workers, cfg.DurationSeconds, cfg.ReadRatio*100, cfg.CrossShardRatio*100)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				txn := sampler.next(cfg)
				opStart := time.Now()
				if txn.ReadOnly {
					_, err := cl.Read(ctx, txn.Sender, txn.Consistency)
					atomic.AddInt64(&totals.latencyNs, int64(time.Since(opStart)))
					atomic.AddInt64(&totals.reads, 1)
					if err != nil && ctx.Err() == nil {
						atomic.AddInt64(&totals.readErrs, 1)
					}
					continue
				}
				reply, _ := cl.Transfer(ctx, txn.Sender, txn.Receiver, txn.Amount)
				atomic.AddInt64(&totals.latencyNs, int64(time.Since(opStart)))
				atomic.AddInt64(&totals.attempted, 1)
				switch reply.Outcome {
				case config.OutcomeCommitted:
					atomic.AddInt64(&totals.committed, 1)
				case config.OutcomeAborted:
					atomic.AddInt64(&totals.aborted, 1)
				case config.OutcomeSkipped:
					atomic.AddInt64(&totals.skipped, 1)
				default:
					atomic.AddInt64(&totals.pending, 1)
				}
			}
		}()
	}
	wg.Wait()
	totals.report(time.Since(start))
	return nil
}
