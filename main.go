package main

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"

	"github.com/nlgranger/SeqTools/pkg/seq"
	"github.com/nlgranger/SeqTools/pkg/seq/prefetch"
)

// ============================================================================
// DEMO SCENARIO
// ============================================================================

// scenario is the tunable shape of the demo workload, settable through
// flags or a TOML file.
type scenario struct {
	Items       int    `toml:"items"`
	Workers     int    `toml:"workers"`
	MaxBuffered int    `toml:"max_buffered"`
	Method      string `toml:"method"`
	SlotSize    int    `toml:"slot_size"`
}

func defaultScenario() scenario {
	return scenario{
		Items:       50_000,
		Workers:     runtime.GOMAXPROCS(0),
		MaxBuffered: 2 * runtime.GOMAXPROCS(0),
		Method:      "threads",
		SlotSize:    sha256.Size,
	}
}

// digestRounds is fixed rather than configurable so parent and re-executed
// worker processes always agree on the workload.
const digestRounds = 2_000

// digestItem simulates a CPU-bound record transform: a few thousand rounds
// of hashing over the index.
func digestItem(index int) [sha256.Size]byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(index))
	sum := sha256.Sum256(buf[:])
	for r := 1; r < digestRounds; r++ {
		sum = sha256.Sum256(sum[:])
	}
	return sum
}

var demoCfg = defaultScenario()

func init() {
	// The worker re-executions of this binary look the function up by
	// name, so registration has to happen before WorkerMain runs.
	prefetch.RegisterSlotFunc("demo/digest", func(index int, dst []byte) (int, error) {
		sum := digestItem(index)
		return copy(dst, sum[:]), nil
	})
}

// ============================================================================
// DEMO DRIVER
// ============================================================================

func main() {
	if prefetch.WorkerMain() {
		return
	}

	var configPath string
	pflag.IntVar(&demoCfg.Items, "items", demoCfg.Items, "number of items to evaluate")
	pflag.IntVar(&demoCfg.Workers, "workers", demoCfg.Workers, "parallel workers")
	pflag.IntVar(&demoCfg.MaxBuffered, "max-buffered", demoCfg.MaxBuffered, "completed items buffered ahead of the consumer")
	pflag.StringVar(&demoCfg.Method, "method", demoCfg.Method, "execution method: threads or processes")
	pflag.IntVar(&demoCfg.SlotSize, "slot-size", demoCfg.SlotSize, "shared-memory slot size for the processes method")
	pflag.StringVar(&configPath, "config", "", "TOML scenario file overriding the defaults")
	pflag.Parse()

	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			slog.Error("reading scenario file", "path", configPath, "error", err)
			os.Exit(1)
		}
		if err := toml.Unmarshal(raw, &demoCfg); err != nil {
			slog.Error("parsing scenario file", "path", configPath, "error", err)
			os.Exit(1)
		}
	}

	log := slog.With("run", uuid.NewString())
	log.Info("starting demo",
		"items", demoCfg.Items, "workers", demoCfg.Workers,
		"max_buffered", demoCfg.MaxBuffered, "method", demoCfg.Method)

	var err error
	switch demoCfg.Method {
	case "threads":
		err = runThreads(log)
	case "processes":
		err = runProcesses(log)
	default:
		err = fmt.Errorf("unknown method %q", demoCfg.Method)
	}
	if err != nil {
		log.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

// runThreads compares direct evaluation of a lazy pipeline against the same
// pipeline read through thread-worker prefetching.
func runThreads(log *slog.Logger) error {
	src := seq.SMap(func(i int) ([sha256.Size]byte, error) {
		return digestItem(i), nil
	}, seq.Arange(0, demoCfg.Items, 1))

	start := time.Now()
	direct, err := seq.Collect[[sha256.Size]byte](src)
	if err != nil {
		return err
	}
	directTime := time.Since(start)

	p, err := prefetch.Prefetch[[sha256.Size]byte](src,
		prefetch.WithWorkers(demoCfg.Workers),
		prefetch.WithMaxBuffered(demoCfg.MaxBuffered),
		prefetch.WithLogger(log))
	if err != nil {
		return err
	}
	defer p.Close()

	start = time.Now()
	fetched, err := seq.Collect[[sha256.Size]byte](p)
	if err != nil {
		return err
	}
	prefetchTime := time.Since(start)

	for i := range direct {
		if direct[i] != fetched[i] {
			return fmt.Errorf("item %d differs between direct and prefetched evaluation", i)
		}
	}

	fmt.Printf("--- Threads: %d items ---\n", demoCfg.Items)
	fmt.Printf("direct:    %s\n", directTime)
	fmt.Printf("prefetch:  %s (%.1fx)\n", prefetchTime,
		float64(directTime)/float64(prefetchTime))
	return nil
}

// runProcesses streams the same digests out of isolated worker processes
// through shared-memory slots.
func runProcesses(log *slog.Logger) error {
	s, err := prefetch.LoadSlots("demo/digest", demoCfg.Items,
		prefetch.WithWorkers(demoCfg.Workers),
		prefetch.WithMaxBuffered(demoCfg.MaxBuffered),
		prefetch.WithSlotSize(demoCfg.SlotSize),
		prefetch.WithLogger(log))
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	start := time.Now()
	var sink [sha256.Size]byte
	for i := 0; i < demoCfg.Items; i++ {
		view, n, err := s.Next(ctx)
		if err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
		copy(sink[:], view.Bytes()[:n])
		view.Release()
	}
	elapsed := time.Since(start)

	fmt.Printf("--- Processes: %d items over %d workers ---\n", demoCfg.Items, demoCfg.Workers)
	fmt.Printf("elapsed:   %s (last digest %x)\n", elapsed, sink[:8])
	return nil
}
