// ctriebench drives the concurrent trie with generated or file-backed
// operation workloads.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/urfave/cli/v2"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"github.com/DanielSolomon/CiCTrie/ctrie"
	"github.com/DanielSolomon/CiCTrie/internal/oplog"
)

func main() {
	app := &cli.App{
		Name:  "ctriebench",
		Usage: "benchmark harness for the concurrent trie",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "verbosity",
				Value: int(slog.LevelInfo),
				Usage: "log level (slog numeric levels)",
			},
		},
		Before: func(c *cli.Context) error {
			handler := slog.NewTextHandler(colorable.NewColorableStderr(), &slog.HandlerOptions{
				Level: slog.Level(c.Int("verbosity")),
			})
			slog.SetDefault(slog.New(handler))
			return nil
		},
		Commands: []*cli.Command{
			generateCommand,
			runCommand,
			stressCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		slog.Error("ctriebench failed", "err", err)
		os.Exit(1)
	}
}

var generateCommand = &cli.Command{
	Name:  "generate",
	Usage: "write a packed insert-record file",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "out", Value: "inserts.bin", Usage: "output file"},
		&cli.IntFlag{Name: "count", Value: 100000, Usage: "number of records"},
		&cli.IntFlag{Name: "keyspace", Value: 10000, Usage: "keys drawn from [0, keyspace)"},
		&cli.Int64Flag{Name: "seed", Value: 1, Usage: "rng seed"},
	},
	Action: func(c *cli.Context) error {
		rng := rand.New(rand.NewSource(c.Int64("seed")))
		recs := make([]oplog.Insert, c.Int("count"))
		keyspace := int32(c.Int("keyspace"))
		for i := range recs {
			recs[i] = oplog.Insert{
				Key:   rng.Int31n(keyspace),
				Value: rng.Int31(),
			}
		}
		f, err := os.Create(c.String("out"))
		if err != nil {
			return err
		}
		defer f.Close()
		if err := oplog.WriteInserts(f, recs); err != nil {
			return err
		}
		slog.Info("wrote insert file", "path", c.String("out"), "records", len(recs))
		return nil
	},
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "load an insert file, fan it across workers and verify",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "file", Value: "inserts.bin", Usage: "insert-record file"},
		&cli.IntFlag{Name: "workers", Value: 2, Usage: "concurrent workers"},
	},
	Action: func(c *cli.Context) error {
		f, err := os.Open(c.String("file"))
		if err != nil {
			return err
		}
		recs, err := oplog.ReadInserts(f)
		f.Close()
		if err != nil {
			return err
		}
		workers := c.Int("workers")
		if workers < 1 {
			return fmt.Errorf("need at least one worker, got %d", workers)
		}

		tr := ctrie.New(workers)
		defer tr.Close()

		start := time.Now()
		var g errgroup.Group
		share := (len(recs) + workers - 1) / workers
		for w := 0; w < workers; w++ {
			lo := w * share
			hi := min(lo+share, len(recs))
			if lo >= hi {
				break
			}
			h := tr.Handle(w)
			part := recs[lo:hi]
			g.Go(func() error {
				defer h.Release()
				for _, rec := range part {
					h.Insert(uint32(rec.Key), uint32(rec.Value))
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		elapsed := time.Since(start)

		h := tr.Handle(0)
		defer h.Release()
		missing := 0
		for _, rec := range recs {
			if _, ok := h.Lookup(uint32(rec.Key)); !ok {
				missing++
			}
		}
		if missing > 0 {
			return fmt.Errorf("verification failed: %d of %d keys missing", missing, len(recs))
		}
		slog.Info("insert run complete",
			"records", len(recs),
			"workers", workers,
			"elapsed", elapsed,
			"ops_per_sec", float64(len(recs))/elapsed.Seconds(),
		)
		return nil
	},
}

var stressCommand = &cli.Command{
	Name:  "stress",
	Usage: "mixed in-memory workload",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "workers", Value: 8, Usage: "concurrent workers"},
		&cli.IntFlag{Name: "ops", Value: 100000, Usage: "operations per worker"},
		&cli.IntFlag{Name: "keyspace", Value: 10000, Usage: "keys drawn from [0, keyspace)"},
		&cli.StringFlag{Name: "mix", Value: "40:40:20", Usage: "insert:lookup:remove percentages"},
		&cli.Int64Flag{Name: "seed", Value: 1, Usage: "rng seed base"},
	},
	Action: func(c *cli.Context) error {
		insertPct, lookupPct, err := parseMix(c.String("mix"))
		if err != nil {
			return err
		}
		workers := c.Int("workers")
		ops := c.Int("ops")
		keyspace := int64(c.Int("keyspace"))

		tr := ctrie.New(workers)
		defer tr.Close()

		start := time.Now()
		var g errgroup.Group
		for w := 0; w < workers; w++ {
			h := tr.Handle(w)
			rng := rand.New(rand.NewSource(c.Int64("seed") + int64(w)))
			g.Go(func() error {
				defer h.Release()
				for i := 0; i < ops; i++ {
					key := uint32(rng.Int63n(keyspace))
					switch roll := rng.Intn(100); {
					case roll < insertPct:
						h.Insert(key, rng.Uint32())
					case roll < insertPct+lookupPct:
						h.Lookup(key)
					default:
						h.Remove(key)
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		elapsed := time.Since(start)
		total := workers * ops
		slog.Info("stress run complete",
			"workers", workers,
			"ops", total,
			"elapsed", elapsed,
			"ops_per_sec", float64(total)/elapsed.Seconds(),
		)
		return nil
	},
}

// parseMix parses "insert:lookup:remove" percentages summing to 100.
func parseMix(mix string) (insertPct, lookupPct int, err error) {
	parts := strings.Split(mix, ":")
	if len(parts) != 3 {
		return 0, 0, fmt.Errorf("mix %q: want insert:lookup:remove", mix)
	}
	pcts := make([]int, 3)
	sum := 0
	for i, part := range parts {
		pcts[i], err = strconv.Atoi(part)
		if err != nil {
			return 0, 0, fmt.Errorf("mix %q: %w", mix, err)
		}
		sum += pcts[i]
	}
	if sum != 100 {
		return 0, 0, fmt.Errorf("mix %q sums to %d, want 100", mix, sum)
	}
	return pcts[0], pcts[1], nil
}
