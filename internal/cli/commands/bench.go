// Copyright 2025 AsyncFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"asyncfs/internal/metrics"
	"asyncfs/internal/vfs"
)

var benchOpts struct {
	root        string
	ops         int
	writeSize   int
	delay       time.Duration
	metricsAddr string
	osLocks     bool
	keep        bool
}

// benchCmd runs a journal-then-database write workload through the shim and
// reports enqueue latency separately from drain time, the difference being
// what the write-behind layer buys the caller.
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a write-behind workload against a scratch directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBench(cmd.Context())
	},
}

func init() {
	benchCmd.Flags().StringVar(&benchOpts.root, "root", "", "scratch parent directory (default: system temp)")
	benchCmd.Flags().IntVar(&benchOpts.ops, "ops", 1000, "number of commit cycles")
	benchCmd.Flags().IntVar(&benchOpts.writeSize, "write-size", 4096, "bytes per page write")
	benchCmd.Flags().DurationVar(&benchOpts.delay, "delay", 0, "artificial per-record writer delay")
	benchCmd.Flags().StringVar(&benchOpts.metricsAddr, "metrics", "", "Prometheus listen address (empty disables)")
	benchCmd.Flags().BoolVar(&benchOpts.osLocks, "os-locks", false, "take OS advisory locks during the workload")
	benchCmd.Flags().BoolVar(&benchOpts.keep, "keep", false, "keep the scratch directory afterwards")
	rootCmd.AddCommand(benchCmd)
}

func runBench(ctx context.Context) error {
	root := benchOpts.root
	if root == "" {
		root = os.TempDir()
	}
	scratch := filepath.Join(root, "asyncfs-bench-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}
	if !benchOpts.keep {
		defer os.RemoveAll(scratch)
	}
	log.Infof("bench: scratch dir %s", scratch)

	collector := metrics.NewCollector()
	if benchOpts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		srv := &http.Server{Addr: benchOpts.metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Warn("bench: metrics server")
			}
		}()
		defer srv.Close()
	}

	opts := []vfs.Option{vfs.WithMetrics(collector), vfs.WithDelay(benchOpts.delay)}
	if benchOpts.osLocks {
		opts = append(opts, vfs.WithOSLocks(scratch))
	}
	shim := vfs.New(osfs.New(scratch), opts...)
	shim.Start()

	openFlags := vfs.OpenReadWrite | vfs.OpenCreate
	if benchOpts.osLocks {
		openFlags |= vfs.OpenLocking
	}
	db, err := shim.OpenFile("bench.db", openFlags)
	if err != nil {
		return err
	}

	page := make([]byte, benchOpts.writeSize)
	for i := range page {
		page[i] = byte(i)
	}

	start := time.Now()
	for i := 0; i < benchOpts.ops; i++ {
		// One commit cycle: journal the page, sync, write the page, sync,
		// drop the journal.
		jnl, err := shim.OpenFile("bench.db-journal", vfs.OpenReadWrite|vfs.OpenCreate)
		if err != nil {
			return err
		}
		if _, err := jnl.WriteAt(page, 0); err != nil {
			return err
		}
		if err := jnl.Sync(vfs.SyncNormal); err != nil {
			return err
		}
		if _, err := db.WriteAt(page, int64(i)*int64(benchOpts.writeSize)); err != nil {
			return err
		}
		if err := db.Sync(vfs.SyncNormal); err != nil {
			return err
		}
		if err := jnl.Close(); err != nil {
			return err
		}
		if err := shim.Remove("bench.db-journal", false); err != nil {
			return err
		}
	}
	enqueued := time.Since(start)
	depth := shim.QueueLen()

	if err := db.Flush(ctx); err != nil {
		return err
	}
	drained := time.Since(start)

	size, err := db.Size()
	if err != nil {
		return err
	}
	if err := db.Close(); err != nil {
		return err
	}
	if err := shim.Shutdown(ctx); err != nil {
		return err
	}

	fmt.Printf("cycles:   %d\n", benchOpts.ops)
	fmt.Printf("enqueue:  %v (%d records still queued)\n", enqueued, depth)
	fmt.Printf("drained:  %v\n", drained)
	fmt.Printf("db size:  %d bytes\n", size)
	return nil
}
