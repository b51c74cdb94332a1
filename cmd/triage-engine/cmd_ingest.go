package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-triage/internal/config"
	"github.com/miradorstack/mirador-triage/internal/engine"
	"github.com/miradorstack/mirador-triage/internal/ingest"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

var (
	ingestFile    string
	ingestTimeout time.Duration
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Triage every incident of a search export and print outcomes as JSON lines",
	RunE:  runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "Search export (hits.hits[]._source) to ingest")
	ingestCmd.Flags().DurationVar(&ingestTimeout, "timeout", 5*time.Minute, "Give up waiting for outcomes after this long")
	_ = ingestCmd.MarkFlagRequired("file")
}

// ingestLine is one line of ingest output.
type ingestLine struct {
	Outcome *engine.Outcome `json:"outcome,omitempty"`
	Record  string          `json:"record,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func runIngest(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := utils.NewLoggerTo(os.Stderr, cfg.Logging.Level, cfg.Logging.JSON)

	ctx, cancel := context.WithTimeout(cmd.Context(), ingestTimeout)
	defer cancel()

	results, err := ingest.ReadExportFile(ctx, ingestFile)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.prepare(ctx); err != nil {
		return err
	}

	out := newLineWriter(cmd.OutOrStdout())
	waiting := make(map[string]bool)
	var mu sync.Mutex
	done := make(chan struct{})
	var closeOnce sync.Once
	a.pipeline.OnOutcome(func(o engine.Outcome) {
		if o.IncidentID == "" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if !waiting[o.IncidentID] {
			return
		}
		out.write(ingestLine{Outcome: &o})
		if o.Status.Terminal() || o.Status == models.StatusPending {
			delete(waiting, o.IncidentID)
			if len(waiting) == 0 {
				closeOnce.Do(func() { close(done) })
			}
		}
	})

	runCtx, stopPipeline := context.WithCancel(ctx)
	defer stopPipeline()
	runErr := make(chan error, 1)
	go func() { runErr <- a.pipeline.Run(runCtx) }()

	submitted := 0
	for i, res := range results {
		if res.Err != nil {
			out.write(ingestLine{Record: fmt.Sprintf("#%d", i), Error: res.Err.Error()})
			continue
		}
		mu.Lock()
		waiting[res.Record.ID] = true
		mu.Unlock()
		if err := submitWithRetry(ctx, a.pipeline, res.Record); err != nil {
			mu.Lock()
			delete(waiting, res.Record.ID)
			mu.Unlock()
			out.write(ingestLine{Record: res.Record.ID, Error: err.Error()})
			continue
		}
		submitted++
	}

	mu.Lock()
	if len(waiting) == 0 {
		closeOnce.Do(func() { close(done) })
	}
	mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("ingest timed out before every outcome arrived")
	}
	stopPipeline()
	<-runErr
	logger.Info("ingest finished", slog.Int("records", len(results)), slog.Int("submitted", submitted))
	return nil
}

func submitWithRetry(ctx context.Context, p *engine.Pipeline, rec models.IncidentRecord) error {
	for {
		err := p.Submit(rec)
		if !errors.Is(err, models.ErrQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{enc: json.NewEncoder(w)}
}

func (l *lineWriter) write(line ingestLine) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.enc.Encode(line)
}
