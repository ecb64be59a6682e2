// Package pipeline drives one ingestion pass per configured source and the
// subsequent silver build.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nucleus/lake-core/internal/config"
	"github.com/nucleus/lake-core/internal/extract"
	"github.com/nucleus/lake-core/internal/lake"
	"github.com/nucleus/lake-core/internal/logging"
	"github.com/nucleus/lake-core/internal/normalize"
	"github.com/nucleus/lake-core/internal/schema"
	"github.com/nucleus/lake-core/internal/silver"
	"github.com/nucleus/lake-core/internal/state"
)

// flushThreshold bounds peak memory for large pulls: buffered valid records
// are written out in micro-batches of this size.
const flushThreshold = 5000

// Pass status values.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Summary reports one source pass. Emitted even when the pass fails.
type Summary struct {
	Source           string
	Status           string
	RowsSeen         int64
	BadRows          int64
	CheckpointBefore string
	CheckpointAfter  string
	Partitions       []string
}

// Orchestrator executes the configured sources sequentially, end-to-end.
// A failure in one source never aborts processing of subsequent sources.
type Orchestrator struct {
	cfg      *config.Config
	store    state.Store
	registry *extract.Registry

	// now is injectable for deterministic tests.
	now func() time.Time
}

// New builds an orchestrator and rejects unknown source kinds up front,
// before any extraction starts.
func New(cfg *config.Config, store state.Store) (*Orchestrator, error) {
	registry := extract.DefaultRegistry()
	for _, src := range cfg.Sources {
		if !registry.Known(src.Kind) {
			return nil, extract.ErrUnknownKind{Kind: src.Kind}
		}
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		registry: registry,
		now:      time.Now,
	}, nil
}

// Run processes every source once, then builds the silver layer over the
// accumulated bronze partitions. The returned summaries cover all sources,
// failed ones included.
func (o *Orchestrator) Run(ctx context.Context) ([]Summary, error) {
	log := logging.L()
	runID := uuid.NewString()
	log.Infow("ingestion run starting", "run_id", runID, "sources", len(o.cfg.Sources))

	summaries := make([]Summary, 0, len(o.cfg.Sources))
	for _, src := range o.cfg.Sources {
		log.Infow("source pass starting", "run_id", runID, "source", src.Name, "kind", src.Kind)
		summary := o.runSource(ctx, src)
		summaries = append(summaries, summary)
		log.Infow("source pass summary",
			"run_id", runID,
			"source", summary.Source,
			"status", summary.Status,
			"rows_seen", summary.RowsSeen,
			"bad_rows", summary.BadRows,
			"checkpoint_before", summary.CheckpointBefore,
			"checkpoint_after", summary.CheckpointAfter,
		)
	}

	// Silver failures are isolated from the bronze results already
	// committed above.
	builder := silver.NewBuilder(o.cfg)
	if meta, err := builder.Build(); err != nil {
		log.Errorw("silver build failed", "run_id", runID, "error", err)
	} else if meta != nil {
		log.Infow("silver build completed",
			"run_id", runID,
			"rows", meta.TotalRows,
			"train", meta.Quality.SplitRows["train"],
			"val", meta.Quality.SplitRows["val"],
			"test", meta.Quality.SplitRows["test"],
			"duplicates_removed", meta.Quality.DuplicatesRemoved,
		)
	}

	return summaries, nil
}

// runSource executes one pass: extract, normalize, validate, buffer,
// micro-batch flush, checkpoint commit. The checkpoint only advances when
// the whole pass succeeds; already-flushed batches stay committed either
// way.
func (o *Orchestrator) runSource(ctx context.Context, src config.Source) Summary {
	log := logging.L()

	checkpointBefore, _, err := o.store.Get(ctx, src.Name)
	if err != nil {
		log.Errorw("failed to read checkpoint", "source", src.Name, "error", err)
		return Summary{Source: src.Name, Status: StatusFailed}
	}

	summary := Summary{
		Source:           src.Name,
		CheckpointBefore: checkpointBefore,
		CheckpointAfter:  checkpointBefore,
	}

	extractor, err := o.registry.Create(src.Kind, src.Options)
	if err != nil {
		log.Errorw("failed to create extractor", "source", src.Name, "kind", src.Kind, "error", err)
		summary.Status = StatusFailed
		return summary
	}

	it, err := extractor.Extract(ctx, checkpointBefore)
	if err != nil {
		log.Errorw("failed to start extraction", "source", src.Name, "error", err)
		summary.Status = StatusFailed
		return summary
	}
	defer it.Close()

	var fields []lake.Field
	if src.Kind == schema.KindGitHub {
		fields = schema.IssueFields()
	}

	maxCursor := checkpointBefore
	buffer := make([]lake.Record, 0, flushThreshold)
	failed := false

	for it.Next() {
		summary.RowsSeen++
		rec := normalize.Clean(it.Value())

		validated, verr := schema.Validate(src.Kind, rec)
		if verr != nil {
			summary.BadRows++
			log.Warnw("validation failed", "source", src.Name, "error", verr)
			continue
		}
		validated["ingest_ts"] = o.now().UTC().Format(time.RFC3339)

		// Track the running maximum cursor; out-of-order delivery never
		// decreases it.
		if src.CheckpointKey != "" {
			if cur, ok := validated[src.CheckpointKey].(string); ok && cur != "" {
				if maxCursor == "" || cur > maxCursor {
					maxCursor = cur
				}
			}
		}

		buffer = append(buffer, validated)
		if len(buffer) >= flushThreshold {
			if err := o.flush(src, buffer, fields, &summary); err != nil {
				log.Errorw("micro-batch flush failed", "source", src.Name, "error", err)
				failed = true
				break
			}
			buffer = buffer[:0]
		}
	}

	if !failed {
		if err := it.Err(); err != nil {
			// The unflushed buffer is discarded; partitions already
			// written remain committed.
			log.Errorw("source pass failed",
				"source", src.Name, "rows_seen", summary.RowsSeen, "error", err)
			if len(buffer) > 0 {
				log.Warnw("discarding buffered rows after failure",
					"source", src.Name, "buffered", len(buffer))
			}
			failed = true
		}
	}

	if !failed && len(buffer) > 0 {
		if err := o.flush(src, buffer, fields, &summary); err != nil {
			log.Errorw("final flush failed", "source", src.Name, "error", err)
			failed = true
		}
	}

	if !failed && src.CheckpointKey != "" && maxCursor != "" {
		meta := state.Meta{RowsSeen: summary.RowsSeen, BadRows: summary.BadRows}
		if err := o.store.Set(ctx, src.Name, maxCursor, meta); err != nil {
			// A checkpoint write failure aborts the commit; the pass must
			// not report success with an unpersisted cursor.
			log.Errorw("checkpoint commit failed", "source", src.Name, "error", err)
			failed = true
		} else {
			summary.CheckpointAfter = maxCursor
		}
	}

	if failed {
		summary.Status = StatusFailed
	} else {
		summary.Status = StatusCompleted
	}
	return summary
}

func (o *Orchestrator) flush(src config.Source, records []lake.Record, fields []lake.Field, summary *Summary) error {
	batch := make([]lake.Record, len(records))
	copy(batch, records)
	res, err := lake.Write(batch, o.cfg.LakeRoot, src.Destination, o.cfg.DefaultPartition, fields)
	if err != nil {
		return fmt.Errorf("write batch to %s: %w", src.Destination, err)
	}
	summary.Partitions = append(summary.Partitions, res.Partitions...)
	logging.L().Infow("wrote micro-batch",
		"source", src.Name,
		"destination", src.Destination,
		"rows", res.RowsWritten,
		"partitions", res.Partitions,
	)
	return nil
}
