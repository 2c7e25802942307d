// Package refinery turns raw harvested payloads into rows and persists them.
package refinery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-engine/internal/export"
	"github.com/JakeFAU/harvest-engine/internal/harvest"
	"github.com/JakeFAU/harvest-engine/internal/transform"
)

// DefaultBatchSize is the number of rows flushed together.
const DefaultBatchSize = 500

// Config controls batching.
type Config struct {
	BatchSize int `mapstructure:"batch_size"`
}

// Refinery applies a strategy's transform and writes the rows to the export
// files and the table sink.
type Refinery struct {
	sink      harvest.TableSink
	exports   *export.Writer
	batchSize int
	logger    *zap.Logger
}

// New constructs a Refinery.
func New(sink harvest.TableSink, exports *export.Writer, cfg Config, logger *zap.Logger) (*Refinery, error) {
	if sink == nil || exports == nil {
		return nil, errors.New("refinery requires a table sink and export writer")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refinery{sink: sink, exports: exports, batchSize: cfg.BatchSize, logger: logger.Named("refinery")}, nil
}

// Stats summarizes one refinement.
type Stats struct {
	Rows          int
	Skipped       int
	Batches       int
	FailedBatches int
}

// Refine transforms every item of blocks and returns the number of rows
// produced. A transform that does not compile yields 0 rows and an error
// wrapping harvest.ErrStrategy. Item failures are skipped; a batch the sink
// rejects is rolled back there but stays in the append-only exports.
func (r *Refinery) Refine(ctx context.Context, taskID string, blocks []harvest.RawBlock, strategy harvest.Strategy) (int, error) {
	stats, err := r.RefineStats(ctx, taskID, blocks, strategy)
	return stats.Rows, err
}

// RefineStats is Refine with the full counters.
func (r *Refinery) RefineStats(
	ctx context.Context,
	taskID string,
	blocks []harvest.RawBlock,
	strategy harvest.Strategy,
) (Stats, error) {
	logger := r.logger.With(zap.String("task_id", taskID))
	prog, err := transform.Compile(strategy.Transform)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", harvest.ErrStrategy, err)
	}
	schema := strategy.Schema
	columns := schema.ColumnNames()
	if len(columns) == 0 {
		columns = prog.Columns()
	}

	if err := r.sink.EnsureTable(ctx, schema); err != nil {
		logger.Warn("ensure table failed; continuing", zap.String("table", schema.Table), zap.Error(err))
	}

	var (
		stats  Stats
		buffer = make([]harvest.Row, 0, r.batchSize)
	)
	flush := func() {
		if len(buffer) == 0 {
			return
		}
		stats.Batches++
		r.flush(ctx, logger, taskID, schema, columns, buffer, &stats)
		stats.Rows += len(buffer)
		buffer = buffer[:0]
	}

	for i, block := range blocks {
		if ctx.Err() != nil {
			break
		}
		items := Normalize(block.Payload)
		logger.Debug("processing block", zap.Int("block", i+1), zap.Int("items", len(items)))
		for _, item := range items {
			row, err := prog.Apply(item)
			if err != nil {
				stats.Skipped++
				logger.Debug("transform item failed", zap.Error(fmt.Errorf("%w: %v", harvest.ErrTransformItem, err)))
				continue
			}
			buffer = append(buffer, row)
			if len(buffer) >= r.batchSize {
				flush()
			}
		}
	}
	flush()

	logger.Info("refinery complete",
		zap.Int("rows", stats.Rows),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed_batches", stats.FailedBatches),
	)
	return stats, ctx.Err()
}

func (r *Refinery) flush(
	ctx context.Context,
	logger *zap.Logger,
	taskID string,
	schema transform.Schema,
	columns []string,
	rows []harvest.Row,
	stats *Stats,
) {
	if err := r.exports.AppendCSV(taskID, columns, rows); err != nil {
		logger.Error("csv export failed", zap.Error(err))
	}
	if err := r.exports.AppendSQL(taskID, schema.Table, columns, rows); err != nil {
		logger.Error("sql export failed", zap.Error(err))
	}
	if err := r.sink.InsertBatch(ctx, schema, rows); err != nil {
		stats.FailedBatches++
		if !errors.Is(err, harvest.ErrStorage) {
			err = fmt.Errorf("%w: %v", harvest.ErrStorage, err)
		}
		logger.Error("batch insert rolled back", zap.Int("rows", len(rows)), zap.Error(err))
	}
}

// Normalize turns a payload into the list of items to transform: an object
// yields its "data" member, else its "list" member, else itself; a list is
// used as is; anything else becomes a one-element list.
func Normalize(payload any) []any {
	v := payload
	if obj, ok := payload.(map[string]any); ok {
		if data, ok := obj["data"]; ok {
			v = data
		} else if list, ok := obj["list"]; ok {
			v = list
		}
	}
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}
