package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/wickhunter/internal/domain"
)

const (
	day = 24 * time.Hour

	defaultArchiveInterval  = time.Hour
	defaultArchiveRetention = 7 * day
	defaultArchiveLookback  = 30 * day
	defaultArchiveMaxRows   = 100_000

	// multipartThreshold is the payload size above which uploads go through
	// the multipart manager.
	multipartThreshold = 8 << 20

	jsonlContentType = "application/x-ndjson"
)

// ArchiverConfig configures an Archiver.
type ArchiverConfig struct {
	// Interval between archive passes.
	Interval time.Duration
	// Retention is how old a record must be before it is archived.
	Retention time.Duration
	// Lookback bounds how many days before the retention cutoff a pass
	// inspects.
	Lookback time.Duration
	// MaxRows caps the records read per kind per day.
	MaxRows int
}

// Archiver copies closed rounds and signal logs older than the retention
// window to object storage as one JSONL file per kind per UTC day:
//
//	rounds/2025/01/31/rounds.jsonl
//	signal_logs/2025/01/31/signal_logs.jsonl
//
// A day already present in the bucket is skipped. Archived rows are left in
// the primary store.
type Archiver struct {
	cfg    ArchiverConfig
	writer domain.BlobWriter
	reader domain.BlobReader
	rounds domain.RoundStore
	logs   domain.SignalLogStore
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates an Archiver.
func NewArchiver(
	cfg ArchiverConfig,
	writer domain.BlobWriter,
	reader domain.BlobReader,
	rounds domain.RoundStore,
	logs domain.SignalLogStore,
	logger *slog.Logger,
) *Archiver {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultArchiveInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultArchiveRetention
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaultArchiveLookback
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultArchiveMaxRows
	}
	return &Archiver{
		cfg:    cfg,
		writer: writer,
		reader: reader,
		rounds: rounds,
		logs:   logs,
		logger: logger.With(slog.String("component", "archiver")),
		now:    time.Now,
	}
}

// Run archives once immediately and then every Interval until ctx is done.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := a.RunOnce(ctx); err != nil {
			a.logger.Warn("archive pass failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce archives every complete UTC day inside the lookback window that
// ends before the retention cutoff.
func (a *Archiver) RunOnce(ctx context.Context) error {
	cutoff := a.now().UTC().Add(-a.cfg.Retention).Truncate(day)
	first := cutoff.Add(-a.cfg.Lookback)

	for d := first; d.Before(cutoff); d = d.Add(day) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.ArchiveDay(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// ArchiveDay writes the rounds and signal logs of the UTC day starting at
// dayStart.
func (a *Archiver) ArchiveDay(ctx context.Context, dayStart time.Time) error {
	from := dayStart.UTC().Truncate(day)
	to := from.Add(day)

	roundsPath := partitionPath("rounds", from)
	n, err := archive(ctx, a, roundsPath, func() ([]domain.Round, error) {
		return a.rounds.ListClosedBetween(ctx, from, to, a.cfg.MaxRows)
	})
	if err != nil {
		return err
	}
	if n > 0 {
		a.logger.Info("archived rounds", slog.String("path", roundsPath), slog.Int("count", n))
	}

	logsPath := partitionPath("signal_logs", from)
	n, err = archive(ctx, a, logsPath, func() ([]domain.SignalLog, error) {
		return a.logs.ListBetween(ctx, from, to, a.cfg.MaxRows)
	})
	if err != nil {
		return err
	}
	if n > 0 {
		a.logger.Info("archived signal logs", slog.String("path", logsPath), slog.Int("count", n))
	}
	return nil
}

// archive uploads the records returned by list to path unless path exists.
// It returns the number of records written.
func archive[T any](ctx context.Context, a *Archiver, path string, list func() ([]T, error)) (int, error) {
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, nil
	}

	records, err := list()
	if err != nil {
		return 0, fmt.Errorf("s3blob: list %s: %w", path, err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	if len(records) == a.cfg.MaxRows {
		a.logger.Warn("archive partition truncated", slog.String("path", path), slog.Int("max_rows", a.cfg.MaxRows))
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: encode %s: %w", path, err)
	}
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), 0)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// partitionPath builds the object key of one kind's file for a UTC day.
func partitionPath(kind string, dayStart time.Time) string {
	return fmt.Sprintf("%s/%s/%s.jsonl", kind, dayStart.Format("2006/01/02"), kind)
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
