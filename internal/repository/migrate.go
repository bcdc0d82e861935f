package repository

import (
	"context"

	"go.uber.org/zap"

	"hostbroker/internal/errors"
)

// DefaultMigrationBatchSize is used when the caller does not configure one.
const DefaultMigrationBatchSize = 50

// ProgressFunc receives migration progress after every copied batch.
type ProgressFunc func(entity string, migrated, total int)

// MigrationReport summarizes one collection's migration.
type MigrationReport struct {
	Entity      string
	SourceCount int
	Migrated    int
	Batches     int
}

// MigrationSummary aggregates the per-collection reports of a full migration.
type MigrationSummary struct {
	Requests  MigrationReport
	Machines  MigrationReport
	Templates MigrationReport
}

// Total returns the number of entities copied across all collections.
func (s MigrationSummary) Total() int {
	return s.Requests.Migrated + s.Machines.Migrated + s.Templates.Migrated
}

// Migrator copies entities from a source backend to a target backend in
// batches. Writes are upserts, so rerunning an interrupted migration is safe;
// already-copied entities are simply written again.
type Migrator struct {
	batchSize int
	logger    *zap.Logger
	progress  ProgressFunc
}

// NewMigrator creates a migrator copying batchSize entities per write pass.
func NewMigrator(batchSize int, logger *zap.Logger) *Migrator {
	if batchSize < 1 {
		batchSize = DefaultMigrationBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{batchSize: batchSize, logger: logger}
}

// OnProgress registers a callback invoked after every copied batch.
func (m *Migrator) OnProgress(fn ProgressFunc) {
	m.progress = fn
}

func (m *Migrator) report(entity string, migrated, total int) {
	if m.progress != nil {
		m.progress(entity, migrated, total)
	}
	m.logger.Info("migration progress",
		zap.String("entity", entity),
		zap.Int("migrated", migrated),
		zap.Int("total", total))
}

// MigrateAll copies requests, machines, and templates between backends and
// returns the per-collection reports. It stops at the first failed collection.
func (m *Migrator) MigrateAll(ctx context.Context, source, target *Stores) (MigrationSummary, error) {
	var summary MigrationSummary
	var err error

	if summary.Requests, err = m.MigrateRequests(ctx, source.Requests, target.Requests); err != nil {
		return summary, err
	}
	if summary.Machines, err = m.MigrateMachines(ctx, source.Machines, target.Machines); err != nil {
		return summary, err
	}
	if summary.Templates, err = m.MigrateTemplates(ctx, source.Templates, target.Templates); err != nil {
		return summary, err
	}
	return summary, nil
}

// MigrateRequests copies every request from source to target.
func (m *Migrator) MigrateRequests(ctx context.Context, source, target RequestRepository) (MigrationReport, error) {
	report := MigrationReport{Entity: "requests"}

	// Pre-migration count so progress and the final verification have a
	// denominator.
	all, err := source.GetAll(ctx, RequestFilter{}, Page{})
	if err != nil {
		return report, m.failed(report.Entity, err)
	}
	report.SourceCount = len(all)
	m.logger.Info("migration starting", zap.String("entity", report.Entity), zap.Int("count", report.SourceCount))

	for offset := 0; offset < report.SourceCount; offset += m.batchSize {
		if err := ctx.Err(); err != nil {
			return report, errors.FromContext(err)
		}
		batch, err := source.GetAll(ctx, RequestFilter{}, Page{Limit: m.batchSize, Offset: offset})
		if err != nil {
			return report, m.failed(report.Entity, err)
		}
		for _, req := range batch {
			if err := target.Save(ctx, req); err != nil {
				return report, m.failed(report.Entity, err)
			}
			report.Migrated++
		}
		report.Batches++
		m.report(report.Entity, report.Migrated, report.SourceCount)
	}
	return report, m.verify(report)
}

// MigrateMachines copies every machine from source to target.
func (m *Migrator) MigrateMachines(ctx context.Context, source, target MachineRepository) (MigrationReport, error) {
	report := MigrationReport{Entity: "machines"}

	all, err := source.GetAll(ctx, MachineFilter{}, Page{})
	if err != nil {
		return report, m.failed(report.Entity, err)
	}
	report.SourceCount = len(all)
	m.logger.Info("migration starting", zap.String("entity", report.Entity), zap.Int("count", report.SourceCount))

	for offset := 0; offset < report.SourceCount; offset += m.batchSize {
		if err := ctx.Err(); err != nil {
			return report, errors.FromContext(err)
		}
		batch, err := source.GetAll(ctx, MachineFilter{}, Page{Limit: m.batchSize, Offset: offset})
		if err != nil {
			return report, m.failed(report.Entity, err)
		}
		if err := target.SaveAll(ctx, batch); err != nil {
			return report, m.failed(report.Entity, err)
		}
		report.Migrated += len(batch)
		report.Batches++
		m.report(report.Entity, report.Migrated, report.SourceCount)
	}
	return report, m.verify(report)
}

// MigrateTemplates copies every template from source to target.
func (m *Migrator) MigrateTemplates(ctx context.Context, source, target TemplateRepository) (MigrationReport, error) {
	report := MigrationReport{Entity: "templates"}

	all, err := source.GetAll(ctx, TemplateFilter{}, Page{})
	if err != nil {
		return report, m.failed(report.Entity, err)
	}
	report.SourceCount = len(all)
	m.logger.Info("migration starting", zap.String("entity", report.Entity), zap.Int("count", report.SourceCount))

	for offset := 0; offset < report.SourceCount; offset += m.batchSize {
		if err := ctx.Err(); err != nil {
			return report, errors.FromContext(err)
		}
		batch, err := source.GetAll(ctx, TemplateFilter{}, Page{Limit: m.batchSize, Offset: offset})
		if err != nil {
			return report, m.failed(report.Entity, err)
		}
		for _, t := range batch {
			if err := target.Save(ctx, t); err != nil {
				return report, m.failed(report.Entity, err)
			}
			report.Migrated++
		}
		report.Batches++
		m.report(report.Entity, report.Migrated, report.SourceCount)
	}
	return report, m.verify(report)
}

func (m *Migrator) failed(entity string, err error) error {
	return errors.Wrap(err, "Migrate", "migration of "+entity+" failed")
}

// verify catches source drift during the copy. Entities added to the source
// while migrating shift the offset pages, so the copied count no longer lines
// up with the pre-migration count.
func (m *Migrator) verify(report MigrationReport) error {
	if report.Migrated == report.SourceCount {
		return nil
	}
	return errors.Internal(errors.CodeMigrationFailed, "migrated count does not match source count").
		WithResource(report.Entity).
		WithDetailsf("copied %d of %d", report.Migrated, report.SourceCount).
		Build()
}
