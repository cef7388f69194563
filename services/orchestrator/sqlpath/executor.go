// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sqlpath

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var executorTracer = otel.Tracer("dealerlens.orchestrator.sqlpath")

const (
	// DefaultRowCap bounds result size; exceeding it is a capacity error,
	// not a truncation, so the user gets a narrowing suggestion.
	DefaultRowCap = 1000

	// DefaultTimeCap bounds query wall time.
	DefaultTimeCap = 10 * time.Second
)

// ResultSet is a bounded, fully materialized query result.
type ResultSet struct {
	Columns []string
	Rows    [][]interface{}
}

// Executor runs validated SQL read-only against the relational store.
//
// # Description
//
// Every statement runs inside a read-only transaction with an
// independent deadline. The transaction access mode is a second fence
// behind the validator: even if a hostile statement slipped through,
// the store itself refuses writes.
type Executor struct {
	pool    *pgxpool.Pool
	rowCap  int
	timeCap time.Duration
}

// NewExecutor creates an executor over the given pool. Zero caps take
// the defaults.
func NewExecutor(pool *pgxpool.Pool, rowCap int, timeCap time.Duration) *Executor {
	if rowCap <= 0 {
		rowCap = DefaultRowCap
	}
	if timeCap <= 0 {
		timeCap = DefaultTimeCap
	}
	return &Executor{pool: pool, rowCap: rowCap, timeCap: timeCap}
}

// Execute runs one validated statement and materializes the rows.
//
// # Outputs
//
//   - ResultSet on success; may be empty.
//   - error: *SQLCapacityError when the row or time cap is exceeded;
//     otherwise the underlying database error.
func (e *Executor) Execute(ctx context.Context, stmt Statement) (ResultSet, error) {
	ctx, span := executorTracer.Start(ctx, "Executor.Execute")
	defer span.End()
	span.SetAttributes(attribute.Int("sql.row_cap", e.rowCap))

	ctx, cancel := context.WithTimeout(ctx, e.timeCap)
	defer cancel()

	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin failed")
		return ResultSet{}, fmt.Errorf("begin read-only tx: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	rows, err := tx.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		span.RecordError(err)
		return ResultSet{}, e.mapError(err)
	}
	defer rows.Close()

	var result ResultSet
	for _, fd := range rows.FieldDescriptions() {
		result.Columns = append(result.Columns, string(fd.Name))
	}

	for rows.Next() {
		if len(result.Rows) >= e.rowCap {
			span.SetStatus(codes.Error, "row cap exceeded")
			return ResultSet{}, &SQLCapacityError{RowCap: e.rowCap, TimeCap: e.timeCap}
		}
		values, err := rows.Values()
		if err != nil {
			span.RecordError(err)
			return ResultSet{}, fmt.Errorf("read row values: %w", err)
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return ResultSet{}, e.mapError(err)
	}

	span.SetAttributes(attribute.Int("sql.rows", len(result.Rows)))
	return result, nil
}

// mapError turns deadline expiry into a capacity error; everything else
// passes through.
func (e *Executor) mapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &SQLCapacityError{RowCap: e.rowCap, TimeCap: e.timeCap, ByTime: true}
	}
	return fmt.Errorf("query failed: %w", err)
}
