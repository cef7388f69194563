// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sqlpath implements the structured-mode pipeline: question
// classification, entity extraction, SQL generation, strict validation,
// read-only execution, and natural-language result formatting.
package sqlpath

import (
	"errors"
	"fmt"
	"time"
)

// SQLInvalidError marks generated SQL the validator refused. The pipeline
// responds with a polite re-phrase request; the SQL is never executed.
type SQLInvalidError struct {
	SQL    string
	Reason string
}

func (e *SQLInvalidError) Error() string {
	return fmt.Sprintf("invalid generated SQL: %s", e.Reason)
}

// IsSQLInvalid reports whether err is a validator rejection.
func IsSQLInvalid(err error) bool {
	var target *SQLInvalidError
	return errors.As(err, &target)
}

// SQLCapacityError marks a query that hit the row cap or the wall-clock
// cap. The pipeline responds with a narrowing suggestion.
type SQLCapacityError struct {
	RowCap  int
	TimeCap time.Duration
	ByTime  bool
}

func (e *SQLCapacityError) Error() string {
	if e.ByTime {
		return fmt.Sprintf("query exceeded time cap %s", e.TimeCap)
	}
	return fmt.Sprintf("query exceeded row cap %d", e.RowCap)
}

// IsSQLCapacity reports whether err is a capacity rejection.
func IsSQLCapacity(err error) bool {
	var target *SQLCapacityError
	return errors.As(err, &target)
}
