// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sqlpath

import (
	"fmt"
	"regexp"
	"strings"
)

// The validator is deliberately non-LLM and strict: generated SQL is
// untrusted input. One SELECT statement, no comments, no DDL/DML/admin
// tokens anywhere, at most one semicolon and only at the absolute end.

// forbiddenTokens are rejected case-insensitively on word boundaries, so
// a column named "created" does not trip CREATE but "CrEaTe TABLE" does.
var forbiddenTokens = regexp.MustCompile(`(?i)\b(DROP|DELETE|UPDATE|INSERT|ALTER|CREATE|TRUNCATE|GRANT|REVOKE|EXEC|ATTACH|PRAGMA)\b`)

var leadingSelect = regexp.MustCompile(`(?i)^\s*SELECT\b`)

// Validate applies the SQL policy to a generated statement. A nil return
// means the statement may be executed read-only.
func Validate(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return &SQLInvalidError{SQL: sql, Reason: "empty statement"}
	}

	// At most one semicolon, and only as the very last character.
	if idx := strings.Index(trimmed, ";"); idx >= 0 {
		if idx != len(trimmed)-1 || strings.Count(trimmed, ";") > 1 {
			return &SQLInvalidError{SQL: sql, Reason: "multi-statement or embedded semicolon"}
		}
		trimmed = strings.TrimSpace(trimmed[:len(trimmed)-1])
	}

	if !leadingSelect.MatchString(trimmed) {
		return &SQLInvalidError{SQL: sql, Reason: "statement must start with SELECT"}
	}
	if strings.Contains(trimmed, "--") {
		return &SQLInvalidError{SQL: sql, Reason: "SQL line comment not allowed"}
	}
	if strings.Contains(trimmed, "/*") {
		return &SQLInvalidError{SQL: sql, Reason: "SQL block comment not allowed"}
	}
	if match := forbiddenTokens.FindString(trimmed); match != "" {
		return &SQLInvalidError{SQL: sql, Reason: fmt.Sprintf("forbidden token %q", strings.ToUpper(match))}
	}
	return nil
}
