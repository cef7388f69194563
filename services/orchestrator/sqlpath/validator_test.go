// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sqlpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAccepts(t *testing.T) {
	accepted := []string{
		"SELECT COUNT(*) FROM warranty_claims WHERE claim_type = 'tyre'",
		"select vin, status from service_visits where status = 'open'",
		"  SELECT model, COUNT(*) FROM sales GROUP BY model  ",
		// Exactly one trailing semicolon is fine.
		"SELECT 1;",
		"SELECT 1 ;",
		// Column names containing forbidden substrings are not tokens.
		"SELECT created_at, updated_at FROM sales",
		"SELECT dropped_calls FROM service_visits",
	}
	for _, sql := range accepted {
		assert.NoError(t, Validate(sql), sql)
	}
}

func TestValidateRejects(t *testing.T) {
	testCases := []struct {
		name string
		sql  string
	}{
		{"empty", "   "},
		{"not select", "DELETE FROM warranty_claims"},
		{"with prefix", "WITH x AS (SELECT 1) SELECT * FROM x"},
		{"embedded delete", "SELECT 1 WHERE EXISTS (DELETE FROM sales RETURNING 1)"},
		{"drop token", "SELECT 1; DROP TABLE sales"},
		{"two semicolons", "SELECT 1;;"},
		{"semicolon mid statement", "SELECT 1; SELECT 2"},
		{"line comment", "SELECT 1 -- hidden"},
		{"block comment", "SELECT /* hidden */ 1"},
		{"mixed case token", "SELECT 1 UNION SELECT * FROM pg_catalog.pg_tables WHERE FALSE OR TrUnCaTe IS NULL"},
		{"update subquery", "SELECT (UPDATE sales SET price = 0)"},
		{"pragma", "SELECT 1 PRAGMA table_info(sales)"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.sql)
			require.Error(t, err)
			assert.True(t, IsSQLInvalid(err))
		})
	}
}

func TestValidateSemicolonBoundary(t *testing.T) {
	// One trailing semicolon accepted; two rejected anywhere.
	assert.NoError(t, Validate("SELECT vin FROM sales;"))
	assert.Error(t, Validate("SELECT vin FROM sales;;"))
	assert.Error(t, Validate(";SELECT vin FROM sales"))
}

func TestValidateInjectionAttempt(t *testing.T) {
	// Scenario: the model is coaxed into emitting a destructive
	// statement; the validator is the hard stop.
	err := Validate("DELETE FROM warranty_claims WHERE 1=1")
	require.Error(t, err)
	assert.True(t, IsSQLInvalid(err))
	assert.Contains(t, err.Error(), "SELECT")
}
