package harness

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/roach88/orgboot/internal/store"
)

// validIdentifier matches SQL identifiers. Table and column names cannot be
// bound as parameters, so they are checked before interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s v%d", ev.Seq, ev.EventType, ev.StreamVersion)
			if ev.Reason != "" {
				fmt.Fprintf(&buf, " (%s)", ev.Reason)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// assertTraceContains checks for an event of the given type whose payload
// contains the expected fields (subset match).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, ev := range trace {
		if ev.EventType != assertion.Event {
			continue
		}
		if assertion.Reason != "" && ev.Reason != assertion.Reason {
			continue
		}
		if matchData(ev.Data, assertion.Data) {
			return nil
		}
	}

	expected := fmt.Sprintf("event %s with data %v", assertion.Event, assertion.Data)
	if assertion.Reason != "" {
		expected += fmt.Sprintf(" and reason %q", assertion.Reason)
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that event types first appear in the given order.
// Intervening events are allowed.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		if _, seen := positions[ev.EventType]; !seen {
			positions[ev.EventType] = i + 1 // 1-indexed for readability
		}
	}

	for _, et := range assertion.Events {
		if positions[et] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all events present: %v", assertion.Events),
				Actual:   fmt.Sprintf("missing event: %s", et),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Events); i++ {
		prev, curr := assertion.Events[i-1], assertion.Events[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", assertion.Events),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that the event type appears exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.EventType == assertion.Event {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Event),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks that exactly one projection row matches Where and
// that it holds the expected column values (subset match).
func assertFinalState(ctx context.Context, db *sql.DB, assertion Assertion) error {
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	where := sq.Eq{}
	for col, v := range assertion.Where {
		if !validIdentifier.MatchString(col) {
			return fmt.Errorf("invalid column name %q in where clause: must match pattern %s", col, validIdentifier.String())
		}
		where[col] = v
	}

	query, args, err := sq.Select("*").From(assertion.Table).Where(where).ToSql()
	if err != nil {
		return fmt.Errorf("build final_state query: %w", err)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any, len(columns))
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	for _, key := range sortedKeys(assertion.Expect) {
		expected := assertion.Expect[key]
		actual, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !scalarEqual(expected, actual) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v", key, expected),
				Actual:   fmt.Sprintf("field %q = %v", key, render(actual)),
			}
		}
	}
	return nil
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	parts := make([]string, 0, len(where))
	for _, k := range sortedKeys(where) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// matchData checks that actual contains every expected field.
// Extra keys in actual are ignored.
func matchData(actual, expected map[string]any) bool {
	for key, want := range expected {
		got, exists := actual[key]
		if !exists || !scalarEqual(want, got) {
			return false
		}
	}
	return true
}

// scalarEqual compares a YAML value with a stored one. SQLite hands back
// int64 for booleans and []byte for some text, and event payloads carry
// json.Number, so both sides are compared in rendered form.
func scalarEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}
	if b, ok := expected.(bool); ok {
		if n, isInt := actual.(int64); isInt {
			return b == (n != 0)
		}
	}
	return fmt.Sprint(expected) == render(actual)
}

func render(v any) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}

// AssertionContext provides database access for final_state assertions.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store.DB(), assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
