package flows

import (
	"fmt"
	"sort"
	"strings"

	"flowtest/internal/resultset"

	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Check reports every way the step's outcome and error violate e.
func (e Expectation) Check(out Outcome, err error) error {
	if e.Error || len(e.ErrorContains) > 0 {
		if err == nil {
			return fmt.Errorf("expected an error, step succeeded")
		}
		var errs error
		for _, text := range e.ErrorContains {
			if !strings.Contains(err.Error(), text) {
				errs = multierr.Append(errs, fmt.Errorf("error %q does not contain %q", err.Error(), text))
			}
		}
		return errs
	}
	if err != nil {
		return err
	}

	var errs error
	if len(e.Columns) > 0 {
		have := sets.New(out.Columns...)
		if missing := sets.List(sets.New(e.Columns...).Difference(have)); len(missing) > 0 {
			errs = multierr.Append(errs, fmt.Errorf("missing columns %s in [%s]",
				strings.Join(missing, ", "), strings.Join(out.Columns, ", ")))
		}
	}
	if e.Rows != nil && len(out.Records) != *e.Rows {
		errs = multierr.Append(errs, fmt.Errorf("expected %d rows, got %d", *e.Rows, len(out.Records)))
	}
	if e.Empty && len(out.Columns) > 0 {
		errs = multierr.Append(errs, fmt.Errorf("expected an empty result, got %d rows of [%s]",
			len(out.Records), strings.Join(out.Columns, ", ")))
	}
	for _, want := range e.Records {
		if !containsRecord(out.Records, want) {
			errs = multierr.Append(errs, fmt.Errorf("no record matches %s", formatMatch(want)))
		}
	}
	return errs
}

func containsRecord(records []resultset.Record, want map[string]string) bool {
	for _, rec := range records {
		matched := true
		for col, v := range want {
			got, ok := rec[col]
			if !ok || got != v {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func formatMatch(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, m[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
