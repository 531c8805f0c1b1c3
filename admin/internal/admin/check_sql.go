package admin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/malbeclabs/insights/query/pkg/dberror"
	"github.com/malbeclabs/insights/query/pkg/executor"
	"github.com/malbeclabs/insights/query/pkg/semantic"
	"github.com/malbeclabs/insights/query/pkg/sqlsafe"
)

// CheckSQL reports whether query passes the read-only safety rules.
func CheckSQL(w io.Writer, query string) error {
	if err := sqlsafe.Validate(query); err != nil {
		fmt.Fprintf(w, "REJECTED: %s\n", dberror.UserMessage(err))
		return err
	}
	fmt.Fprintln(w, "OK: query is a single read-only statement")
	return nil
}

// Introspect probes baseQuery through conn and prints its column metadata.
func Introspect(ctx context.Context, log *slog.Logger, w io.Writer, conn executor.Conn, baseQuery string, timeout time.Duration) error {
	exec, err := executor.New(executor.Config{Logger: log, IntrospectTimeout: timeout})
	if err != nil {
		return err
	}

	columns, err := exec.Introspect(ctx, conn, baseQuery)
	if err != nil {
		return fmt.Errorf("%s: %w", dberror.UserMessage(err), err)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDATABASE TYPE\tSEMANTIC TYPE\tAGGREGATIONS\tGRANULARITIES")
	for _, c := range semantic.SortForDisplay(columns) {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.Name, c.DatabaseType, c.SemanticType,
			joinValues(c.AllowedAggregations), joinValues(c.AllowedGranularities))
	}
	return tw.Flush()
}

func joinValues[T ~string](values []T) string {
	if len(values) == 0 {
		return "-"
	}
	out := string(values[0])
	for _, v := range values[1:] {
		out += "," + string(v)
	}
	return out
}
