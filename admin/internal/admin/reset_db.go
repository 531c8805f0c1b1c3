package admin

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/pressly/goose/v3"
)

// ResetOptions controls ResetCatalog.
type ResetOptions struct {
	DryRun      bool
	SkipConfirm bool

	// In and Out are the confirmation prompt streams.
	In  io.Reader
	Out io.Writer
}

// ResetCatalog rolls back every catalog migration, dropping all datasets and
// blocks. It asks for confirmation unless SkipConfirm is set.
func ResetCatalog(ctx context.Context, log *slog.Logger, db *sql.DB, opts ResetOptions) error {
	out := opts.Out

	counts := make(map[string]int, 2)
	for _, table := range []string{"datasets", "blocks"} {
		var n int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[table] = n
	}

	fmt.Fprintf(out, "WARNING: This will DROP the catalog tables with %d dataset(s) and %d block(s).\n",
		counts["datasets"], counts["blocks"])

	if opts.DryRun {
		fmt.Fprintln(out, "\n[DRY RUN] Would roll back all catalog migrations")
		return nil
	}

	// Prompt for confirmation unless --yes flag is set
	if !opts.SkipConfirm {
		fmt.Fprintf(out, "\nThis is a DESTRUCTIVE operation that cannot be undone!\n")
		fmt.Fprintf(out, "Type 'yes' to confirm: ")

		response, err := bufio.NewReader(opts.In).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if strings.TrimSpace(strings.ToLower(response)) != "yes" {
			fmt.Fprintf(out, "\nConfirmation failed. Operation cancelled.\n")
			return nil
		}
		fmt.Fprintln(out)
	}

	log.Info("rolling back all PostgreSQL migrations")
	if err := goose.ResetContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to reset migrations: %w", err)
	}
	fmt.Fprintln(out, "Catalog reset complete")
	return nil
}
