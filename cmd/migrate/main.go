// Команда migrate управляет схемой PostgreSQL: применяет и откатывает
// встроенные миграции, печатает их состояние.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/app"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/postgres"
)

const defaultTimeout = 30 * time.Second

const (
	actionUp     = "up"
	actionDown   = "down"
	actionStatus = "status"
	actionList   = "list"
)

type options struct {
	dsn     string
	action  string
	steps   int
	timeout time.Duration
}

// schema: часть *postgres.Store, которой пользуется команда.
type schema interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (int64, int, error)
	Migrations(ctx context.Context) ([]postgres.MigrationInfo, error)
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	opts, err := parseOptions(flag.CommandLine, os.Args[1:], os.LookupEnv)
	if err != nil {
		log.WithError(err).Fatal("invalid migrate options")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	store, err := postgres.Open(ctx, opts.dsn)
	if err != nil {
		log.WithError(err).Fatal("open postgres store")
	}
	defer store.Close()

	if err := run(ctx, store, opts, os.Stdout); err != nil {
		log.WithError(err).WithField("action", opts.action).Error("migration failed")
		_ = store.Close()
		os.Exit(1)
	}
}

func parseOptions(fs *flag.FlagSet, args []string, lookup func(string) (string, bool)) (options, error) {
	var opts options
	fs.StringVar(&opts.action, "direction", actionUp, "action: up|down|status|list")
	fs.IntVar(&opts.steps, "steps", 0, "migrations to apply (0 = all) or to roll back (0 = one)")
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: "+app.EnvPostgresDSN+")")
	fs.DurationVar(&opts.timeout, "timeout", defaultTimeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.dsn = strings.TrimSpace(opts.dsn)
	if opts.dsn == "" {
		env, _ := lookup(app.EnvPostgresDSN)
		opts.dsn = strings.TrimSpace(env)
	}
	opts.action = strings.ToLower(strings.TrimSpace(opts.action))

	var errs []error
	if opts.dsn == "" {
		errs = append(errs, fmt.Errorf("postgres dsn is required (-dsn or %s)", app.EnvPostgresDSN))
	}
	switch opts.action {
	case actionUp, actionDown, actionStatus, actionList:
	default:
		errs = append(errs, fmt.Errorf("unsupported direction %q (use up|down|status|list)", opts.action))
	}
	if opts.steps < 0 {
		errs = append(errs, errors.New("steps must be >= 0"))
	}
	if opts.timeout <= 0 {
		errs = append(errs, errors.New("timeout must be > 0"))
	}
	return opts, errors.Join(errs...)
}

func run(ctx context.Context, s schema, opts options, out io.Writer) error {
	switch opts.action {
	case actionUp:
		if err := s.MigrateUp(ctx, opts.steps); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	case actionDown:
		if err := s.MigrateDown(ctx, max(opts.steps, 1)); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
	case actionList:
		infos, err := s.Migrations(ctx)
		if err != nil {
			return fmt.Errorf("list migrations: %w", err)
		}
		_, err = io.WriteString(out, formatMigrations(infos))
		return err
	}

	version, applied, err := s.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	_, err = fmt.Fprintf(out, "%s: version=%d applied=%d\n", opts.action, version, applied)
	return err
}

// formatMigrations печатает по строке на миграцию: отметка, версия, имя.
func formatMigrations(infos []postgres.MigrationInfo) string {
	var b strings.Builder
	for _, info := range infos {
		mark := " "
		if info.Applied {
			mark = "x"
		}
		fmt.Fprintf(&b, "[%s] %04d %s\n", mark, info.Version, info.Name)
	}
	return b.String()
}
