package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/illmade-knight/go-fetchcache/pkg/calendar"
	"github.com/illmade-knight/go-fetchcache/pkg/chrono"
	"github.com/illmade-knight/go-fetchcache/pkg/fetch"
	"github.com/illmade-knight/go-fetchcache/pkg/httpsource"
	"github.com/illmade-knight/go-fetchcache/pkg/memo"
	"github.com/illmade-knight/go-fetchcache/pkg/progress"
	"github.com/illmade-knight/go-fetchcache/pkg/retry"
	tbl "github.com/illmade-knight/go-fetchcache/pkg/table"
	"github.com/spf13/cobra"
)

type fetchJSONOptions struct {
	url         string
	field       string
	keys        []string
	keysFile    string
	from        string
	to          string
	holidays    string
	concurrency int
	maxItems    int
	sortBy      string
	name        string
	skipErrors  bool
}

func newFetchJSONCmd(a *app) *cobra.Command {
	var o fetchJSONOptions
	cmd := &cobra.Command{
		Use:   "fetch-json <source> <group>",
		Short: "Fetches one JSON document per key and caches the combined records as a snapshot.",
		Long: `Fetches one JSON document per key and caches the combined records as a snapshot.

Keys come from --keys, --keys-file (one per line) or a --from/--to date range,
which yields one YYYYMMDD key per business day. The URL template must contain
{key}.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetchJSON(cmd.Context(), a, args[0], args[1], o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.url, "url", "", "URL template containing {key}")
	f.StringVar(&o.field, "field", "", "JSON member holding the array of records (empty: the document is the array)")
	f.StringSliceVar(&o.keys, "keys", nil, "comma-separated keys")
	f.StringVar(&o.keysFile, "keys-file", "", "file with one key per line")
	f.StringVar(&o.from, "from", "", "first date of a business-day range (YYYYMMDD)")
	f.StringVar(&o.to, "to", "", "last date of a business-day range (YYYYMMDD)")
	f.StringVar(&o.holidays, "holidays", "", "cached holiday snapshot as <source>/<group>, read from its \"date\" column")
	f.IntVar(&o.concurrency, "concurrency", 0, "maximum requests in flight (default: $FETCHCACHE_MAX_CONCURRENCY)")
	f.IntVar(&o.maxItems, "max-items", 0, "stop after this many keys have produced results")
	f.StringVar(&o.sortBy, "sort-by", "", "sort the combined table by this column")
	f.StringVar(&o.name, "name", "", "snapshot name (default: today's date)")
	f.BoolVar(&o.skipErrors, "skip-errors", false, "log and skip keys that fail instead of aborting")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runFetchJSON(ctx context.Context, a *app, source, group string, o fetchJSONOptions) error {
	if !strings.Contains(o.url, httpsource.KeyPlaceholder) {
		return fmt.Errorf("--url must contain %s", httpsource.KeyPlaceholder)
	}
	keys, err := resolveKeys(ctx, a, o)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return errors.New("no keys given: use --keys, --keys-file or --from/--to")
	}

	client := httpsource.NewClient(httpsource.Config{
		Timeout:           a.cfg.HTTP.Timeout,
		RequestsPerSecond: a.cfg.HTTP.RequestsPerSecond,
		Burst:             a.cfg.HTTP.Burst,
		UserAgent:         a.cfg.HTTP.UserAgent,
	}, retry.New(a.cfg.RetryAttempts, a.logger), a.logger)
	defer func() { _ = client.Close() }()

	fetcher, err := newMemo(ctx, a, source, group, httpsource.JSONRecordsOperation(client, o.url, o.field))
	if err != nil {
		return err
	}
	defer func() { _ = fetcher.Close() }()

	opts := []fetch.RunOption{
		fetch.WithProgress(progress.Logging(a.logger, 10)),
		fetch.WithMaxItems(o.maxItems),
		fetch.WithSortBy(o.sortBy),
	}
	if o.concurrency > 0 {
		opts = append(opts, fetch.WithMaxConcurrency(o.concurrency))
	}
	if o.skipErrors {
		opts = append(opts, fetch.WithSkipErrors(func(e *fetch.KeyError) {
			_, _ = fmt.Fprintf(a.errOut, "skipped %v: %v\n", e.Key, e.Err)
		}))
	}

	orchestrator := fetch.NewOrchestrator[string](fetch.Config{MaxConcurrency: a.cfg.MaxConcurrency}, a.logger)
	result, err := orchestrator.Run(ctx, keys, memo.Operation[string](fetcher), opts...)
	if err != nil {
		return err
	}
	path, err := a.store.Write(source, group, result, o.name)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(a.out, "%s (%d rows)\n", path, result.Len())
	return nil
}

// newMemo fronts op with an in-process LRU and, when configured, Redis.
func newMemo(ctx context.Context, a *app, source, group string, op fetch.Operation[string]) (memo.Fetcher[string, tbl.Table], error) {
	var fallback memo.Fetcher[string, tbl.Table] = memo.FromOperation(op)
	if a.cfg.Redis.Addr != "" {
		redisCache, err := memo.NewRedisCache[string, tbl.Table](ctx, &memo.RedisConfig{
			Addr:      a.cfg.Redis.Addr,
			Password:  a.cfg.Redis.Password,
			DB:        a.cfg.Redis.DB,
			CacheTTL:  a.cfg.Redis.TTL,
			KeyPrefix: fmt.Sprintf("fetchcache:%s:%s:", source, group),
		}, a.logger, fallback, memo.WithCodec[string, tbl.Table](memo.TableCodec{}))
		if err != nil {
			return nil, err
		}
		fallback = redisCache
	}
	return memo.NewInMemoryLRUCache[string, tbl.Table](1024, fallback)
}

func resolveKeys(ctx context.Context, a *app, o fetchJSONOptions) ([]string, error) {
	keys := append([]string(nil), o.keys...)
	if o.keysFile != "" {
		fromFile, err := readKeys(o.keysFile)
		if err != nil {
			return nil, err
		}
		keys = append(keys, fromFile...)
	}
	if o.from != "" || o.to != "" {
		dates, err := businessDays(ctx, a, o)
		if err != nil {
			return nil, err
		}
		keys = append(keys, dates...)
	}
	return keys, nil
}

func readKeys(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var keys []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" && !strings.HasPrefix(line, "#") {
			keys = append(keys, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read keys from %s: %w", path, err)
	}
	return keys, nil
}

func businessDays(ctx context.Context, a *app, o fetchJSONOptions) ([]string, error) {
	loc := a.clock.Location()
	from, err := time.ParseInLocation(chrono.DateLayout, o.from, loc)
	if err != nil {
		return nil, fmt.Errorf("--from: %w", err)
	}
	to := a.clock.Now()
	if o.to != "" {
		if to, err = time.ParseInLocation(chrono.DateLayout, o.to, loc); err != nil {
			return nil, fmt.Errorf("--to: %w", err)
		}
	}

	loader := func(context.Context) ([]time.Time, error) { return nil, nil }
	if o.holidays != "" {
		source, group, ok := strings.Cut(o.holidays, "/")
		if !ok {
			return nil, fmt.Errorf("--holidays must be <source>/<group>, got %q", o.holidays)
		}
		loader = calendar.SnapshotLoader(a.store, source, group, "date", loc)
	}
	days, err := calendar.New(loader, loc, a.logger).BusinessDays(ctx, from, to)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(days))
	for i, d := range days {
		keys[i] = chrono.DateStamp(d)
	}
	return keys, nil
}
