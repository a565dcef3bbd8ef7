package lexicon

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"
)

const defaultRefreshInterval = 3 * time.Hour

// Source provides raw words. Words are normalized by the lexicon, sources may return
// anything one word per entry.
type Source interface {
	Name() string
	Load(ctx context.Context) ([]string, error)
}

// FileSource reads one word per line from a local file.
type FileSource struct {
	Path string
}

func (s FileSource) Name() string { return "file:" + s.Path }

func (s FileSource) Load(_ context.Context) ([]string, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return readLines(f)
}

// HTTPSource downloads a newline separated word list.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func (s HTTPSource) Name() string { return "http:" + s.URL }

func (s HTTPSource) Load(ctx context.Context) ([]string, error) {
	c := s.Client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, http.NoBody)
	if err != nil {
		return nil, err
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	return readLines(resp.Body)
}

// Querier is satisfied by *pgxpool.Pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresSource reads the words approved by operators.
type PostgresSource struct {
	DB Querier
}

func (PostgresSource) Name() string { return "postgres:wordlist" }

func (s PostgresSource) Load(ctx context.Context) ([]string, error) {
	const stmt = `SELECT word FROM wordlist WHERE accepted = TRUE;`

	rows, err := s.DB.Query(ctx, stmt)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func readLines(r io.Reader) ([]string, error) {
	var words []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		words = append(words, line)
	}

	if err := sc.Err(); err != nil {
		return nil, err
	}

	return words, nil
}

// Load reads all sources concurrently and merges their words.
// It fails if any source fails or if the merged list is empty.
func Load(ctx context.Context, sources ...Source) ([]string, error) {
	results := make([][]string, len(sources))

	eg, ctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		eg.Go(func() error {
			words, err := src.Load(ctx)
			if err != nil {
				return fmt.Errorf("%s: %w", src.Name(), err)
			}
			results[i] = words
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var words []string
	for _, r := range results {
		words = append(words, r...)
	}

	words = Normalize(words)
	if len(words) == 0 {
		return nil, fmt.Errorf("no words loaded from %d sources", len(sources))
	}

	return words, nil
}

type RefresherConfig struct {
	Lexicon  *Lexicon
	Sources  []Source
	Interval time.Duration
}

// Refresher periodically reloads the sources into the lexicon.
type Refresher struct {
	lex      *Lexicon
	sources  []Source
	interval time.Duration
}

func NewRefresher(c RefresherConfig) *Refresher {
	if c.Interval <= 0 {
		c.Interval = defaultRefreshInterval
	}

	return &Refresher{
		lex:      c.Lexicon,
		sources:  c.Sources,
		interval: c.Interval,
	}
}

// Refresh loads all sources once and swaps the result in. On error the current words are kept.
func (r *Refresher) Refresh(ctx context.Context) error {
	start := time.Now()

	words, err := Load(ctx, r.sources...)
	if err != nil {
		return fmt.Errorf("lexicon: refresh: %w", err)
	}

	n := r.lex.Replace(words)
	slog.InfoContext(ctx, "lexicon: refreshed",
		"words", n,
		"sources", len(r.sources),
		"took", time.Since(start),
	)

	return nil
}

// Run refreshes every interval until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := r.Refresh(ctx); err != nil {
				slog.ErrorContext(ctx, "lexicon: keeping previous words", "error", err)
			}
		}
	}
}
