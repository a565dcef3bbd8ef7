package lexicon_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/wordchain/internal/lexicon"
)

func writeWords(t *testing.T, content string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "words.txt")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func serveWords(t *testing.T, status int, content string) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(content))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

type failingSource struct{}

func (failingSource) Name() string { return "failing" }

func (failingSource) Load(context.Context) ([]string, error) {
	return nil, errors.New("unreachable")
}

func TestLoad(t *testing.T) {
	t.Parallel()

	type (
		inputs struct {
			sources []lexicon.Source
		}

		outputs struct {
			words []string
			err   error
		}
	)

	tests := map[string]struct {
		arrange func(t *testing.T) inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should merge file and http sources": {
			arrange: func(t *testing.T) inputs {
				return inputs{sources: []lexicon.Source{
					lexicon.FileSource{Path: writeWords(t, "Chain\nword\n\n  link \n")},
					lexicon.HTTPSource{URL: serveWords(t, http.StatusOK, "word\nnode\nx-ray\n")},
				}}
			},
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				assert.Equal(t, []string{"chain", "link", "node", "word"}, out.words)
			},
		},

		"should fail when a source fails": {
			arrange: func(t *testing.T) inputs {
				return inputs{sources: []lexicon.Source{
					lexicon.FileSource{Path: writeWords(t, "chain\n")},
					failingSource{},
				}}
			},
			assert: func(t *testing.T, out outputs) {
				require.ErrorContains(t, out.err, "failing: unreachable")
			},
		},

		"should fail on a non 200 response": {
			arrange: func(t *testing.T) inputs {
				return inputs{sources: []lexicon.Source{
					lexicon.HTTPSource{URL: serveWords(t, http.StatusNotFound, "")},
				}}
			},
			assert: func(t *testing.T, out outputs) {
				require.ErrorContains(t, out.err, "unexpected status")
			},
		},

		"should fail when nothing usable is loaded": {
			arrange: func(t *testing.T) inputs {
				return inputs{sources: []lexicon.Source{
					lexicon.FileSource{Path: writeWords(t, "123\nco-op\n")},
				}}
			},
			assert: func(t *testing.T, out outputs) {
				require.ErrorContains(t, out.err, "no words loaded")
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange(t)
			words, err := lexicon.Load(context.Background(), in.sources...)
			tt.assert(t, outputs{words: words, err: err})
		})
	}
}

func TestRefresher_Refresh(t *testing.T) {
	t.Parallel()

	l := lexicon.New([]string{"old"})
	r := lexicon.NewRefresher(lexicon.RefresherConfig{
		Lexicon: l,
		Sources: []lexicon.Source{lexicon.FileSource{Path: writeWords(t, "fresh\nwords\n")}},
	})

	require.NoError(t, r.Refresh(context.Background()))
	assert.True(t, l.Contains("fresh"))
	assert.False(t, l.Contains("old"))
}

func TestRefresher_RefreshKeepsWordsOnError(t *testing.T) {
	t.Parallel()

	l := lexicon.New([]string{"old"})
	r := lexicon.NewRefresher(lexicon.RefresherConfig{
		Lexicon: l,
		Sources: []lexicon.Source{failingSource{}},
	})

	require.Error(t, r.Refresh(context.Background()))
	assert.True(t, l.Contains("old"))
}
