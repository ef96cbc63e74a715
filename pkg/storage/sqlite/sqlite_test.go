package sqlite

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hannigan/hannigan/pkg/storage/sqlcommon"
	"github.com/hannigan/hannigan/pkg/storage/test"
)

func newTestDatastore(t *testing.T) *Datastore {
	t.Helper()

	uri := "file:" + filepath.Join(t.TempDir(), "hannigan.db")

	err := RunMigrations(context.Background(), MigrationConfig{
		URI:     uri,
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)

	ds, err := New(uri, sqlcommon.NewConfig())
	require.NoError(t, err)
	t.Cleanup(ds.Close)

	return ds
}

func TestSQLiteDatastore(t *testing.T) {
	ds := newTestDatastore(t)
	test.RunAllTests(t, ds)
}

func TestPrepareDSN(t *testing.T) {
	tests := []struct {
		name     string
		uri      string
		expected string
	}{
		{
			name:     "no_query",
			uri:      "file:hannigan.db",
			expected: "file:hannigan.db?_pragma=journal_mode%28WAL%29&_pragma=busy_timeout%28100%29&_txlock=immediate",
		},
		{
			name:     "existing_journal_mode",
			uri:      "file:hannigan.db?_pragma=journal_mode(DELETE)",
			expected: "file:hannigan.db?_pragma=journal_mode%28DELETE%29&_pragma=busy_timeout%28100%29&_txlock=immediate",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := PrepareDSN(tc.uri)
			require.NoError(t, err)
			require.Equal(t, queryValues(t, tc.expected), queryValues(t, got))
		})
	}
}

func queryValues(t *testing.T, uri string) url.Values {
	t.Helper()

	i := strings.Index(uri, "?")
	require.GreaterOrEqual(t, i, 0)

	values, err := url.ParseQuery(uri[i+1:])
	require.NoError(t, err)
	return values
}
