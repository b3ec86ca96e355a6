package migrate

import (
	"context"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   []string
	}{
		{
			name:   "plain",
			script: "create table a (id int);\ncreate table b (id int);\n",
			want:   []string{"create table a (id int)", "create table b (id int)"},
		},
		{
			name:   "semicolon in literal",
			script: "insert into t values ('a;b'); select 1;",
			want:   []string{"insert into t values ('a;b')", "select 1"},
		},
		{
			name:   "comment",
			script: "-- grant; never journaled\nselect 1;",
			want:   []string{"select 1"},
		},
		{
			name: "dollar quoted body",
			script: "create function f() returns trigger as $$\nbegin\n    raise exception 'no';\nend;\n$$ language plpgsql;\n" +
				"select $1;",
			want: []string{
				"create function f() returns trigger as $$\nbegin\n    raise exception 'no';\nend;\n$$ language plpgsql",
				"select $1",
			},
		},
		{
			name:   "tagged dollar quote",
			script: "do $body$ begin perform 1; end $body$;",
			want:   []string{"do $body$ begin perform 1; end $body$"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, splitStatements(tc.script))
		})
	}
}

func TestEmbeddedSchemaSplits(t *testing.T) {
	migrations, seeds := Files()
	up, err := fs.ReadFile(migrations, "0001_credit_core.up.sql")
	require.NoError(t, err)
	stmts := splitStatements(string(up))
	require.NotEmpty(t, stmts)

	var trigger bool
	for _, s := range stmts {
		assert.NotContains(t, s, "--")
		if strings.HasPrefix(s, "create function reject_mutation()") {
			trigger = true
			assert.Contains(t, s, "raise exception")
			assert.True(t, strings.HasSuffix(s, "language plpgsql"))
		}
	}
	assert.True(t, trigger, "append-only trigger function kept whole")

	_, err = fs.ReadFile(migrations, "0001_credit_core.down.sql")
	assert.NoError(t, err)
	names, err := collectSQL(seeds, ".sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_demo_company.sql"}, names)
}

func TestUpAppliesPendingFiles(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	src := fstest.MapFS{
		"0001_init.up.sql":   {Data: []byte("create table a (id int);")},
		"0001_init.down.sql": {Data: []byte("drop table a;")},
		"0002_more.up.sql":   {Data: []byte("create table b (id int); create index b_idx on b (id);")},
		"0002_more.down.sql": {Data: []byte("drop table b;")},
	}
	mgr := NewManager(db, WithSources(src, fstest.MapFS{}))

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(`create table b \(id int\)`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`create index b_idx on b \(id\)`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`insert into schema_migrations\(name, applied_at\)`).
		WithArgs("0002_more.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied, err := mgr.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0002_more.up.sql"}, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailedFileRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	src := fstest.MapFS{"0001_init.up.sql": {Data: []byte("create table a (id int); bogus;")}}
	mgr := NewManager(db, WithSources(src, nil))

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("bogus").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	applied, err := mgr.Up(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDownRevertsLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	src := fstest.MapFS{
		"0001_init.up.sql":   {Data: []byte("create table a (id int);")},
		"0001_init.down.sql": {Data: []byte("drop table a;")},
	}
	mgr := NewManager(db, WithSources(src, nil))

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations where name = ").
		WithArgs("0001_init.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	name, err := mgr.Down(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0001_init.up.sql", name)
	assert.NoError(t, mock.ExpectationsWereMet())
}
