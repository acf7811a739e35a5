package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/remote"
)

var docCols = []string{"fields", "version", "created_at", "updated_at"}

func newDocRepo(t *testing.T) (*DocumentRepo, pgxmock.PgxPoolIface, time.Time) {
	t.Helper()
	db, mock := newDB(t)
	t.Cleanup(mock.Close)
	r := NewDocumentRepo(db, zaptest.NewLogger(t))
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r, mock, now
}

func TestDocumentRepo_Commit_CreateAndIncrement(t *testing.T) {
	r, mock, now := newDocRepo(t)
	ctx := context.Background()
	created := now.Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO documents \(collection, id, fields, version, created_at, updated_at\)`).
		WithArgs("posts", "p1", []byte(`{"title":"t"}`), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT fields, version, created_at FROM documents WHERE collection=\$1 AND id=\$2 FOR UPDATE`).
		WithArgs("users", "u1").
		WillReturnRows(pgxmock.NewRows([]string{"fields", "version", "created_at"}).
			AddRow([]byte(`{"postsCount":1}`), int64(3), created))
	mock.ExpectExec(`UPDATE documents SET fields=\$3, version=\$4, updated_at=\$5`).
		WithArgs("users", "u1", []byte(`{"postsCount":2}`), int64(4), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	out, err := r.Commit(ctx, []remote.Write{
		remote.CreateWrite("posts", "p1", map[string]any{"title": "t"}),
		remote.UpdateWrite("users", "u1", map[string]any{"postsCount": remote.Inc(1)}),
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, int64(1), out[0].Version)
	require.Equal(t, now, out[0].CreateTime)
	require.Equal(t, int64(4), out[1].Version)
	require.Equal(t, float64(2), out[1].Fields["postsCount"])
	require.Equal(t, created, out[1].CreateTime)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepo_Create_AssignsID(t *testing.T) {
	r, mock, now := newDocRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO documents`).
		WithArgs("posts", pgxmock.AnyArg(), []byte(`{}`), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	doc, err := r.Create(context.Background(), "posts", "", nil)
	require.NoError(t, err)
	require.Len(t, doc.ID, 26) // ULID
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepo_Commit_RollsBack(t *testing.T) {
	r, mock, now := newDocRepo(t)
	ctx := context.Background()

	// unknown document on update
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT fields, version, created_at FROM documents`).
		WithArgs("users", "nope").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()
	_, err := r.Update(ctx, "users", "nope", map[string]any{"a": 1})
	require.ErrorIs(t, err, errs.ErrNotFound)

	// taken id on create
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO documents`).
		WithArgs("users", "u1", []byte(`{"a":1}`), now).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()
	_, err = r.Create(ctx, "users", "u1", map[string]any{"a": 1})
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	// transforms on create
	mock.ExpectBegin()
	mock.ExpectRollback()
	_, err = r.Create(ctx, "users", "u2", map[string]any{"n": remote.Inc(1)})
	require.ErrorIs(t, err, errs.ErrValidation)

	// second write fails, first is not kept
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO documents`).
		WithArgs("posts", "p1", []byte(`{"a":1}`), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT fields, version, created_at FROM documents`).
		WithArgs("users", "u9").
		WillReturnError(errors.New("db down"))
	mock.ExpectRollback()
	_, err = r.Commit(ctx, []remote.Write{
		remote.CreateWrite("posts", "p1", map[string]any{"a": 1}),
		remote.UpdateWrite("users", "u9", map[string]any{"a": 2}),
	})
	require.Error(t, err)

	// invalid path never reaches the database
	_, err = r.Commit(ctx, []remote.Write{remote.CreateWrite("posts/p1", "", nil)})
	require.ErrorIs(t, err, errs.ErrInvalidPath)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepo_GetAndList(t *testing.T) {
	r, mock, now := newDocRepo(t)
	ctx := context.Background()

	mock.ExpectQuery(`FROM documents WHERE collection=\$1 AND id=\$2`).
		WithArgs("users", "u1").
		WillReturnRows(pgxmock.NewRows(docCols).
			AddRow([]byte(`{"name":"Ann","followers":["u2"]}`), int64(2), now, now))
	doc, err := r.Get(ctx, "users", "u1")
	require.NoError(t, err)
	require.Equal(t, "Ann", doc.Fields["name"])
	require.Equal(t, []any{"u2"}, doc.Fields["followers"])
	require.Equal(t, int64(2), doc.Version)

	mock.ExpectQuery(`FROM documents WHERE collection=\$1 AND id=\$2`).
		WithArgs("users", "none").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.Get(ctx, "users", "none")
	require.ErrorIs(t, err, errs.ErrNotFound)

	mock.ExpectQuery(`ORDER BY created_at ASC, id ASC`).
		WithArgs("posts/p1/comments").
		WillReturnRows(pgxmock.NewRows([]string{"id", "fields", "version", "created_at", "updated_at"}).
			AddRow("c1", []byte(`{"content":"a"}`), int64(1), now, now).
			AddRow("c2", []byte(`{"content":"b"}`), int64(1), now, now))
	docs, err := r.List(ctx, "posts/p1/comments")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "posts/p1/comments/c2", docs[1].Path())

	_, err = r.List(ctx, "posts/p1")
	require.ErrorIs(t, err, errs.ErrInvalidPath)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepo_SubscribeNotifiesAfterCommit(t *testing.T) {
	r, mock, now := newDocRepo(t)
	ctx := context.Background()

	mock.ExpectQuery(`FROM documents WHERE collection=\$1 AND id=\$2`).
		WithArgs("users", "u1").
		WillReturnRows(pgxmock.NewRows(docCols).AddRow([]byte(`{"bio":""}`), int64(1), now, now))

	var snaps []remote.Snapshot
	unsub, err := r.Subscribe(ctx, "users/u1", func(s remote.Snapshot) { snaps = append(snaps, s) })
	require.NoError(t, err)
	defer unsub()
	require.Len(t, snaps, 1)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT fields, version, created_at FROM documents`).
		WithArgs("users", "u1").
		WillReturnRows(pgxmock.NewRows([]string{"fields", "version", "created_at"}).
			AddRow([]byte(`{"bio":""}`), int64(1), now))
	mock.ExpectExec(`UPDATE documents`).
		WithArgs("users", "u1", []byte(`{"bio":"hi"}`), int64(2), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectQuery(`FROM documents WHERE collection=\$1 AND id=\$2`).
		WithArgs("users", "u1").
		WillReturnRows(pgxmock.NewRows(docCols).AddRow([]byte(`{"bio":"hi"}`), int64(2), now, now))

	_, err = r.Update(ctx, "users", "u1", map[string]any{"bio": "hi"})
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.Equal(t, "hi", snaps[1].Docs[0].Fields["bio"])

	// with a Listener in charge Commit leaves the hub alone
	r.UseExternalNotify()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT fields, version, created_at FROM documents`).
		WithArgs("users", "u1").
		WillReturnRows(pgxmock.NewRows([]string{"fields", "version", "created_at"}).
			AddRow([]byte(`{"bio":"hi"}`), int64(2), now))
	mock.ExpectExec(`UPDATE documents`).
		WithArgs("users", "u1", []byte(`{"bio":"yo"}`), int64(3), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	_, err = r.Update(ctx, "users", "u1", map[string]any{"bio": "yo"})
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}
