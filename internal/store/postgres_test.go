package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"metergate/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// --- Mock Rows for Query ---

type mockRows struct {
	data   [][]any
	idx    int
	closed bool
	errVal error
}

func newMockRows(data [][]any) *mockRows {
	return &mockRows{data: data, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx]
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = row[i].(string)
		case *int64:
			*v = row[i].(int64)
		case *[]byte:
			if row[i] == nil {
				*v = nil
			} else {
				*v = row[i].([]byte)
			}
		case *time.Time:
			*v = row[i].(time.Time)
		}
	}
	return nil
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

// --- PostgresStore Tests ---

func TestPostgresBootstrap_ExecutesEveryStatement(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgresStore(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("CREATE TABLE"), nil).
		Times(len(postgresDDL))

	err := st.Bootstrap(context.Background())
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestPostgresBootstrap_FailureSurfaces(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgresStore(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("permission denied"))

	err := st.Bootstrap(context.Background())
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestPostgresAppendUsage_Success(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgresStore(db)

	var gotArgs []any
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			gotArgs = args.Get(2).([]any)
		}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	event := types.UsageEvent{
		ID:        "e1",
		UserID:    "u1",
		MeterID:   "api_calls",
		Quantity:  3,
		Metadata:  map[string]string{"source": "cli"},
		PeriodKey: "2024-03",
		CreatedAt: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
	}
	err := st.AppendUsage(context.Background(), event)
	require.NoError(t, err)

	require.Len(t, gotArgs, 7)
	assert.Equal(t, "e1", gotArgs[0])
	assert.Equal(t, "u1", gotArgs[1])
	assert.Equal(t, "api_calls", gotArgs[2])
	assert.Equal(t, int64(3), gotArgs[3])
	assert.JSONEq(t, `{"source":"cli"}`, string(gotArgs[4].([]byte)))
	assert.Equal(t, "2024-03", gotArgs[5])
	db.AssertExpectations(t)
}

func TestPostgresAppendUsage_NilMetadata(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgresStore(db)

	var gotArgs []any
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			gotArgs = args.Get(2).([]any)
		}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := st.AppendUsage(context.Background(), types.UsageEvent{ID: "e1", PeriodKey: "2024-03"})
	require.NoError(t, err)
	// A nil slice reaches the driver as SQL NULL, not an empty JSON object.
	assert.Nil(t, gotArgs[4])
}

func TestPostgresAppendUsage_DBError(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgresStore(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := st.AppendUsage(context.Background(), types.UsageEvent{ID: "e1"})
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestPostgresSumUsage(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgresStore(db)

	var gotArgs []any
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			gotArgs = args.Get(2).([]any)
			sql := args.Get(1).(string)
			assert.Contains(t, sql, "COALESCE(SUM(quantity), 0)")
		}).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*(dest[0].(*int64)) = 42
			return nil
		}})

	sum, err := st.SumUsage(context.Background(), "u1", "api_calls", "2024-03")
	require.NoError(t, err)
	assert.Equal(t, int64(42), sum)
	assert.Equal(t, []any{"u1", "api_calls", "2024-03"}, gotArgs)
}

func TestPostgresSumUsage_DBError(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgresStore(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("relation does not exist")})

	_, err := st.SumUsage(context.Background(), "u1", "api_calls", "2024-03")
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestPostgresListUsageBefore(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgresStore(db)

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := newMockRows([][]any{
		{"e1", "u1", "api_calls", int64(1), []byte(`{"source":"cli"}`), "2024-01", created},
		{"e2", "u1", "api_calls", int64(2), nil, "2024-01", created.Add(time.Minute)},
	})

	cutoff := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			sql := args.Get(1).(string)
			assert.Contains(t, sql, "ORDER BY created_at ASC, id ASC")
			assert.Contains(t, sql, "OFFSET $2 LIMIT $3")
			assert.Equal(t, []any{cutoff, 10, 100}, args.Get(2).([]any))
		}).
		Return(rows, nil)

	events, err := st.ListUsageBefore(context.Background(), cutoff, 10, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, "cli", events[0].Metadata["source"])
	assert.Equal(t, "e2", events[1].ID)
	assert.Nil(t, events[1].Metadata)
	db.AssertExpectations(t)
}

func TestPostgresListUsageBefore_DBError(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgresStore(db)

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, errors.New("connection refused"))

	_, err := st.ListUsageBefore(context.Background(), time.Now(), 0, 100)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestPostgresSetPlan_Success(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgresStore(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"pro", "u1"}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := st.SetPlan(context.Background(), "u1", "pro")
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestPostgresSetPlan_UnknownUser(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgresStore(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := st.SetPlan(context.Background(), "ghost", "pro")
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodePlanResolution, appErr.Code)
	assert.Equal(t, "ghost", appErr.Details["user_id"])
}

func TestPostgresSetFlag(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgresStore(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			sql := args.Get(1).(string)
			// Flag writes must merge into the JSONB column, not replace it.
			assert.Contains(t, sql, "jsonb_set")
			assert.Contains(t, sql, "COALESCE(flags, '{}'::jsonb)")
			assert.Equal(t, []any{"paymentFailed", true, "u1"}, args.Get(2).([]any))
		}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := st.SetFlag(context.Background(), "u1", "paymentFailed", true)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestPostgresFindIDByEmail(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgresStore(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"u1@example.com"}).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*(dest[0].(*string)) = "u1"
			return nil
		}})

	id, err := st.FindIDByEmail(context.Background(), "u1@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", id)
}

func TestPostgresFindIDByEmail_NoMatch(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgresStore(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	id, err := st.FindIDByEmail(context.Background(), "nobody@example.com")
	require.NoError(t, err, "a miss is not an error")
	assert.Empty(t, id)
}

func TestPostgresMarkProcessed(t *testing.T) {
	tests := []struct {
		name string
		tag  string
		want bool
	}{
		{"first delivery", "INSERT 0 1", true},
		{"replay loses the insert race", "INSERT 0 0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			st := NewPostgresStore(db)

			db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
				Run(func(args mock.Arguments) {
					assert.Contains(t, args.Get(1).(string), "ON CONFLICT (event_id) DO NOTHING")
				}).
				Return(pgconn.NewCommandTag(tt.tag), nil)

			first, err := st.MarkProcessed(context.Background(), "evt_1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, first)
		})
	}
}

func TestPostgresSnapshotPlanLimits(t *testing.T) {
	db := new(mockDBTX)
	st := NewPostgresStore(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil).
		Times(3)

	meters := []types.MeterConfig{
		{ID: "api_calls", Limits: map[string]int64{"free": 100, "pro": 10000}},
		{ID: "exports", Limits: map[string]int64{"free": 5}},
	}
	err := st.SnapshotPlanLimits(context.Background(), meters)
	require.NoError(t, err)
	db.AssertExpectations(t)
}
