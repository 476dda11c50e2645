// Package warehouse wraps the Snowflake driver with the session
// lifecycle, stage operations and bulk-load semantics the pipeline
// needs: connection retry with backoff, synchronous and asynchronous
// COPY INTO execution with keepalive polling, and warehouse-size
// introspection.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snowflakedb/gosnowflake"

	"github.com/snowbatch/snowbatch/internal/config"
)

// asyncLoadThreshold is the compressed-size cutoff above which
// BulkLoad submits the COPY INTO asynchronously and polls instead of
// blocking the caller for the whole load.
const asyncLoadThreshold = 100 << 20 // 100 MiB

const (
	pollInterval      = 10 * time.Second
	keepaliveInterval = 4 * time.Minute
)

// ErrConnectFailed wraps a connection establishment failure, after
// retries have been exhausted (transient) or immediately (permanent).
var ErrConnectFailed = errors.New("warehouse: connect failed")

// ErrBulkLoadFailed wraps a terminal FAILED status from an async or
// sync COPY INTO.
var ErrBulkLoadFailed = errors.New("warehouse: bulk load failed")

// Session owns one exclusive Snowflake connection for the duration of
// a pipeline run; sibling parallel runs never share a Session.
type Session struct {
	db  *sql.DB
	log zerolog.Logger
}

// Connect opens a session for cfg, retrying transient connection
// errors up to 3 times with 1s/2s/4s backoff. Permanent errors (auth,
// missing warehouse) fail immediately without retry.
func Connect(ctx context.Context, cfg config.ConnectionSpec, log zerolog.Logger) (*Session, error) {
	dsn, err := gosnowflake.DSN(&gosnowflake.Config{
		Account:   cfg.Account,
		User:      cfg.User,
		Password:  cfg.Password,
		Database:  cfg.Database,
		Schema:    cfg.Schema,
		Warehouse: cfg.Warehouse,
		Role:      cfg.Role,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: build dsn: %v", ErrConnectFailed, err)
	}

	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

	var db *sql.DB
	var lastErr error
	for attempt := 0; attempt <= len(delays); attempt++ {
		db, lastErr = sql.Open("snowflake", dsn)
		if lastErr == nil {
			lastErr = db.PingContext(ctx)
		}
		if lastErr == nil {
			break
		}

		if !isTransientConnectError(lastErr) || attempt == len(delays) {
			return nil, fmt.Errorf("%w: %v", ErrConnectFailed, lastErr)
		}

		log.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("transient connect error, retrying")
		select {
		case <-time.After(delays[attempt]):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, lastErr)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, "ALTER SESSION SET ABORT_DETACHED_QUERY=FALSE"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: set session params: %v", ErrConnectFailed, err)
	}

	return &Session{db: db, log: log}, nil
}

// isTransientConnectError reports whether err looks like a network or
// login-timeout failure, as opposed to a permanent auth/config error.
func isTransientConnectError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// A SnowflakeError whose message still names a connectivity problem
	// (rather than authentication or missing-object errors) is treated
	// as transient too, since the driver surfaces network failures
	// wrapped in its own error type rather than a bare net.Error.
	var sfErr *gosnowflake.SnowflakeError
	if errors.As(err, &sfErr) {
		msg := strings.ToLower(sfErr.Message)
		return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection") || strings.Contains(msg, "network")
	}
	return false
}

// Close releases the underlying connection.
func (s *Session) Close() error {
	return s.db.Close()
}

// StagePut uploads localPath to stageRef, overwriting and disabling
// Snowflake's own compression (the file was already gzipped by C4).
func (s *Session) StagePut(ctx context.Context, localPath, stageRef string) error {
	stmt := fmt.Sprintf("PUT file://%s @%s AUTO_COMPRESS=FALSE OVERWRITE=TRUE", localPath, stageRef)
	_, err := s.db.ExecContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("warehouse: stage_put %s: %w", stageRef, err)
	}
	return nil
}

// StageCleanup removes files matching pattern from stageRef before a
// fresh upload, so reruns do not accumulate stale stage objects.
func (s *Session) StageCleanup(ctx context.Context, stageRef, pattern string) error {
	stmt := fmt.Sprintf("REMOVE @%s PATTERN='%s'", stageRef, pattern)
	_, err := s.db.ExecContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("warehouse: stage_cleanup %s: %w", stageRef, err)
	}
	return nil
}

// WarehouseSize returns the current warehouse's size label (e.g.
// "X-Small"), used by the orchestrator to warn when a large file is
// about to load into an undersized warehouse.
func (s *Session) WarehouseSize(ctx context.Context, warehouseName string) (string, error) {
	rows, err := s.db.QueryContext(ctx, "SHOW WAREHOUSES LIKE ?", warehouseName)
	if err != nil {
		return "", fmt.Errorf("warehouse: warehouse_size: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", fmt.Errorf("warehouse: warehouse_size columns: %w", err)
	}

	sizeIdx := -1
	for i, c := range cols {
		if c == "size" {
			sizeIdx = i
			break
		}
	}
	if sizeIdx < 0 {
		return "", fmt.Errorf("warehouse: warehouse_size: no size column in SHOW WAREHOUSES output")
	}

	if !rows.Next() {
		return "", fmt.Errorf("warehouse: warehouse_size: warehouse %q not found", warehouseName)
	}

	dest := make([]any, len(cols))
	scanBufs := make([]sql.RawBytes, len(cols))
	for i := range dest {
		dest[i] = &scanBufs[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return "", fmt.Errorf("warehouse: warehouse_size scan: %w", err)
	}

	return string(scanBufs[sizeIdx]), nil
}

// Exec runs a parameterized query for validator use. Identifier
// fields (table, column names) must never be passed as bindings —
// callers interpolate identifiers only after checking them against
// the metadata cache.
func (s *Session) Exec(ctx context.Context, query string, bindings ...any) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, query, bindings...)
	if err != nil {
		return nil, fmt.Errorf("warehouse: exec: %w", err)
	}
	return rows, nil
}

// LoadResult is the outcome of a bulk_load call.
type LoadResult struct {
	RowsLoaded int64
	RowsParsed int64
	QueryID    string
	Async      bool
}

// BulkLoadOptions parameterizes a COPY INTO invocation.
type BulkLoadOptions struct {
	FileFormat      string // e.g. "TYPE=CSV FIELD_DELIMITER='\t'"
	CompressedBytes int64
}

// BulkLoad executes COPY INTO table FROM stageRef. Files at or below
// asyncLoadThreshold run synchronously; larger files run
// asynchronously with a 10s poll loop and a 4-minute keepalive fetch,
// independent cadences chosen so the keepalive is not merely a
// multiple of the poll tick.
func (s *Session) BulkLoad(ctx context.Context, stageRef, table string, opts BulkLoadOptions) (LoadResult, error) {
	copySQL := fmt.Sprintf(
		"COPY INTO %s FROM @%s FILE_FORMAT=(%s) ON_ERROR='ABORT_STATEMENT' PURGE=TRUE",
		table, stageRef, opts.FileFormat,
	)

	if opts.CompressedBytes <= asyncLoadThreshold {
		return s.bulkLoadSync(ctx, copySQL)
	}
	return s.bulkLoadAsync(ctx, copySQL)
}

func (s *Session) bulkLoadSync(ctx context.Context, copySQL string) (LoadResult, error) {
	rows, err := s.db.QueryContext(ctx, copySQL)
	if err != nil {
		return LoadResult{}, fmt.Errorf("%w: %v", ErrBulkLoadFailed, err)
	}
	defer rows.Close()
	return scanCopyResult(rows)
}

func (s *Session) bulkLoadAsync(ctx context.Context, copySQL string) (LoadResult, error) {
	asyncCtx := gosnowflake.WithAsyncMode(ctx)

	rows, err := s.db.QueryContext(asyncCtx, copySQL)
	if err != nil {
		return LoadResult{}, fmt.Errorf("%w: submit: %v", ErrBulkLoadFailed, err)
	}
	defer rows.Close()

	queryID := gosnowflake.GetQueryID(asyncCtx)

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return LoadResult{}, fmt.Errorf("%w: get conn for polling: %v", ErrBulkLoadFailed, err)
	}
	defer conn.Close()

	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()
	keepaliveTicker := time.NewTicker(keepaliveInterval)
	defer keepaliveTicker.Stop()

	return pollAsyncLoad(ctx, s.log, driverQueryStatus(conn), queryID, pollTicker.C, keepaliveTicker.C, func() (LoadResult, error) {
		return scanCopyResult(rows)
	})
}

// statusChecker looks up an async query's current status and error
// code. Production calls go through driverQueryStatus; tests substitute
// a fake to drive the poll loop without a real Snowflake connection.
type statusChecker func(ctx context.Context, queryID string) (status, errorCode string, err error)

// driverQueryStatus adapts conn's native driver connection interface
// into a statusChecker.
func driverQueryStatus(conn *sql.Conn) statusChecker {
	return func(ctx context.Context, queryID string) (status, errorCode string, err error) {
		rawErr := conn.Raw(func(driverConn any) error {
			sfConn, ok := driverConn.(gosnowflake.SnowflakeConnection)
			if !ok {
				return fmt.Errorf("driver connection does not support query status")
			}
			qs, statusErr := sfConn.QueryStatus(ctx, queryID)
			if statusErr != nil {
				return statusErr
			}
			status = qs.Status
			errorCode = qs.ErrorCode
			return nil
		})
		if rawErr != nil {
			return "", "", rawErr
		}
		return status, errorCode, nil
	}
}

// queryDone reports whether a status/errorCode pair from statusChecker
// represents a terminal state: a non-empty errorCode always means the
// query failed, and an empty errorCode with a still-RUNNING (or other
// non-SUCCESS, non-failed) status means it is not yet finished.
func queryDone(status, errorCode string) bool {
	return errorCode != "" || status == "SUCCESS"
}

// pollAsyncLoad drives an in-flight async COPY INTO's poll/keepalive
// loop until check reports a terminal status, ctx is cancelled, or scan
// (called once the query has succeeded) returns.
func pollAsyncLoad(ctx context.Context, log zerolog.Logger, check statusChecker, queryID string, pollC, keepaliveC <-chan time.Time, scan func() (LoadResult, error)) (LoadResult, error) {
	for {
		select {
		case <-ctx.Done():
			return LoadResult{}, ctx.Err()

		case <-keepaliveC:
			if err := keepalive(ctx, check, queryID); err != nil {
				log.Warn().Err(err).Str("query_id", queryID).Msg("bulk load keepalive failed")
			}

		case <-pollC:
			status, errorCode, err := check(ctx, queryID)
			if err != nil {
				return LoadResult{}, fmt.Errorf("%w: poll status: %v", ErrBulkLoadFailed, err)
			}
			if !queryDone(status, errorCode) {
				continue
			}
			if errorCode != "" || status != "SUCCESS" {
				return LoadResult{}, fmt.Errorf("%w: query %s: status %s", ErrBulkLoadFailed, queryID, status)
			}

			result, err := scan()
			if err != nil {
				return LoadResult{}, err
			}
			result.Async = true
			result.QueryID = queryID
			return result, nil
		}
	}
}

// keepalive issues the same status lookup as the poll loop purely as a
// side-effecting fetch, preventing the connection from idling out
// during a long-running async load.
func keepalive(ctx context.Context, check statusChecker, queryID string) error {
	_, _, err := check(ctx, queryID)
	return err
}

func scanCopyResult(rows *sql.Rows) (LoadResult, error) {
	cols, err := rows.Columns()
	if err != nil {
		return LoadResult{}, fmt.Errorf("%w: columns: %v", ErrBulkLoadFailed, err)
	}

	loadedIdx, parsedIdx := -1, -1
	for i, c := range cols {
		switch c {
		case "rows_loaded":
			loadedIdx = i
		case "rows_parsed":
			parsedIdx = i
		}
	}

	if !rows.Next() {
		return LoadResult{}, fmt.Errorf("%w: no result row from COPY INTO", ErrBulkLoadFailed)
	}

	dest := make([]any, len(cols))
	buf := make([]sql.RawBytes, len(cols))
	for i := range dest {
		dest[i] = &buf[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return LoadResult{}, fmt.Errorf("%w: scan: %v", ErrBulkLoadFailed, err)
	}

	var result LoadResult
	if loadedIdx >= 0 {
		fmt.Sscanf(string(buf[loadedIdx]), "%d", &result.RowsLoaded)
	}
	if parsedIdx >= 0 {
		fmt.Sscanf(string(buf[parsedIdx]), "%d", &result.RowsParsed)
	}
	return result, nil
}
