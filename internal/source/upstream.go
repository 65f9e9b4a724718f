package source

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgconn"
)

// UpstreamReader streams the upstream changefeed for one query. Lines
// returns a channel of raw wire lines and a channel that carries at most
// one terminal error (a runtime stream error); a stream that ends cleanly
// closes both without sending an error. Close releases the connection.
//
// This is the seam the Source tests substitute a fake for; PgCopyReader is
// the production implementation.
type UpstreamReader interface {
	Lines(ctx context.Context) (<-chan string, <-chan error)
	Close()
}

// PgCopyReader issues the changefeed's subscription query as a COPY TO
// STDOUT and scans the resulting byte stream for newline-delimited wire
// lines: a long-lived streaming read over a raw pgconn connection, handing
// decoded frames onward, the same way a logical-replication reader would,
// except the wire format here is the changefeed's tab-delimited text
// rather than pgoutput's binary tuples.
type PgCopyReader struct {
	dsn   string
	query string
	conn  *pgconn.PgConn
}

// NewPgCopyReader opens a dedicated connection for one Source's COPY
// stream. The connection is exclusive to this stream for its lifetime: a
// COPY OUT connection cannot interleave other queries.
func NewPgCopyReader(ctx context.Context, dsn, query string) (*PgCopyReader, error) {
	conn, err := pgconn.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("source: connect upstream: %w", err)
	}
	return &PgCopyReader{dsn: dsn, query: query, conn: conn}, nil
}

func (r *PgCopyReader) Lines(ctx context.Context) (<-chan string, <-chan error) {
	lines := make(chan string)
	errs := make(chan error, 1)

	pr, pw := io.Pipe()

	go func() {
		_, err := r.conn.CopyTo(ctx, pw, r.query)
		pw.CloseWithError(err)
	}()

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("source: upstream stream error: %w", err)
		}
		close(errs)
	}()

	return lines, errs
}

func (r *PgCopyReader) Close() {
	if r.conn != nil {
		r.conn.Close(context.Background())
	}
}
