package flight

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/TFMV/lakehouse/schema"
)

// ---------------------------------------------------------------------
// Flight Client
// ---------------------------------------------------------------------

// Client fetches gold tables from a GoldService.
type Client struct {
	client flight.Client
}

// NewClient dials addr without transport security.
func NewClient(addr string) (*Client, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create flight client: %w", err)
	}
	return &Client{client: client}, nil
}

func (c *Client) Close() error { return c.client.Close() }

// ListTables returns the names of the tables the server offers.
func (c *Client) ListTables(ctx context.Context) ([]string, error) {
	stream, err := c.client.ListFlights(ctx, &flight.Criteria{})
	if err != nil {
		return nil, fmt.Errorf("ListFlights failed: %w", err)
	}
	var names []string
	for {
		info, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListFlights failed: %w", err)
		}
		if d := info.GetFlightDescriptor(); d != nil && len(d.Path) > 0 {
			names = append(names, d.Path[0])
		}
	}
	return names, nil
}

// FetchTable streams table and returns it as one record. The caller must
// Release it.
func (c *Client) FetchTable(ctx context.Context, table string) (arrow.Record, error) {
	stream, err := c.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(table)})
	if err != nil {
		return nil, fmt.Errorf("DoGet failed: %w", err)
	}

	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("DoGet %q failed: %w", table, err)
	}
	defer reader.Release()

	var records []arrow.Record
	defer func() {
		for _, r := range records {
			r.Release()
		}
	}()
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		records = append(records, rec)
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("error reading from flight stream: %w", err)
	}

	return combine(reader.Schema(), records)
}

func combine(sc *arrow.Schema, records []arrow.Record) (arrow.Record, error) {
	if len(records) == 1 {
		records[0].Retain()
		return records[0], nil
	}
	tbl := array.NewTableFromRecords(sc, records)
	defer tbl.Release()

	cols := make([]arrow.Array, tbl.NumCols())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()
	for i := range cols {
		chunks := tbl.Column(i).Data().Chunks()
		if len(chunks) == 0 {
			cols[i] = array.MakeArrayOfNull(schema.Pool, sc.Field(i).Type, 0)
			continue
		}
		arr, err := array.Concatenate(chunks, schema.Pool)
		if err != nil {
			return nil, fmt.Errorf("failed to combine batches: %w", err)
		}
		cols[i] = arr
	}
	return array.NewRecord(sc, cols, tbl.NumRows()), nil
}
