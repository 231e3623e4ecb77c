// Package flight serves gold tables over Apache Arrow Flight.
package flight

import (
	"context"
	"errors"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/TFMV/lakehouse/db"
	"github.com/TFMV/lakehouse/schema"
)

// Store is the read surface of the gold store.
type Store interface {
	Tables(ctx context.Context) ([]string, error)
	TableInfo(ctx context.Context, table string) (*arrow.Schema, int64, error)
	ReadTable(ctx context.Context, table string) (arrow.Record, error)
}

// GoldService is a read-only Flight service. A ticket is a table name.
type GoldService struct {
	flight.BaseFlightServer
	store  Store
	logger *zap.Logger
}

func NewGoldService(store Store, logger *zap.Logger) *GoldService {
	return &GoldService{store: store, logger: logger}
}

func (s *GoldService) ListFlights(_ *flight.Criteria, stream flight.FlightService_ListFlightsServer) error {
	ctx := stream.Context()
	names, err := s.store.Tables(ctx)
	if err != nil {
		return status.Errorf(codes.Internal, "list tables: %v", err)
	}
	for _, name := range names {
		sc, rows, err := s.store.TableInfo(ctx, name)
		if err != nil {
			return readError(name, err)
		}
		info := &flight.FlightInfo{
			Schema: flight.SerializeSchema(sc, schema.Pool),
			FlightDescriptor: &flight.FlightDescriptor{
				Type: flight.DescriptorPATH,
				Path: []string{name},
			},
			Endpoint:     []*flight.FlightEndpoint{{Ticket: &flight.Ticket{Ticket: []byte(name)}}},
			TotalRecords: rows,
			TotalBytes:   -1,
		}
		if err := stream.Send(info); err != nil {
			return err
		}
	}
	return nil
}

func (s *GoldService) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	table := string(ticket.GetTicket())
	if table == "" {
		return status.Error(codes.InvalidArgument, "empty ticket")
	}

	rec, err := s.store.ReadTable(stream.Context(), table)
	if err != nil {
		return readError(table, err)
	}
	defer rec.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	defer writer.Close()

	if err := writer.Write(rec); err != nil {
		return status.Errorf(codes.Internal, "failed to write record: %v", err)
	}
	s.logger.Debug("served gold table",
		zap.String("table", table),
		zap.Int64("rows", rec.NumRows()))
	return nil
}

// DoPut is rejected: the gold table is only written by the pipeline.
func (s *GoldService) DoPut(flight.FlightService_DoPutServer) error {
	return status.Error(codes.PermissionDenied, "gold tables are read-only")
}

func readError(table string, err error) error {
	if errors.Is(err, db.ErrNoSuchTable) {
		return status.Errorf(codes.NotFound, "table %q not found", table)
	}
	return status.Errorf(codes.Internal, "read %q: %v", table, err)
}
