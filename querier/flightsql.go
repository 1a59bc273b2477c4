package querier

import (
	"context"
	"fmt"
	"math/big"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/flight"
	flightgen "github.com/apache/arrow/go/v14/arrow/flight/gen/flight"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/jellydator/ttlcache/v3"
	"github.com/oklog/ulid/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/gigapi/gigapi-lakehouse/core"
)

const statementQueryTypeURL = "type.googleapis.com/arrow.flight.protocol.sql.CommandStatementQuery"

var timestampType = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

// resultTTL is how long an unfetched ticket keeps its results.
const resultTTL = 5 * time.Minute

// FlightSQLServer serves statement queries over Arrow Flight. Results are
// materialized in GetFlightInfo and handed out once through DoGet. Results
// nobody fetched are released when they expire.
type FlightSQLServer struct {
	flightgen.UnimplementedFlightServiceServer
	queryClient core.QueryClient
	defaultDB   string
	mem         memory.Allocator

	results *ttlcache.Cache[string, arrow.Record]
}

func NewFlightSQLServer(queryClient core.QueryClient, defaultDB string) *FlightSQLServer {
	return newFlightSQLServer(queryClient, defaultDB, memory.DefaultAllocator, resultTTL)
}

func newFlightSQLServer(queryClient core.QueryClient, defaultDB string, mem memory.Allocator, ttl time.Duration) *FlightSQLServer {
	results := ttlcache.New[string, arrow.Record](
		ttlcache.WithTTL[string, arrow.Record](ttl),
		ttlcache.WithDisableTouchOnHit[string, arrow.Record](),
	)
	results.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, arrow.Record]) {
		// deleted records belong to DoGet or Close
		if reason != ttlcache.EvictionReasonDeleted {
			item.Value().Release()
		}
	})
	go results.Start()
	return &FlightSQLServer{
		queryClient: queryClient,
		defaultDB:   defaultDB,
		mem:         mem,
		results:     results,
	}
}

// Close releases the results no ticket was redeemed for.
func (s *FlightSQLServer) Close() {
	s.results.Stop()
	s.results.DeleteExpired()
	for _, item := range s.results.Items() {
		item.Value().Release()
	}
	s.results.DeleteAll()
}

// Handshake echoes every request back.
func (s *FlightSQLServer) Handshake(stream flight.FlightService_HandshakeServer) error {
	for {
		req, err := stream.Recv()
		if err != nil {
			return err
		}
		if err := stream.Send(&flight.HandshakeResponse{Payload: req.Payload}); err != nil {
			return err
		}
	}
}

// databaseFromMetadata picks the database from the bucket, database or
// namespace header, in that order.
func (s *FlightSQLServer) databaseFromMetadata(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for _, key := range []string{"bucket", "database", "namespace"} {
			if v := md.Get(key); len(v) > 0 && v[0] != "" {
				return v[0]
			}
		}
	}
	return s.defaultDB
}

// decodeStatementQuery returns the SQL text of a CommandStatementQuery.
func decodeStatementQuery(cmd []byte) (string, error) {
	msg := &anypb.Any{}
	if err := proto.Unmarshal(cmd, msg); err != nil {
		return "", fmt.Errorf("failed to unmarshal command: %w", err)
	}
	if msg.TypeUrl != statementQueryTypeURL {
		return "", status.Errorf(codes.Unimplemented, "unsupported command %s", msg.TypeUrl)
	}
	b := msg.Value
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", protowire.ParseError(n)
		}
		b = b[n:]
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", protowire.ParseError(n)
			}
			return strings.TrimSpace(string(v)), nil
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return "", protowire.ParseError(n)
		}
		b = b[n:]
	}
	return "", status.Error(codes.InvalidArgument, "statement query has no query text")
}

// GetFlightInfo runs the statement and returns a ticket for its results.
func (s *FlightSQLServer) GetFlightInfo(ctx context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	if desc.Type != flight.DescriptorCMD {
		return nil, status.Errorf(codes.Unimplemented, "unsupported flight descriptor type: %v", desc.Type)
	}
	query, err := decodeStatementQuery(desc.Cmd)
	if err != nil {
		return nil, err
	}
	ctx = core.WithDefaultLogger(ctx, "flight-"+ulid.Make().String())
	dbName := s.databaseFromMetadata(ctx)
	core.Debugf(ctx, "executing flight query on %s: %s", dbName, query)

	results, err := s.queryClient.Query(ctx, query, dbName)
	if err != nil {
		core.Errorf(ctx, "query execution failed: %v", err)
		return nil, status.Errorf(codes.InvalidArgument, "failed to execute query: %v", err)
	}
	schema, record := convertResultsToArrow(s.mem, results)

	ticketID := "query-" + ulid.Make().String()
	s.results.Set(ticketID, record, ttlcache.DefaultTTL)

	return &flight.FlightInfo{
		Schema:           flight.SerializeSchema(schema, memory.DefaultAllocator),
		FlightDescriptor: desc,
		Endpoint: []*flight.FlightEndpoint{{
			Ticket: &flight.Ticket{Ticket: []byte(ticketID)},
		}},
		TotalRecords: record.NumRows(),
		TotalBytes:   -1,
	}, nil
}

func (s *FlightSQLServer) takeResult(ticket string) (arrow.Record, bool) {
	item, ok := s.results.GetAndDelete(ticket)
	if !ok {
		return nil, false
	}
	return item.Value(), true
}

// DoGet streams the results for a ticket. Each ticket can be read once.
func (s *FlightSQLServer) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	record, ok := s.takeResult(string(ticket.Ticket))
	if !ok {
		return status.Errorf(codes.NotFound, "no results found for ticket: %s", ticket.Ticket)
	}
	defer record.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	if err := writer.Write(record); err != nil {
		return fmt.Errorf("failed to write record batch: %w", err)
	}
	return writer.Close()
}

// resultColumns returns the union of row keys, sorted.
func resultColumns(results []map[string]interface{}) []string {
	seen := map[string]bool{}
	var cols []string
	for _, row := range results {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

// inferTypeFromColumn uses the first non-null value of a column.
func inferTypeFromColumn(column string, results []map[string]interface{}) arrow.DataType {
	for _, row := range results {
		switch row[column].(type) {
		case nil:
			continue
		case int, int8, int16, int32, int64, uint8, uint16, uint32:
			return arrow.PrimitiveTypes.Int64
		case float32, float64:
			return arrow.PrimitiveTypes.Float64
		case bool:
			return arrow.FixedWidthTypes.Boolean
		case time.Time:
			return timestampType
		default:
			return arrow.BinaryTypes.String
		}
	}
	return arrow.BinaryTypes.String
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case *big.Int:
		if n.IsInt64() {
			return n.Int64(), true
		}
	}
	return 0, false
}

// convertResultsToArrow builds a single record from query rows. Columns are
// sorted by name; an empty result yields an empty schema.
func convertResultsToArrow(mem memory.Allocator, results []map[string]interface{}) (*arrow.Schema, arrow.Record) {
	cols := resultColumns(results)
	fields := make([]arrow.Field, len(cols))
	for i, c := range cols {
		fields[i] = arrow.Field{Name: c, Type: inferTypeFromColumn(c, results), Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	for i, field := range fields {
		fb := b.Field(i)
		for _, row := range results {
			val := row[field.Name]
			if val == nil {
				fb.AppendNull()
				continue
			}
			switch builder := fb.(type) {
			case *array.Int64Builder:
				if n, ok := toInt64(val); ok {
					builder.Append(n)
				} else {
					builder.AppendNull()
				}
			case *array.Float64Builder:
				switch f := val.(type) {
				case float64:
					builder.Append(f)
				case float32:
					builder.Append(float64(f))
				default:
					builder.AppendNull()
				}
			case *array.BooleanBuilder:
				if v, ok := val.(bool); ok {
					builder.Append(v)
				} else {
					builder.AppendNull()
				}
			case *array.TimestampBuilder:
				if v, ok := val.(time.Time); ok {
					builder.Append(arrow.Timestamp(v.UTC().UnixMicro()))
				} else {
					builder.AppendNull()
				}
			case *array.StringBuilder:
				switch v := val.(type) {
				case string:
					builder.Append(v)
				case []byte:
					builder.Append(string(v))
				default:
					builder.Append(fmt.Sprintf("%v", v))
				}
			}
		}
	}
	return schema, b.NewRecord()
}

// StartFlightSQLServer serves FlightSQL on port until the listener fails.
func StartFlightSQLServer(port int, queryClient core.QueryClient, defaultDB string) error {
	server := NewFlightSQLServer(queryClient, defaultDB)
	defer server.Close()
	s := grpc.NewServer()
	flightgen.RegisterFlightServiceServer(s, server)
	reflection.Register(s)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	core.Infof(context.Background(), "FlightSQL server listening on port %d", port)
	return s.Serve(lis)
}
