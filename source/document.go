package source

import (
	"context"
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/TFMV/lakehouse"
	"github.com/TFMV/lakehouse/config"
	"github.com/TFMV/lakehouse/schema"
)

// idField is the store's internal document identifier.
const idField = "_id"

// Finder is the subset of *mongo.Collection used by Document.
type Finder interface {
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
}

// Document scans a whole document collection.
type Document struct {
	coll   Finder
	name   string
	logger *zap.Logger
}

// NewDocument wraps a collection.
func NewDocument(coll Finder, name string, logger *zap.Logger) *Document {
	return &Document{coll: coll, name: name, logger: logger}
}

// OpenMongo connects to the configured MongoDB source. The returned
// function disconnects the client.
func OpenMongo(ctx context.Context, cfg config.Document, logger *zap.Logger) (*Document, func(context.Context) error, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, nil, lakehouse.Wrap("mongodb", lakehouse.ErrSourceUnavailable, err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		logger.Warn("mongodb not reachable yet", zap.String("database", cfg.Database), zap.Error(err))
	}
	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	return NewDocument(coll, cfg.Collection, logger), client.Disconnect, nil
}

func (d *Document) Name() string { return "mongodb" }

// Extract scans the collection without the internal identifier.
func (d *Document) Extract(ctx context.Context) (arrow.Record, error) {
	opts := options.Find().SetProjection(bson.D{{Key: idField, Value: 0}})
	cur, err := d.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, lakehouse.Wrap(d.Name(), lakehouse.ErrSourceUnavailable, err)
	}
	var docs []bson.D
	if err := cur.All(ctx, &docs); err != nil {
		return nil, lakehouse.Wrap(d.Name(), lakehouse.ErrSourceUnavailable, err)
	}

	rec, err := FromDocuments(docs)
	if err != nil {
		return nil, lakehouse.Wrap(d.Name(), lakehouse.ErrInvalidRecord, err)
	}
	d.logger.Info("extracted document rows",
		zap.String("collection", d.name),
		zap.Int64("rows", rec.NumRows()))
	return rec, nil
}

// FromDocuments converts documents into a record. Columns appear in the
// order their keys are first seen; a key absent from a document is null.
// An empty input yields a record with no columns.
func FromDocuments(docs []bson.D) (arrow.Record, error) {
	var names []string
	pos := make(map[string]int)
	for _, doc := range docs {
		for _, e := range doc {
			if e.Key == idField {
				continue
			}
			if _, ok := pos[e.Key]; !ok {
				pos[e.Key] = len(names)
				names = append(names, e.Key)
			}
		}
	}

	b, err := schema.NewRowBuilder(schema.Float64s(names...))
	if err != nil {
		return nil, err
	}
	defer b.Release()

	for n, doc := range docs {
		vals := make([]float64, len(names))
		valid := make([]bool, len(names))
		for _, e := range doc {
			i, ok := pos[e.Key]
			if !ok {
				continue
			}
			v, present, err := toFloat(e.Value)
			if err != nil {
				return nil, fmt.Errorf("document %d field %q: %w", n, e.Key, err)
			}
			vals[i], valid[i] = v, present
		}
		if err := b.Append(vals, valid); err != nil {
			return nil, err
		}
	}
	return b.NewRecord(), nil
}

func toFloat(v interface{}) (float64, bool, error) {
	switch x := v.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return 0, false, nil
	case float64:
		return x, true, nil
	case float32:
		return float64(x), true, nil
	case int32:
		return float64(x), true, nil
	case int64:
		return float64(x), true, nil
	case int:
		return float64(x), true, nil
	case bool:
		if x {
			return 1, true, nil
		}
		return 0, true, nil
	case primitive.Decimal128:
		f, err := strconv.ParseFloat(x.String(), 64)
		if err != nil {
			return 0, false, err
		}
		return f, true, nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, false, fmt.Errorf("non-numeric value %q", x)
		}
		return f, true, nil
	}
	return 0, false, fmt.Errorf("unsupported value type %T", v)
}
