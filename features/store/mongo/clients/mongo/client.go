// Package mongo hosts the MongoDB client used by the artifact store.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/rewind/eval/artifact"
)

const (
	defaultCollection = "eval_traces"
	defaultOpTimeout  = 5 * time.Second
	storeClientName   = "artifact-mongo"
)

// Client exposes Mongo-backed operations for evaluation artifacts. Artifacts
// are write-once: saving an existing trace ID fails instead of updating in
// place.
type Client interface {
	health.Pinger

	SaveArtifact(ctx context.Context, a *artifact.Artifact) (string, error)
	GetArtifact(ctx context.Context, traceID string) (*artifact.Artifact, error)
	ListArtifacts(ctx context.Context) ([]artifact.Summary, error)
}

// Options configures the Mongo artifact client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	traces  *mongodriver.Collection
	timeout time.Duration
}

// artifactDocument is the persisted shape. The canonical artifact JSON is
// stored verbatim so round trips preserve byte-identical serialization;
// summary fields are duplicated alongside for indexed listing.
type artifactDocument struct {
	TraceID     string    `bson:"trace_id"`
	RunID       string    `bson:"run_id"`
	Environment string    `bson:"environment"`
	HasError    bool      `bson:"has_error"`
	Steps       int       `bson:"steps"`
	ToolCalls   int       `bson:"tool_calls"`
	Payload     []byte    `bson:"payload"`
	CreatedAt   time.Time `bson:"created_at"`
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "trace_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("create trace index: %w", err)
	}

	return &client{mongo: opts.Client, traces: coll, timeout: timeout}, nil
}

func (c *client) Name() string {
	return storeClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) SaveArtifact(ctx context.Context, a *artifact.Artifact) (string, error) {
	if a == nil {
		return "", errors.New("artifact is required")
	}
	if a.TraceID == "" {
		return "", errors.New("artifact trace id is required")
	}
	payload, err := artifact.MarshalCanonical(a)
	if err != nil {
		return "", fmt.Errorf("serialize artifact: %w", err)
	}
	summary := artifact.Summarize(a)
	doc := artifactDocument{
		TraceID:     a.TraceID,
		RunID:       summary.RunID,
		Environment: summary.Environment,
		HasError:    summary.HasError,
		Steps:       summary.Steps,
		ToolCalls:   summary.ToolCalls,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.traces.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return "", fmt.Errorf("trace %s already stored", a.TraceID)
		}
		return "", err
	}
	return a.TraceID, nil
}

func (c *client) GetArtifact(ctx context.Context, traceID string) (*artifact.Artifact, error) {
	if traceID == "" {
		return nil, errors.New("trace id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc artifactDocument
	if err := c.traces.FindOne(ctx, bson.M{"trace_id": traceID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			available, lerr := c.traceIDs(ctx)
			if lerr != nil {
				available = nil
			}
			return nil, &artifact.NotFoundError{TraceID: traceID, Available: available}
		}
		return nil, err
	}
	var a artifact.Artifact
	if err := json.Unmarshal(doc.Payload, &a); err != nil {
		return nil, fmt.Errorf("decode trace %s: %w", traceID, err)
	}
	return &a, nil
}

func (c *client) ListArtifacts(ctx context.Context) ([]artifact.Summary, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "trace_id", Value: 1}})
	cur, err := c.traces.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []artifact.Summary
	for cur.Next(ctx) {
		var doc artifactDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, artifact.Summary{
			TraceID:     doc.TraceID,
			RunID:       doc.RunID,
			Environment: doc.Environment,
			HasError:    doc.HasError,
			Steps:       doc.Steps,
			ToolCalls:   doc.ToolCalls,
		})
	}
	return out, cur.Err()
}

func (c *client) traceIDs(ctx context.Context) ([]string, error) {
	opts := options.Find().
		SetProjection(bson.D{{Key: "trace_id", Value: 1}}).
		SetSort(bson.D{{Key: "trace_id", Value: 1}})
	cur, err := c.traces.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			TraceID string `bson:"trace_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.TraceID)
	}
	return ids, cur.Err()
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.timeout)
}
