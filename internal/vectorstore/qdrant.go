// Package vectorstore is a thin Qdrant gRPC client for the document
// knowledge base.
package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// QdrantConfig locates the Qdrant gRPC endpoint.
type QdrantConfig struct {
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port"`
	APIKey     string `json:"api_key" yaml:"api_key"`
	Collection string `json:"collection" yaml:"collection"`
}

// Enabled reports whether a Qdrant host is configured.
func (c QdrantConfig) Enabled() bool { return c.Host != "" }

// Point is one vector with its string payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]string
}

// SearchResult holds a single vector search hit.
type SearchResult struct {
	ID      string
	Score   float32
	Payload map[string]string
}

// upsertBatch bounds the size of a single Upsert RPC.
const upsertBatch = 256

// Client wraps the collections and points services.
type Client struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
}

// NewClient dials the Qdrant gRPC endpoint. The connection is lazy; the
// first RPC reports an unreachable server.
func NewClient(cfg QdrantConfig) (*Client, error) {
	port := cfg.Port
	if port == 0 {
		port = 6334
	}
	target := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if cfg.APIKey != "" {
		opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("qdrant %s: %w", target, err)
	}
	return &Client{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
	}, nil
}

func apiKeyInterceptor(key string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return invoker(metadata.AppendToOutgoingContext(ctx, "api-key", key), method, req, reply, cc, opts...)
	}
}

// EnsureCollection creates a cosine collection of the given size if missing.
func (c *Client) EnsureCollection(ctx context.Context, name string, dimension uint64) error {
	exists, err := c.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: name})
	if err != nil {
		return fmt.Errorf("check collection %s: %w", name, err)
	}
	if exists.GetResult().GetExists() {
		return nil
	}
	params := &pb.VectorParams{Size: dimension, Distance: pb.Distance_Cosine}
	_, err = c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig:  &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{Params: params}},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

// Upsert writes points, waiting for each batch to be applied.
func (c *Client) Upsert(ctx context.Context, collection string, pts []Point) error {
	wait := true
	for start := 0; start < len(pts); start += upsertBatch {
		end := min(start+upsertBatch, len(pts))
		req := &pb.UpsertPoints{CollectionName: collection, Wait: &wait, Points: make([]*pb.PointStruct, 0, end-start)}
		for _, p := range pts[start:end] {
			req.Points = append(req.Points, toPointStruct(p))
		}
		if _, err := c.points.Upsert(ctx, req); err != nil {
			return fmt.Errorf("upsert %s [%d:%d]: %w", collection, start, end, err)
		}
	}
	return nil
}

// DeleteByField removes every point whose payload key equals value.
func (c *Client) DeleteByField(ctx context.Context, collection, key, value string) error {
	wait := true
	selector := &pb.PointsSelector{
		PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: keywordFilter(key, value)},
	}
	if _, err := c.points.Delete(ctx, &pb.DeletePoints{CollectionName: collection, Wait: &wait, Points: selector}); err != nil {
		return fmt.Errorf("delete from %s where %s=%q: %w", collection, key, value, err)
	}
	return nil
}

// Search returns the topK nearest points with their payloads.
func (c *Client) Search(ctx context.Context, collection string, vector []float32, topK uint64) ([]*SearchResult, error) {
	resp, err := c.points.Search(ctx, &pb.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          topK,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	hits := make([]*SearchResult, len(resp.GetResult()))
	for i, sp := range resp.GetResult() {
		hits[i] = &SearchResult{ID: sp.GetId().GetUuid(), Score: sp.GetScore(), Payload: fromPayload(sp.GetPayload())}
	}
	return hits, nil
}

func toPointStruct(p Point) *pb.PointStruct {
	return &pb.PointStruct{
		Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: p.ID}},
		Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}}},
		Payload: toPayload(p.Payload),
	}
}

func keywordFilter(key, value string) *pb.Filter {
	match := &pb.FieldCondition{Key: key, Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}}}
	return &pb.Filter{Must: []*pb.Condition{{ConditionOneOf: &pb.Condition_Field{Field: match}}}}
}

func toPayload(m map[string]string) map[string]*pb.Value {
	out := make(map[string]*pb.Value, len(m))
	for k, v := range m {
		out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
	}
	return out
}

// fromPayload keeps string values only; the knowledge base writes nothing else.
func fromPayload(m map[string]*pb.Value) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.GetKind().(*pb.Value_StringValue); ok {
			out[k] = s.StringValue
		}
	}
	return out
}

func (c *Client) Close() error {
	return c.conn.Close()
}
