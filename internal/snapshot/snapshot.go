// Package snapshot exports and imports a structural dump of a cache's
// configuration, entries, and statistics, so a warmed cache in one
// environment can be shipped to another.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"

	internalcache "github.com/respcache/respcache/internal/cache"
	"github.com/respcache/respcache/pkg/cache"
)

// FormatVersion is the snapshot schema version written by Export.
const FormatVersion = "1.0.0"

// Snapshot is the portable, structurally-ordered dump described by the
// filesystem layout and external-interfaces sections: config, entries, and
// statistics as they stood at Timestamp.
type Snapshot struct {
	Version   string        `json:"version"`
	Timestamp int64         `json:"timestamp"`
	Config    cache.Config  `json:"config"`
	Entries   []cache.Entry `json:"entries"`
	Stats     cache.Stats   `json:"stats"`
}

// Build assembles a Snapshot from a manager's current entries, config, and
// statistics.
func Build(ctx context.Context, m *internalcache.Manager) Snapshot {
	entries := m.Entries(ctx)
	flat := make([]cache.Entry, len(entries))
	for i, e := range entries {
		flat[i] = *e
	}
	return Snapshot{
		Version:   FormatVersion,
		Timestamp: nowMs(),
		Config:    m.GetConfig(),
		Entries:   flat,
		Stats:     m.GetStats(),
	}
}

func nowMs() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }

// Encode writes snap to w as stable-ordered JSON (struct field order, not
// map iteration).
func Encode(w io.Writer, snap Snapshot) error {
	enc := json.NewEncoder(w)
	return enc.Encode(snap)
}

// Decode reads a Snapshot from r.
func Decode(r io.Reader) (Snapshot, error) {
	var snap Snapshot
	dec := json.NewDecoder(r)
	if err := dec.Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: decode: %w", err)
	}
	return snap, nil
}

// ExportToFile writes snap to path.
func ExportToFile(path string, snap Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("snapshot: create %s: %w", path, err)
	}
	defer f.Close()
	return Encode(f, snap)
}

// ImportFromFile reads a Snapshot from path.
func ImportFromFile(path string) (Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

// Replay writes every entry in snap back through the manager under its
// original key, reconstructing cache state modulo timestamps and
// statistics, matching the round-trip guarantee in the external-interfaces
// section. Entries carry a PromptHash rather than the original prompt
// text, so replay reuses the stored Key directly instead of re-deriving it.
func Replay(ctx context.Context, m *internalcache.Manager, snap Snapshot) {
	for i := range snap.Entries {
		m.SetEntry(ctx, &snap.Entries[i])
	}
}

// S3Location names the bucket and key a snapshot is stored under. Endpoint
// and static credentials are optional; set both when talking to an
// S3-compatible endpoint (e.g. MinIO) that isn't reachable via the ambient
// IAM role the default credential chain would otherwise pick up.
type S3Location struct {
	Bucket          string
	Key             string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// ExportToS3 uploads snap as a JSON object at loc.
func ExportToS3(ctx context.Context, loc S3Location, snap Snapshot) error {
	client, err := newS3Client(ctx, loc)
	if err != nil {
		return err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(loc.Bucket),
		Key:         aws.String(loc.Key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("snapshot: upload to s3://%s/%s: %w", loc.Bucket, loc.Key, err)
	}
	return nil
}

// ImportFromS3 downloads and decodes a snapshot stored at loc.
func ImportFromS3(ctx context.Context, loc S3Location) (Snapshot, error) {
	client, err := newS3Client(ctx, loc)
	if err != nil {
		return Snapshot{}, err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: download s3://%s/%s: %w", loc.Bucket, loc.Key, err)
	}
	defer out.Body.Close()

	return Decode(out.Body)
}

func newS3Client(ctx context.Context, loc S3Location) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if loc.Region != "" {
		opts = append(opts, config.WithRegion(loc.Region))
	}
	if loc.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			loc.AccessKeyID, loc.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if loc.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(loc.Endpoint)
			o.UsePathStyle = true
		})
	}

	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}
