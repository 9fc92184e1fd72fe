package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/dentdesk/dentdesk/internal/schema"
)

// GCSConfig configures the Google Cloud Storage mirror.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	// CredentialsFile is a service account key file. Empty uses Application
	// Default Credentials.
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`
	Prefix          string `mapstructure:"-"`
}

// gcsMergeAttempts bounds retries of a merge that lost a generation race.
const gcsMergeAttempts = 5

// GCS is a Mirror storing one JSON object per document in a GCS bucket.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// NewGCS creates a GCS mirror.
func NewGCS(ctx context.Context, cfg GCSConfig) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	var opts []option.ClientOption
	switch {
	case cfg.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCS{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		prefix: cfg.Prefix,
	}, nil
}

// read returns the decoded object and its generation.
func (g *GCS) read(ctx context.Context, name string) (schema.Record, int64, error) {
	r, err := g.bucket.Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, unavailable("gcs read object", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, unavailable("gcs read body", err)
	}

	rec, err := schema.Unmarshal(data)
	if err != nil {
		return nil, 0, fmt.Errorf("corrupt object %s: %w", name, err)
	}
	return rec, r.Attrs.Generation, nil
}

// Upsert merges rec into the stored object. The write is conditioned on the
// generation that was read, and the merge is retried if another writer got
// there first.
func (g *GCS) Upsert(ctx context.Context, table, key string, rec schema.Record) error {
	name := objectKey(g.prefix, table, key)

	for attempt := 1; ; attempt++ {
		current, generation, err := g.read(ctx, name)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		data, err := schema.Merge(current, rec).Marshal()
		if err != nil {
			return fmt.Errorf("failed to marshal %s/%s: %w", table, key, err)
		}

		cond := storage.Conditions{DoesNotExist: true}
		if generation != 0 {
			cond = storage.Conditions{GenerationMatch: generation}
		}

		err = g.write(ctx, g.bucket.Object(name).If(cond), data)
		if err == nil {
			return nil
		}
		if !isPreconditionFailed(err) || attempt >= gcsMergeAttempts {
			return unavailable("gcs write object", err)
		}
	}
}

func (g *GCS) write(ctx context.Context, obj *storage.ObjectHandle, data []byte) error {
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func isPreconditionFailed(err error) bool {
	var gErr *googleapi.Error
	return errors.As(err, &gErr) && gErr.Code == http.StatusPreconditionFailed
}

func (g *GCS) Delete(ctx context.Context, table, key string) error {
	err := g.bucket.Object(objectKey(g.prefix, table, key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return unavailable("gcs delete object", err)
	}
	return nil
}

func (g *GCS) List(ctx context.Context, table string) ([]schema.Record, error) {
	records := []schema.Record{}

	it := g.bucket.Objects(ctx, &storage.Query{Prefix: tablePrefix(g.prefix, table)})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, unavailable("gcs list objects", err)
		}

		rec, _, err := g.read(ctx, attrs.Name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, nil
}

func (g *GCS) Ping(ctx context.Context) error {
	if _, err := g.bucket.Attrs(ctx); err != nil {
		return unavailable("gcs bucket attrs", err)
	}
	return nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}
