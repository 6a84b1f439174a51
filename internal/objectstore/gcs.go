// Package objectstore uploads inspection evidence straight to a Cloud Storage
// bucket instead of the backend's image endpoint.
package objectstore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"digiqc/internal/config"
	"digiqc/internal/domain"
	"digiqc/internal/remote"
)

type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS connects with the configured credentials file, or application
// default credentials when none is set.
func NewGCS(ctx context.Context, cfg config.GCSConfig) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCS{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (g *GCS) Close() error { return g.client.Close() }

// ObjectName places an image under <prefix><draft>/<question or "diagram">/<file>.
func ObjectName(prefix string, up domain.ImageUpload, localPath string) string {
	slot := "diagram"
	if up.QuestionID > 0 {
		slot = fmt.Sprintf("q%d", up.QuestionID)
	}
	return strings.TrimLeft(prefix, "/") + path.Join(up.DraftID, slot, filepath.Base(localPath))
}

func (g *GCS) UploadImage(ctx context.Context, up domain.ImageUpload) error {
	local, err := remote.LocalPath(up.URI)
	if err != nil {
		return err
	}
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open image %s: %w", up.URI, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	head, _ := br.Peek(512)

	name := ObjectName(g.prefix, up, local)
	wc := g.client.Bucket(g.bucket).Object(name).NewWriter(ctx)
	wc.ContentType = http.DetectContentType(head)
	wc.Metadata = map[string]string{"inspection_id": up.DraftID}
	if _, err := io.Copy(wc, br); err != nil {
		_ = wc.Close()
		return fmt.Errorf("upload %s: %w", name, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	return nil
}
