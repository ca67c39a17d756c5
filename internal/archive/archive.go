// internal/archive/archive.go

// Package archive keeps raw payment callback deliveries for audit.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/google/uuid"

	"github.com/javajoker/imi-commission/internal/callback"
	"github.com/javajoker/imi-commission/internal/config"
)

// Entry is the archived form of one delivery.
type Entry struct {
	Provider   string      `json:"provider"`
	Outcome    string      `json:"outcome"`
	RemoteIP   string      `json:"remote_ip"`
	ReceivedAt time.Time   `json:"received_at"`
	Headers    http.Header `json:"headers"`
	Body       string      `json:"body"`
}

// Archiver writes entries to S3, or to a local directory when no AWS
// credentials are configured.
type Archiver struct {
	s3Client s3iface.S3API
	bucket   string
	prefix   string
	localDir string
}

func New(cfg config.AWSConfig) (*Archiver, error) {
	a := &Archiver{bucket: cfg.S3Bucket, prefix: cfg.ArchivePrefix, localDir: cfg.LocalArchiveDir}
	if cfg.AccessKeyID == "" {
		return a, nil
	}

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	a.s3Client = s3.New(sess)
	return a, nil
}

// NewWithClient is used with a preconfigured or fake S3 client.
func NewWithClient(client s3iface.S3API, bucket, prefix string) *Archiver {
	return &Archiver{s3Client: client, bucket: bucket, prefix: prefix}
}

func NewLocal(dir string) *Archiver {
	return &Archiver{localDir: dir}
}

func (a *Archiver) Archive(ctx context.Context, d callback.Delivery, outcome string) error {
	received := d.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	raw, err := json.Marshal(Entry{
		Provider:   d.Provider,
		Outcome:    outcome,
		RemoteIP:   d.RemoteIP,
		ReceivedAt: received,
		Headers:    d.Headers,
		Body:       string(d.Body),
	})
	if err != nil {
		return fmt.Errorf("failed to encode archive entry: %w", err)
	}

	key := a.objectKey(d.Provider, outcome, received)
	if a.s3Client != nil {
		_, err := a.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(a.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(raw),
			ContentType:   aws.String("application/json"),
			ContentLength: aws.Int64(int64(len(raw))),
		})
		if err != nil {
			return fmt.Errorf("failed to upload to S3: %w", err)
		}
		return nil
	}
	return a.writeLocal(key, raw)
}

func (a *Archiver) writeLocal(key string, raw []byte) error {
	if a.localDir == "" {
		return nil
	}
	target := filepath.Join(a.localDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	if err := os.WriteFile(target, raw, 0o640); err != nil {
		return fmt.Errorf("failed to write archive entry: %w", err)
	}
	return nil
}

// objectKey partitions by provider and day: prefix/provider/2026/03/01/<nanos>-<outcome>-<id>.json
func (a *Archiver) objectKey(provider, outcome string, at time.Time) string {
	if provider == "" {
		provider = "unknown"
	}
	at = at.UTC()
	name := fmt.Sprintf("%d-%s-%s.json", at.UnixNano(), outcome, uuid.NewString())
	return path.Join(a.prefix, provider, at.Format("2006/01/02"), name)
}
