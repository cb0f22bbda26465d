// Package s3 stores bets in an S3-compatible bucket. Every batch becomes one
// CSV object named by its UUIDv7 batch key, so listing the prefix in key order replays
// batches in the order they were stored.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"sort"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/lotteryd/internal/betstore"
	"pkt.systems/lotteryd/internal/lottery"
)

const objectSuffix = ".csv"

// Config controls the S3 backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Store implements betstore.Store on S3.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs a Store. Credentials default to the AWS/MinIO environment,
// the shared credentials file and finally instance metadata.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	clone.MaxIdleConnsPerHost = 16
	clone.IdleConnTimeout = 90 * time.Second
	clone.TLSHandshakeTimeout = 10 * time.Second
	return clone
}

func (s *Store) objectPrefix() string {
	if s.cfg.Prefix == "" {
		return "bets/"
	}
	return path.Join(s.cfg.Prefix, "bets") + "/"
}

// StoreBets uploads the batch as a single object named by the batch key on
// ctx.
func (s *Store) StoreBets(ctx context.Context, bets []lottery.Bet) error {
	if len(bets) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := betstore.WriteCSV(&buf, bets); err != nil {
		return fmt.Errorf("s3: encode: %w", err)
	}
	key := s.objectPrefix() + betstore.BatchKey(ctx) + objectSuffix
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), minio.PutObjectOptions{
		ContentType: betstore.ContentType,
	})
	if err != nil {
		return s.wrapError(fmt.Errorf("s3: put %s: %w", key, err))
	}
	return nil
}

// LoadBets lists every batch object and decodes them in key order.
func (s *Store) LoadBets(ctx context.Context) ([]lottery.Bet, error) {
	var keys []string
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    s.objectPrefix(),
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, s.wrapError(fmt.Errorf("s3: list: %w", object.Err))
		}
		if strings.HasSuffix(object.Key, objectSuffix) {
			keys = append(keys, object.Key)
		}
	}
	sort.Strings(keys)
	var bets []lottery.Bet
	for _, key := range keys {
		batch, err := s.loadObject(ctx, key)
		if err != nil {
			return nil, err
		}
		bets = append(bets, batch...)
	}
	return bets, nil
}

func (s *Store) loadObject(ctx context.Context, key string) ([]lottery.Bet, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrapError(fmt.Errorf("s3: get %s: %w", key, err))
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.wrapError(fmt.Errorf("s3: read %s: %w", key, err))
	}
	bets, err := betstore.ReadCSV(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("s3: %s: %w", key, err)
	}
	return bets, nil
}

// Close is a no-op; the minio client holds no resources beyond its transport.
func (s *Store) Close() error { return nil }

func (s *Store) wrapError(err error) error {
	if isRetryable(err) {
		return betstore.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if isNetworkConnectionError(err) {
		return true
	}
	resp := minio.ErrorResponse{}
	if !errors.As(err, &resp) {
		return false
	}
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return true
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return true
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE,
		syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// CheckBucket verifies the endpoint is reachable and the bucket exists.
func (s *Store) CheckBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("s3: connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("s3: bucket %s does not exist", s.cfg.Bucket)
	}
	return nil
}
