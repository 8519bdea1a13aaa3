package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"segment-coordinator/internal/config"
)

// SeedSource resolves a job's seed URL to a local file.
type SeedSource interface {
	Fetch(ctx context.Context, seedURL string) (string, error)
}

type objectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SeedFetcher downloads seed files over HTTP(S) or from S3 and keeps them in
// a local directory keyed by URL, so each seed is fetched once per worker.
type SeedFetcher struct {
	dir        string
	maxBytes   int64
	httpClient *http.Client
	s3         objectGetter

	mu sync.Mutex
}

// NewSeedFetcher constructs a fetcher from worker configuration.
func NewSeedFetcher(ctx context.Context, cfg config.Config) (*SeedFetcher, error) {
	timeout := cfg.SeedDownloadTimeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newSeedFetcher(cfg.SeedDir, cfg.SeedMaxBytes, &http.Client{Timeout: timeout}, client), nil
}

func newSeedFetcher(dir string, maxBytes int64, httpClient *http.Client, getter objectGetter) *SeedFetcher {
	if dir == "" {
		dir = "./seeds"
	}
	if maxBytes == 0 {
		maxBytes = 256 * 1024 * 1024
	}
	return &SeedFetcher{dir: dir, maxBytes: maxBytes, httpClient: httpClient, s3: getter}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SeedS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.SeedS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.SeedS3Endpoint)
		}
		o.UsePathStyle = cfg.SeedS3PathStyle
	}), nil
}

func cacheName(seedURL string) string {
	sum := sha256.Sum256([]byte(seedURL))
	return hex.EncodeToString(sum[:]) + ".seed"
}

// Fetch returns the path of the cached seed, downloading it on first use.
func (f *SeedFetcher) Fetch(ctx context.Context, seedURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := filepath.Join(f.dir, cacheName(seedURL))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	u, err := url.Parse(seedURL)
	if err != nil {
		return "", fmt.Errorf("parse seed url: %w", err)
	}
	var body io.ReadCloser
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		body, err = f.openHTTP(ctx, seedURL)
	case "s3":
		body, err = f.openS3(ctx, u)
	default:
		return "", fmt.Errorf("unsupported seed url scheme %q", u.Scheme)
	}
	if err != nil {
		return "", err
	}
	defer body.Close()

	if err := f.store(path, body); err != nil {
		return "", err
	}
	return path, nil
}

func (f *SeedFetcher) openHTTP(ctx context.Context, seedURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, seedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download seed: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		return nil, fmt.Errorf("download seed: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (f *SeedFetcher) openS3(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	if f.s3 == nil {
		return nil, errors.New("s3 seed requested but no s3 client is configured")
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return nil, fmt.Errorf("s3 seed url %q needs bucket and key", u.String())
	}
	out, err := f.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return out.Body, nil
}

// store copies body into path through a temporary file, enforcing maxBytes.
func (f *SeedFetcher) store(path string, body io.Reader) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("create seed dir: %w", err)
	}
	tmp, err := os.CreateTemp(f.dir, "download-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(body, f.maxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write seed: %w", err)
	}
	if n > f.maxBytes {
		return fmt.Errorf("seed too large (>%d bytes)", f.maxBytes)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install seed: %w", err)
	}
	return nil
}
