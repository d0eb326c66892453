// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements store.Conn on top of an S3 compatible service. It
// uses aws api v1.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"golang.org/x/net/http2"

	"github.com/ofsbd/ofsbd/internal/ofsbd/store"
)

const (
	Type = "s3"

	// Bucket used when the service does not name one.
	defaultBucket = "ofs"

	// Number of locks serializing read-modify-write cycles. Writes to
	// different chunks rarely share a lock.
	writeLocks = 256
)

func init() {
	store.Register(Type, func(ctx context.Context, svc store.Service) (store.Conn, error) {
		return New(ctx, Options{
			Remote:    svc.Endpoint,
			Region:    svc.Region,
			Bucket:    svc.Bucket,
			AccessKey: svc.AccessKey,
			SecretKey: svc.SecretKey,
		})
	})
}

// Implementation of store.Conn using S3 as a backend. Objects are keyed by
// the chunk path without the leading slash. S3 has no positioned writes,
// hence a write that does not replace the whole object downloads it, splices
// the new data in and uploads it again. These cycles are serialized per key.
// Parameters of http connection are carefully tuned for the best performance
// in the AWS environment.
type S3 struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	client     *s3.S3
	httpClient *http.Client
	bucket     string

	locks [writeLocks]sync.Mutex
}

// Options to use in New() function due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Helper struct used for tuning the http connection.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

// Returns http client with configured parameters and added https2 support.
func newHTTPClientWithSettings(httpSettings httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{
		Transport: tr,
	}
}

// New connects to the service and makes sure the bucket exists.
func New(ctx context.Context, o Options) (*S3, error) {
	s := new(S3)
	s.bucket = o.Bucket
	if s.bucket == "" {
		s.bucket = defaultBucket
	}

	// Following settings are recommended by AWS for usage in their
	// network.
	s.httpClient = newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})

	cfg := &aws.Config{
		Region:                        aws.String(o.Region),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    s.httpClient,
	}
	if o.Remote != "" {
		cfg.Endpoint = aws.String(o.Remote)
	}
	if o.AccessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, "")
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrNotReachable, err)
	}

	s.client = s3.New(sess)
	s.uploader = s3manager.NewUploader(sess)
	s.downloader = s3manager.NewDownloader(sess)

	// Chunks are small, multipart transfers do not pay off.
	s.uploader.Concurrency = 1
	s3manager.WithUploaderRequestOptions(request.Option(func(r *request.Request) {
		r.HTTPRequest.Header.Add("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	}))(s.uploader)
	s.downloader.Concurrency = 1

	if err := s.makeBucketExist(ctx); err != nil {
		s.httpClient.CloseIdleConnections()
		return nil, classify(err)
	}

	return s, nil
}

// Check whether bucket exist and if not, create it and wait until it appears.
func (s *S3) makeBucketExist(ctx context.Context) error {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})

	if err != nil {
		_, err = s.client.CreateBucketWithContext(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(s.bucket)})

		if err == nil {
			err = s.client.WaitUntilBucketExistsWithContext(ctx, &s3.HeadBucketInput{
				Bucket: aws.String(s.bucket)})
		}
	}

	return err
}

// ReadAt downloads the byte range [off, off+len(p)) of the object. A range
// starting past the end of the object reads nothing.
func (s *S3) ReadAt(ctx context.Context, path string, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	rng := fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1)
	b := aws.NewWriteAtBuffer(p)

	n, err := s.downloader.DownloadWithContext(ctx, b, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(path)),
		Range:  aws.String(rng),
	})
	if isInvalidRange(err) {
		return 0, nil
	}
	if err != nil {
		return 0, store.Wrap("read", path, classify(err))
	}

	// The buffer grows when the service returns more than asked for.
	return copy(p, b.Bytes()[:n]), nil
}

// WriteAt splices p into the object at off and uploads the result.
func (s *S3) WriteAt(ctx context.Context, path string, p []byte, off int64) (int, error) {
	key := encode(path)

	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	object, err := s.download(ctx, key)
	if err != nil && !errors.Is(err, store.ErrObjectNotFound) {
		return 0, store.Wrap("write", path, err)
	}

	if end := off + int64(len(p)); end > int64(len(object)) {
		grown := make([]byte, end)
		copy(grown, object)
		object = grown
	}
	copy(object[off:], p)

	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(object),
	})
	if err != nil {
		return 0, store.Wrap("write", path, classify(err))
	}

	return len(p), nil
}

// Downloads the whole object.
func (s *S3) download(ctx context.Context, key string) ([]byte, error) {
	b := aws.NewWriteAtBuffer(nil)

	_, err := s.downloader.DownloadWithContext(ctx, b, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if isInvalidRange(err) {
		// Empty object.
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}

	return b.Bytes(), nil
}

// Delete function implemented through s3 api. S3 deletes are idempotent.
func (s *S3) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(path)),
	})

	err = classify(err)
	if errors.Is(err, store.ErrObjectNotFound) {
		return nil
	}

	return store.Wrap("delete", path, err)
}

// Exists function implemented through s3 api.
func (s *S3) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(path)),
	})

	err = classify(err)
	if errors.Is(err, store.ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, store.Wrap("exists", path, err)
	}

	return true, nil
}

func (s *S3) Close() error {
	s.httpClient.CloseIdleConnections()

	return nil
}

func (s *S3) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))

	return &s.locks[h.Sum32()%writeLocks]
}

// Object keys are chunk paths without the leading slash, S3 keys starting
// with a slash create an empty first path segment.
func encode(path string) string {
	return strings.TrimPrefix(path, "/")
}

func isInvalidRange(err error) bool {
	var aerr awserr.RequestFailure
	if errors.As(err, &aerr) {
		return aerr.StatusCode() == http.StatusRequestedRangeNotSatisfiable ||
			aerr.Code() == "InvalidRange"
	}

	var ae awserr.Error
	return errors.As(err, &ae) && ae.Code() == "InvalidRange"
}

// Maps aws errors onto the store error family.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var rf awserr.RequestFailure
	if errors.As(err, &rf) {
		switch {
		case rf.StatusCode() == http.StatusNotFound:
			return fmt.Errorf("%w: %w", store.ErrObjectNotFound, err)
		case rf.StatusCode() >= 500, rf.StatusCode() == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %w", store.ErrNotReachable, err)
		}
	}

	var ae awserr.Error
	if errors.As(err, &ae) {
		switch ae.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return fmt.Errorf("%w: %w", store.ErrObjectNotFound, err)
		case request.ErrCodeRequestError, request.ErrCodeResponseTimeout,
			"RequestTimeout", "SlowDown", "ServiceUnavailable":
			return fmt.Errorf("%w: %w", store.ErrNotReachable, err)
		}
	}

	if request.IsErrorRetryable(err) {
		return fmt.Errorf("%w: %w", store.ErrNotReachable, err)
	}

	return err
}
