// Package s3 implements an s3:// Store over the AWS SDK. Write-once puts use
// S3 conditional writes (If-None-Match / If-Match), so racing writers of the
// same key observe a precondition failure rather than a silent overwrite.
package s3

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/gorilla/schema"
	log "github.com/sirupsen/logrus"
	"go.pagevault.dev/kernel/stores"
)

// StoreQueryArgs contains fields that are parsed from the query arguments
// of an s3:// store URL.
type StoreQueryArgs struct {
	// AWS Profile to extract credentials from the shared credentials file.
	// If empty, the default credentials are used.
	Profile string
	// Endpoint to connect to S3. If empty, the default S3 service is used.
	Endpoint string
	// ACL applied when persisting new objects. By default, this is
	// s3.ObjectCannedACLBucketOwnerFullControl.
	ACL string
	// Storage class applied when persisting new objects. By default,
	// this is s3.ObjectStorageClassStandard.
	StorageClass string
	// SSE is the server-side encryption type to be applied (eg, "AES256").
	// By default, encryption is not used.
	SSE string
	// SSEKMSKeyId specifies the ID for the AWS KMS symmetric customer managed key.
	// By default, not used.
	SSEKMSKeyId string
	// Region is the region for the bucket. If empty, the region is determined
	// from `Profile` or the default credentials.
	Region string
}

type store struct {
	bucket string
	prefix string
	args   StoreQueryArgs
	client *s3.S3
}

// New creates a new S3 Store from the provided URL.
func New(ep *url.URL) (stores.Store, error) {
	var args StoreQueryArgs
	if err := parseStoreArgs(ep, &args); err != nil {
		return nil, err
	}
	// Omit leading slash from bucket prefix.
	var bucket, prefix = ep.Host, strings.TrimPrefix(ep.Path, "/")

	var awsConfig = aws.NewConfig()
	awsConfig.WithCredentialsChainVerboseErrors(true)

	if args.Region != "" {
		awsConfig.WithRegion(args.Region)
	}

	if args.Endpoint != "" {
		awsConfig.WithEndpoint(args.Endpoint)
		// We must force path style because bucket-named virtual hosts
		// are not compatible with explicit endpoints.
		awsConfig.WithS3ForcePathStyle(true)
	} else {
		// Real S3. Override the default http.Transport's behavior of inserting
		// "Accept-Encoding: gzip" and transparently decompressing client-side.
		awsConfig.WithHTTPClient(&http.Client{
			Transport: &http.Transport{DisableCompression: true},
		})
	}

	awsSession, err := session.NewSessionWithOptions(session.Options{
		Profile: args.Profile,
	})
	if err != nil {
		return nil, fmt.Errorf("constructing S3 session: %s", err)
	}

	creds, err := awsSession.Config.Credentials.Get()
	if err != nil {
		return nil, fmt.Errorf("fetching AWS credentials for profile %q: %s", args.Profile, err)
	}

	// The aws sdk will always just return an error if this Region is not set,
	// even if the Endpoint was provided explicitly. It's important to
	// fail-fast in this case.
	if awsSession.Config.Region == nil || *awsSession.Config.Region == "" {
		return nil, fmt.Errorf("missing AWS region configuration for profile %q", args.Profile)
	}

	log.WithFields(log.Fields{
		"endpoint":     args.Endpoint,
		"profile":      args.Profile,
		"region":       *awsSession.Config.Region,
		"keyID":        creds.AccessKeyID,
		"providerName": creds.ProviderName,
	}).Info("constructed new aws.Session")

	return &store{
		bucket: bucket,
		prefix: prefix,
		args:   args,
		client: s3.New(awsSession, awsConfig),
	}, nil
}

func (s *store) Provider() string { return "s3" }

func (s *store) key(path string) *string {
	return aws.String(s.prefix + path)
}

func (s *store) Exists(ctx context.Context, path string) (bool, error) {
	var headObj = s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(path),
	}
	if _, err := s.client.HeadObjectWithContext(ctx, &headObj); err == nil {
		return true, nil
	} else if isStatus(err, http.StatusNotFound) {
		return false, nil
	} else {
		return false, err
	}
}

func (s *store) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	var rc, _, err = s.get(ctx, path, nil, "")
	return rc, err
}

func (s *store) GetRange(ctx context.Context, path string, off, length int64) (io.ReadCloser, error) {
	var rng = fmt.Sprintf("bytes=%d-%d", off, off+length-1)
	var rc, _, err = s.get(ctx, path, &rng, "")
	return rc, err
}

func (s *store) GetIfChanged(ctx context.Context, path, etag string) (io.ReadCloser, string, error) {
	return s.get(ctx, path, nil, etag)
}

func (s *store) get(ctx context.Context, path string, rng *string, etag string) (io.ReadCloser, string, error) {
	var getObj = s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(path),
		Range:  rng,
	}
	if etag != "" {
		getObj.IfNoneMatch = aws.String(etag)
	}
	var resp, err = s.client.GetObjectWithContext(ctx, &getObj)
	if err != nil {
		return nil, "", s.mapErr(err, path)
	}
	return resp.Body, aws.StringValue(resp.ETag), nil
}

func (s *store) PutIfAbsent(ctx context.Context, path string, content io.ReaderAt, contentLength int64) error {
	var putObj = s.putInput(path, content, contentLength)
	putObj.IfNoneMatch = aws.String("*")

	if _, err := s.client.PutObjectWithContext(ctx, putObj); err != nil {
		if isStatus(err, http.StatusPreconditionFailed) || isStatus(err, http.StatusConflict) {
			return fmt.Errorf("%w: %s", stores.ErrExists, path)
		}
		return err
	}
	return nil
}

func (s *store) PutConditional(ctx context.Context, path string, content io.ReaderAt, contentLength int64, etag string) (string, error) {
	var putObj = s.putInput(path, content, contentLength)
	if etag == "" {
		putObj.IfNoneMatch = aws.String("*")
	} else {
		putObj.IfMatch = aws.String(etag)
	}

	var resp, err = s.client.PutObjectWithContext(ctx, putObj)
	if err != nil {
		if isStatus(err, http.StatusPreconditionFailed) || isStatus(err, http.StatusConflict) {
			return "", fmt.Errorf("%w: %s", stores.ErrPreconditionFailed, path)
		}
		return "", err
	}
	return aws.StringValue(resp.ETag), nil
}

func (s *store) putInput(path string, content io.ReaderAt, contentLength int64) *s3.PutObjectInput {
	// S3 SDK requires io.ReadSeeker, so we use io.NewSectionReader to adapt io.ReaderAt.
	var putObj = &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(path),
		Body:   io.NewSectionReader(content, 0, contentLength),
	}
	if s.args.ACL != "" {
		putObj.ACL = aws.String(s.args.ACL)
	}
	if s.args.StorageClass != "" {
		putObj.StorageClass = aws.String(s.args.StorageClass)
	}
	if s.args.SSE != "" {
		putObj.ServerSideEncryption = aws.String(s.args.SSE)
	}
	if s.args.SSEKMSKeyId != "" {
		putObj.SSEKMSKeyId = aws.String(s.args.SSEKMSKeyId)
	}
	return putObj
}

func (s *store) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	prefix = s.prefix + prefix
	var q = s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	var listErr error
	err := s.client.ListObjectsV2PagesWithContext(ctx, &q, func(objs *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range objs.Contents {
			if strings.HasSuffix(*obj.Key, "/") {
				continue // Ignore directory-like objects.
			}
			var relPath = strings.TrimPrefix(*obj.Key, prefix)
			if err := callback(relPath, *obj.LastModified); err != nil {
				listErr = err
				return false // Stop pagination.
			}
		}
		return true // Continue to next page.
	})
	if listErr != nil {
		return listErr
	}
	return err
}

func (s *store) Remove(ctx context.Context, path string) error {
	var deleteObj = s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(path),
	}
	var _, err = s.client.DeleteObjectWithContext(ctx, &deleteObj)
	return err
}

func (s *store) IsAuthError(err error) bool {
	if awsErr, ok := err.(awserr.Error); ok {
		switch awsErr.Code() {
		case s3.ErrCodeNoSuchBucket:
			return true
		case s3ErrCodeAccessDenied:
			return true
		}
	}
	return isStatus(err, http.StatusForbidden)
}

func (s *store) mapErr(err error, path string) error {
	if awsErr, ok := err.(awserr.Error); ok && awsErr.Code() == s3.ErrCodeNoSuchKey {
		return fmt.Errorf("%w: %s", stores.ErrNotFound, path)
	}
	if isStatus(err, http.StatusNotFound) {
		return fmt.Errorf("%w: %s", stores.ErrNotFound, path)
	}
	if isStatus(err, http.StatusNotModified) {
		return stores.ErrNotModified
	}
	return err
}

func isStatus(err error, status int) bool {
	var reqErr, ok = err.(awserr.RequestFailure)
	return ok && reqErr.StatusCode() == status
}

func parseStoreArgs(ep *url.URL, args interface{}) error {
	var decoder = schema.NewDecoder()
	decoder.IgnoreUnknownKeys(false)

	if q, err := url.ParseQuery(ep.RawQuery); err != nil {
		return err
	} else if err = decoder.Decode(args, q); err != nil {
		return fmt.Errorf("parsing store URL arguments: %s", err)
	}
	return nil
}

const (
	// AWS S3 error codes not defined as constants in the SDK.
	s3ErrCodeAccessDenied = "AccessDenied"
)
