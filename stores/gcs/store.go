// Package gcs implements a gs:// Store over Google Cloud Storage. Write-once
// and compare-and-swap puts use object generation preconditions; the object
// generation serves as the etag.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/gorilla/schema"
	log "github.com/sirupsen/logrus"
	"go.pagevault.dev/kernel/stores"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type store struct {
	bucket string
	prefix string
	client *storage.Client
}

// to help identify when JSON credentials are an external account used by workload identity
type credentialsFile struct {
	Type string `json:"type"`
}

// New creates a new GCS Store from the provided URL.
func New(ep *url.URL) (stores.Store, error) {
	if err := parseStoreArgs(ep, &struct{}{}); err != nil {
		return nil, err
	}
	// Omit leading slash from bucket prefix.
	var bucket, prefix = ep.Host, strings.TrimPrefix(ep.Path, "/")

	var ctx = context.Background()
	var creds, err = google.FindDefaultCredentials(ctx, storage.ScopeFullControl)
	if err != nil {
		return nil, err
	}
	// Best effort to determine if JSON credentials are for an external account.
	var externalAccount bool
	if creds.JSON != nil {
		var f credentialsFile
		if err := json.Unmarshal(creds.JSON, &f); err == nil {
			externalAccount = f.Type == "external_account"
		}
	}

	var client *storage.Client
	if creds.JSON != nil && !externalAccount {
		conf, err := google.JWTConfigFromJSON(creds.JSON, storage.ScopeFullControl)
		if err != nil {
			return nil, err
		}
		if client, err = storage.NewClient(ctx, option.WithTokenSource(conf.TokenSource(ctx))); err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{
			"ProjectID":      creds.ProjectID,
			"GoogleAccessID": conf.Email,
			"PrivateKeyID":   conf.PrivateKeyID,
			"Subject":        conf.Subject,
			"Scopes":         conf.Scopes,
		}).Info("constructed new GCS client")
	} else {
		// Possible to use GCS without a service account (e.g. with a GCE
		// instance and workload identity).
		if client, err = storage.NewClient(ctx, option.WithTokenSource(creds.TokenSource)); err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{
			"ProjectID": creds.ProjectID,
		}).Info("constructed new GCS client without JWT")
	}

	return &store{
		bucket: bucket,
		prefix: prefix,
		client: client,
	}, nil
}

func (s *store) Provider() string { return "gcs" }

func (s *store) object(path string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + path)
}

func (s *store) Exists(ctx context.Context, path string) (exists bool, err error) {
	_, err = s.object(path).Attrs(ctx)
	if err == nil {
		exists = true
	} else if errors.Is(err, storage.ErrObjectNotExist) {
		err = nil
	}
	return exists, err
}

func (s *store) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	var r, err = s.object(path).NewReader(ctx)
	return r, s.mapErr(err, path)
}

func (s *store) GetRange(ctx context.Context, path string, off, length int64) (io.ReadCloser, error) {
	var r, err = s.object(path).NewRangeReader(ctx, off, length)
	return r, s.mapErr(err, path)
}

func (s *store) GetIfChanged(ctx context.Context, path, etag string) (io.ReadCloser, string, error) {
	var obj = s.object(path)

	var attrs, err = obj.Attrs(ctx)
	if err != nil {
		return nil, "", s.mapErr(err, path)
	}
	var cur = strconv.FormatInt(attrs.Generation, 10)
	if etag != "" && etag == cur {
		return nil, cur, stores.ErrNotModified
	}
	// Pin the read to the observed generation.
	r, err := obj.Generation(attrs.Generation).NewReader(ctx)
	if err != nil {
		return nil, "", s.mapErr(err, path)
	}
	return r, cur, nil
}

func (s *store) PutIfAbsent(ctx context.Context, path string, content io.ReaderAt, contentLength int64) error {
	var _, err = s.write(ctx, s.object(path).If(storage.Conditions{DoesNotExist: true}), content, contentLength)
	if isStatus(err, http.StatusPreconditionFailed) {
		return fmt.Errorf("%w: %s", stores.ErrExists, path)
	}
	return err
}

func (s *store) PutConditional(ctx context.Context, path string, content io.ReaderAt, contentLength int64, etag string) (string, error) {
	var conds storage.Conditions
	if etag == "" {
		conds.DoesNotExist = true
	} else {
		var gen, err = strconv.ParseInt(etag, 10, 64)
		if err != nil {
			return "", fmt.Errorf("parsing gcs etag %q: %w", etag, err)
		}
		conds.GenerationMatch = gen
	}

	var attrs, err = s.write(ctx, s.object(path).If(conds), content, contentLength)
	if isStatus(err, http.StatusPreconditionFailed) {
		return "", fmt.Errorf("%w: %s", stores.ErrPreconditionFailed, path)
	} else if err != nil {
		return "", err
	}
	return strconv.FormatInt(attrs.Generation, 10), nil
}

func (s *store) write(ctx context.Context, obj *storage.ObjectHandle, content io.ReaderAt, contentLength int64) (*storage.ObjectAttrs, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wc = obj.NewWriter(ctx)
	// io.Copy only needs io.Reader, so we use io.NewSectionReader to adapt io.ReaderAt.
	if _, err := io.Copy(wc, io.NewSectionReader(content, 0, contentLength)); err != nil {
		return nil, err
	}
	if err := wc.Close(); err != nil {
		return nil, err
	}
	return wc.Attrs(), nil
}

func (s *store) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	prefix = s.prefix + prefix
	var (
		q   = storage.Query{Prefix: prefix}
		it  = s.client.Bucket(s.bucket).Objects(ctx, &q)
		obj *storage.ObjectAttrs
		err error
	)
	for obj, err = it.Next(); err == nil; obj, err = it.Next() {
		if strings.HasSuffix(obj.Name, "/") {
			continue // Ignore directory-like objects.
		}
		if err := callback(strings.TrimPrefix(obj.Name, prefix), obj.Updated); err != nil {
			return err
		}
	}
	if err == iterator.Done {
		err = nil
	}
	return err
}

func (s *store) Remove(ctx context.Context, path string) error {
	return s.object(path).Delete(ctx)
}

func (s *store) IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, storage.ErrBucketNotExist) {
		return true
	}

	// Check for Google API errors that indicate AuthZ failures.
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch gErr.Code {
		case http.StatusForbidden:
			return true
		case http.StatusNotFound:
			// Only treat bucket-level 404s as AuthZ failures, not object-level.
			if strings.Contains(gErr.Message, "bucket") {
				return true
			}
		}
	}
	return false
}

func (s *store) mapErr(err error, path string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) || isStatus(err, http.StatusNotFound) {
		return fmt.Errorf("%w: %s", stores.ErrNotFound, path)
	}
	return err
}

func isStatus(err error, status int) bool {
	var gErr *googleapi.Error
	return errors.As(err, &gErr) && gErr.Code == status
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
