// Package azure implements an azure:// Store over Azure Blob Storage using
// Shared Key authentication. Write-once and compare-and-swap puts use blob
// etag access conditions.
package azure

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Azure/azure-pipeline-go/pipeline"
	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/gorilla/schema"
	log "github.com/sirupsen/logrus"
	"go.pagevault.dev/kernel/stores"
)

type store struct {
	storageAccount string // Storage accounts in Azure are the equivalent to a "bucket" in S3.
	blobDomain     string // The domain of the blob storage account (e.g. blob.core.windows.net).
	container      string // In azure, blobs are stored inside of containers, which live inside accounts.
	prefix         string // Path prefix for the blobs inside the container.
	pipeline       pipeline.Pipeline
}

// New creates a new Azure Shared Key authenticated Store from the provided URL.
func New(ep *url.URL) (stores.Store, error) {
	if err := parseStoreArgs(ep, &struct{}{}); err != nil {
		return nil, err
	}
	var container = ep.Host
	var prefix = strings.TrimPrefix(ep.Path, "/")

	var storageAccount = os.Getenv("AZURE_ACCOUNT_NAME")
	var accountKey = os.Getenv("AZURE_ACCOUNT_KEY")

	if storageAccount == "" || accountKey == "" {
		return nil, fmt.Errorf("AZURE_ACCOUNT_NAME and AZURE_ACCOUNT_KEY must be set for azure:// URLs")
	}

	var blobDomain = os.Getenv("AZURE_BLOB_DOMAIN")
	if blobDomain == "" {
		blobDomain = "blob.core.windows.net"
	}

	var credentials, err = azblob.NewSharedKeyCredential(storageAccount, accountKey)
	if err != nil {
		return nil, err
	}

	var s = &store{
		storageAccount: storageAccount,
		blobDomain:     blobDomain,
		container:      container,
		prefix:         prefix,
		pipeline:       azblob.NewPipeline(credentials, azblob.PipelineOptions{}),
	}

	log.WithFields(log.Fields{
		"storageAccount": storageAccount,
		"blobDomain":     blobDomain,
		"container":      container,
		"prefix":         prefix,
	}).Info("constructed new Azure Shared Key storage client")

	return s, nil
}

func (a *store) Provider() string { return "azure" }

func (a *store) Exists(ctx context.Context, path string) (bool, error) {
	var blobURL, err = a.buildBlobURL(path)
	if err != nil {
		return false, err
	}
	if _, err = blobURL.GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{}); err == nil {
		return true, nil
	}
	if inner, ok := err.(azblob.StorageError); ok && inner.ServiceCode() == azblob.ServiceCodeBlobNotFound {
		return false, nil
	}
	return false, err
}

func (a *store) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	var rc, _, err = a.download(ctx, path, 0, azblob.CountToEnd)
	return rc, err
}

func (a *store) GetRange(ctx context.Context, path string, off, length int64) (io.ReadCloser, error) {
	var rc, _, err = a.download(ctx, path, off, length)
	return rc, err
}

func (a *store) GetIfChanged(ctx context.Context, path, etag string) (io.ReadCloser, string, error) {
	var blobURL, err = a.buildBlobURL(path)
	if err != nil {
		return nil, "", err
	}
	var props *azblob.BlobGetPropertiesResponse
	if props, err = blobURL.GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{}); err != nil {
		return nil, "", a.mapErr(err, path)
	}
	var cur = string(props.ETag())
	if etag != "" && etag == cur {
		return nil, cur, stores.ErrNotModified
	}
	rc, _, err := a.download(ctx, path, 0, azblob.CountToEnd)
	return rc, cur, err
}

func (a *store) download(ctx context.Context, path string, off, count int64) (io.ReadCloser, string, error) {
	var blobURL, err = a.buildBlobURL(path)
	if err != nil {
		return nil, "", err
	}
	download, err := blobURL.Download(ctx, off, count, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return nil, "", a.mapErr(err, path)
	}
	return download.Body(azblob.RetryReaderOptions{}), string(download.ETag()), nil
}

func (a *store) PutIfAbsent(ctx context.Context, path string, content io.ReaderAt, contentLength int64) error {
	var conditions = azblob.BlobAccessConditions{
		ModifiedAccessConditions: azblob.ModifiedAccessConditions{IfNoneMatch: "*"},
	}
	var _, err = a.upload(ctx, path, content, contentLength, conditions)
	if isStatus(err, http.StatusPreconditionFailed) || isStatus(err, http.StatusConflict) {
		return fmt.Errorf("%w: %s", stores.ErrExists, path)
	}
	return err
}

func (a *store) PutConditional(ctx context.Context, path string, content io.ReaderAt, contentLength int64, etag string) (string, error) {
	var conditions azblob.BlobAccessConditions
	if etag == "" {
		conditions.ModifiedAccessConditions.IfNoneMatch = "*"
	} else {
		conditions.ModifiedAccessConditions.IfMatch = azblob.ETag(etag)
	}

	var resp, err = a.upload(ctx, path, content, contentLength, conditions)
	if isStatus(err, http.StatusPreconditionFailed) || isStatus(err, http.StatusConflict) {
		return "", fmt.Errorf("%w: %s", stores.ErrPreconditionFailed, path)
	} else if err != nil {
		return "", err
	}
	return string(resp.ETag()), nil
}

func (a *store) upload(ctx context.Context, path string, content io.ReaderAt, contentLength int64, conditions azblob.BlobAccessConditions) (*azblob.BlockBlobUploadResponse, error) {
	var blobURL, err = a.buildBlobURL(path)
	if err != nil {
		return nil, err
	}
	// Azure SDK requires io.ReadSeeker, so we use io.NewSectionReader to adapt io.ReaderAt.
	var sectionReader = io.NewSectionReader(content, 0, contentLength)
	return blobURL.Upload(ctx, sectionReader, azblob.BlobHTTPHeaders{}, azblob.Metadata{},
		conditions, azblob.DefaultAccessTier, azblob.BlobTagsMap{},
		azblob.ClientProvidedKeyOptions{}, azblob.ImmutabilityPolicyOptions{})
}

func (a *store) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	prefix = a.prefix + prefix

	var u, err = url.Parse(a.containerURL())
	if err != nil {
		return err
	}
	var containerURL = azblob.NewContainerURL(*u, a.pipeline)
	var options = azblob.ListBlobsSegmentOptions{Prefix: prefix}
	for marker := (azblob.Marker{}); marker.NotDone(); {
		var segmentList, err = containerURL.ListBlobsFlatSegment(ctx, marker, options)
		if err != nil {
			return err
		}
		for _, blob := range segmentList.Segment.BlobItems {
			if strings.HasSuffix(blob.Name, "/") {
				continue // Ignore directory-like objects.
			}
			if err := callback(strings.TrimPrefix(blob.Name, prefix), blob.Properties.LastModified); err != nil {
				return err
			}
		}
		marker = segmentList.NextMarker
	}
	return nil
}

func (a *store) Remove(ctx context.Context, path string) error {
	var blobURL, err = a.buildBlobURL(path)
	if err != nil {
		return err
	}
	_, err = blobURL.Delete(ctx, azblob.DeleteSnapshotsOptionNone, azblob.BlobAccessConditions{})
	return err
}

func (a *store) IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	if storageErr, ok := err.(azblob.StorageError); ok {
		switch storageErr.ServiceCode() {
		case azblob.ServiceCodeContainerNotFound,
			azblob.ServiceCodeContainerDisabled,
			azblob.ServiceCodeAccountIsDisabled:
			return true
		}

		if storageErr.Response() != nil {
			switch storageErr.Response().StatusCode {
			case http.StatusForbidden:
				return true
			}
		}
	}
	return false
}

func (a *store) mapErr(err error, path string) error {
	if err == nil {
		return nil
	}
	if inner, ok := err.(azblob.StorageError); ok && inner.ServiceCode() == azblob.ServiceCodeBlobNotFound {
		return fmt.Errorf("%w: %s", stores.ErrNotFound, path)
	}
	return err
}

func isStatus(err error, status int) bool {
	var storageErr, ok = err.(azblob.StorageError)
	return ok && storageErr.Response() != nil && storageErr.Response().StatusCode == status
}

func (a *store) buildBlobURL(path string) (*azblob.BlockBlobURL, error) {
	var u, err = url.Parse(fmt.Sprint(a.containerURL(), "/", a.prefix, path))
	if err != nil {
		return nil, err
	}
	var blobURL = azblob.NewBlockBlobURL(*u, a.pipeline)
	return &blobURL, nil
}

func azureStorageURL(storageAccount string, blobDomain string) string {
	return fmt.Sprintf("https://%s.%s", storageAccount, blobDomain)
}

func (a *store) containerURL() string {
	return fmt.Sprintf("%s/%s", azureStorageURL(a.storageAccount, a.blobDomain), a.container)
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
