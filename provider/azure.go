package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// ensure interface is implemented
var _ Source = (*AzureSource)(nil)

// maxAzureResults is the service limit on blobs per list segment.
const maxAzureResults = 5000

// azureSegment is the part of a list response the source needs.
type azureSegment struct {
	items      []*container.BlobItem
	nextMarker string
}

// azureAPI is the slice of the azblob client used by AzureSource.
type azureAPI interface {
	listSegment(ctx context.Context, marker string, limit int32) (azureSegment, error)
	download(ctx context.Context, name string) (io.ReadCloser, error)
}

// AzureSource lists and fetches blobs from one Azure Blob Storage container.
type AzureSource struct {
	api       azureAPI
	container string
}

// AzureOptions configures NewAzureSource.
type AzureOptions struct {
	Account   string
	AccessKey string
	Container string

	// Endpoint overrides the service URL, e.g. for Azurite.
	Endpoint string
}

// NewAzureSource creates an AzureSource authenticated with a shared key.
func NewAzureSource(opts AzureOptions) (*AzureSource, error) {
	cred, err := azblob.NewSharedKeyCredential(opts.Account, opts.AccessKey)
	if err != nil {
		return nil, fmt.Errorf("invalid azure credentials: %w", err)
	}

	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", opts.Account)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create azure client: %w", err)
	}

	return &AzureSource{
		api: &azblobAPI{
			client:    client,
			container: client.ServiceClient().NewContainerClient(opts.Container),
			name:      opts.Container,
		},
		container: opts.Container,
	}, nil
}

// List returns one page of blobs starting at marker.
func (s *AzureSource) List(ctx context.Context, marker string, limit int) (Page, error) {
	seg, err := s.api.listSegment(ctx, marker, int32(min(limit, maxAzureResults)))
	if err != nil {
		return Page{}, s.classify("list", "", err)
	}

	page := Page{NextMarker: seg.nextMarker}
	for _, item := range seg.items {
		if obj, ok := azureObject(item); ok {
			page.Objects = append(page.Objects, obj)
		}
	}
	return page, nil
}

// Fetch downloads the full content of a blob.
func (s *AzureSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	body, err := s.api.download(ctx, name)
	if err != nil {
		return nil, s.classify("fetch", name, err)
	}
	defer body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return nil, s.classify("fetch", name, err)
	}
	return buf.Bytes(), nil
}

func (s *AzureSource) classify(op, key string, err error) error {
	var kind error
	var respErr *azcore.ResponseError
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound):
		kind = ErrNotFound
	case errors.As(err, &respErr) && transientStatus(respErr.StatusCode):
		kind = ErrTransient
	case isTransportError(err):
		kind = ErrTransient
	}
	return newError(op, s.container, key, kind, err)
}

// azureObject converts a listed blob. Content-MD5 arrives as raw bytes and
// is re-encoded to the base64 form used everywhere else.
func azureObject(item *container.BlobItem) (Object, bool) {
	if item == nil || item.Name == nil {
		return Object{}, false
	}
	obj := Object{Name: *item.Name}
	if props := item.Properties; props != nil {
		if len(props.ContentMD5) > 0 {
			obj.Checksum = base64.StdEncoding.EncodeToString(props.ContentMD5)
		}
		if props.ContentLength != nil {
			obj.Length = *props.ContentLength
		}
	}
	return obj, true
}

type azblobAPI struct {
	client    *azblob.Client
	container *container.Client
	name      string
}

func (a *azblobAPI) listSegment(ctx context.Context, marker string, limit int32) (azureSegment, error) {
	opts := &container.ListBlobsFlatOptions{}
	if marker != "" {
		opts.Marker = &marker
	}
	if limit > 0 {
		opts.MaxResults = &limit
	}

	pager := a.container.NewListBlobsFlatPager(opts)
	resp, err := pager.NextPage(ctx)
	if err != nil {
		return azureSegment{}, err
	}

	var seg azureSegment
	if resp.Segment != nil {
		seg.items = resp.Segment.BlobItems
	}
	if resp.NextMarker != nil {
		seg.nextMarker = *resp.NextMarker
	}
	return seg, nil
}

func (a *azblobAPI) download(ctx context.Context, name string) (io.ReadCloser, error) {
	resp, err := a.client.DownloadStream(ctx, a.name, name, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
