package mirror

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// connectionStringEnv holds the Azure storage account connection string.
const connectionStringEnv = "AZURE_STORAGE_CONNECTION_STRING"

// azureSink uploads artifacts to an Azure blob container.
type azureSink struct {
	client    *azblob.Client
	container string
	prefix    string
}

func newAzureSink(container, prefix string) (*azureSink, error) {
	conn := os.Getenv(connectionStringEnv)
	if conn == "" {
		return nil, fmt.Errorf("%s is not set", connectionStringEnv)
	}

	client, err := azblob.NewClientFromConnectionString(conn, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure client: %w", err)
	}

	return &azureSink{client: client, container: container, prefix: prefix}, nil
}

func (s *azureSink) Put(ctx context.Context, name string, body io.Reader, size int64) error {
	contentType := contentTypeFor(name)
	_, err := s.client.UploadStream(ctx, s.container, path.Join(s.prefix, name), body,
		&azblob.UploadStreamOptions{
			HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
		})
	return err
}

func (s *azureSink) String() string {
	return "az://" + path.Join(s.container, s.prefix)
}
