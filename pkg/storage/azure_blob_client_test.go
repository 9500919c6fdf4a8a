package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewAzureBlobClient(t *testing.T) {
	logger := zap.NewNop()
	valid := "DefaultEndpointsProtocol=https;AccountName=test;AccountKey=dGVzdA==;EndpointSuffix=core.windows.net"

	tests := []struct {
		name             string
		connectionString string
		containerName    string
		logger           *zap.Logger
		errContains      string
	}{
		{"empty connection string", "", "archive", logger, "connection string is required"},
		{"empty container name", valid, "", logger, "container name is required"},
		{"nil logger", valid, "archive", nil, "logger is required"},
		{"missing key", "AccountName=test", "archive", logger, "account name and key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewAzureBlobClient(tt.connectionString, tt.containerName, tt.logger)
			require.Error(t, err)
			assert.Nil(t, client)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}

	client, err := NewAzureBlobClient(valid, "archive", logger)
	require.NoError(t, err)
	assert.Equal(t, "https://test.blob.core.windows.net", client.serviceURL)

	client, err = NewAzureBlobClient("AccountName=dev;AccountKey=dGVzdA==;BlobEndpoint=http://127.0.0.1:10000/dev/", "archive", logger)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:10000/dev", client.serviceURL)
}

func TestParseConnectionString(t *testing.T) {
	params := parseConnectionString("AccountName=acct; AccountKey=a2V5PT0=;;BlobEndpoint=http://localhost:10000/acct;junk")
	assert.Equal(t, "acct", params["AccountName"])
	assert.Equal(t, "a2V5PT0=", params["AccountKey"], "value keeps trailing '='")
	assert.Equal(t, "http://localhost:10000/acct", params["BlobEndpoint"])
	assert.NotContains(t, params, "junk")
}

func TestExtractBlobPath(t *testing.T) {
	svc := "https://acct.blob.core.windows.net"
	tests := []struct {
		ref  string
		want string
	}{
		{svc + "/archive/argus/runs/a/0-10.json", "argus/runs/a/0-10.json"},
		{svc + "/archive/argus/a%20b.json?sig=x", "argus/a b.json"},
		{"/archive/argus/x.json", "argus/x.json"},
		{"argus/x.json", "argus/x.json"},
	}
	for _, tt := range tests {
		got, err := extractBlobPath(svc, "archive", tt.ref)
		require.NoError(t, err, tt.ref)
		assert.Equal(t, tt.want, got)
	}

	_, err := extractBlobPath(svc, "archive", "  ")
	assert.Error(t, err)
	_, err = extractBlobPath(svc, "archive", svc+"/archive/")
	assert.Error(t, err)
}

// TestAzureBlobClient_Azurite runs against a local Azurite when
// ARGUS_TEST_BLOB_CONNECTION is set.
func TestAzureBlobClient_Azurite(t *testing.T) {
	conn := os.Getenv("ARGUS_TEST_BLOB_CONNECTION")
	if conn == "" {
		t.Skip("ARGUS_TEST_BLOB_CONNECTION not set")
	}
	client, err := NewAzureBlobClient(conn, "argus-test", zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	url, err := client.Upload(ctx, "it/doc.json", []byte(`{"ok":true}`), map[string]string{"kind": "test"})
	require.NoError(t, err)

	data, err := client.Download(ctx, url)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
}
