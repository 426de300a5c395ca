package storage

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const storageURL = "http://ipfs.test:5001"

func newTestHTTPGateway(t *testing.T) *HTTPGateway {
	t.Helper()
	g, err := NewHTTPGateway(HTTPOptions{Endpoint: storageURL})
	require.NoError(t, err)
	httpmock.ActivateNonDefault(g.client.GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return g
}

func TestHTTPGateway_Upload(t *testing.T) {
	ctx := context.Background()
	data := []byte("sealed bundle")
	addr, err := Address(data)
	require.NoError(t, err)

	t.Run("raw block put", func(t *testing.T) {
		g := newTestHTTPGateway(t)
		httpmock.RegisterResponder("POST", storageURL+"/api/v0/block/put",
			func(req *http.Request) (*http.Response, error) {
				assert.Equal(t, "raw", req.URL.Query().Get("cid-codec"))
				assert.Equal(t, "sha2-256", req.URL.Query().Get("mhtype"))

				file, _, err := req.FormFile("data")
				require.NoError(t, err)
				body, err := io.ReadAll(file)
				require.NoError(t, err)
				assert.Equal(t, data, body)

				return httpmock.NewJsonResponse(200, blockPutResponse{Key: string(addr), Size: len(data)})
			})

		got, err := g.Upload(ctx, data)
		require.NoError(t, err)
		assert.Equal(t, addr, got)
	})

	t.Run("address mismatch", func(t *testing.T) {
		g := newTestHTTPGateway(t)
		other, err := Address([]byte("other"))
		require.NoError(t, err)
		httpmock.RegisterResponder("POST", storageURL+"/api/v0/block/put",
			httpmock.NewJsonResponderOrPanic(200, blockPutResponse{Key: string(other)}))

		_, err = g.Upload(ctx, data)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("server error", func(t *testing.T) {
		g := newTestHTTPGateway(t)
		httpmock.RegisterResponder("POST", storageURL+"/api/v0/block/put",
			httpmock.NewStringResponder(500, `{"Message":"repo locked","Code":0,"Type":"error"}`))

		_, err := g.Upload(ctx, data)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "repo locked")
		assert.NotErrorIs(t, err, ErrNotFound)
	})
}

func TestHTTPGateway_Fetch(t *testing.T) {
	ctx := context.Background()
	data := []byte("sealed bundle")
	addr, err := Address(data)
	require.NoError(t, err)

	t.Run("verified", func(t *testing.T) {
		g := newTestHTTPGateway(t)
		httpmock.RegisterResponderWithQuery("POST", storageURL+"/api/v0/block/get", "arg="+string(addr),
			httpmock.NewBytesResponder(200, data))

		got, err := g.Fetch(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("tampered", func(t *testing.T) {
		g := newTestHTTPGateway(t)
		httpmock.RegisterResponder("POST", storageURL+"/api/v0/block/get",
			httpmock.NewBytesResponder(200, []byte("something else")))

		_, err := g.Fetch(ctx, addr)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("not found", func(t *testing.T) {
		g := newTestHTTPGateway(t)
		httpmock.RegisterResponder("POST", storageURL+"/api/v0/block/get",
			httpmock.NewStringResponder(500, `{"Message":"block was not found locally (offline): ipld: could not find","Code":0,"Type":"error"}`))

		_, err := g.Fetch(ctx, addr)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestHTTPGateway_Ping(t *testing.T) {
	g := newTestHTTPGateway(t)
	httpmock.RegisterResponder("POST", storageURL+"/api/v0/version", httpmock.NewStringResponder(200, `{"Version":"0.27.0"}`))
	assert.NoError(t, g.Ping(context.Background()))
}
