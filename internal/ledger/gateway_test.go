package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jarcoal/httpmock"
	"github.com/medrex/dlt-keyx/pkg/encryption"
	"github.com/medrex/dlt-keyx/pkg/retry"
	"github.com/medrex/dlt-keyx/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	gatewayURL    = "http://gateway.test"
	gatewaySecret = "test-secret"
)

func newTestGateway(t *testing.T) (*GatewayClient, *retry.FakeClock) {
	t.Helper()
	clock := retry.NewFakeClock(time.Now())
	c, err := NewGatewayClient(GatewayConfig{
		Endpoint:     gatewayURL + "/",
		JWTSecret:    gatewaySecret,
		Issuer:       "keyx-test",
		ClientID:     "reader",
		PollInterval: 250 * time.Millisecond,
		Clock:        clock,
	})
	require.NoError(t, err)

	httpmock.ActivateNonDefault(c.client.GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return c, clock
}

// tokenSubject verifies the bearer token and returns its subject
func tokenSubject(t *testing.T, req *http.Request) string {
	t.Helper()
	raw := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, &claims, func(tok *jwt.Token) (interface{}, error) {
		return []byte(gatewaySecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err)
	assert.Equal(t, "keyx-test", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
	return claims.Subject
}

func decodeInvoke(t *testing.T, req *http.Request) invokeRequest {
	t.Helper()
	var body invokeRequest
	require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
	return body
}

func TestNewGatewayClient_Validation(t *testing.T) {
	_, err := NewGatewayClient(GatewayConfig{JWTSecret: "x"})
	assert.Error(t, err)
	_, err = NewGatewayClient(GatewayConfig{Endpoint: gatewayURL})
	assert.Error(t, err)
}

func TestGatewayClient_Invoke(t *testing.T) {
	ctx := context.Background()
	a, _ := testMaterials(t)

	t.Run("register public key", func(t *testing.T) {
		c, _ := newTestGateway(t)
		httpmock.RegisterResponder("POST", gatewayURL+"/api/v1/invoke",
			func(req *http.Request) (*http.Response, error) {
				assert.Equal(t, strings.ToLower(string(alice)), tokenSubject(t, req))
				body := decodeInvoke(t, req)
				assert.Equal(t, FnRegisterPublicKey, body.Function)
				require.Len(t, body.Args, 2)
				assert.Equal(t, string(a), body.Args[1])
				return httpmock.NewJsonResponse(200, invokeResponse{TxID: "tx-1"})
			})

		receipt, err := c.RegisterPublicKey(ctx, alice, a)
		require.NoError(t, err)
		assert.Equal(t, "tx-1", receipt.TxID)
		assert.Equal(t, FnRegisterPublicKey, receipt.Function)
	})

	t.Run("wrapped key travels base64", func(t *testing.T) {
		c, _ := newTestGateway(t)
		ciphertext := bytes.Repeat([]byte{9}, encryption.WrappedKeySize)
		httpmock.RegisterResponder("POST", gatewayURL+"/api/v1/invoke",
			func(req *http.Request) (*http.Response, error) {
				body := decodeInvoke(t, req)
				assert.Equal(t, FnStoreWrappedKey, body.Function)
				require.Len(t, body.Args, 4)
				assert.Equal(t, []string{string(alice), string(bob), "doc-1"}, body.Args[:3])
				assert.Equal(t, base64.StdEncoding.EncodeToString(ciphertext), body.Args[3])
				return httpmock.NewJsonResponse(200, invokeResponse{TxID: "tx-2"})
			})

		_, err := c.StoreWrappedKey(ctx, alice, types.WrappedKey{
			Owner: alice, Recipient: bob, DocumentID: "doc-1", Ciphertext: ciphertext,
		})
		require.NoError(t, err)
	})

	t.Run("chaincode rejection becomes protocol error", func(t *testing.T) {
		c, _ := newTestGateway(t)
		httpmock.RegisterResponder("POST", gatewayURL+"/api/v1/invoke",
			httpmock.NewStringResponder(409, `{"kind":"already_granted","message":"access is already granted"}`))

		_, err := c.GrantAccess(ctx, alice, types.GrantTuple{Owner: alice, Recipient: bob, DocumentID: "doc-1"})
		assert.ErrorIs(t, err, types.ErrAlreadyGranted)
	})

	t.Run("server failure stays transient", func(t *testing.T) {
		c, _ := newTestGateway(t)
		httpmock.RegisterResponder("POST", gatewayURL+"/api/v1/invoke",
			httpmock.NewStringResponder(503, `upstream peer unavailable`))

		_, err := c.RevokeAccess(ctx, alice, types.GrantTuple{Owner: alice, Recipient: bob, DocumentID: "doc-1"})
		require.Error(t, err)
		assert.Equal(t, types.ErrorKind(""), types.KindOf(err))
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("rejected credentials", func(t *testing.T) {
		c, _ := newTestGateway(t)
		httpmock.RegisterResponder("POST", gatewayURL+"/api/v1/invoke",
			httpmock.NewStringResponder(401, `unauthorized`))

		_, err := c.RegisterDocument(ctx, alice, types.DocumentRecord{Owner: alice, DocumentID: "doc-1", ContentAddress: "bafy"})
		assert.ErrorIs(t, err, types.ErrCollaboratorUnavailable)
	})
}

func TestGatewayClient_Query(t *testing.T) {
	ctx := context.Background()
	a, _ := testMaterials(t)

	t.Run("public key absent", func(t *testing.T) {
		c, _ := newTestGateway(t)
		httpmock.RegisterResponder("POST", gatewayURL+"/api/v1/query",
			func(req *http.Request) (*http.Response, error) {
				assert.Equal(t, "reader", tokenSubject(t, req))
				return httpmock.NewStringResponse(200, `{"payload":null}`), nil
			})

		_, ok, err := c.GetPublicKey(ctx, alice)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("public key present", func(t *testing.T) {
		c, _ := newTestGateway(t)
		payload, err := json.Marshal(string(a))
		require.NoError(t, err)
		httpmock.RegisterResponder("POST", gatewayURL+"/api/v1/query",
			httpmock.NewJsonResponderOrPanic(200, map[string]json.RawMessage{"payload": payload}))

		got, ok, err := c.GetPublicKey(ctx, alice)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, got.SameKey(a))
	})

	t.Run("grant", func(t *testing.T) {
		c, _ := newTestGateway(t)
		httpmock.RegisterResponder("POST", gatewayURL+"/api/v1/query",
			httpmock.NewStringResponder(200, `{"payload":{"owner":"`+string(alice)+`","recipient":"`+string(bob)+`","document_id":"doc-1","revoked":true}}`))

		grant, err := c.GetGrant(ctx, types.GrantTuple{Owner: alice, Recipient: bob, DocumentID: "doc-1"})
		require.NoError(t, err)
		require.NotNil(t, grant)
		assert.Equal(t, types.GrantStateRevoked, grant.State())
	})

	t.Run("wrapped key", func(t *testing.T) {
		c, _ := newTestGateway(t)
		ciphertext := bytes.Repeat([]byte{3}, encryption.WrappedKeySize)
		httpmock.RegisterResponder("POST", gatewayURL+"/api/v1/query",
			httpmock.NewStringResponder(200, `{"payload":"`+base64.StdEncoding.EncodeToString(ciphertext)+`"}`))

		got, ok, err := c.GetWrappedKey(ctx, types.GrantTuple{Owner: alice, Recipient: bob, DocumentID: "doc-1"})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, ciphertext, got)
	})

	t.Run("shared records empty", func(t *testing.T) {
		c, _ := newTestGateway(t)
		httpmock.RegisterResponder("POST", gatewayURL+"/api/v1/query",
			httpmock.NewStringResponder(200, `{}`))

		records, err := c.GetSharedRecords(ctx, bob)
		require.NoError(t, err)
		assert.NotNil(t, records)
		assert.Empty(t, records)
	})

	t.Run("document", func(t *testing.T) {
		c, _ := newTestGateway(t)
		httpmock.RegisterResponder("POST", gatewayURL+"/api/v1/query",
			func(req *http.Request) (*http.Response, error) {
				body := decodeInvoke(t, req)
				assert.Equal(t, FnGetDocument, body.Function)
				assert.Equal(t, []string{string(alice), "doc-1"}, body.Args)
				return httpmock.NewStringResponse(200, `{"payload":{"owner":"`+string(alice)+`","document_id":"doc-1","content_address":"bafyabc"}}`), nil
			})

		rec, ok, err := c.GetDocument(ctx, alice, "doc-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "bafyabc", rec.ContentAddress)
	})
}

func TestGatewayClient_WaitForConfirmation(t *testing.T) {
	ctx := context.Background()

	t.Run("polls until valid", func(t *testing.T) {
		c, clock := newTestGateway(t)
		calls := 0
		httpmock.RegisterResponder("GET", gatewayURL+"/api/v1/transactions/tx-1",
			func(req *http.Request) (*http.Response, error) {
				calls++
				status := TxStatusPending
				if calls == 3 {
					status = TxStatusValid
				}
				return httpmock.NewJsonResponse(200, txStatusResponse{Status: status})
			})

		require.NoError(t, c.WaitForConfirmation(ctx, types.Receipt{TxID: "tx-1"}))
		assert.Equal(t, 3, calls)
		assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, clock.Waits())
	})

	t.Run("invalidated transaction", func(t *testing.T) {
		c, _ := newTestGateway(t)
		httpmock.RegisterResponder("GET", gatewayURL+"/api/v1/transactions/tx-2",
			httpmock.NewJsonResponderOrPanic(200, txStatusResponse{Status: "MVCC_READ_CONFLICT"}))

		err := c.WaitForConfirmation(ctx, types.Receipt{TxID: "tx-2"})
		assert.ErrorIs(t, err, types.ErrCollaboratorUnavailable)
	})
}

func TestGatewayClient_Ping(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestGateway(t)

	httpmock.RegisterResponder("GET", gatewayURL+"/api/v1/health", httpmock.NewStringResponder(200, `{"status":"ok"}`))
	assert.NoError(t, c.Ping(ctx))

	httpmock.RegisterResponder("GET", gatewayURL+"/api/v1/health", httpmock.NewStringResponder(503, ``))
	assert.Error(t, c.Ping(ctx))
}
