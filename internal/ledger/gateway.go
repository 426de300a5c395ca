package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/medrex/dlt-keyx/pkg/encryption"
	"github.com/medrex/dlt-keyx/pkg/logger"
	"github.com/medrex/dlt-keyx/pkg/retry"
	"github.com/medrex/dlt-keyx/pkg/types"
	"github.com/sirupsen/logrus"
)

// Transaction statuses reported by the gateway
const (
	TxStatusValid   = "VALID"
	TxStatusPending = "PENDING"
)

// GatewayConfig configures a GatewayClient
type GatewayConfig struct {
	Endpoint  string
	JWTSecret string
	Issuer    string
	// ClientID is the token subject for queries, which have no submitter
	ClientID       string
	TokenTTL       time.Duration
	RequestTimeout time.Duration
	PollInterval   time.Duration
	Clock          retry.Clock
	Logger         *logger.Logger
}

// GatewayClient talks to the ledger through its HTTP gateway, which forwards
// invocations and queries to the key-registry chaincode.
type GatewayClient struct {
	client *resty.Client
	cfg    GatewayConfig
	clock  retry.Clock
	logger *logger.Logger
	log    *logrus.Entry
}

type invokeRequest struct {
	Function string   `json:"function"`
	Args     []string `json:"args"`
}

type invokeResponse struct {
	TxID string `json:"tx_id"`
}

type queryResponse struct {
	Payload json.RawMessage `json:"payload"`
}

type txStatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type gatewayError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewGatewayClient creates a gateway client
func NewGatewayClient(cfg GatewayConfig) (*GatewayClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("ledger gateway endpoint is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("ledger gateway JWT secret is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "keyx-agent"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 5 * time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	clock := cfg.Clock
	if clock == nil {
		clock = retry.RealClock{}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}

	cl := resty.New().SetBaseURL(strings.TrimRight(cfg.Endpoint, "/")).SetTimeout(cfg.RequestTimeout)
	cl.SetHeader("Content-Type", "application/json")
	cl.SetHeader("Accept", "application/json")
	cl.SetHeader("User-Agent", "medrex-keyx/2")

	return &GatewayClient{
		client: cl,
		cfg:    cfg,
		clock:  clock,
		logger: log,
		log:    log.WithComponent("ledger-gateway"),
	}, nil
}

// token mints a short-lived bearer token for subject
func (c *GatewayClient) token(subject string) (string, error) {
	now := c.clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    c.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.cfg.TokenTTL)),
		ID:        uuid.New().String(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign gateway token: %w", err)
	}
	return signed, nil
}

func (c *GatewayClient) request(ctx context.Context, subject string) (*resty.Request, error) {
	tok, err := c.token(subject)
	if err != nil {
		return nil, err
	}
	return c.client.R().SetContext(ctx).SetAuthToken(tok).ExpectContentType("application/json"), nil
}

// handleError converts a gateway error response. Chaincode rejections carry a
// kind and become protocol errors; anything else is a transport failure.
func handleError(function string, resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}

	var gwErr gatewayError
	if resp.StatusCode() < 500 && json.Unmarshal(resp.Body(), &gwErr) == nil && gwErr.Kind != "" {
		return types.NewError(types.ErrorKind(gwErr.Kind), gwErr.Message).WithDetail("function", function)
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return types.NewError(types.KindCollaboratorUnavailable, "ledger gateway rejected credentials").
			WithDetail("function", function).
			WithDetail("status", resp.StatusCode())
	}
	return fmt.Errorf("ledger gateway %s returned %d: %s", function, resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
}

// invokeChaincode submits a transaction on behalf of submitter
func (c *GatewayClient) invokeChaincode(ctx context.Context, submitter types.Identity, function string, args ...string) (types.Receipt, error) {
	req, err := c.request(ctx, submitter.Normalize().String())
	if err != nil {
		return types.Receipt{}, err
	}

	var out invokeResponse
	resp, err := req.SetBody(invokeRequest{Function: function, Args: args}).SetResult(&out).Post("/api/v1/invoke")
	if err != nil {
		return types.Receipt{}, fmt.Errorf("ledger gateway %s: %w", function, err)
	}
	if err := handleError(function, resp); err != nil {
		c.logger.LedgerTransaction(ctx, function, false, "", map[string]interface{}{"error": err.Error()})
		return types.Receipt{}, err
	}

	c.logger.LedgerTransaction(ctx, function, true, out.TxID, nil)
	return types.Receipt{TxID: out.TxID, Function: function, SubmittedAt: c.clock.Now()}, nil
}

// queryChaincode evaluates a read-only function; an empty payload means absent
func (c *GatewayClient) queryChaincode(ctx context.Context, function string, args ...string) ([]byte, error) {
	req, err := c.request(ctx, c.cfg.ClientID)
	if err != nil {
		return nil, err
	}

	var out queryResponse
	resp, err := req.SetBody(invokeRequest{Function: function, Args: args}).SetResult(&out).Post("/api/v1/query")
	if err != nil {
		return nil, fmt.Errorf("ledger gateway %s: %w", function, err)
	}
	if err := handleError(function, resp); err != nil {
		return nil, err
	}

	payload := []byte(out.Payload)
	if len(payload) == 0 || string(payload) == "null" {
		return nil, nil
	}
	return payload, nil
}

// WaitForConfirmation polls the transaction status until it is VALID
func (c *GatewayClient) WaitForConfirmation(ctx context.Context, receipt types.Receipt) error {
	for {
		req, err := c.request(ctx, c.cfg.ClientID)
		if err != nil {
			return err
		}

		var status txStatusResponse
		resp, err := req.SetResult(&status).SetPathParam("txID", receipt.TxID).Get("/api/v1/transactions/{txID}")
		if err != nil {
			return fmt.Errorf("ledger gateway transaction status: %w", err)
		}
		if err := handleError("TransactionStatus", resp); err != nil {
			return err
		}

		switch status.Status {
		case TxStatusValid:
			return nil
		case TxStatusPending, "":
		default:
			return types.NewError(types.KindCollaboratorUnavailable, "transaction rejected by the ledger").
				WithDetail("transaction_id", receipt.TxID).
				WithDetail("status", status.Status).
				WithDetail("reason", status.Message)
		}

		c.log.WithField("transaction_id", receipt.TxID).Debug("Waiting for confirmation")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.cfg.PollInterval):
		}
	}
}

// Ping checks the gateway health endpoint
func (c *GatewayClient) Ping(ctx context.Context) error {
	resp, err := c.client.R().SetContext(ctx).Get("/api/v1/health")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("ledger gateway health returned %d", resp.StatusCode())
	}
	return nil
}

func (c *GatewayClient) RegisterPublicKey(ctx context.Context, identity types.Identity, material encryption.PublicMaterial) (types.Receipt, error) {
	return c.invokeChaincode(ctx, identity, FnRegisterPublicKey, identity.Normalize().String(), string(material))
}

func (c *GatewayClient) GetPublicKey(ctx context.Context, identity types.Identity) (encryption.PublicMaterial, bool, error) {
	payload, err := c.queryChaincode(ctx, FnGetPublicKey, identity.Normalize().String())
	if err != nil || payload == nil {
		return nil, false, err
	}
	var material string
	if err := json.Unmarshal(payload, &material); err != nil {
		return nil, false, fmt.Errorf("failed to parse public key response: %w", err)
	}
	if material == "" {
		return nil, false, nil
	}
	return encryption.PublicMaterial(material), true, nil
}

func tupleArgs(t types.GrantTuple) []string {
	t = t.Normalize()
	return []string{t.Owner.String(), t.Recipient.String(), t.DocumentID}
}

func (c *GatewayClient) GrantAccess(ctx context.Context, caller types.Identity, tuple types.GrantTuple) (types.Receipt, error) {
	return c.invokeChaincode(ctx, caller, FnGrantAccess, tupleArgs(tuple)...)
}

func (c *GatewayClient) RevokeAccess(ctx context.Context, caller types.Identity, tuple types.GrantTuple) (types.Receipt, error) {
	return c.invokeChaincode(ctx, caller, FnRevokeAccess, tupleArgs(tuple)...)
}

func (c *GatewayClient) GetGrant(ctx context.Context, tuple types.GrantTuple) (*types.AccessGrant, error) {
	payload, err := c.queryChaincode(ctx, FnGetGrant, tupleArgs(tuple)...)
	if err != nil || payload == nil {
		return nil, err
	}
	var grant types.AccessGrant
	if err := json.Unmarshal(payload, &grant); err != nil {
		return nil, fmt.Errorf("failed to parse grant response: %w", err)
	}
	return &grant, nil
}

func (c *GatewayClient) StoreWrappedKey(ctx context.Context, caller types.Identity, key types.WrappedKey) (types.Receipt, error) {
	tuple := types.GrantTuple{Owner: key.Owner, Recipient: key.Recipient, DocumentID: key.DocumentID}
	args := append(tupleArgs(tuple), base64.StdEncoding.EncodeToString(key.Ciphertext))
	return c.invokeChaincode(ctx, caller, FnStoreWrappedKey, args...)
}

func (c *GatewayClient) GetWrappedKey(ctx context.Context, tuple types.GrantTuple) ([]byte, bool, error) {
	payload, err := c.queryChaincode(ctx, FnGetWrappedKey, tupleArgs(tuple)...)
	if err != nil || payload == nil {
		return nil, false, err
	}
	var encoded string
	if err := json.Unmarshal(payload, &encoded); err != nil {
		return nil, false, fmt.Errorf("failed to parse wrapped key response: %w", err)
	}
	if encoded == "" {
		return nil, false, nil
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode wrapped key: %w", err)
	}
	return ciphertext, true, nil
}

func (c *GatewayClient) GetSharedRecords(ctx context.Context, recipient types.Identity) ([]types.SharedRecord, error) {
	payload, err := c.queryChaincode(ctx, FnGetSharedRecords, recipient.Normalize().String())
	if err != nil {
		return nil, err
	}
	records := []types.SharedRecord{}
	if payload == nil {
		return records, nil
	}
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, fmt.Errorf("failed to parse shared records response: %w", err)
	}
	return records, nil
}

func (c *GatewayClient) RegisterDocument(ctx context.Context, caller types.Identity, record types.DocumentRecord) (types.Receipt, error) {
	return c.invokeChaincode(ctx, caller, FnRegisterDocument,
		record.Owner.Normalize().String(), record.DocumentID, record.ContentAddress)
}

func (c *GatewayClient) GetDocument(ctx context.Context, owner types.Identity, documentID string) (*types.DocumentRecord, bool, error) {
	payload, err := c.queryChaincode(ctx, FnGetDocument, owner.Normalize().String(), documentID)
	if err != nil || payload == nil {
		return nil, false, err
	}
	var rec types.DocumentRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, false, fmt.Errorf("failed to parse document response: %w", err)
	}
	return &rec, true, nil
}
