// Package rpcledger implements ledger.Client against a ledger node's JSON-RPC
// endpoint. Node failures are classified into submission outcomes here so the
// core never inspects error text.
package rpcledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"escrowlink/core/ledger"
	"escrowlink/core/types"
	"escrowlink/crypto"
	"escrowlink/native/escrow"
)

// JSON-RPC error codes returned by the ledger node.
const (
	codeContractNotFound = -32004
	codeUnavailable      = -32050
)

// alreadyInLedger matches the node's duplicate-submission message and
// captures the id of the transaction that is already committed.
var alreadyInLedger = regexp.MustCompile(`(?i)transaction already in ledger(?::\s*([0-9a-f]{64}))?`)

var errEmptyResult = errors.New("rpcledger: empty result")

// Config configures the client.
type Config struct {
	Endpoint  string
	AuthToken string
	Timeout   time.Duration
	// RatePerSecond and Burst pace outgoing calls. Zero disables pacing.
	RatePerSecond float64
	Burst         int
	// RoundInterval is the polling cadence while awaiting confirmation.
	RoundInterval time.Duration
	Logger        *slog.Logger
	HTTPClient    *http.Client
}

// Client is a JSON-RPC ledger client.
type Client struct {
	endpoint      string
	authToken     string
	http          *http.Client
	limiter       *rate.Limiter
	roundInterval time.Duration
	logger        *slog.Logger
	tracer        trace.Tracer
	nextID        atomic.Int64
}

// New returns a client for cfg.Endpoint.
func New(cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("rpcledger: endpoint required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	roundInterval := cfg.RoundInterval
	if roundInterval <= 0 {
		roundInterval = 3 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint:      endpoint,
		authToken:     strings.TrimSpace(cfg.AuthToken),
		http:          httpClient,
		limiter:       limiter,
		roundInterval: roundInterval,
		logger:        logger,
		tracer:        otel.Tracer("escrowlink/rpcledger"),
	}, nil
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("ledger rpc error %d: %s", e.Code, e.Message) }

// transportError marks failures that happened before the node answered.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	ctx, span := c.tracer.Start(ctx, "rpcledger."+method, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	err := c.do(ctx, method, params, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) do(ctx context.Context, method string, params any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &transportError{err: err}
	}
	buf, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: c.nextID.Add(1)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("ledger rpc %s failed: status=%d body=%s", method, resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return &transportError{err: err}
		}
		return err
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return &transportError{err: fmt.Errorf("decode %s response: %w", method, err)}
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return errEmptyResult
	}
	return json.Unmarshal(rpcResp.Result, out)
}

type paramsResult struct {
	Round          uint64 `json:"round"`
	ValidityRounds uint64 `json:"validityRounds"`
}

func (c *Client) Params(ctx context.Context) (ledger.Params, error) {
	var result paramsResult
	if err := c.call(ctx, "ledger_params", []any{}, &result); err != nil {
		return ledger.Params{}, err
	}
	return ledger.Params{Round: result.Round, ValidityRounds: result.ValidityRounds}, nil
}

type submitResult struct {
	TxID types.TxID `json:"txId"`
}

// Submit sends group and classifies the answer.
func (c *Client) Submit(ctx context.Context, group []types.SignedTransaction) ledger.Outcome {
	if len(group) == 0 {
		return ledger.Rejected("empty group")
	}
	var result submitResult
	err := c.call(ctx, "ledger_submitGroup", []any{map[string]any{"group": group}}, &result)
	if err == nil {
		return ledger.Confirmed(result.TxID)
	}
	outcome := classify(err, group[0].ID())
	c.logger.Debug("submission classified",
		slog.String("txId", group[0].ID().String()),
		slog.String("outcome", outcome.Kind.String()),
		slog.String("reason", outcome.Reason))
	return outcome
}

// classify maps a failed submission onto the four outcome kinds. A duplicate
// without an explicit id resolves to the group's first transaction.
func classify(err error, anchor types.TxID) ledger.Outcome {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		if match := alreadyInLedger.FindStringSubmatch(rpcErr.Message); match != nil {
			landed := anchor
			if len(match) > 1 && match[1] != "" {
				if parsed, perr := types.ParseTxID(match[1]); perr == nil {
					landed = parsed
				}
			}
			return ledger.AlreadyLanded(landed)
		}
		if rpcErr.Code == codeUnavailable {
			return ledger.Transient(rpcErr.Message)
		}
		return ledger.Rejected(rpcErr.Message)
	}
	var transport *transportError
	if errors.As(err, &transport) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ledger.Transient(err.Error())
	}
	return ledger.Rejected(err.Error())
}

type statusResult struct {
	Found        bool       `json:"found"`
	Dropped      bool       `json:"dropped"`
	TxID         types.TxID `json:"txId"`
	Round        uint64     `json:"round"`
	CreatedAppID uint64     `json:"createdAppId"`
}

func (c *Client) status(ctx context.Context, txID types.TxID) (statusResult, error) {
	var result statusResult
	err := c.call(ctx, "ledger_transactionStatus", []any{map[string]string{"txId": txID.String()}}, &result)
	return result, err
}

func (c *Client) TransactionStatus(ctx context.Context, txID types.TxID) (ledger.Confirmation, bool, error) {
	result, err := c.status(ctx, txID)
	if err != nil {
		return ledger.Confirmation{}, false, err
	}
	if !result.Found {
		return ledger.Confirmation{}, false, nil
	}
	return ledger.Confirmation{TxID: txID, Round: result.Round, CreatedAppID: result.CreatedAppID}, true, nil
}

// AwaitConfirmation polls the transaction status once per round interval
// until it is committed or maxRounds rounds have passed.
func (c *Client) AwaitConfirmation(ctx context.Context, txID types.TxID, maxRounds uint64) (ledger.Confirmation, error) {
	ctx, span := c.tracer.Start(ctx, "rpcledger.await_confirmation", trace.WithAttributes(
		attribute.String("escrow.tx_id", txID.String()),
		attribute.Int64("escrow.max_rounds", int64(maxRounds)),
	))
	defer span.End()

	params, err := c.Params(ctx)
	if err != nil {
		return ledger.Confirmation{}, err
	}
	deadline := params.Round + maxRounds
	ticker := time.NewTicker(c.roundInterval)
	defer ticker.Stop()
	for {
		result, err := c.status(ctx, txID)
		switch {
		case err != nil:
			c.logger.Warn("transaction status poll failed",
				slog.String("txId", txID.String()),
				slog.String("error", err.Error()))
		case result.Found:
			span.SetAttributes(attribute.Int64("escrow.round", int64(result.Round)))
			return ledger.Confirmation{TxID: txID, Round: result.Round, CreatedAppID: result.CreatedAppID}, nil
		case result.Dropped:
			return ledger.Confirmation{}, ledger.ErrTxDropped
		}
		if current, perr := c.Params(ctx); perr == nil && current.Round > deadline {
			return ledger.Confirmation{}, ledger.ErrConfirmationTimeout
		}
		select {
		case <-ctx.Done():
			return ledger.Confirmation{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) AccountState(ctx context.Context, addr crypto.Address) (*types.Account, error) {
	var account types.Account
	if err := c.call(ctx, "ledger_account", []any{map[string]string{"address": addr.String()}}, &account); err != nil {
		return nil, err
	}
	account.Address = addr
	return &account, nil
}

func (c *Client) ContractState(ctx context.Context, appID uint64) (*escrow.GlobalState, error) {
	var state escrow.GlobalState
	err := c.call(ctx, "ledger_contract", []any{map[string]uint64{"appId": appID}}, &state)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == codeContractNotFound {
		return nil, fmt.Errorf("%w: %d", ledger.ErrContractNotFound, appID)
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

var _ ledger.Client = (*Client)(nil)
