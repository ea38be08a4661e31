package ledger

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
)

// RPCClient talks JSON-RPC to a ledger node.
type RPCClient struct {
	client *rpc.Client
	url    string
}

type RPCClientConfig struct {
	URL     string
	Timeout time.Duration
}

func NewRPCClient(ctx context.Context, cfg RPCClientConfig) (*RPCClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	cli, err := rpc.DialOptions(ctx, cfg.URL, rpc.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &RPCClient{client: cli, url: cfg.URL}, nil
}

func (c *RPCClient) Close() {
	c.client.Close()
}

// rpcStatus is embedded in every result; the node reports failures in-band.
type rpcStatus struct {
	Status       string `json:"status"`
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

func (s rpcStatus) err(method string) error {
	if s.Status != "error" && s.Error == "" {
		return nil
	}
	switch s.Error {
	case "actNotFound":
		return ErrAccountNotFound
	case "txnNotFound":
		return ErrTxNotFound
	}
	return fmt.Errorf("%s: %s %s", method, s.Error, s.ErrorMessage)
}

// transientSubmitErrors mean the node never relayed the blob; anything else in-band is a
// refusal of the blob itself.
var transientSubmitErrors = map[string]bool{
	"tooBusy":          true,
	"noNetwork":        true,
	"noCurrent":        true,
	"noClosed":         true,
	"notSynced":        true,
	"notReady":         true,
	"slowDown":         true,
	"amendmentBlocked": true,
	"internal":         true,
}

func (s rpcStatus) submitErr() error {
	if s.Status != "error" && s.Error == "" {
		return nil
	}
	if transientSubmitErrors[s.Error] {
		return fmt.Errorf("%w: submit: %s %s", ErrUnavailable, s.Error, s.ErrorMessage)
	}
	return &RejectedError{EngineResult: s.Error, Message: s.ErrorMessage}
}

func (c *RPCClient) call(ctx context.Context, result any, method string, params map[string]any) error {
	if err := c.client.CallContext(ctx, result, method, params); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	return nil
}

func (c *RPCClient) AccountInfo(ctx context.Context, address string) (AccountInfo, error) {
	var res struct {
		rpcStatus
		AccountData struct {
			Account    string `json:"Account"`
			Balance    string `json:"Balance"`
			Sequence   uint32 `json:"Sequence"`
			OwnerCount uint32 `json:"OwnerCount"`
		} `json:"account_data"`
	}
	err := c.call(ctx, &res, "account_info", map[string]any{
		"account":      address,
		"ledger_index": "validated",
	})
	if err != nil {
		return AccountInfo{}, err
	}
	if err := res.err("account_info"); err != nil {
		return AccountInfo{}, err
	}
	drops, err := strconv.ParseInt(res.AccountData.Balance, 10, 64)
	if err != nil {
		return AccountInfo{}, fmt.Errorf("account_info: balance %q: %w", res.AccountData.Balance, err)
	}
	return AccountInfo{
		Address:    res.AccountData.Account,
		Balance:    FromDrops(drops),
		Sequence:   res.AccountData.Sequence,
		OwnerCount: res.AccountData.OwnerCount,
	}, nil
}

func (c *RPCClient) ServerInfo(ctx context.Context) (ServerInfo, error) {
	var res struct {
		rpcStatus
		Info struct {
			ValidatedLedger struct {
				BaseFee     decimal.Decimal `json:"base_fee_xrp"`
				ReserveBase decimal.Decimal `json:"reserve_base_xrp"`
				ReserveInc  decimal.Decimal `json:"reserve_inc_xrp"`
				Seq         uint32          `json:"seq"`
			} `json:"validated_ledger"`
		} `json:"info"`
	}
	if err := c.call(ctx, &res, "server_info", map[string]any{}); err != nil {
		return ServerInfo{}, err
	}
	if err := res.err("server_info"); err != nil {
		return ServerInfo{}, err
	}
	vl := res.Info.ValidatedLedger
	if vl.Seq == 0 {
		return ServerInfo{}, fmt.Errorf("%w: server_info: no validated ledger", ErrUnavailable)
	}
	return ServerInfo{
		ReserveBase:      vl.ReserveBase,
		ReserveIncrement: vl.ReserveInc,
		BaseFee:          vl.BaseFee,
		ValidatedLedger:  vl.Seq,
	}, nil
}

func (c *RPCClient) Submit(ctx context.Context, blob string) (SubmitResult, error) {
	var res struct {
		rpcStatus
		EngineResult        string `json:"engine_result"`
		EngineResultMessage string `json:"engine_result_message"`
		TxJSON              struct {
			Hash string `json:"hash"`
		} `json:"tx_json"`
	}
	if err := c.call(ctx, &res, "submit", map[string]any{"tx_blob": blob}); err != nil {
		return SubmitResult{}, err
	}
	if err := res.submitErr(); err != nil {
		return SubmitResult{}, err
	}
	out := SubmitResult{
		EngineResult: res.EngineResult,
		Message:      res.EngineResultMessage,
		TxHash:       res.TxJSON.Hash,
	}
	return out, classifyEngineResult(res.EngineResult, res.EngineResultMessage)
}

func (c *RPCClient) GetTransaction(ctx context.Context, hash string) (TxStatus, error) {
	var res struct {
		rpcStatus
		Hash        string `json:"hash"`
		LedgerIndex uint32 `json:"ledger_index"`
		Validated   bool   `json:"validated"`
		Meta        struct {
			TransactionResult string `json:"TransactionResult"`
		} `json:"meta"`
	}
	if err := c.call(ctx, &res, "tx", map[string]any{"transaction": hash}); err != nil {
		return TxStatus{}, err
	}
	if err := res.err("tx"); err != nil {
		return TxStatus{}, err
	}
	return TxStatus{
		Hash:        res.Hash,
		Validated:   res.Validated,
		Result:      res.Meta.TransactionResult,
		LedgerIndex: res.LedgerIndex,
	}, nil
}

func (c *RPCClient) Ping(ctx context.Context) error {
	_, err := c.ServerInfo(ctx)
	return err
}
