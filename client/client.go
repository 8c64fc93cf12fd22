// Package client is a Go client for the escrow endpoint. State-changing calls
// are signed with the client's key and carry a fresh call auth, so a
// captured request cannot be executed twice.
package client

import (
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/escrow-endpoint/ledger"
	"github.com/flashbots/escrow-endpoint/types"
	"github.com/flashbots/escrow-endpoint/utils"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultCallValidity stays below the endpoint's default request validity.
const DefaultCallValidity = 5 * time.Minute

type Client struct {
	url      string
	key      *ecdsa.PrivateKey
	validity time.Duration
}

// New returns a client for the endpoint at url. key may be nil for read-only use.
func New(url string, key *ecdsa.PrivateKey) *Client {
	return &Client{url: url, key: key, validity: DefaultCallValidity}
}

// SetCallValidity sets how long signed calls stay valid.
func (c *Client) SetCallValidity(validity time.Duration) {
	c.validity = validity
}

// Address is the account requests are signed for.
func (c *Client) Address() (common.Address, error) {
	if c.key == nil {
		return common.Address{}, errors.New("client has no signing key")
	}
	return crypto.PubkeyToAddress(c.key.PublicKey), nil
}

// call sends one request. Every request gets a fresh id, so the endpoint
// never takes a deliberate repeat for a replay. JSON-RPC errors are returned
// as *types.JsonRpcError.
func (c *Client) call(method string, result interface{}, params ...interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	req := types.NewJsonRpcRequest(uuid.New().String(), method, params)
	res, err := utils.SendRpcAndParseResponseTo(c.url, req, c.key)
	if err != nil {
		return errors.Wrap(err, method)
	}
	if res.Error != nil {
		return res.Error
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(res.Result, result); err != nil {
		return errors.Wrapf(err, "%s: decode result", method)
	}
	return nil
}

func (c *Client) signedCall(method string, params ...interface{}) error {
	if c.key == nil {
		return errors.Errorf("%s: client has no signing key", method)
	}
	var ok bool
	return c.call(method, &ok, append(params, types.NewCallAuth(c.validity))...)
}

// Deposit credits the value of txHash, a transfer from the client's account
// into custody, to the escrow balance.
func (c *Client) Deposit(txHash common.Hash) error {
	return c.signedCall("escrow_deposit", txHash.Hex())
}

func (c *Client) Whitelist(account common.Address, allowance *big.Int) error {
	return c.signedCall("escrow_whitelist", account.Hex(), hexutil.EncodeBig(allowance))
}

func (c *Client) Revoke(account common.Address) error {
	return c.signedCall("escrow_revoke", account.Hex())
}

func (c *Client) Blacklist(account common.Address) error {
	return c.signedCall("escrow_blacklist", account.Hex())
}

func (c *Client) Withdraw(amount *big.Int) error {
	return c.signedCall("escrow_withdraw", hexutil.EncodeBig(amount))
}

func (c *Client) GetAllowance(account common.Address) (ledger.Allowance, error) {
	var res types.AllowanceResponse
	if err := c.call("escrow_getAllowance", &res, account.Hex()); err != nil {
		return ledger.Allowance{}, err
	}
	return ledger.Allowance{
		Allowance:     res.Allowance.ToInt(),
		Withdrawn:     res.Withdrawn.ToInt(),
		IsWhitelisted: res.IsWhitelisted,
	}, nil
}

func (c *Client) GetRecord(account common.Address) (types.RecordResponse, error) {
	var res types.RecordResponse
	err := c.call("escrow_getRecord", &res, account.Hex())
	return res, err
}

func (c *Client) GetBalance() (*big.Int, error) {
	var res hexutil.Big
	if err := c.call("escrow_getBalance", &res); err != nil {
		return nil, err
	}
	return res.ToInt(), nil
}

func (c *Client) Manager() (common.Address, error) {
	var res common.Address
	err := c.call("escrow_manager", &res)
	return res, err
}

func (c *Client) GetEvents(from uint64, limit int) ([]ledger.Event, error) {
	if limit < 0 {
		limit = 0
	}
	var res []ledger.Event
	err := c.call("escrow_getEvents", &res, hexutil.EncodeUint64(from), hexutil.EncodeUint64(uint64(limit)))
	return res, err
}

// Accounts lists every account the ledger holds a record for.
func (c *Client) Accounts() ([]common.Address, error) {
	res := make([]common.Address, 0)
	err := c.call("escrow_getAccounts", &res)
	return res, err
}

// RpcErrorCode returns the JSON-RPC error code carried by err, or 0.
func RpcErrorCode(err error) int {
	var rpcErr *types.JsonRpcError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	return 0
}
