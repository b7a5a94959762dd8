// Package ethereum binds the ledger gateway to the V2X contract on an
// Ethereum JSON-RPC endpoint.
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/autopeer-io/v2x/internal/ledger"
	"github.com/autopeer-io/v2x/pkg/chain"
	"github.com/autopeer-io/v2x/pkg/log"
)

var _ ledger.Backend = (*Backend)(nil)

// ErrReadOnly is returned by writes on a backend dialed without a key.
var ErrReadOnly = errors.New("ledger backend has no signing key")

// Config locates the contract and the signing account.
type Config struct {
	RPCURL          string
	ContractAddress string
	// PrivateKey signs writes. Empty means read-only.
	PrivateKey string
}

// rpcClient is the part of *ethclient.Client the backend uses.
type rpcClient interface {
	bind.ContractBackend
	bind.DeployBackend
	Close()
}

// Backend calls the V2X contract. Writes are signed with the configured key.
type Backend struct {
	client   rpcClient
	contract *bind.BoundContract
	auth     *bind.TransactOpts

	// Every write is signed by the same account, so account nonces are
	// assigned under nonceMu. nonce is the next one to use while synced.
	nonceMu     sync.Mutex
	nonce       uint64
	nonceSynced bool
}

func newBackend(client rpcClient, contractAddr common.Address, parsed abi.ABI) *Backend {
	return &Backend{
		client:   client,
		contract: bind.NewBoundContract(contractAddr, parsed, client, client, client),
	}
}

// Dial connects to the RPC endpoint and binds the contract.
func Dial(ctx context.Context, cfg Config) (*Backend, error) {
	contractAddr, err := chain.ParseAddress(cfg.ContractAddress)
	if err != nil {
		return nil, fmt.Errorf("contract address: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}

	b := newBackend(client, contractAddr, parsed)

	if cfg.PrivateKey != "" {
		key, err := chain.KeyFromHex(cfg.PrivateKey)
		if err != nil {
			client.Close()
			return nil, err
		}
		chainID, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("query chain id: %w", err)
		}
		b.auth, err = bind.NewKeyedTransactorWithChainID(key, chainID)
		if err != nil {
			client.Close()
			return nil, err
		}
		log.Info("Ledger backend connected", "rpc", cfg.RPCURL, "contract", contractAddr.Hex(), "from", b.auth.From.Hex(), "chainID", chainID)
	} else {
		log.Info("Ledger backend connected read-only", "rpc", cfg.RPCURL, "contract", contractAddr.Hex())
	}

	return b, nil
}

// Close releases the RPC connection.
func (b *Backend) Close() {
	b.client.Close()
}

// From returns the signing account, or the zero address when read-only.
func (b *Backend) From() common.Address {
	if b.auth == nil {
		return common.Address{}
	}
	return b.auth.From
}

func (b *Backend) RegisterVehicle(ctx context.Context, idHash common.Hash, addr common.Address) (ledger.Tx, error) {
	return b.transact(ctx, nil, methodRegister, [32]byte(idHash), addr)
}

func (b *Backend) RevokeVehicle(ctx context.Context, idHash common.Hash) (ledger.Tx, error) {
	return b.transact(ctx, nil, methodRevoke, [32]byte(idHash))
}

func (b *Backend) PayToll(ctx context.Context, operator common.Address, amount *big.Int) (ledger.Tx, error) {
	return b.transact(ctx, nil, methodPayToll, operator, amount)
}

func (b *Backend) ReportAccident(ctx context.Context, idHash common.Hash, location string, speed *big.Int, details string) (ledger.Tx, error) {
	return b.transact(ctx, nil, methodReportAccident, [32]byte(idHash), location, speed, details)
}

// Deposit tops up the signer's prepaid balance with value wei.
func (b *Backend) Deposit(ctx context.Context, value *big.Int) (ledger.Tx, error) {
	return b.transact(ctx, value, methodDeposit)
}

func (b *Backend) IsVehicleActive(ctx context.Context, idHash common.Hash) (bool, error) {
	var out []interface{}
	if err := b.contract.Call(&bind.CallOpts{Context: ctx}, &out, methodIsActive, [32]byte(idHash)); err != nil {
		return false, err
	}
	active, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("%s: unexpected output %T", methodIsActive, out[0])
	}
	return active, nil
}

func (b *Backend) GetVehicle(ctx context.Context, idHash common.Hash) (ledger.Record, error) {
	var out []interface{}
	if err := b.contract.Call(&bind.CallOpts{Context: ctx}, &out, methodGetVehicle, [32]byte(idHash)); err != nil {
		return ledger.Record{}, err
	}
	if len(out) != 4 {
		return ledger.Record{}, fmt.Errorf("%s: expected 4 outputs, got %d", methodGetVehicle, len(out))
	}

	addr, ok1 := out[0].(common.Address)
	active, ok2 := out[1].(bool)
	registeredAt, ok3 := out[2].(*big.Int)
	revokedAt, ok4 := out[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return ledger.Record{}, fmt.Errorf("%s: unexpected output types", methodGetVehicle)
	}

	return ledger.Record{
		Address:      addr,
		Active:       active,
		RegisteredAt: registeredAt.Uint64(),
		RevokedAt:    revokedAt.Uint64(),
	}, nil
}

func (b *Backend) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var out []interface{}
	if err := b.contract.Call(&bind.CallOpts{Context: ctx}, &out, methodBalances, addr); err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected output %T", methodBalances, out[0])
	}
	return balance, nil
}

func (b *Backend) transact(ctx context.Context, value *big.Int, method string, params ...interface{}) (ledger.Tx, error) {
	if b.auth == nil {
		return nil, ErrReadOnly
	}

	b.nonceMu.Lock()
	defer b.nonceMu.Unlock()

	if !b.nonceSynced {
		n, err := b.client.PendingNonceAt(ctx, b.auth.From)
		if err != nil {
			return nil, fmt.Errorf("pending nonce: %w", err)
		}
		b.nonce, b.nonceSynced = n, true
	}

	opts := *b.auth
	opts.Context = ctx
	opts.Value = value
	opts.Nonce = new(big.Int).SetUint64(b.nonce)

	tx, err := b.contract.Transact(&opts, method, params...)
	if err != nil {
		// The pool may have moved on without us; ask again next time.
		b.nonceSynced = false
		return nil, asRevert(err)
	}
	b.nonce++
	return &ethTx{tx: tx, from: b.auth.From, client: b.client}, nil
}

type ethTx struct {
	tx     *types.Transaction
	from   common.Address
	client rpcClient
}

func (t *ethTx) Hash() string { return t.tx.Hash().Hex() }

func (t *ethTx) Wait(ctx context.Context) error {
	receipt, err := bind.WaitMined(ctx, t.client, t.tx)
	if err != nil {
		return err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return t.revertReason(ctx, receipt.BlockNumber)
	}
	return nil
}

// revertReason replays a failed transaction against the state of the block
// it was mined in to recover the contract's revert reason. A receipt only
// carries the status.
func (t *ethTx) revertReason(ctx context.Context, block *big.Int) error {
	msg := geth.CallMsg{
		From:  t.from,
		To:    t.tx.To(),
		Gas:   t.tx.Gas(),
		Value: t.tx.Value(),
		Data:  t.tx.Data(),
	}
	if _, err := t.client.CallContract(ctx, msg, block); err != nil {
		var revert *ledger.RevertError
		if errors.As(asRevert(err), &revert) {
			return revert
		}
	}
	return &ledger.RevertError{Reason: "transaction failed in block " + block.String()}
}

func asRevert(err error) error {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		revert := &ledger.RevertError{Reason: reasonFromData(dataErr.ErrorData())}
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			revert.Code = rpcErr.ErrorCode()
		}
		if revert.Reason == "" {
			revert.Reason = reasonFromMessage(dataErr.Error())
		}
		return revert
	}

	msg := err.Error()
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "insufficient funds") {
		return &ledger.RevertError{Reason: reasonFromMessage(msg)}
	}
	return err
}

func reasonFromData(data interface{}) string {
	s, ok := data.(string)
	if !ok {
		return ""
	}
	raw, err := hexutil.Decode(s)
	if err != nil {
		return ""
	}
	reason, err := abi.UnpackRevert(raw)
	if err != nil {
		return ""
	}
	return reason
}

func reasonFromMessage(msg string) string {
	if _, after, ok := strings.Cut(msg, "execution reverted: "); ok {
		return after
	}
	return msg
}
