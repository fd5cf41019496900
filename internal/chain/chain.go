// Package chain deploys template contracts and reads and writes document
// records through them.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/foxzi/chaindoc/internal/integrity"
	"github.com/foxzi/chaindoc/internal/metrics"
)

// Contract method names
const (
	methodIssue    = "issueDocument"
	methodVerify   = "verifyDocument"
	methodReadData = "getDocumentData"
	methodRevoke   = "revokeDocument"
)

// Backend is the node connection used by the deployer.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// Config contains chain connection settings
type Config struct {
	RPCURL         string
	ChainID        int64
	PrivateKey     string
	Network        string
	GasLimit       uint64
	ConfirmTimeout time.Duration
}

// ContractRef identifies a deployed template contract and the field order
// its issueDocument and getDocumentData use.
type ContractRef struct {
	Address    string
	ABI        string
	FieldOrder []string
}

// Deployment is the result of a contract creation.
type Deployment struct {
	Address     common.Address
	TxHash      common.Hash
	BlockNumber uint64
}

// Receipt is the result of a successful state-changing call.
type Receipt struct {
	DocHash     common.Hash
	TxHash      common.Hash
	BlockNumber uint64
}

// DocumentStatus is the on-chain view of a document hash.
type DocumentStatus struct {
	DocHash   common.Hash
	Exists    bool
	IsValid   bool
	Issuer    common.Address
	Timestamp time.Time
}

// Deployer performs all chain interaction on behalf of the operator account.
type Deployer struct {
	backend Backend
	cfg     Config
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	logger  *slog.Logger

	// sendMu orders nonce assignment across concurrent sends from the
	// operator account.
	sendMu sync.Mutex
}

// Dial connects to the configured RPC endpoint.
func Dial(ctx context.Context, cfg Config) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, &BlockchainError{Op: "dial", Err: err}
	}
	return client, nil
}

// New creates a deployer. When cfg.ChainID is zero the chain ID is read
// from the backend.
func New(ctx context.Context, backend Backend, cfg Config, logger *slog.Logger) (*Deployer, error) {
	if cfg.PrivateKey == "" {
		return nil, errors.New("operator private key is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid operator private key: %w", err)
	}

	if cfg.GasLimit == 0 {
		cfg.GasLimit = 500000
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = backend.ChainID(ctx)
		if err != nil {
			return nil, &BlockchainError{Op: "chain id", Err: err}
		}
	}

	d := &Deployer{
		backend: backend,
		cfg:     cfg,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		logger:  logger.With("component", "chain"),
	}

	d.logger.Info("deployer ready",
		"network", cfg.Network,
		"chain_id", chainID.String(),
		"operator", d.from.Hex(),
	)
	return d, nil
}

// Network returns the configured network name
func (d *Deployer) Network() string {
	return d.cfg.Network
}

// Operator returns the operator account address
func (d *Deployer) Operator() common.Address {
	return d.from
}

// DefaultGasLimit returns the gas limit used when a call does not set one
func (d *Deployer) DefaultGasLimit() uint64 {
	return d.cfg.GasLimit
}

// Deploy sends the creation transaction and waits for its receipt.
func (d *Deployer) Deploy(ctx context.Context, abiJSON, bytecode string) (*Deployment, error) {
	defer metrics.ObserveChainCall("deploy", time.Now())

	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, &DeploymentError{Op: "parse abi", Err: err}
	}
	code := common.FromHex(bytecode)
	if len(code) == 0 {
		return nil, &DeploymentError{Op: "decode bytecode", Err: errors.New("empty bytecode")}
	}

	// Creation gas depends on contract size, so it is estimated.
	opts, err := d.transactOpts(ctx, 0)
	if err != nil {
		return nil, &DeploymentError{Op: "transactor", Err: err}
	}

	d.sendMu.Lock()
	addr, tx, _, err := bind.DeployContract(opts, parsed, code, d.backend)
	d.sendMu.Unlock()
	if err != nil {
		return nil, &DeploymentError{Op: "send", Err: err}
	}
	d.logger.Debug("deployment sent", "tx", tx.Hash().Hex(), "address", addr.Hex())

	receipt, err := d.waitMined(ctx, tx)
	if err != nil {
		return nil, &DeploymentError{Op: "wait", Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &DeploymentError{Op: "receipt", Err: fmt.Errorf("creation transaction %s reverted", tx.Hash().Hex())}
	}

	d.logger.Info("contract deployed",
		"address", addr.Hex(),
		"tx", tx.Hash().Hex(),
		"block", receipt.BlockNumber.Uint64(),
		"gas_used", receipt.GasUsed,
	)

	return &Deployment{
		Address:     addr,
		TxHash:      tx.Hash(),
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

// VerifyDeployment reports whether code is present at address.
func (d *Deployer) VerifyDeployment(ctx context.Context, address string) (bool, error) {
	defer metrics.ObserveChainCall("verify_deployment", time.Now())

	if !common.IsHexAddress(address) {
		return false, ErrInvalidAddress
	}
	code, err := d.backend.CodeAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return false, &BlockchainError{Op: "code at", Err: err}
	}
	return len(code) > 0, nil
}

// IssueDocument records fields on the template contract. The document hash
// is derived from fields in ref.FieldOrder. An already recorded hash yields
// ErrDuplicateDocument, both before sending and when the transaction lost a
// race against an identical issuance.
func (d *Deployer) IssueDocument(ctx context.Context, ref ContractRef, fields map[string]string, gasLimit uint64) (*Receipt, error) {
	defer metrics.ObserveChainCall("issue", time.Now())

	if len(ref.FieldOrder) == 0 {
		return nil, &BlockchainError{Op: "issue", Err: errors.New("contract has no field order")}
	}
	contract, addr, err := d.bind(ref)
	if err != nil {
		return nil, err
	}

	docHash := integrity.Hash(ref.FieldOrder, fields)

	status, err := d.verifyHash(ctx, contract, docHash)
	if err != nil {
		return nil, err
	}
	if status.Exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateDocument, docHash.Hex())
	}

	if gasLimit == 0 {
		gasLimit = d.cfg.GasLimit
	}
	opts, err := d.transactOpts(ctx, gasLimit)
	if err != nil {
		return nil, &BlockchainError{Op: "transactor", Err: err}
	}

	d.sendMu.Lock()
	tx, err := contract.Transact(opts, methodIssue, issueArgs(ref.FieldOrder, fields, docHash)...)
	d.sendMu.Unlock()
	if err != nil {
		return nil, &BlockchainError{Op: "issue", Err: err}
	}
	d.logger.Debug("issuance sent", "contract", addr.Hex(), "tx", tx.Hash().Hex(), "doc_hash", docHash.Hex())

	receipt, err := d.waitMined(ctx, tx)
	if err != nil {
		return nil, &BlockchainError{Op: "issue", Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		// A revert with the hash now present means another issuance won.
		if again, verr := d.verifyHash(ctx, contract, docHash); verr == nil && again.Exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDocument, docHash.Hex())
		}
		return nil, &BlockchainError{Op: "issue", Err: fmt.Errorf("transaction %s reverted", tx.Hash().Hex())}
	}

	return &Receipt{
		DocHash:     docHash,
		TxHash:      tx.Hash(),
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

// VerifyDocument hashes fields in ref.FieldOrder and looks the hash up.
func (d *Deployer) VerifyDocument(ctx context.Context, ref ContractRef, fields map[string]string) (*DocumentStatus, error) {
	return d.VerifyHash(ctx, ref, integrity.Hash(ref.FieldOrder, fields))
}

// VerifyHash looks up a known document hash.
func (d *Deployer) VerifyHash(ctx context.Context, ref ContractRef, docHash common.Hash) (*DocumentStatus, error) {
	defer metrics.ObserveChainCall("verify", time.Now())

	contract, _, err := d.bind(ref)
	if err != nil {
		return nil, err
	}
	return d.verifyHash(ctx, contract, docHash)
}

// ReadDocumentFields returns the field values stored for docHash keyed by
// ref.FieldOrder.
func (d *Deployer) ReadDocumentFields(ctx context.Context, ref ContractRef, docHash common.Hash) (map[string]string, error) {
	defer metrics.ObserveChainCall("read", time.Now())

	contract, _, err := d.bind(ref)
	if err != nil {
		return nil, err
	}

	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, methodReadData, [32]byte(docHash)); err != nil {
		return nil, &BlockchainError{Op: "read fields", Err: err}
	}
	return fieldsFromOutput(ref.FieldOrder, out)
}

// RevokeDocument marks docHash revoked on-chain.
func (d *Deployer) RevokeDocument(ctx context.Context, ref ContractRef, docHash common.Hash) (*Receipt, error) {
	defer metrics.ObserveChainCall("revoke", time.Now())

	contract, _, err := d.bind(ref)
	if err != nil {
		return nil, err
	}

	opts, err := d.transactOpts(ctx, d.cfg.GasLimit)
	if err != nil {
		return nil, &BlockchainError{Op: "transactor", Err: err}
	}
	d.sendMu.Lock()
	tx, err := contract.Transact(opts, methodRevoke, [32]byte(docHash))
	d.sendMu.Unlock()
	if err != nil {
		return nil, &BlockchainError{Op: "revoke", Err: err}
	}

	receipt, err := d.waitMined(ctx, tx)
	if err != nil {
		return nil, &BlockchainError{Op: "revoke", Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &BlockchainError{Op: "revoke", Err: fmt.Errorf("transaction %s reverted", tx.Hash().Hex())}
	}

	return &Receipt{DocHash: docHash, TxHash: tx.Hash(), BlockNumber: receipt.BlockNumber.Uint64()}, nil
}

func (d *Deployer) bind(ref ContractRef) (*bind.BoundContract, common.Address, error) {
	if !common.IsHexAddress(ref.Address) {
		return nil, common.Address{}, ErrInvalidAddress
	}
	parsed, err := abi.JSON(strings.NewReader(ref.ABI))
	if err != nil {
		return nil, common.Address{}, &BlockchainError{Op: "parse abi", Err: err}
	}
	addr := common.HexToAddress(ref.Address)
	return bind.NewBoundContract(addr, parsed, d.backend, d.backend, d.backend), addr, nil
}

func (d *Deployer) verifyHash(ctx context.Context, contract *bind.BoundContract, docHash common.Hash) (*DocumentStatus, error) {
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, methodVerify, [32]byte(docHash)); err != nil {
		return nil, &BlockchainError{Op: "verify", Err: err}
	}
	return statusFromOutput(docHash, out)
}

func (d *Deployer) transactOpts(ctx context.Context, gasLimit uint64) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(d.key, d.chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	opts.GasLimit = gasLimit
	return opts, nil
}

func (d *Deployer) waitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ConfirmTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(ctx, d.backend, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: no receipt for %s within %s", ErrOutcomeUnknown, tx.Hash().Hex(), d.cfg.ConfirmTimeout)
		}
		return nil, err
	}
	return receipt, nil
}

// issueArgs builds the issueDocument arguments: the hash followed by every
// field value in declaration order.
func issueArgs(order []string, fields map[string]string, docHash common.Hash) []interface{} {
	args := make([]interface{}, 0, len(order)+1)
	args = append(args, [32]byte(docHash))
	for _, v := range integrity.OrderedValues(order, fields) {
		args = append(args, v)
	}
	return args
}

func statusFromOutput(docHash common.Hash, out []interface{}) (*DocumentStatus, error) {
	if len(out) != 4 {
		return nil, &BlockchainError{Op: "verify", Err: fmt.Errorf("unexpected output length %d", len(out))}
	}
	exists, ok1 := out[0].(bool)
	valid, ok2 := out[1].(bool)
	issuer, ok3 := out[2].(common.Address)
	ts, ok4 := out[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, &BlockchainError{Op: "verify", Err: errors.New("unexpected output types")}
	}

	status := &DocumentStatus{
		DocHash: docHash,
		Exists:  exists,
		IsValid: valid,
		Issuer:  issuer,
	}
	if ts.Sign() > 0 {
		status.Timestamp = time.Unix(ts.Int64(), 0).UTC()
	}
	return status, nil
}

func fieldsFromOutput(order []string, out []interface{}) (map[string]string, error) {
	if len(out) != len(order) {
		return nil, &BlockchainError{
			Op:  "read fields",
			Err: fmt.Errorf("contract returned %d fields, template declares %d", len(out), len(order)),
		}
	}
	fields := make(map[string]string, len(order))
	for i, key := range order {
		v, ok := out[i].(string)
		if !ok {
			return nil, &BlockchainError{Op: "read fields", Err: fmt.Errorf("field %q is %T, want string", key, out[i])}
		}
		fields[key] = v
	}
	return fields, nil
}
