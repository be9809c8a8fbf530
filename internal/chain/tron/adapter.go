package tron

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fbsobreira/gotron-sdk/pkg/address"
	"github.com/fbsobreira/gotron-sdk/pkg/client"
	"github.com/fbsobreira/gotron-sdk/pkg/proto/api"
	"github.com/fbsobreira/gotron-sdk/pkg/proto/core"
	"github.com/shopspring/decimal"
	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/chain"
	"github.com/usdt-escrow/backend/internal/clock"
	"github.com/usdt-escrow/backend/internal/models"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
)

const (
	accountPollInterval = 3 * time.Second
	accountPollAttempts = 10
)

// KeySource hands out the per-deal signing keys. RoleOwner is only available
// until the keys of a settled deal are purged.
type KeySource interface {
	SigningKey(ctx context.Context, multisig string, role models.Role) (*ecdsa.PrivateKey, error)
	Participants(ctx context.Context, multisig string) (map[models.Role]string, error)
}

type Options struct {
	Network          Network
	APIKey           string
	ServiceAddress   string
	ServiceKey       string
	FeeLimitSun      int64
	GridRPS          int
	ReadTimeout      time.Duration
	BroadcastTimeout time.Duration
}

type Adapter struct {
	grpc       *client.GrpcClient
	grid       *GridClient
	energy     *EnergyClient
	keys       KeySource
	opts       Options
	serviceKey *ecdsa.PrivateKey
	clk        clock.Clock
	logger     *zap.Logger
}

func New(opts Options, keys KeySource, energy *EnergyClient, clk clock.Clock, logger *zap.Logger) (*Adapter, error) {
	var serviceKey *ecdsa.PrivateKey
	if opts.ServiceKey != "" {
		k, err := parseKey(opts.ServiceKey)
		if err != nil {
			return nil, fmt.Errorf("service wallet key: %w", err)
		}
		if opts.ServiceAddress != "" && AddressOf(k) != opts.ServiceAddress {
			return nil, fmt.Errorf("service wallet key does not match %s", opts.ServiceAddress)
		}
		serviceKey = k
	}

	g := client.NewGrpcClientWithTimeout(opts.Network.GRPCURL, opts.ReadTimeout)
	if opts.APIKey != "" {
		if err := g.SetAPIKey(opts.APIKey); err != nil {
			return nil, fmt.Errorf("set TRON API key: %w", err)
		}
	}
	if err := g.Start(grpc.WithTransportCredentials(insecure.NewCredentials())); err != nil {
		return nil, fmt.Errorf("start TRON gRPC client: %w", err)
	}

	if opts.Network.Name == "mainnet" {
		logger.Warn("TRON mainnet active, transactions move real funds")
	}
	logger.Info("TRON adapter initialized",
		zap.String("network", opts.Network.Name),
		zap.String("grpc_url", opts.Network.GRPCURL),
		zap.String("grid_url", opts.Network.GridURL))

	return &Adapter{
		grpc:       g,
		grid:       NewGridClient(opts.Network.GridURL, opts.APIKey, opts.GridRPS, opts.ReadTimeout, logger),
		energy:     energy,
		keys:       keys,
		opts:       opts,
		serviceKey: serviceKey,
		clk:        clk,
		logger:     logger,
	}, nil
}

func (a *Adapter) Close() {
	a.grpc.Stop()
}

// call runs a blocking SDK call and gives up when ctx is done. The SDK
// enforces its own per-call timeout.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

func (a *Adapter) contract(asset string) (string, error) {
	if asset != models.AssetUSDT {
		return "", apperr.Validation("unsupported asset %q", asset)
	}
	return a.opts.Network.USDTContract, nil
}

func (a *Adapter) ValidateAddress(addr string) error {
	if !strings.HasPrefix(addr, "T") || len(addr) != 34 {
		return apperr.Validation("invalid TRON address %q", addr)
	}
	if _, err := address.Base58ToAddress(addr); err != nil {
		return apperr.Validation("invalid TRON address %q", addr)
	}
	return nil
}

// CreateMultisig generates the fresh deal account offline. The 2-of-3
// permission is installed by ActivateAccount once the account exists on chain.
func (a *Adapter) CreateMultisig(_ context.Context, p chain.MultisigParams) (*chain.Multisig, error) {
	participants := make(map[models.Role]string, 3)
	for role, pub := range map[models.Role]string{
		models.RoleBuyer:   p.BuyerPub,
		models.RoleSeller:  p.SellerPub,
		models.RoleArbiter: p.ArbiterPub,
	} {
		addr, err := addressFromPub(pub)
		if err != nil {
			return nil, apperr.Validation("%s key: %v", role, err)
		}
		participants[role] = addr
	}

	owner, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate owner key: %w", err)
	}
	return &chain.Multisig{
		Address:      AddressOf(owner),
		Participants: participants,
		OwnerKey:     hex.EncodeToString(crypto.FromECDSA(owner)),
	}, nil
}

func (a *Adapter) GetTRC20Balance(ctx context.Context, addr, asset string) (decimal.Decimal, error) {
	contract, err := a.contract(asset)
	if err != nil {
		return decimal.Zero, err
	}
	bal, err := call(ctx, func() (*big.Int, error) {
		return a.grpc.TRC20ContractBalance(addr, contract)
	})
	if err != nil {
		return decimal.Zero, classify(err, "trc20 balance")
	}
	return chain.FromUnits(bal, chain.USDTDecimals), nil
}

func (a *Adapter) FindIncomingTransfer(ctx context.Context, addr, asset string, since time.Time) (*chain.Transfer, error) {
	contract, err := a.contract(asset)
	if err != nil {
		return nil, err
	}
	return a.grid.IncomingTRC20(ctx, addr, contract, since)
}

// ActivateAccount funds addr from the service wallet and installs the 2-of-3
// owner permission. Steps already visible on chain are skipped, so a retry
// after a partial failure does not pay twice.
func (a *Adapter) ActivateAccount(ctx context.Context, addr string, trx decimal.Decimal) (*chain.Receipt, error) {
	if a.serviceKey == nil {
		return nil, apperr.ChainPermanent(nil, "service wallet key is not configured")
	}

	acc, exists, err := a.account(ctx, addr)
	if err != nil {
		return nil, err
	}

	var receipt *chain.Receipt
	if !exists {
		receipt, err = a.fund(ctx, addr, trx)
		if err != nil {
			return nil, err
		}
		if acc, err = a.waitForAccount(ctx, addr); err != nil {
			return nil, err
		}
	}

	if acc.GetOwnerPermission().GetThreshold() >= models.MultisigThreshold {
		if receipt == nil {
			return nil, apperr.Duplicate("account %s is already activated", addr)
		}
		return receipt, nil
	}

	update, err := a.installPermission(ctx, addr)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return update, nil
	}
	receipt.FeeTRX = receipt.FeeTRX.Add(update.FeeTRX)
	return receipt, nil
}

func (a *Adapter) account(ctx context.Context, addr string) (*core.Account, bool, error) {
	acc, err := call(ctx, func() (*core.Account, error) {
		return a.grpc.GetAccount(addr)
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return nil, false, nil
		}
		return nil, false, classify(err, "get account")
	}
	return acc, true, nil
}

func (a *Adapter) waitForAccount(ctx context.Context, addr string) (*core.Account, error) {
	for i := 0; i < accountPollAttempts; i++ {
		if err := a.clk.Sleep(ctx, accountPollInterval); err != nil {
			return nil, apperr.ChainTransient(err, "wait for account %s", addr)
		}
		acc, exists, err := a.account(ctx, addr)
		if err != nil {
			return nil, err
		}
		if exists {
			return acc, nil
		}
	}
	return nil, apperr.ChainTransient(nil, "account %s not visible after funding", addr)
}

func (a *Adapter) TopUpTRX(ctx context.Context, addr string, trx decimal.Decimal) (*chain.Receipt, error) {
	if a.serviceKey == nil {
		return nil, apperr.ChainPermanent(nil, "service wallet key is not configured")
	}
	return a.fund(ctx, addr, trx)
}

func (a *Adapter) fund(ctx context.Context, addr string, trx decimal.Decimal) (*chain.Receipt, error) {
	sun := chain.ToSun(trx)
	ext, err := call(ctx, func() (*api.TransactionExtention, error) {
		return a.grpc.Transfer(a.opts.ServiceAddress, addr, sun)
	})
	if err != nil {
		return nil, classify(err, "build activation transfer")
	}
	if err := checkExtention(ext, "activation transfer"); err != nil {
		return nil, err
	}
	if err := appendSignature(ext.Transaction, a.serviceKey); err != nil {
		return nil, err
	}
	receipt, err := a.broadcast(ctx, ext.Transaction, a.opts.ServiceAddress, addr)
	if err != nil {
		return nil, err
	}

	a.logger.Info("multisig funded",
		zap.String("address", addr),
		zap.String("trx", trx.String()),
		zap.String("tx_hash", receipt.TxHash))
	return receipt, nil
}

func (a *Adapter) installPermission(ctx context.Context, addr string) (*chain.Receipt, error) {
	parts, err := a.keys.Participants(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("load participants of %s: %w", addr, err)
	}
	ownerKey, err := a.keys.SigningKey(ctx, addr, models.RoleOwner)
	if err != nil {
		return nil, fmt.Errorf("load owner key of %s: %w", addr, err)
	}
	owner, err := address.Base58ToAddress(addr)
	if err != nil {
		return nil, apperr.Validation("invalid multisig address %q", addr)
	}

	keys := make([]*core.Key, 0, 3)
	for _, role := range []models.Role{models.RoleBuyer, models.RoleSeller, models.RoleArbiter} {
		p, err := address.Base58ToAddress(parts[role])
		if err != nil {
			return nil, apperr.Validation("invalid %s signer address %q", role, parts[role])
		}
		keys = append(keys, &core.Key{Address: p.Bytes(), Weight: 1})
	}

	contract := &core.AccountPermissionUpdateContract{
		OwnerAddress: owner.Bytes(),
		Owner: &core.Permission{
			Type:           core.Permission_Owner,
			PermissionName: "owner",
			Threshold:      models.MultisigThreshold,
			Keys:           keys,
		},
		Actives: []*core.Permission{{
			Type:           core.Permission_Active,
			Id:             2,
			PermissionName: "escrow",
			Threshold:      models.MultisigThreshold,
			Operations:     activeOperations(),
			Keys:           keys,
		}},
	}

	rctx, cancel := context.WithTimeout(a.withAPIKey(ctx), a.opts.BroadcastTimeout)
	defer cancel()
	ext, err := a.grpc.Client.AccountPermissionUpdate(rctx, contract)
	if err != nil {
		return nil, classify(err, "build permission update")
	}
	if err := checkExtention(ext, "permission update"); err != nil {
		return nil, err
	}
	if err := appendSignature(ext.Transaction, ownerKey); err != nil {
		return nil, err
	}
	receipt, err := a.broadcast(ctx, ext.Transaction, addr, addr)
	if err != nil {
		return nil, err
	}

	a.logger.Info("multisig permission installed",
		zap.String("address", addr),
		zap.String("tx_hash", receipt.TxHash))
	return receipt, nil
}

// activeOperations allows TRX and smart contract transfers under the active permission.
func activeOperations() []byte {
	ops := make([]byte, 32)
	for _, t := range []core.Transaction_Contract_ContractType{
		core.Transaction_Contract_TransferContract,
		core.Transaction_Contract_TriggerSmartContract,
	} {
		ops[int(t)/8] |= 1 << (uint(t) % 8)
	}
	return ops
}

func (a *Adapter) withAPIKey(ctx context.Context) context.Context {
	if a.opts.APIKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "TRON-PRO-API-KEY", a.opts.APIKey)
}

func checkExtention(ext *api.TransactionExtention, op string) error {
	if ext == nil || ext.Transaction == nil {
		return apperr.ChainTransient(nil, "%s: empty transaction", op)
	}
	if r := ext.GetResult(); r != nil && r.GetCode() != api.Return_SUCCESS {
		return apperr.ChainPermanent(nil, "%s: %s %s", op, r.GetCode(), string(r.GetMessage()))
	}
	return nil
}

func (a *Adapter) BuildRelease(ctx context.Context, multisig, to string, amount decimal.Decimal, asset string) (*chain.RawTx, error) {
	contract, err := a.contract(asset)
	if err != nil {
		return nil, err
	}
	units, err := chain.ToUnits(amount, chain.USDTDecimals)
	if err != nil {
		return nil, apperr.Validation("release amount: %v", err)
	}
	ext, err := call(ctx, func() (*api.TransactionExtention, error) {
		return a.grpc.TRC20Send(multisig, to, contract, units, a.opts.FeeLimitSun)
	})
	if err != nil {
		return nil, classify(err, "build release")
	}
	if err := checkExtention(ext, "release"); err != nil {
		return nil, err
	}
	id, err := txID(ext.Transaction)
	if err != nil {
		return nil, err
	}
	payload, err := proto.Marshal(ext.Transaction)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction: %w", err)
	}
	return &chain.RawTx{
		ID:       id,
		Multisig: multisig,
		To:       to,
		Amount:   amount,
		Asset:    asset,
		Payload:  payload,
	}, nil
}

func (a *Adapter) Sign(ctx context.Context, raw *chain.RawTx, role models.Role) (*chain.RawTx, error) {
	key, err := a.keys.SigningKey(ctx, raw.Multisig, role)
	if err != nil {
		return nil, fmt.Errorf("load %s key for %s: %w", role, raw.Multisig, err)
	}
	var tx core.Transaction
	if err := proto.Unmarshal(raw.Payload, &tx); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	if err := appendSignature(&tx, key); err != nil {
		return nil, err
	}
	payload, err := proto.Marshal(&tx)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction: %w", err)
	}
	signed := *raw
	signed.Payload = payload
	signed.Signers = append(append([]models.Role(nil), raw.Signers...), role)
	return &signed, nil
}

func (a *Adapter) Broadcast(ctx context.Context, raw *chain.RawTx) (*chain.Receipt, error) {
	var tx core.Transaction
	if err := proto.Unmarshal(raw.Payload, &tx); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	n, err := distinctSigners(&tx)
	if err != nil {
		return nil, apperr.ChainPermanent(err, "transaction %s has an unreadable signature", raw.ID)
	}
	if n < models.MultisigThreshold {
		return nil, apperr.ChainPermanent(nil, "transaction %s is signed by %d keys, %d needed", raw.ID, n, models.MultisigThreshold)
	}
	return a.broadcast(ctx, &tx, raw.Multisig, raw.To)
}

func (a *Adapter) broadcast(ctx context.Context, tx *core.Transaction, from, to string) (*chain.Receipt, error) {
	id, err := txID(tx)
	if err != nil {
		return nil, err
	}
	bctx, cancel := context.WithTimeout(ctx, a.opts.BroadcastTimeout)
	defer cancel()

	ret, err := call(bctx, func() (*api.Return, error) {
		return a.grpc.Broadcast(tx)
	})
	if err := classifyReturn(ret, err); err != nil {
		a.logger.Warn("broadcast failed",
			zap.String("tx_hash", id),
			zap.String("from", from),
			zap.Error(err))
		return nil, err
	}
	return &chain.Receipt{
		TxHash:    id,
		Status:    models.TxStatusPending,
		From:      from,
		To:        to,
		Timestamp: a.clk.Now(),
	}, nil
}

func (a *Adapter) RentEnergy(ctx context.Context, target string, units int64) (*chain.EnergyRental, error) {
	return a.energy.Rent(ctx, target, units)
}

func (a *Adapter) GetReceipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	info, err := call(ctx, func() (*core.TransactionInfo, error) {
		return a.grpc.GetTransactionInfoByID(txHash)
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return &chain.Receipt{TxHash: txHash, Status: models.TxStatusPending}, nil
		}
		return nil, classify(err, "get transaction info")
	}
	return receiptFromInfo(txHash, info), nil
}

func receiptFromInfo(txHash string, info *core.TransactionInfo) *chain.Receipt {
	r := &chain.Receipt{
		TxHash: txHash,
		Block:  info.GetBlockNumber(),
		FeeTRX: chain.FromSun(info.GetFee()),
		Status: models.TxStatusPending,
	}
	if ts := info.GetBlockTimeStamp(); ts > 0 {
		r.Timestamp = time.UnixMilli(ts).UTC()
	}
	switch {
	case info.GetResult() == core.TransactionInfo_FAILED:
		r.Status = models.TxStatusFailed
	case info.GetReceipt() != nil &&
		info.GetReceipt().GetResult() != core.Transaction_Result_SUCCESS &&
		info.GetReceipt().GetResult() != core.Transaction_Result_DEFAULT:
		r.Status = models.TxStatusFailed
	case info.GetBlockNumber() > 0:
		r.Status = models.TxStatusConfirmed
	}
	return r
}

var _ chain.Adapter = (*Adapter)(nil)
