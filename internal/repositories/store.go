package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/usdt-escrow/backend/internal/models"
)

// DealCounter names the counter that numbers public deal ids.
const DealCounter = "deal_id"

// Store is the persistence boundary of the escrow core. Once a deal leaves
// created, Transition is the only way its row changes.
type Store interface {
	DealRepository
	DisputeRepository
	TransactionRepository
	WalletRepository
	UserRepository
	PlatformRepository
	AuditRepository
	NextCounter(ctx context.Context, name string) (int64, error)
}

type DealRepository interface {
	// CreateDeal allocates ID and DealID and persists d. A UniqueKey collision
	// fails with a Duplicate error.
	CreateDeal(ctx context.Context, d *models.Deal) error
	GetDeal(ctx context.Context, dealID string) (*models.Deal, error)
	GetDealByMultisig(ctx context.Context, address string) (*models.Deal, error)
	Transition(ctx context.Context, req TransitionRequest) (*models.Deal, error)
	ListDeals(ctx context.Context, f ListFilter, after Cursor, limit int) ([]models.Deal, Cursor, error)
	ListUserDeals(ctx context.Context, f UserDealFilter) ([]models.Deal, error)
}

type DisputeRepository interface {
	GetDispute(ctx context.Context, dealID uuid.UUID) (*models.Dispute, error)
	// AddDisputeComment appends c to an unresolved dispute; review moves an
	// open dispute to in_review.
	AddDisputeComment(ctx context.Context, dealID uuid.UUID, c models.DisputeComment, review bool) (*models.Dispute, error)
}

type TransactionRepository interface {
	// AppendTransaction fails with Duplicate when the deal already has a live
	// record for the same purpose.
	AppendTransaction(ctx context.Context, t *models.Transaction) error
	ListTransactions(ctx context.Context, dealID uuid.UUID) ([]models.Transaction, error)
	ListPendingTransactions(ctx context.Context, limit int) ([]models.Transaction, error)
	// SettleTransaction moves a pending record to confirmed or failed.
	SettleTransaction(ctx context.Context, id uuid.UUID, status models.TxStatus, block int64) error
}

type WalletRepository interface {
	GetWallet(ctx context.Context, dealID uuid.UUID) (*models.MultisigWallet, error)
	GetWalletByAddress(ctx context.Context, address string) (*models.MultisigWallet, error)
	PurgeWalletKeys(ctx context.Context, dealID uuid.UUID, at time.Time) error
}

type UserRepository interface {
	// GetUserStats returns zero stats for users never seen before.
	GetUserStats(ctx context.Context, userID int64) (*models.UserStats, error)
	// RecordDisputeOutcome updates both parties atomically and blacklists the
	// loser once the loss streak reaches autoBanStreak. It returns the loser.
	RecordDisputeOutcome(ctx context.Context, winner, loser int64, autoBanStreak int) (*models.UserStats, error)
	SetBlacklisted(ctx context.Context, userID int64, blacklisted bool) error
}

type PlatformRepository interface {
	GetPlatformByCode(ctx context.Context, code string) (*models.Platform, error)
	UpsertPlatform(ctx context.Context, p *models.Platform) error
}

type AuditRepository interface {
	WriteAuditLog(ctx context.Context, entry models.AuditLog) error
	ListAuditLog(ctx context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AuditLog, error)
}

// TransitionRequest is a compare-and-set on a deal's status. An empty To
// keeps the status and only applies Patch, still guarded by From.
type TransitionRequest struct {
	ID    uuid.UUID
	From  []models.DealStatus
	To    models.DealStatus
	Patch Patch
	At    time.Time
}

// Patch lists the columns a transition writes. Nil fields are left alone.
// Addresses and DepositTxHash are write-once: an existing value is kept.
type Patch struct {
	BuyerAddress             *string
	SellerAddress            *string
	MultisigAddress          *string
	DepositTxHash            *string
	DepositDetectedAt        *time.Time
	ActualDepositAmount      *decimal.Decimal
	Overpayment              *decimal.Decimal
	DepositNotificationSent  *bool
	DeadlineNotificationSent *bool
	WorkSubmitted            *bool
	Deadline                 *time.Time
	CancelledBy              *int64
	OperationalCostUSD       *decimal.Decimal
	// AddOperationalCostTRX is added to the running TRX spend.
	AddOperationalCostTRX    *decimal.Decimal

	// Written in the same database transaction as the status change.
	Wallet         *models.MultisigWallet
	Record         *models.Transaction
	Dispute        *models.Dispute
	DeleteDispute  bool
	ResolveDispute *models.DisputeResolution
}

type ListFilter struct {
	Statuses []models.DealStatus
	// DeadlineBefore keeps deals whose deadline is at or before the time.
	DeadlineBefore *time.Time
	WithMultisig   bool
	// DepositNotificationSent filters on the flag when set.
	DepositNotificationSent *bool
	// WithSealedKeys keeps deals whose wallet keys have not been purged.
	WithSealedKeys bool
}

// Cursor pages through ListDeals in creation order. The zero value starts
// from the beginning; Done reports the last page.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
	Done      bool
}

type UserDealFilter struct {
	UserID int64
	Status *models.DealStatus
	Query  string
	Limit  int
	Offset int
}

// Bool is a helper for optional Patch and ListFilter flags.
func Bool(b bool) *bool { return &b }
