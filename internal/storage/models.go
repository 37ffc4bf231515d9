package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
)

// ExchangeAccount holds one user's credentials and sync bookkeeping
// for one exchange. Credential columns are ciphertext; decryption is
// the creds package's concern.
type ExchangeAccount struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	Exchange           string
	Label              string
	APIKeyEnc          string
	APISecretEnc       string
	PassphraseEnc      string
	IsActive           bool
	LastSyncAt         *time.Time
	LastSyncTradeCount int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Balance is a current-snapshot row: at most one per (account, asset),
// deleted when the asset disappears from the exchange response.
type Balance struct {
	ExchangeAccountID uuid.UUID
	Asset             string
	Free              decimal.Decimal
	Locked            decimal.Decimal
	Total             decimal.Decimal
	USDValue          decimal.Decimal
	UpdatedAt         time.Time
}

// Trade is append-only history, unique per (account, exchange trade id).
type Trade struct {
	ExchangeAccountID uuid.UUID
	ExchangeTradeID   string
	Symbol            string
	Side              string
	Price             decimal.Decimal
	Amount            decimal.Decimal
	Cost              decimal.Decimal
	Fee               decimal.Decimal
	FeeCurrency       string
	ExecutedAt        time.Time
}

type SyncRunLog struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	StartedAt      time.Time
	FinishedAt     *time.Time
	Status         string
	SucceededCount int
	FailedCount    int
}

type PortfolioSnapshot struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	TakenAt           time.Time
	TotalUSDValue     decimal.Decimal
	DeltaFromPrevious decimal.Decimal
	DeltaPercent      decimal.Decimal
}
