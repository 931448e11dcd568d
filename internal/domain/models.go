// Package domain contains the shared entity types persisted by the control
// store and exchanged between the control plane and worker processes.
package domain

import "time"

// Trader run modes
const (
	RunModePaper = "PAPER"
	RunModeLive  = "LIVE"
)

// Trader statuses
const (
	StatusStop  = "STOP"
	StatusRun   = "RUN"
	StatusError = "ERROR"
)

// Risk modes
const (
	RiskSafe     = "SAFE"
	RiskStandard = "STANDARD"
	RiskProfit   = "PROFIT"
	RiskCrazy    = "CRAZY"
)

// Regime labels
const (
	RegimeTrend            = "TREND"
	RegimeRange            = "RANGE"
	RegimeChop             = "CHOP"
	RegimePanic            = "PANIC"
	RegimeBreakoutRotation = "BREAKOUT_ROTATION"
)

// AllRegimes lists every regime label, in classification priority order.
var AllRegimes = []string{RegimePanic, RegimeChop, RegimeTrend, RegimeBreakoutRotation, RegimeRange}

// Model lifecycle states
const (
	ModelDraft         = "DRAFT"
	ModelValidated     = "VALIDATED"
	ModelPaperDeployed = "PAPER_DEPLOYED"
	ModelLiveEligible  = "LIVE_ELIGIBLE"
	ModelLiveArmed     = "LIVE_ARMED"
)

// Order sides and statuses
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderPending   = "PENDING"
	OrderFilled    = "FILLED"
	OrderPartial   = "PARTIAL"
	OrderCancelled = "CANCELLED"
	OrderFailed    = "FAILED"
)

// Signal actions
const (
	ActionEntry = "ENTRY"
	ActionExit  = "EXIT"
	ActionHold  = "HOLD"
)

// Credential is an opaque label mapped to an encrypted Upbit key pair.
// Rows are never mutated in place; rotation inserts a new row.
type Credential struct {
	Name         string
	AccessKeyEnc string
	SecretKeyEnc string
	CreatedAt    time.Time
}

// Trader is one configured worker. LIVE requires ArmedAt set and the paper
// protection window elapsed since PaperStartedAt.
type Trader struct {
	Name            string
	Strategy        string
	RiskMode        string
	RunMode         string
	CredentialName  *string
	Status          string
	ContainerName   *string
	SeedKRW         *float64
	PnLKRW          float64
	PaperStartedAt  *time.Time
	ArmedAt         *time.Time
	LastHeartbeatAt *time.Time
	CreatedAt       time.Time
}

// Event is one row of the operational event log (heartbeats, lifecycle,
// safety trips, alerts).
type Event struct {
	ID         int64
	TS         time.Time
	TraderName *string
	Level      string // INFO, WARN, CRITICAL
	Kind       string
	Message    string
}

// RegimeSnapshot is an immutable classification sample. The current regime
// for a market is the row with the greatest TS.
type RegimeSnapshot struct {
	ID          int64
	TS          time.Time
	Market      string
	RegimeID    int
	RegimeLabel string
	Confidence  float64
	MetricsJSON string
}

// TraderSafetyState holds the runtime guard counters for one trader.
// Once Blocked is set, ENTRY orders are suppressed until an explicit reset.
type TraderSafetyState struct {
	TraderName           string
	DailyLossKRW         float64
	ConsecutiveLosses    int
	LastLossAt           *time.Time
	Blocked              bool
	BlockReason          *string
	SlippageAnomalyCount int
	LastSlippageCheck    *time.Time
	APIErrorCount        int
	DBErrorCount         int
	LastErrorCheck       *time.Time
	UpdatedAt            time.Time
}

// BanditState is the Beta posterior for one (regime, strategy) arm.
// Alpha and Beta never drop below 1.
type BanditState struct {
	ID         int64
	Regime     string
	StrategyID string
	Alpha      float64
	Beta       float64
	UpdatedAt  time.Time
}

// ModelVersion tracks one model through the deployment lifecycle.
type ModelVersion struct {
	ID             int64
	StrategyID     string
	Version        string
	Status         string
	MetricsJSON    string
	CreatedAt      time.Time
	DeployedAt     *time.Time
	RolledBackAt   *time.Time
	RollbackReason *string
}

// ScanRun is one training-time scan batch for a strategy.
type ScanRun struct {
	ID          int64
	TS          time.Time
	StrategyID  string
	MarketCount int
	TopN        int
	ParamsJSON  string
}

// FeatureSnapshot is one per-market feature row inside a ScanRun. Labels are
// nil until the labeling pass fills them in.
type FeatureSnapshot struct {
	ID           int64
	ScanRunID    int64
	Market       string
	TS           time.Time
	FeaturesJSON string
	LabelRet60m  *float64
	LabelRet240m *float64
	LabelMFE240m *float64
	LabelMAE240m *float64
	LabelDD240m  *float64
}

// ConfigVersion is one versioned parameter set for a strategy. At most one
// row per strategy is active at a time.
type ConfigVersion struct {
	ID         int64
	StrategyID string
	Version    int
	ParamsJSON string
	CreatedAt  time.Time
	IsActive   bool
}

// ModelCandidate is one tuning trial result.
type ModelCandidate struct {
	ID          int64
	StrategyID  string
	ParamsJSON  string
	MetricsJSON string
	Score       float64
	Status      string // PENDING, PASS, REJECT
	CreatedAt   time.Time
}

// ModelBaseline pins a 14-day reference window used for drift comparison.
// DriftWarnCount only increases until a new baseline is pinned.
type ModelBaseline struct {
	ID                   int64
	StrategyID           string
	BaselineModelID      *int64
	BaselineMetricsJSON  string
	ReferenceWindowStart time.Time
	ReferenceWindowEnd   time.Time
	DriftWarnCount       int
	LastDriftCheck       *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ModelMetrics24h is a rolling 24-hour performance record for a deployed model.
type ModelMetrics24h struct {
	ID           int64
	ModelID      int64
	StrategyID   string
	TS           time.Time
	NetReturn24h float64
	MetricsJSON  string
}

// Signal is one scored decision emitted by a worker.
type Signal struct {
	ID             int64
	TraderName     string
	Symbol         string
	TS             time.Time
	TotalScore     float64
	ScoresJSON     string // {"tp":85,"vcb":70,"lsr":60,"lf":50,"regime":80}
	Regime         string
	Action         string
	ReasonCodes    string // JSON array
	RawMetricsJSON string
}

// Order is one exchange order outcome as acknowledged by the gateway.
type Order struct {
	ID         int64
	OrderID    string
	TraderName string
	Symbol     string
	Side       string
	Price      float64
	Size       float64
	Status     string
	FilledQty  float64
	AvgPrice   *float64
	Error      *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Trade is one completed round trip (entry plus eventual exit).
type Trade struct {
	ID         int64
	TradeID    string
	TraderName string
	Symbol     string
	EntryTime  time.Time
	EntryPrice float64
	EntrySize  float64
	StopPrice  *float64
	ExitTime   *time.Time
	ExitPrice  *float64
	ExitSize   *float64
	PnL        float64
	PnLPct     float64
	Mode       string
	CreatedAt  time.Time
}

// Position is a persisted view of an open position. The authoritative OPEN
// set is reconstructed from FILLED orders; this row carries the richer
// fields (stop, takes, tags) a worker re-attaches on restart.
type Position struct {
	ID             int64
	TraderName     string
	Symbol         string
	OpenTime       time.Time
	AvgEntryPrice  float64
	Size           float64
	CurrentPrice   float64
	UnrealPnL      float64
	UnrealPnLPct   float64
	StopPrice      *float64
	TakePricesJSON string
	Tags           *string
	Status         string // OPEN, CLOSED, PARTIAL
	UpdatedAt      time.Time
}

// Holding is one reconstructed (symbol, net quantity) pair derived from the
// FILLED order log. Net quantity is cumulative BUY minus cumulative SELL.
type Holding struct {
	Symbol string
	Qty    float64
}
