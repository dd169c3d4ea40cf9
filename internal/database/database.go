package database

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database mirrors executed copy trades and closed positions into SQL for
// ad-hoc querying. The JSON ledger stays authoritative; rows here are
// append-only and a write failure never blocks execution.
type Database struct {
	db *gorm.DB
}

// Models

type CopiedTrade struct {
	ID         uint            `gorm:"primaryKey;autoIncrement"`
	TxHash     string          `gorm:"index"`
	MarketID   string          `gorm:"index"`
	TokenID    string
	Question   string
	Side       string // "YES" or "NO"
	Intent     string // "BUY" or "SELL"
	Shares     decimal.Decimal `gorm:"type:decimal(20,6)"`
	PriceTick  int
	SourceTick int
	LatencyMs  int64
	CreatedAt  time.Time
}

type ClosedPositionRow struct {
	ID          string `gorm:"primaryKey"`
	MarketID    string `gorm:"index"`
	TokenID     string
	Question    string
	Side        string
	Trigger     string `gorm:"index"`
	Cause       string
	Shares      decimal.Decimal `gorm:"type:decimal(20,6)"`
	EntryTick   int
	ExitTick    int
	InvestedUSD decimal.Decimal `gorm:"type:decimal(20,6)"`
	ReturnUSD   decimal.Decimal `gorm:"type:decimal(20,6)"`
	RealizedPnL decimal.Decimal `gorm:"type:decimal(20,6)"`
	ClosedAtMs  int64
	CreatedAt   time.Time
}

// New opens the mirror. A postgres:// DSN selects PostgreSQL, anything else
// is treated as a SQLite path.
func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Trade mirror connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("Trade mirror initialized (SQLite)")
	}

	if err := db.AutoMigrate(&CopiedTrade{}, &ClosedPositionRow{}); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// Trade operations

func (d *Database) SaveCopiedTrade(trade *CopiedTrade) error {
	return d.db.Create(trade).Error
}

func (d *Database) GetTradesByMarket(marketID string) ([]CopiedTrade, error) {
	var trades []CopiedTrade
	err := d.db.Where("market_id = ?", marketID).Order("created_at DESC").Find(&trades).Error
	return trades, err
}

func (d *Database) GetRecentTrades(limit int) ([]CopiedTrade, error) {
	var trades []CopiedTrade
	err := d.db.Order("created_at DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

// Closed position operations

func (d *Database) SaveClosedPosition(row *ClosedPositionRow) error {
	return d.db.Save(row).Error
}

func (d *Database) GetClosedPositions(limit int) ([]ClosedPositionRow, error) {
	var rows []ClosedPositionRow
	err := d.db.Order("closed_at_ms DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// Stats operations

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var tradeCount int64
	d.db.Model(&CopiedTrade{}).Count(&tradeCount)
	stats["total_trades"] = tradeCount

	var closedCount int64
	d.db.Model(&ClosedPositionRow{}).Count(&closedCount)
	stats["closed_positions"] = closedCount

	var pnlResult struct {
		Total decimal.Decimal
	}
	d.db.Model(&ClosedPositionRow{}).Select("COALESCE(SUM(realized_pn_l), 0) as total").Scan(&pnlResult)
	stats["total_pnl"] = pnlResult.Total

	type TriggerCount struct {
		Trigger string
		Count   int64
	}
	var triggerCounts []TriggerCount
	d.db.Model(&ClosedPositionRow{}).Select("trigger, count(*) as count").Group("trigger").Scan(&triggerCounts)
	byTrigger := make(map[string]int64)
	for _, tc := range triggerCounts {
		byTrigger[tc.Trigger] = tc.Count
	}
	stats["by_trigger"] = byTrigger

	return stats, nil
}
