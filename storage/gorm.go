package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dkelsey/courtedge/types"
)

type gormStore struct {
	db *gorm.DB
}

// Open connects to the database at dsn. A postgres:// URL selects Postgres;
// anything else is treated as a SQLite file path.
func Open(dsn string) (Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(
		&types.Account{},
		&types.SportConfig{},
		&types.GlobalSettings{},
		&types.TrackedMarket{},
		&types.Position{},
		&types.Trade{},
		&types.ReconciliationRun{},
		&types.BalanceSnapshot{},
	); err != nil {
		return nil, err
	}

	return &gormStore{db: db}, nil
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// ─── Accounts ───

func (s *gormStore) GetAccounts(ctx context.Context, userID string) ([]types.Account, error) {
	var accounts []types.Account
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&accounts).Error
	return accounts, err
}

func (s *gormStore) SaveAccount(ctx context.Context, a *types.Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Save(a).Error
}

func (s *gormStore) SetAllocations(ctx context.Context, userID string, pcts map[string]decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for accountID, pct := range pcts {
			res := tx.Model(&types.Account{}).
				Where("id = ? AND user_id = ?", accountID, userID).
				Update("allocation_pct", pct)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
			}
		}
		return nil
	})
}

func (s *gormStore) SetPrimaryAccount(ctx context.Context, userID, accountID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&types.Account{}).
			Where("user_id = ?", userID).
			Update("is_primary", false).Error; err != nil {
			return err
		}
		res := tx.Model(&types.Account{}).
			Where("id = ? AND user_id = ?", accountID, userID).
			Update("is_primary", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
		}
		return nil
	})
}

// ─── Sport configs ───

func (s *gormStore) GetSportConfigs(ctx context.Context, userID string) ([]types.SportConfig, error) {
	var configs []types.SportConfig
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&configs).Error
	return configs, err
}

func (s *gormStore) GetSportConfig(ctx context.Context, userID, sport string) (*types.SportConfig, error) {
	var config types.SportConfig
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND sport = ?", userID, sport).
		First(&config).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &config, nil
}

func (s *gormStore) SaveSportConfig(ctx context.Context, c *types.SportConfig) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Save(c).Error
}

// ─── Global settings ───

func (s *gormStore) GetGlobalSettings(ctx context.Context, userID string) (*types.GlobalSettings, error) {
	var settings types.GlobalSettings
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// First run: seed defaults.
		settings = types.GlobalSettings{
			UserID:                userID,
			BotEnabled:            true,
			DryRun:                true,
			MinBalanceThreshold:   decimal.NewFromInt(50),
			BalanceCheckIntervalS: 30,
			StreakReductionPct:    decimal.NewFromFloat(0.10),
		}
		if cerr := s.db.WithContext(ctx).Create(&settings).Error; cerr != nil {
			return nil, cerr
		}
		return &settings, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *gormStore) SaveGlobalSettings(ctx context.Context, g *types.GlobalSettings) error {
	return s.db.WithContext(ctx).Save(g).Error
}

// ─── Tracked markets ───

func (s *gormStore) GetTrackedMarkets(ctx context.Context, userID string) ([]*types.TrackedMarket, error) {
	var markets []*types.TrackedMarket
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_finished = ?", userID, false).
		Find(&markets).Error
	return markets, err
}

func (s *gormStore) GetTrackedMarket(ctx context.Context, id string) (*types.TrackedMarket, error) {
	var market types.TrackedMarket
	err := s.db.WithContext(ctx).First(&market, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &market, nil
}

func (s *gormStore) SaveTrackedMarket(ctx context.Context, m *types.TrackedMarket) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Save(m).Error
}

// CaptureBaseline is a conditional update: only the first call for a market
// writes anything, so the baseline can never be overwritten by a later tick.
func (s *gormStore) CaptureBaseline(ctx context.Context, id string, yes, no decimal.Decimal, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&types.TrackedMarket{}).
		Where("id = ? AND baseline_captured_at IS NULL", id).
		Updates(map[string]any{
			"baseline_yes":         yes,
			"baseline_no":          no,
			"baseline_captured_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		log.Info().
			Str("market", id).
			Str("baseline_yes", yes.StringFixed(3)).
			Msg("📌 Baseline captured")
	}
	return nil
}

// ─── Positions ───

func (s *gormStore) GetOpenPositions(ctx context.Context, userID string) ([]*types.Position, error) {
	var positions []*types.Position
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, types.PositionOpen).
		Find(&positions).Error
	return positions, err
}

func (s *gormStore) GetOpenPositionsForMarket(ctx context.Context, userID, marketID string) ([]*types.Position, error) {
	var positions []*types.Position
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND market_id = ? AND status = ?", userID, marketID, types.PositionOpen).
		Find(&positions).Error
	return positions, err
}

func (s *gormStore) CreatePosition(ctx context.Context, p *types.Position) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(p).Error
}

// OpenPosition writes the position and its entry trade in one transaction.
func (s *gormStore) OpenPosition(ctx context.Context, p *types.Position, trade *types.Trade) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return err
		}
		if trade.ID == "" {
			trade.ID = uuid.NewString()
		}
		if trade.PositionID == "" {
			trade.PositionID = p.ID
		}
		return tx.Create(trade).Error
	})
}

func (s *gormStore) UpdatePosition(ctx context.Context, p *types.Position) error {
	return s.db.WithContext(ctx).Save(p).Error
}

// ClosePosition flips the row to closed and writes the exit trade in one
// transaction. The guarded WHERE enforces close-exactly-once.
func (s *gormStore) ClosePosition(ctx context.Context, p *types.Position, trade *types.Trade) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&types.Position{}).
			Where("id = ? AND status = ?", p.ID, types.PositionOpen).
			Updates(map[string]any{
				"status":        types.PositionClosed,
				"sync_status":   p.SyncStatus,
				"exit_reason":   p.ExitReason,
				"exit_price":    p.ExitPrice,
				"exit_size":     p.ExitSize,
				"realized_pn_l": p.RealizedPnL,
				"closed_at":     p.ClosedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("position %s already closed: %w", p.ID, ErrNotFound)
		}

		if trade.ID == "" {
			trade.ID = uuid.NewString()
		}
		return tx.Create(trade).Error
	})
}

// ─── Trades and aggregates ───

func (s *gormStore) SaveTrade(ctx context.Context, t *types.Trade) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(t).Error
}

func startOfDay() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

func (s *gormStore) TradesToday(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&types.Trade{}).
		Where("user_id = ? AND executed_at >= ?", userID, startOfDay()).
		Count(&count).Error
	return count, err
}

func (s *gormStore) DailyPnL(ctx context.Context, userID string) (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal
	}
	err := s.db.WithContext(ctx).Model(&types.Trade{}).
		Select("COALESCE(SUM(pn_l), 0) as total").
		Where("user_id = ? AND executed_at >= ?", userID, startOfDay()).
		Scan(&result).Error
	return result.Total, err
}

// WinLossCounts aggregates closed-trade outcomes for Kelly's win-rate blend.
func (s *gormStore) WinLossCounts(ctx context.Context, userID, sport string) (int, int, error) {
	type row struct {
		Wins  int
		Total int
	}
	var r row
	q := s.db.WithContext(ctx).Model(&types.Trade{}).
		Select("COUNT(CASE WHEN pn_l > 0 THEN 1 END) as wins, COUNT(*) as total").
		Where("user_id = ? AND action = ?", userID, types.ActionSell)
	if sport != "" {
		q = q.Where("market_id IN (?)",
			s.db.Model(&types.TrackedMarket{}).Select("market_id").
				Where("user_id = ? AND sport = ?", userID, sport))
	}
	if err := q.Scan(&r).Error; err != nil {
		return 0, 0, err
	}
	return r.Wins, r.Total, nil
}

// ─── Audit ───

func (s *gormStore) SaveReconciliationRun(ctx context.Context, run *types.ReconciliationRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(run).Error
}

func (s *gormStore) SaveBalanceSnapshot(ctx context.Context, snap *types.BalanceSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(snap).Error
}
