// Package persistence implements the persistence gateway (spec §4.I):
// CRUD for SymbolConfig, idempotent Exposure upsert, an append-only
// ActivityLog, a time-series PriceHistory mirror, and the Positions
// OPEN->CLOSED atomic transition.
//
// Grounded on the teacher's repository shape: a struct wrapping a
// *sql.DB plus a scoped zerolog.Logger, one method per query, errors
// wrapped with the operation's name.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/otcplatform/sentinel-otc/internal/domain"
	"github.com/rs/zerolog"
)

// Gateway implements every SPEC_FULL.md persistence capability against a
// single sqlite database.
type Gateway struct {
	db  *sql.DB
	log zerolog.Logger
}

// New creates a Gateway over an already-migrated *sql.DB.
func New(db *sql.DB, log zerolog.Logger) *Gateway {
	return &Gateway{db: db, log: log.With().Str("component", "persistence_gateway").Logger()}
}

const (
	maxRetries     = 3
	retryBaseDelay = 10 * time.Millisecond
)

// nonRetryableError marks a result (e.g. sql.ErrNoRows) that withRetry
// should surface immediately: the row genuinely isn't there, and retrying
// the query cannot change that.
type nonRetryableError struct{ err error }

func (e nonRetryableError) Error() string { return e.err.Error() }
func (e nonRetryableError) Unwrap() error { return e.err }

// withRetry runs fn up to maxRetries times with exponential backoff
// between attempts, for transient persistence failures (spec §7: "a
// 3-retry exponential-backoff policy"). Grounded on the teacher's Yahoo
// client's GetCurrentPrice retry loop (exponential 1<<attempt backoff,
// warn-log each retry, return the last error once attempts are spent).
func withRetry(ctx context.Context, log zerolog.Logger, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var nr nonRetryableError
		if errors.As(lastErr, &nr) {
			return nr.err
		}
		if attempt < maxRetries-1 {
			wait := time.Duration(1<<uint(attempt)) * retryBaseDelay
			log.Warn().Err(lastErr).Str("op", op).Int("attempt", attempt+1).Dur("wait", wait).
				Msg("persistence operation failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", op, maxRetries, lastErr)
}

// --- SymbolConfig CRUD ---

// UpsertSymbolConfig inserts or fully replaces cfg.
func (g *Gateway) UpsertSymbolConfig(ctx context.Context, cfg domain.SymbolConfig) error {
	err := withRetry(ctx, g.log, "upsert symbol config", func() error {
		_, err := g.db.ExecContext(ctx, `
			INSERT INTO symbol_configs (
				symbol, base, market_kind, pip_size, enabled, payout_percent,
				trade_min, trade_max, baseline_vol, vol_multiplier,
				mean_reversion_strength, max_deviation_fraction, price_offset_pips,
				risk_enabled, exposure_threshold, intervention_rate_lo, intervention_rate_hi,
				anchoring_duration_secs, updated_at
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(symbol) DO UPDATE SET
				base=excluded.base, market_kind=excluded.market_kind, pip_size=excluded.pip_size,
				enabled=excluded.enabled, payout_percent=excluded.payout_percent,
				trade_min=excluded.trade_min, trade_max=excluded.trade_max,
				baseline_vol=excluded.baseline_vol, vol_multiplier=excluded.vol_multiplier,
				mean_reversion_strength=excluded.mean_reversion_strength,
				max_deviation_fraction=excluded.max_deviation_fraction,
				price_offset_pips=excluded.price_offset_pips, risk_enabled=excluded.risk_enabled,
				exposure_threshold=excluded.exposure_threshold,
				intervention_rate_lo=excluded.intervention_rate_lo,
				intervention_rate_hi=excluded.intervention_rate_hi,
				anchoring_duration_secs=excluded.anchoring_duration_secs,
				updated_at=excluded.updated_at
		`,
			cfg.Symbol, cfg.Base, string(cfg.MarketKind), cfg.PipSize, cfg.Enabled, cfg.PayoutPercent,
			cfg.TradeBounds.Min, cfg.TradeBounds.Max, cfg.BaselineVol, cfg.VolMultiplier,
			cfg.MeanReversionStrength, cfg.MaxDeviationFraction, cfg.PriceOffsetPips,
			cfg.RiskEnabled, cfg.ExposureThreshold, cfg.InterventionRateRange.Lo, cfg.InterventionRateRange.Hi,
			int64(cfg.AnchoringDuration.Seconds()), cfg.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert symbol config %s: %w", cfg.Symbol, err)
	}
	return nil
}

// GetSymbolConfig reads one symbol's configuration.
func (g *Gateway) GetSymbolConfig(ctx context.Context, symbol string) (domain.SymbolConfig, bool, error) {
	var cfg domain.SymbolConfig
	found := true
	err := withRetry(ctx, g.log, "get symbol config", func() error {
		row := g.db.QueryRowContext(ctx, `
			SELECT symbol, base, market_kind, pip_size, enabled, payout_percent,
				trade_min, trade_max, baseline_vol, vol_multiplier,
				mean_reversion_strength, max_deviation_fraction, price_offset_pips,
				risk_enabled, exposure_threshold, intervention_rate_lo, intervention_rate_hi,
				anchoring_duration_secs, updated_at
			FROM symbol_configs WHERE symbol = ?
		`, symbol)
		c, err := scanSymbolConfig(row)
		if err == sql.ErrNoRows {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		cfg = c
		return nil
	})
	if err != nil {
		return domain.SymbolConfig{}, false, fmt.Errorf("get symbol config %s: %w", symbol, err)
	}
	if !found {
		return domain.SymbolConfig{}, false, nil
	}
	return cfg, true, nil
}

// ListSymbolConfigs returns every configured symbol.
func (g *Gateway) ListSymbolConfigs(ctx context.Context) ([]domain.SymbolConfig, error) {
	var out []domain.SymbolConfig
	err := withRetry(ctx, g.log, "list symbol configs", func() error {
		rows, err := g.db.QueryContext(ctx, `
			SELECT symbol, base, market_kind, pip_size, enabled, payout_percent,
				trade_min, trade_max, baseline_vol, vol_multiplier,
				mean_reversion_strength, max_deviation_fraction, price_offset_pips,
				risk_enabled, exposure_threshold, intervention_rate_lo, intervention_rate_hi,
				anchoring_duration_secs, updated_at
			FROM symbol_configs
		`)
		if err != nil {
			return err
		}
		defer rows.Close()

		var result []domain.SymbolConfig
		for rows.Next() {
			cfg, err := scanSymbolConfig(rows)
			if err != nil {
				return err
			}
			result = append(result, cfg)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		out = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list symbol configs: %w", err)
	}
	return out, nil
}

// DeleteSymbolConfig removes a symbol's configuration.
func (g *Gateway) DeleteSymbolConfig(ctx context.Context, symbol string) error {
	err := withRetry(ctx, g.log, "delete symbol config", func() error {
		_, err := g.db.ExecContext(ctx, `DELETE FROM symbol_configs WHERE symbol = ?`, symbol)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete symbol config %s: %w", symbol, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSymbolConfig(s scanner) (domain.SymbolConfig, error) {
	var cfg domain.SymbolConfig
	var marketKind string
	var anchoringSecs int64
	var updatedAt string

	err := s.Scan(
		&cfg.Symbol, &cfg.Base, &marketKind, &cfg.PipSize, &cfg.Enabled, &cfg.PayoutPercent,
		&cfg.TradeBounds.Min, &cfg.TradeBounds.Max, &cfg.BaselineVol, &cfg.VolMultiplier,
		&cfg.MeanReversionStrength, &cfg.MaxDeviationFraction, &cfg.PriceOffsetPips,
		&cfg.RiskEnabled, &cfg.ExposureThreshold, &cfg.InterventionRateRange.Lo, &cfg.InterventionRateRange.Hi,
		&anchoringSecs, &updatedAt,
	)
	if err != nil {
		return domain.SymbolConfig{}, err
	}
	cfg.MarketKind = domain.MarketKind(marketKind)
	cfg.AnchoringDuration = time.Duration(anchoringSecs) * time.Second
	cfg.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return cfg, nil
}

// --- Exposure ---

// UpsertExposure idempotently writes e's aggregates (spec §4.I).
func (g *Gateway) UpsertExposure(ctx context.Context, e domain.Exposure) error {
	err := withRetry(ctx, g.log, "upsert exposure", func() error {
		_, err := g.db.ExecContext(ctx, `
			INSERT INTO exposures (symbol, up_stake, up_count, down_stake, down_count, interventions_applied, updated_at)
			VALUES (?,?,?,?,?,?,?)
			ON CONFLICT(symbol) DO UPDATE SET
				up_stake=excluded.up_stake, up_count=excluded.up_count,
				down_stake=excluded.down_stake, down_count=excluded.down_count,
				interventions_applied=excluded.interventions_applied, updated_at=excluded.updated_at
		`, e.Symbol, e.UpStake, e.UpCount, e.DownStake, e.DownCount, e.InterventionsApplied,
			time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert exposure %s: %w", e.Symbol, err)
	}
	return nil
}

// ListExposures returns every persisted Exposure, used to rehydrate
// internal/exposure.Book at startup.
func (g *Gateway) ListExposures(ctx context.Context) ([]domain.Exposure, error) {
	var out []domain.Exposure
	err := withRetry(ctx, g.log, "list exposures", func() error {
		rows, err := g.db.QueryContext(ctx, `SELECT symbol, up_stake, up_count, down_stake, down_count, interventions_applied FROM exposures`)
		if err != nil {
			return err
		}
		defer rows.Close()

		var result []domain.Exposure
		for rows.Next() {
			var e domain.Exposure
			if err := rows.Scan(&e.Symbol, &e.UpStake, &e.UpCount, &e.DownStake, &e.DownCount, &e.InterventionsApplied); err != nil {
				return err
			}
			result = append(result, e)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		out = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list exposures: %w", err)
	}
	return out, nil
}

// --- ActivityLog ---

// AppendActivityLog appends an immutable admin/risk activity record.
func (g *Gateway) AppendActivityLog(ctx context.Context, entry domain.ActivityLog) error {
	err := withRetry(ctx, g.log, "append activity log", func() error {
		_, err := g.db.ExecContext(ctx, `
			INSERT INTO activity_log (at, actor, action, symbol, detail) VALUES (?,?,?,?,?)
		`, entry.At.UTC().Format(time.RFC3339Nano), entry.Actor, entry.Action, entry.Symbol, entry.Detail)
		return err
	})
	if err != nil {
		return fmt.Errorf("append activity log: %w", err)
	}
	return nil
}

// LatestActivityLogID returns the id of the most recently appended
// activity-log row, so callers can report it back (spec §6: every admin
// control-surface call "returns an activity-log id").
func (g *Gateway) LatestActivityLogID(ctx context.Context) (int64, error) {
	var id int64
	err := withRetry(ctx, g.log, "latest activity log id", func() error {
		err := g.db.QueryRowContext(ctx, `SELECT id FROM activity_log ORDER BY id DESC LIMIT 1`).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nonRetryableError{err}
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("latest activity log id: %w", err)
	}
	return id, nil
}

// ActivityLogSince returns activity-log rows with id > afterID, oldest
// first, capped at limit rows. Used by the admin activity-log SSE tailer
// to poll for new rows without re-reading the whole table.
func (g *Gateway) ActivityLogSince(ctx context.Context, afterID int64, limit int) ([]domain.ActivityLog, error) {
	var out []domain.ActivityLog
	err := withRetry(ctx, g.log, "activity log since", func() error {
		rows, err := g.db.QueryContext(ctx, `
			SELECT id, at, actor, action, symbol, detail FROM activity_log
			WHERE id > ? ORDER BY id ASC LIMIT ?
		`, afterID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		var result []domain.ActivityLog
		for rows.Next() {
			var e domain.ActivityLog
			var at string
			if err := rows.Scan(&e.ID, &at, &e.Actor, &e.Action, &e.Symbol, &e.Detail); err != nil {
				return err
			}
			e.At, err = time.Parse(time.RFC3339Nano, at)
			if err != nil {
				return err
			}
			result = append(result, e)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		out = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("activity log since: %w", err)
	}
	return out, nil
}

// --- PriceHistory ---

// AppendPriceHistory writes one sampled price-history row (spec §4.B: "the
// mirror need not record every tick, but must record at least one row per
// second per active symbol"). Callers are expected to call this from a
// batched, rate-limited writer rather than per-tick.
func (g *Gateway) AppendPriceHistory(ctx context.Context, row domain.PriceHistory) error {
	err := withRetry(ctx, g.log, "append price history", func() error {
		_, err := g.db.ExecContext(ctx, `
			INSERT INTO price_history (symbol, timestamp, price, bid, ask, mode) VALUES (?,?,?,?,?,?)
		`, row.Symbol, row.Timestamp.UTC().Format(time.RFC3339Nano), row.Price, row.Bid, row.Ask, string(row.Mode))
		return err
	})
	if err != nil {
		return fmt.Errorf("append price history %s: %w", row.Symbol, err)
	}
	return nil
}

// TrimPriceHistoryBefore deletes price-history rows older than cutoff,
// bounding the table's growth under the retention job (spec §4.I).
func (g *Gateway) TrimPriceHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var rows int64
	err := withRetry(ctx, g.log, "trim price history", func() error {
		res, err := g.db.ExecContext(ctx, `DELETE FROM price_history WHERE timestamp < ?`, cutoff.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
		rows, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("trim price history before %s: %w", cutoff, err)
	}
	return rows, nil
}

// PriceHistoryRange returns symbol's price-history rows within [from, to].
func (g *Gateway) PriceHistoryRange(ctx context.Context, symbol string, from, to time.Time) ([]domain.PriceHistory, error) {
	var out []domain.PriceHistory
	err := withRetry(ctx, g.log, "price history range", func() error {
		rows, err := g.db.QueryContext(ctx, `
			SELECT symbol, timestamp, price, bid, ask, mode FROM price_history
			WHERE symbol = ? AND timestamp >= ? AND timestamp <= ?
			ORDER BY timestamp ASC
		`, symbol, from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
		defer rows.Close()

		var result []domain.PriceHistory
		for rows.Next() {
			var r domain.PriceHistory
			var ts, mode string
			if err := rows.Scan(&r.Symbol, &ts, &r.Price, &r.Bid, &r.Ask, &mode); err != nil {
				return err
			}
			r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
			r.Mode = domain.Mode(mode)
			result = append(result, r)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		out = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("price history range %s: %w", symbol, err)
	}
	return out, nil
}

// --- Positions ---

// CreatePosition inserts a newly placed OPEN position.
func (g *Gateway) CreatePosition(ctx context.Context, p domain.Position) error {
	err := withRetry(ctx, g.log, "create position", func() error {
		_, err := g.db.ExecContext(ctx, `
			INSERT INTO positions (
				id, user_id, symbol, direction, stake, entry_price, opened_at, expires_at,
				payout_percent, account_kind, status
			) VALUES (?,?,?,?,?,?,?,?,?,?,?)
		`, p.ID, p.User, p.Symbol, string(p.Direction), p.Stake, p.EntryPrice,
			p.OpenedAt.UTC().Format(time.RFC3339Nano), p.ExpiresAt.UTC().Format(time.RFC3339Nano),
			p.PayoutPercent, string(p.AccountKind), string(domain.StatusOpen))
		return err
	})
	if err != nil {
		return fmt.Errorf("create position %s: %w", p.ID, err)
	}
	return nil
}

// SettlePosition atomically transitions positionID from OPEN to CLOSED
// with its result (spec §4.I: "a single atomic update keyed by position
// id"). The WHERE clause enforces the OPEN precondition, preventing
// double-settlement.
func (g *Gateway) SettlePosition(ctx context.Context, positionID string, result domain.PositionResult, exitPrice, pnl float64, at time.Time) error {
	var rowsAffected int64
	err := withRetry(ctx, g.log, "settle position", func() error {
		res, err := g.db.ExecContext(ctx, `
			UPDATE positions
			SET status = ?, result = ?, exit_price = ?, pnl = ?, settled_at = ?
			WHERE id = ? AND status = ?
		`, string(domain.StatusClosed), string(result), exitPrice, pnl, at.UTC().Format(time.RFC3339Nano),
			positionID, string(domain.StatusOpen))
		if err != nil {
			return err
		}
		rowsAffected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("settle position %s: %w", positionID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("settle position %s: already settled or missing", positionID)
	}
	return nil
}

// StatusOf returns positionID's current status (used by the admin control
// plane's force_trade_outcome precondition).
func (g *Gateway) StatusOf(ctx context.Context, positionID string) (domain.PositionStatus, error) {
	var status string
	err := withRetry(ctx, g.log, "status of position", func() error {
		err := g.db.QueryRowContext(ctx, `SELECT status FROM positions WHERE id = ?`, positionID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return nonRetryableError{err}
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("status of position %s: %w", positionID, err)
	}
	return domain.PositionStatus(status), nil
}

// OpenPositionsPastExpiry returns every OPEN position whose expires_at has
// already passed at now (spec §4.F crash recovery).
func (g *Gateway) OpenPositionsPastExpiry(ctx context.Context, now time.Time) ([]domain.Position, error) {
	var out []domain.Position
	err := withRetry(ctx, g.log, "open positions past expiry", func() error {
		rows, err := g.db.QueryContext(ctx, `
			SELECT id, user_id, symbol, direction, stake, entry_price, opened_at, expires_at, payout_percent, account_kind
			FROM positions WHERE status = ? AND expires_at < ?
		`, string(domain.StatusOpen), now.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
		defer rows.Close()

		var result []domain.Position
		for rows.Next() {
			var p domain.Position
			var direction, openedAt, expiresAt, accountKind string
			if err := rows.Scan(&p.ID, &p.User, &p.Symbol, &direction, &p.Stake, &p.EntryPrice, &openedAt, &expiresAt, &p.PayoutPercent, &accountKind); err != nil {
				return err
			}
			p.Direction = domain.Direction(direction)
			p.AccountKind = domain.AccountKind(accountKind)
			p.OpenedAt, _ = time.Parse(time.RFC3339Nano, openedAt)
			p.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
			p.Status = domain.StatusOpen
			result = append(result, p)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		out = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open positions past expiry: %w", err)
	}
	return out, nil
}

// --- Wallets ---

// ErrInsufficientBalance is returned by DebitWallet when user's account
// balance cannot cover amount.
var ErrInsufficientBalance = fmt.Errorf("insufficient wallet balance")

// WalletBalance returns user's current balance for accountKind, or zero if
// no wallet row exists yet.
func (g *Gateway) WalletBalance(ctx context.Context, user string, accountKind domain.AccountKind) (float64, error) {
	var balance float64
	found := true
	err := withRetry(ctx, g.log, "wallet balance", func() error {
		err := g.db.QueryRowContext(ctx, `
			SELECT balance FROM user_wallets WHERE user_id = ? AND account_kind = ?
		`, user, string(accountKind)).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("wallet balance for %s/%s: %w", user, accountKind, err)
	}
	if !found {
		return 0, nil
	}
	return balance, nil
}

// DebitWallet atomically subtracts amount from user's accountKind balance,
// failing with ErrInsufficientBalance rather than letting the balance go
// negative (spec §6: place_trade "rejects if... wallet insufficient").
func (g *Gateway) DebitWallet(ctx context.Context, user string, accountKind domain.AccountKind, amount float64, at time.Time) error {
	var rowsAffected int64
	err := withRetry(ctx, g.log, "debit wallet", func() error {
		res, err := g.db.ExecContext(ctx, `
			UPDATE user_wallets SET balance = balance - ?, updated_at = ?
			WHERE user_id = ? AND account_kind = ? AND balance >= ?
		`, amount, at.UTC().Format(time.RFC3339Nano), user, string(accountKind), amount)
		if err != nil {
			return err
		}
		rowsAffected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("debit wallet for %s/%s: %w", user, accountKind, err)
	}
	if rowsAffected == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// CreditWallet atomically adds amount to user's accountKind balance,
// creating the wallet row with that opening balance if none exists.
func (g *Gateway) CreditWallet(ctx context.Context, user string, accountKind domain.AccountKind, amount float64, at time.Time) error {
	err := withRetry(ctx, g.log, "credit wallet", func() error {
		_, err := g.db.ExecContext(ctx, `
			INSERT INTO user_wallets (user_id, account_kind, balance, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id, account_kind) DO UPDATE SET
				balance = balance + excluded.balance, updated_at = excluded.updated_at
		`, user, string(accountKind), amount, at.UTC().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return fmt.Errorf("credit wallet for %s/%s: %w", user, accountKind, err)
	}
	return nil
}
