package storage

import (
	"encoding/json"
	"fmt"

	"polymarket-copytrader/models"

	"github.com/shopspring/decimal"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// configSettings is the JSON form of the policy fields of a FollowerConfig.
// Identity and routing columns are stored separately so they can be indexed.
func marshalSettings(cfg models.FollowerConfig) ([]byte, error) {
	return json.Marshal(cfg)
}

func unmarshalSettings(id, accountID, leaderID int64, enabled bool, raw []byte) (models.FollowerConfig, error) {
	var cfg models.FollowerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode follower config %d: %w", id, err)
	}
	cfg.ID, cfg.AccountID, cfg.LeaderID, cfg.Enabled = id, accountID, leaderID, enabled
	return cfg, nil
}

func parseDecimals(dst []*decimal.Decimal, src ...string) error {
	for i, s := range src {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("parse decimal %q: %w", s, err)
		}
		*dst[i] = v
	}
	return nil
}
