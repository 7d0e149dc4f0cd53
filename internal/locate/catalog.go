package locate

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// catalogEntry is one row of a market-rule catalog file: a declarative
// instantiation of one of the rule templates below, parameterized per
// market instead of hardcoded in Go.
type catalogEntry struct {
	Market            string  `mapstructure:"market"`
	Type              string  `mapstructure:"type"`
	Priority          int     `mapstructure:"priority"`
	MaxQuantity       string  `mapstructure:"max_quantity"`
	MinInventoryRatio float64 `mapstructure:"min_inventory_ratio"`
}

type catalogFile struct {
	Rules []catalogEntry `mapstructure:"rules"`
}

// LoadCatalog reads a declarative rule catalog from rulesPath (a YAML file
// naming, per market, which of AutoApprovalRule/InsufficientInventoryRule to
// instantiate and at what priority). It returns (nil, nil) if rulesPath is
// empty or does not exist, so callers can fall back to a hardcoded default
// catalog rather than treating an absent file as an error.
func LoadCatalog(rulesPath string) ([]Rule, error) {
	if rulesPath == "" {
		return nil, nil
	}
	if _, err := os.Stat(rulesPath); err != nil {
		return nil, nil
	}

	v := viper.New()
	v.SetConfigFile(rulesPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("locate: read rule catalog %s: %w", rulesPath, err)
	}

	var file catalogFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("locate: parse rule catalog %s: %w", rulesPath, err)
	}

	rules := make([]Rule, 0, len(file.Rules))
	for _, e := range file.Rules {
		switch e.Type {
		case "INSUFFICIENT_INVENTORY":
			rules = append(rules, InsufficientInventoryRule(e.Market, e.Priority))
		case "AUTO_APPROVAL_THRESHOLD":
			maxQty, err := decimal.NewFromString(e.MaxQuantity)
			if err != nil {
				return nil, fmt.Errorf("locate: rule catalog %s: market %q: max_quantity: %w", rulesPath, e.Market, err)
			}
			rules = append(rules, AutoApprovalRule(e.Market, e.Priority, maxQty, e.MinInventoryRatio))
		default:
			return nil, fmt.Errorf("locate: rule catalog %s: unknown rule type %q", rulesPath, e.Type)
		}
	}
	return rules, nil
}
