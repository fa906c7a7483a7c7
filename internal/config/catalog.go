package config

import (
	"fmt"
	"strings"

	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Catalog is the operator-maintained list of receiving accounts plus the
// VIP tier table. It is read at startup and on an explicit reload.
type Catalog struct {
	Accounts []*domain.ReceivingAccount
	Tiers    domain.VipPolicy
}

type catalogFile struct {
	Accounts []accountEntry      `mapstructure:"accounts"`
	Tiers    map[string]tierSpec `mapstructure:"vip_tiers"`
}

// limits are strings so YAML numbers and quoted decimals both decode exactly
type accountEntry struct {
	AccountID     string `mapstructure:"account_id"`
	BankCode      string `mapstructure:"bank_code"`
	AccountNumber string `mapstructure:"account_number"`
	Currency      string `mapstructure:"currency"`
	DailyLimit    string `mapstructure:"daily_limit"`
	MonthlyLimit  string `mapstructure:"monthly_limit"`
	Status        string `mapstructure:"status"`
}

type tierSpec struct {
	PerTransaction string `mapstructure:"per_transaction"`
	PerDay         string `mapstructure:"per_day"`
}

func LoadCatalog(path string) (*Catalog, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	var f catalogFile
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	cat := &Catalog{Tiers: domain.VipPolicy{}}
	seen := map[string]bool{}
	for _, e := range f.Accounts {
		if e.AccountID == "" {
			return nil, fmt.Errorf("catalog account without account_id")
		}
		if seen[e.AccountID] {
			return nil, fmt.Errorf("duplicate catalog account %s", e.AccountID)
		}
		seen[e.AccountID] = true

		daily, err := positive(e.DailyLimit)
		if err != nil {
			return nil, fmt.Errorf("account %s daily_limit: %w", e.AccountID, err)
		}
		monthly, err := positive(e.MonthlyLimit)
		if err != nil {
			return nil, fmt.Errorf("account %s monthly_limit: %w", e.AccountID, err)
		}

		status := domain.AccountActive
		if strings.EqualFold(e.Status, string(domain.AccountDisabled)) {
			status = domain.AccountDisabled
		}
		currency := strings.ToUpper(e.Currency)
		if currency == "" {
			currency = "THB"
		}

		cat.Accounts = append(cat.Accounts, &domain.ReceivingAccount{
			AccountID:     e.AccountID,
			BankCode:      e.BankCode,
			AccountNumber: e.AccountNumber,
			Currency:      currency,
			DailyLimit:    daily,
			MonthlyLimit:  monthly,
			DailyUsed:     decimal.Zero,
			MonthlyUsed:   decimal.Zero,
			Status:        status,
		})
	}

	for name, t := range f.Tiers {
		per, err := positive(t.PerTransaction)
		if err != nil {
			return nil, fmt.Errorf("tier %s per_transaction: %w", name, err)
		}
		day, err := positive(t.PerDay)
		if err != nil {
			return nil, fmt.Errorf("tier %s per_day: %w", name, err)
		}
		cat.Tiers[strings.ToLower(name)] = domain.TierLimits{PerTransaction: per, PerDay: day}
	}
	if _, ok := cat.Tiers["default"]; !ok {
		return nil, fmt.Errorf("catalog must define a default vip tier")
	}

	return cat, nil
}

func positive(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}
