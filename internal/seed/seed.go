// Package seed writes the default settings a fresh deployment needs before an
// administrator has touched anything.
package seed

import (
	"context"
	"errors"
	"strconv"

	"github.com/lumenapps/creditledger/pkg/ledger"
)

const (
	defaultSignupBonusCredits   = 30
	defaultReferralBonusCredits = 10
	defaultMonthlyFreeCredits   = 10
	defaultCreditsPerEuro       = 100
)

// Defaults fills in any setting that has no stored value yet. Existing values
// are never overwritten.
func Defaults(ctx context.Context, store ledger.Store) error {
	defaults := map[string]int64{
		ledger.SettingSignupBonusCredits:   defaultSignupBonusCredits,
		ledger.SettingReferralBonusCredits: defaultReferralBonusCredits,
		ledger.SettingMonthlyFreeCredits:   defaultMonthlyFreeCredits,
		ledger.SettingCreditsPerEuro:       defaultCreditsPerEuro,
	}
	for key, value := range defaults {
		_, err := store.GetSetting(ctx, key)
		if err == nil {
			continue
		}
		if !errors.Is(err, ledger.ErrSettingNotFound) {
			return err
		}
		if err := store.UpsertSetting(ctx, key, strconv.FormatInt(value, 10)); err != nil {
			return err
		}
	}
	return nil
}
