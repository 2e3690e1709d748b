package seed

import (
	"context"
	"testing"

	"github.com/lumenapps/creditledger/pkg/ledger"
)

type settingsStore struct {
	ledger.Store
	values map[string]string
}

func (store *settingsStore) GetSetting(_ context.Context, key string) (string, error) {
	value, ok := store.values[key]
	if !ok {
		return "", ledger.ErrSettingNotFound
	}
	return value, nil
}

func (store *settingsStore) UpsertSetting(_ context.Context, key string, value string) error {
	store.values[key] = value
	return nil
}

func TestDefaultsFillOnlyMissingSettings(test *testing.T) {
	test.Parallel()
	store := &settingsStore{values: map[string]string{
		ledger.SettingSignupBonusCredits: "99",
	}}

	if err := Defaults(context.Background(), store); err != nil {
		test.Fatalf("seed defaults: %v", err)
	}
	if got := store.values[ledger.SettingSignupBonusCredits]; got != "99" {
		test.Fatalf("existing setting overwritten: %q", got)
	}
	if got := store.values[ledger.SettingReferralBonusCredits]; got != "10" {
		test.Fatalf("expected referral default 10, got %q", got)
	}
	if got := store.values[ledger.SettingMonthlyFreeCredits]; got != "10" {
		test.Fatalf("expected monthly default 10, got %q", got)
	}
	if got := store.values[ledger.SettingCreditsPerEuro]; got != "100" {
		test.Fatalf("expected euro rate default 100, got %q", got)
	}
}
