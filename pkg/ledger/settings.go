package ledger

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// Settings is a point-in-time snapshot of the tunable business parameters.
// It is loaded once per request and passed explicitly through the call chain
// so the rules a bonus path depends on are visible at the call site.
type Settings struct {
	SignupBonusCredits   int64
	ReferralBonusCredits int64
	MonthlyFreeCredits   int64
	CreditsPerEuro       int64
}

// LoadSettings reads the current settings snapshot. Missing or unparseable
// values coerce to zero; the monthly free-credit amount falls back to the
// signup bonus when it has no explicit value.
func (service *Service) LoadSettings(ctx context.Context) (Settings, error) {
	signupBonus, err := service.numberSetting(ctx, SettingSignupBonusCredits)
	if err != nil {
		return Settings{}, err
	}
	referralBonus, err := service.numberSetting(ctx, SettingReferralBonusCredits)
	if err != nil {
		return Settings{}, err
	}
	creditsPerEuro, err := service.numberSetting(ctx, SettingCreditsPerEuro)
	if err != nil {
		return Settings{}, err
	}
	monthlyFree, err := service.monthlyFreeCredits(ctx, signupBonus)
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		SignupBonusCredits:   signupBonus,
		ReferralBonusCredits: referralBonus,
		MonthlyFreeCredits:   monthlyFree,
		CreditsPerEuro:       creditsPerEuro,
	}, nil
}

// UpdateSetting validates and stores one tunable parameter.
func (service *Service) UpdateSetting(ctx context.Context, key string, value string) error {
	trimmedKey := strings.TrimSpace(key)
	if trimmedKey == "" {
		return WrapError(operationUpdateSetting, "setting", "invalid_key", ErrInvalidSettingValue)
	}
	trimmedValue := strings.TrimSpace(value)
	parsed, err := strconv.ParseInt(trimmedValue, 10, 64)
	if err != nil || parsed < 0 {
		return WrapError(operationUpdateSetting, "setting", "invalid_value", ErrInvalidSettingValue)
	}
	return service.store.UpsertSetting(ctx, trimmedKey, trimmedValue)
}

// ListSettings returns every stored setting row.
func (service *Service) ListSettings(ctx context.Context) ([]Setting, error) {
	return service.store.ListSettings(ctx)
}

func (service *Service) numberSetting(ctx context.Context, key string) (int64, error) {
	raw, err := service.store.GetSetting(ctx, key)
	if errors.Is(err, ErrSettingNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	parsed, parseErr := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if parseErr != nil {
		return 0, nil
	}
	return parsed, nil
}

func (service *Service) monthlyFreeCredits(ctx context.Context, signupFallback int64) (int64, error) {
	raw, err := service.store.GetSetting(ctx, SettingMonthlyFreeCredits)
	if errors.Is(err, ErrSettingNotFound) {
		return signupFallback, nil
	}
	if err != nil {
		return 0, err
	}
	parsed, parseErr := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if parseErr != nil {
		return signupFallback, nil
	}
	return parsed, nil
}
