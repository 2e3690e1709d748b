package ledger

const (
	operationGrant            = "grant"
	operationConsume          = "consume"
	operationSweep            = "sweep"
	operationMonthlyRefresh   = "monthly_refresh"
	operationSignup           = "signup"
	operationCreateInvitation = "create_invitation"
	operationAcceptInvitation = "accept_invitation"
	operationPurchaseItem     = "purchase_item"
	operationReconcile        = "reconcile"
	operationUpdateSetting    = "update_setting"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyPrefixSignup   = "signup:"
	idempotencyPrefixReferral = "referral:"
	idempotencyPrefixPurchase = "purchase:"

	descriptionSignupBonus    = "Sign-up bonus"
	descriptionMonthlyRefresh = "Free monthly credits"

	// Settings keys. Values are stored as strings and coerced to numbers at
	// read time; unparseable values fall back to zero.
	SettingSignupBonusCredits   = "default_registration_credits"
	SettingReferralBonusCredits = "referral_bonus_credits"
	SettingMonthlyFreeCredits   = "free_monthly_credits"
	SettingCreditsPerEuro       = "credits_per_eur"
)
