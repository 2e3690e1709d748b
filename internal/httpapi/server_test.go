package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lumenapps/creditledger/internal/obs"
	"github.com/lumenapps/creditledger/internal/seed"
	"github.com/lumenapps/creditledger/internal/sessioncache"
	"github.com/lumenapps/creditledger/internal/store/gormstore"
	"github.com/lumenapps/creditledger/pkg/ledger"
)

type testEnv struct {
	server *httptest.Server
	store  *gormstore.Store
}

func newTestEnv(test *testing.T) *testEnv {
	test.Helper()
	databasePath := filepath.Join(test.TempDir(), "api_test.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		test.Fatalf("auto migrate: %v", err)
	}
	store := gormstore.New(db)
	if err := seed.Defaults(context.Background(), store); err != nil {
		test.Fatalf("seed defaults: %v", err)
	}
	metrics := obs.NewMetrics()
	sessions := sessioncache.NewSessions(time.Hour)
	sweep := NewSessionSweep(store, sessions, metrics)
	service, err := ledger.NewService(store, func() time.Time { return time.Now().UTC() },
		ledger.WithSessionRefresher(sweep))
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	apiServer := NewServer(Config{SessionSigningKey: "test-signing-key"}, zap.NewNop(), service, sessions, metrics)
	httpServer := httptest.NewServer(apiServer.Router())
	test.Cleanup(httpServer.Close)
	return &testEnv{server: httpServer, store: store}
}

func (env *testEnv) do(test *testing.T, method string, path string, cookie *http.Cookie, payload any) (*http.Response, []byte) {
	test.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			test.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	request, err := http.NewRequest(method, env.server.URL+path, body)
	if err != nil {
		test.Fatalf("build request: %v", err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		request.AddCookie(cookie)
	}
	response, err := env.server.Client().Do(request)
	if err != nil {
		test.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		test.Fatalf("read body: %v", err)
	}
	return response, raw
}

type walletEnvelope struct {
	Wallet struct {
		CurrentCredits int64            `json:"current_credits"`
		Transactions   []map[string]any `json:"transactions"`
	} `json:"wallet"`
}

func decodeWallet(test *testing.T, raw []byte) walletEnvelope {
	test.Helper()
	var envelope walletEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		test.Fatalf("decode wallet: %v (%s)", err, raw)
	}
	return envelope
}

func errorCode(test *testing.T, raw []byte) string {
	test.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		test.Fatalf("decode error: %v (%s)", err, raw)
	}
	return envelope.Error.Code
}

func sessionCookie(test *testing.T, response *http.Response) *http.Cookie {
	test.Helper()
	for _, cookie := range response.Cookies() {
		if cookie.Name == "session" && cookie.Value != "" {
			return cookie
		}
	}
	test.Fatal("expected a session cookie")
	return nil
}

func (env *testEnv) signup(test *testing.T, email string, displayName string, referralToken string) (*http.Cookie, walletEnvelope) {
	test.Helper()
	payload := map[string]any{"email": email, "display_name": displayName}
	if referralToken != "" {
		payload["referral_token"] = referralToken
	}
	response, raw := env.do(test, http.MethodPost, "/api/signup", nil, payload)
	if response.StatusCode != http.StatusCreated {
		test.Fatalf("signup status %d: %s", response.StatusCode, raw)
	}
	return sessionCookie(test, response), decodeWallet(test, raw)
}

func TestSignupWalletAndConsumeFlow(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)

	cookie, wallet := env.signup(test, "demo@example.com", "Demo", "")
	if wallet.Wallet.CurrentCredits != 30 {
		test.Fatalf("expected 30 signup credits, got %d", wallet.Wallet.CurrentCredits)
	}

	response, raw := env.do(test, http.MethodGet, "/api/wallet", cookie, nil)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("wallet status %d: %s", response.StatusCode, raw)
	}
	if got := decodeWallet(test, raw).Wallet.CurrentCredits; got != 30 {
		test.Fatalf("expected 30 credits, got %d", got)
	}

	response, raw = env.do(test, http.MethodPost, "/api/consume", cookie, map[string]any{"amount": 10, "description": "render"})
	if response.StatusCode != http.StatusOK {
		test.Fatalf("consume status %d: %s", response.StatusCode, raw)
	}
	var consumed struct {
		CurrentCredits int64 `json:"current_credits"`
	}
	if err := json.Unmarshal(raw, &consumed); err != nil {
		test.Fatalf("decode consume: %v", err)
	}
	if consumed.CurrentCredits != 20 {
		test.Fatalf("expected 20 credits after consume, got %d", consumed.CurrentCredits)
	}

	response, raw = env.do(test, http.MethodPost, "/api/consume", cookie, map[string]any{"amount": 100})
	if response.StatusCode != http.StatusPaymentRequired {
		test.Fatalf("expected 402 for overdraft, got %d: %s", response.StatusCode, raw)
	}
	if code := errorCode(test, raw); code != "insufficient_credits" {
		test.Fatalf("expected insufficient_credits, got %q", code)
	}

	response, raw = env.do(test, http.MethodGet, "/api/transactions", cookie, nil)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("transactions status %d: %s", response.StatusCode, raw)
	}
	var history struct {
		Transactions []map[string]any `json:"transactions"`
		Pagination   struct {
			Total int64 `json:"total"`
		} `json:"pagination"`
	}
	if err := json.Unmarshal(raw, &history); err != nil {
		test.Fatalf("decode history: %v", err)
	}
	if history.Pagination.Total != 2 {
		test.Fatalf("expected 2 ledger entries (bonus, usage), got %d", history.Pagination.Total)
	}
}

func TestWalletRequiresSession(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)

	response, _ := env.do(test, http.MethodGet, "/api/wallet", nil, nil)
	if response.StatusCode != http.StatusUnauthorized {
		test.Fatalf("expected 401 without session, got %d", response.StatusCode)
	}
	forged := &http.Cookie{Name: "session", Value: "not-a-token"}
	response, _ = env.do(test, http.MethodGet, "/api/wallet", forged, nil)
	if response.StatusCode != http.StatusUnauthorized {
		test.Fatalf("expected 401 for forged cookie, got %d", response.StatusCode)
	}
}

func TestSignupDuplicateEmailConflict(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)
	env.signup(test, "taken@example.com", "", "")

	response, raw := env.do(test, http.MethodPost, "/api/signup", nil, map[string]any{"email": "taken@example.com"})
	if response.StatusCode != http.StatusConflict {
		test.Fatalf("expected 409, got %d: %s", response.StatusCode, raw)
	}
}

func TestLoginUnknownEmail(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)

	response, _ := env.do(test, http.MethodPost, "/api/login", nil, map[string]any{"email": "nobody@example.com"})
	if response.StatusCode != http.StatusNotFound {
		test.Fatalf("expected 404, got %d", response.StatusCode)
	}
}

func TestReferralInvitationFlow(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)
	inviterCookie, _ := env.signup(test, "inviter@example.com", "Inviter", "")

	response, raw := env.do(test, http.MethodPost, "/api/invitations", inviterCookie, map[string]any{"email": "friend@example.com"})
	if response.StatusCode != http.StatusCreated {
		test.Fatalf("invitation status %d: %s", response.StatusCode, raw)
	}
	var invitation struct {
		Token  string `json:"token"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &invitation); err != nil {
		test.Fatalf("decode invitation: %v", err)
	}
	if invitation.Status != "PENDING" || invitation.Token == "" {
		test.Fatalf("unexpected invitation: %+v", invitation)
	}

	_, friendWallet := env.signup(test, "friend@example.com", "Friend", invitation.Token)
	if friendWallet.Wallet.CurrentCredits != 30 {
		test.Fatalf("invitee should only get the signup bonus, got %d", friendWallet.Wallet.CurrentCredits)
	}

	response, raw = env.do(test, http.MethodGet, "/api/wallet", inviterCookie, nil)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("inviter wallet status %d: %s", response.StatusCode, raw)
	}
	if got := decodeWallet(test, raw).Wallet.CurrentCredits; got != 40 {
		test.Fatalf("expected inviter at 40 (30 signup + 10 referral), got %d", got)
	}

	response, raw = env.do(test, http.MethodGet, "/api/invitations", inviterCookie, nil)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("list invitations status %d: %s", response.StatusCode, raw)
	}
	var invitations struct {
		Invitations []struct {
			Status string `json:"status"`
		} `json:"invitations"`
	}
	if err := json.Unmarshal(raw, &invitations); err != nil {
		test.Fatalf("decode invitations: %v", err)
	}
	if len(invitations.Invitations) != 1 || invitations.Invitations[0].Status != "ACCEPTED" {
		test.Fatalf("expected one accepted invitation, got %+v", invitations.Invitations)
	}
}

func TestReferralClaimStoresTokenCookie(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)

	response, _ := env.do(test, http.MethodGet, "/api/referral/claim?token=tok-123", nil, nil)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("claim status %d", response.StatusCode)
	}
	var claimed bool
	for _, cookie := range response.Cookies() {
		if cookie.Name == "referral_token" && cookie.Value == "tok-123" {
			claimed = true
		}
	}
	if !claimed {
		test.Fatal("expected referral_token cookie")
	}

	response, _ = env.do(test, http.MethodGet, "/api/referral/claim", nil, nil)
	if response.StatusCode != http.StatusBadRequest {
		test.Fatalf("expected 400 without token, got %d", response.StatusCode)
	}
}

func TestPurchasePackageReplayIsIdempotent(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)
	cookie, _ := env.signup(test, "buyer@example.com", "", "")
	payload := map[string]any{"package_id": "package-1", "payment_intent_id": "pi_1"}

	response, raw := env.do(test, http.MethodPost, "/api/purchases", cookie, payload)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("purchase status %d: %s", response.StatusCode, raw)
	}
	if got := decodeWallet(test, raw).Wallet.CurrentCredits; got != 530 {
		test.Fatalf("expected 530 after package purchase, got %d", got)
	}

	response, raw = env.do(test, http.MethodPost, "/api/purchases", cookie, payload)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("replay status %d: %s", response.StatusCode, raw)
	}
	if got := decodeWallet(test, raw).Wallet.CurrentCredits; got != 530 {
		test.Fatalf("expected replay to not double-credit, got %d", got)
	}

	response, _ = env.do(test, http.MethodPost, "/api/purchases", cookie, map[string]any{"package_id": "package-99", "payment_intent_id": "pi_2"})
	if response.StatusCode != http.StatusNotFound {
		test.Fatalf("expected 404 for unknown package, got %d", response.StatusCode)
	}
}

func TestMarketplacePurchaseFlow(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)
	cookie, _ := env.signup(test, "shopper@example.com", "", "")

	response, raw := env.do(test, http.MethodPost, "/api/marketplace/purchase", cookie, map[string]any{"item_id": "photo-restoration"})
	if response.StatusCode != http.StatusPaymentRequired {
		test.Fatalf("expected 402 with only signup credits, got %d: %s", response.StatusCode, raw)
	}

	if _, raw = env.do(test, http.MethodPost, "/api/purchases", cookie, map[string]any{"package_id": "package-1", "payment_intent_id": "pi_1"}); len(raw) == 0 {
		test.Fatal("expected purchase response")
	}

	response, raw = env.do(test, http.MethodPost, "/api/marketplace/purchase", cookie, map[string]any{"item_id": "photo-restoration"})
	if response.StatusCode != http.StatusOK {
		test.Fatalf("purchase status %d: %s", response.StatusCode, raw)
	}
	if got := decodeWallet(test, raw).Wallet.CurrentCredits; got != 480 {
		test.Fatalf("expected 480 after buying the component, got %d", got)
	}

	response, _ = env.do(test, http.MethodPost, "/api/marketplace/purchase", cookie, map[string]any{"item_id": "photo-restoration"})
	if response.StatusCode != http.StatusConflict {
		test.Fatalf("expected 409 for repeat purchase, got %d", response.StatusCode)
	}

	response, raw = env.do(test, http.MethodGet, "/api/marketplace", cookie, nil)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("marketplace status %d: %s", response.StatusCode, raw)
	}
	var catalog struct {
		Components []struct {
			ID    string `json:"id"`
			Owned bool   `json:"owned"`
		} `json:"components"`
	}
	if err := json.Unmarshal(raw, &catalog); err != nil {
		test.Fatalf("decode catalog: %v", err)
	}
	ownedSeen := false
	for _, component := range catalog.Components {
		if component.ID == "photo-restoration" && component.Owned {
			ownedSeen = true
		}
	}
	if !ownedSeen {
		test.Fatal("expected photo-restoration marked owned")
	}
}

func TestAdminSettingsRequireRole(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)
	userCookie, _ := env.signup(test, "plain@example.com", "", "")

	response, _ := env.do(test, http.MethodGet, "/api/admin/settings", userCookie, nil)
	if response.StatusCode != http.StatusForbidden {
		test.Fatalf("expected 403 for non-admin, got %d", response.StatusCode)
	}

	err := env.store.CreateUser(context.Background(), ledger.User{
		ID:        "admin-1",
		Email:     "admin@example.com",
		Roles:     []string{"admin"},
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		test.Fatalf("create admin: %v", err)
	}
	response, raw := env.do(test, http.MethodPost, "/api/login", nil, map[string]any{"email": "admin@example.com"})
	if response.StatusCode != http.StatusOK {
		test.Fatalf("admin login status %d: %s", response.StatusCode, raw)
	}
	adminCookie := sessionCookie(test, response)

	response, raw = env.do(test, http.MethodPut, "/api/admin/settings", adminCookie, map[string]any{"key": "referral_bonus_credits", "value": "25"})
	if response.StatusCode != http.StatusOK {
		test.Fatalf("update setting status %d: %s", response.StatusCode, raw)
	}

	response, raw = env.do(test, http.MethodPut, "/api/admin/settings", adminCookie, map[string]any{"key": "referral_bonus_credits", "value": "-1"})
	if response.StatusCode != http.StatusBadRequest {
		test.Fatalf("expected 400 for negative value, got %d", response.StatusCode)
	}

	response, raw = env.do(test, http.MethodGet, "/api/admin/settings", adminCookie, nil)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("list settings status %d: %s", response.StatusCode, raw)
	}
	var settings struct {
		Settings []struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		} `json:"settings"`
	}
	if err := json.Unmarshal(raw, &settings); err != nil {
		test.Fatalf("decode settings: %v", err)
	}
	found := false
	for _, setting := range settings.Settings {
		if setting.Key == "referral_bonus_credits" && setting.Value == "25" {
			found = true
		}
	}
	if !found {
		test.Fatalf("expected updated setting, got %+v", settings.Settings)
	}
}

func TestSessionEndpointAndLogout(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)
	cookie, _ := env.signup(test, "demo@example.com", "Demo", "")

	response, raw := env.do(test, http.MethodGet, "/api/session", cookie, nil)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("session status %d: %s", response.StatusCode, raw)
	}
	var session struct {
		Email          string `json:"email"`
		CurrentCredits int64  `json:"current_credits"`
	}
	if err := json.Unmarshal(raw, &session); err != nil {
		test.Fatalf("decode session: %v", err)
	}
	if session.Email != "demo@example.com" || session.CurrentCredits != 30 {
		test.Fatalf("unexpected session payload: %+v", session)
	}

	response, _ = env.do(test, http.MethodPost, "/api/logout", cookie, nil)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("logout status %d", response.StatusCode)
	}
}

func TestHealthz(test *testing.T) {
	test.Parallel()
	env := newTestEnv(test)

	response, _ := env.do(test, http.MethodGet, "/healthz", nil, nil)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("expected 200, got %d", response.StatusCode)
	}
}
