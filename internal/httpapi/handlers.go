package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lumenapps/creditledger/pkg/ledger"
)

const referralTokenCookie = "referral_token"

type signupRequest struct {
	Email         string `json:"email"`
	DisplayName   string `json:"display_name"`
	ReferralToken string `json:"referral_token"`
}

type loginRequest struct {
	Email string `json:"email"`
}

type consumeRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type purchasePackageRequest struct {
	PackageID       string `json:"package_id"`
	PaymentIntentID string `json:"payment_intent_id"`
}

type createInvitationRequest struct {
	Email string `json:"email"`
}

type acceptInvitationRequest struct {
	Token string `json:"token"`
}

type updateSettingRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (server *Server) handleSignup(ctx *gin.Context) {
	var request signupRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	email, err := ledger.NewEmailAddress(request.Email)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_email", "a valid email address is required"))
		return
	}
	referralToken := request.ReferralToken
	if referralToken == "" {
		if fromCookie, cookieErr := ctx.Cookie(referralTokenCookie); cookieErr == nil {
			referralToken = fromCookie
		}
	}
	settings, err := server.service.LoadSettings(ctx.Request.Context())
	if err != nil {
		server.internalError(ctx, "load settings", err)
		return
	}
	user, err := server.service.SignUp(ctx.Request.Context(), email, request.DisplayName, referralToken, settings)
	if errors.Is(err, ledger.ErrUserExists) {
		ctx.JSON(http.StatusConflict, errorResponse("user_exists", "an account with this email already exists"))
		return
	}
	if err != nil {
		server.internalError(ctx, "signup", err)
		return
	}
	// The one-shot referral token is spent regardless of whether it matched.
	ctx.SetCookie(referralTokenCookie, "", -1, "/", "", false, true)
	if err := server.mintSessionCookie(ctx, user); err != nil {
		server.internalError(ctx, "mint session", err)
		return
	}
	server.respondWithWallet(ctx, user.ID, http.StatusCreated)
}

func (server *Server) handleLogin(ctx *gin.Context) {
	var request loginRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	email, err := ledger.NewEmailAddress(request.Email)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_email", "a valid email address is required"))
		return
	}
	user, err := server.service.UserByEmail(ctx.Request.Context(), email)
	if errors.Is(err, ledger.ErrUserNotFound) {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "no account exists for this email"))
		return
	}
	if err != nil {
		server.internalError(ctx, "login", err)
		return
	}
	if err := server.mintSessionCookie(ctx, user); err != nil {
		server.internalError(ctx, "mint session", err)
		return
	}
	server.respondWithWallet(ctx, user.ID, http.StatusOK)
}

// handleReferralClaim stores the invitation token in a cookie so a later
// signup on this browser consumes it.
func (server *Server) handleReferralClaim(ctx *gin.Context) {
	token := ctx.Query("token")
	if token == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_token", "token query parameter is required"))
		return
	}
	ctx.SetCookie(referralTokenCookie, token, int((30 * 24 * time.Hour).Seconds()), "/", "", false, true)
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (server *Server) handleSession(ctx *gin.Context) {
	session, ok := getSession(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":         session.Snapshot.UserID,
		"email":           session.Snapshot.Email,
		"display_name":    session.Snapshot.DisplayName,
		"roles":           session.Snapshot.Roles,
		"current_credits": session.Snapshot.CurrentCredits,
	})
}

func (server *Server) handleLogout(ctx *gin.Context) {
	if session, ok := getSession(ctx); ok {
		server.sessions.Drop(session.SessionID)
	}
	ctx.SetCookie(server.config.SessionCookieName, "", -1, "/", "", false, true)
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (server *Server) handleWallet(ctx *gin.Context) {
	session, ok := getSession(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	server.respondWithWallet(ctx, session.Snapshot.UserID, http.StatusOK)
}

func (server *Server) handleTransactions(ctx *gin.Context) {
	session, ok := getSession(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	page, _ := strconv.Atoi(ctx.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "10"))
	userID, err := ledger.NewUserID(session.Snapshot.UserID)
	if err != nil {
		server.internalError(ctx, "session user id", err)
		return
	}
	transactions, pageInfo, err := server.service.TransactionHistory(ctx.Request.Context(), userID, page, limit)
	if err != nil {
		server.internalError(ctx, "list transactions", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transactions": transactionPayloads(transactions),
		"pagination": gin.H{
			"total":   pageInfo.Total,
			"pages":   pageInfo.Pages,
			"current": pageInfo.Current,
		},
	})
}

func (server *Server) handleConsume(ctx *gin.Context) {
	session, ok := getSession(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request consumeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := ledger.NewCredits(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be a positive integer"))
		return
	}
	description := request.Description
	if description == "" {
		description = "Credit usage"
	}
	userID, err := ledger.NewUserID(session.Snapshot.UserID)
	if err != nil {
		server.internalError(ctx, "session user id", err)
		return
	}
	freshBalance, err := server.service.ConsumeCredits(ctx.Request.Context(), userID, amount, description)
	if errors.Is(err, ledger.ErrInsufficientCredits) {
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "you do not have enough credits for this action"))
		return
	}
	if err != nil {
		server.internalError(ctx, "consume", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "success", "current_credits": freshBalance})
}

func (server *Server) handlePackages(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"packages": creditPackages})
}

// handlePurchasePackage turns a confirmed payment intent into a PURCHASE
// grant. The payment intent id keys the grant, so webhook replays and client
// retries cannot double-credit.
func (server *Server) handlePurchasePackage(ctx *gin.Context) {
	session, ok := getSession(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request purchasePackageRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	creditPackage, found := findCreditPackage(request.PackageID)
	if !found {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "unknown credit package"))
		return
	}
	if request.PaymentIntentID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payment_intent", "payment_intent_id is required"))
		return
	}
	userID, err := ledger.NewUserID(session.Snapshot.UserID)
	if err != nil {
		server.internalError(ctx, "session user id", err)
		return
	}
	amount, err := ledger.NewCredits(creditPackage.Credits)
	if err != nil {
		server.internalError(ctx, "package amount", err)
		return
	}
	key, err := ledger.NewIdempotencyKey("purchase:" + request.PaymentIntentID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payment_intent", "payment_intent_id is required"))
		return
	}
	expiresAt := time.Now().UTC().AddDate(creditsExpirationYears, 0, 0)
	err = server.service.GrantCredits(ctx.Request.Context(), ledger.GrantInput{
		UserID:          userID,
		Amount:          amount,
		IdempotencyKey:  key,
		Description:     "Purchased " + creditPackage.ID,
		ExpiresAt:       &expiresAt,
		PaymentIntentID: request.PaymentIntentID,
	})
	if err != nil && !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		server.internalError(ctx, "purchase grant", err)
		return
	}
	server.respondWithWallet(ctx, session.Snapshot.UserID, http.StatusOK)
}

func (server *Server) handleCreateInvitation(ctx *gin.Context) {
	session, ok := getSession(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request createInvitationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	email, err := ledger.NewEmailAddress(request.Email)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_email", "a valid email address is required"))
		return
	}
	inviterID, err := ledger.NewUserID(session.Snapshot.UserID)
	if err != nil {
		server.internalError(ctx, "session user id", err)
		return
	}
	settings, err := server.service.LoadSettings(ctx.Request.Context())
	if err != nil {
		server.internalError(ctx, "load settings", err)
		return
	}
	invitation, err := server.service.CreateInvitation(ctx.Request.Context(), inviterID, email, settings)
	if err != nil {
		server.internalError(ctx, "create invitation", err)
		return
	}
	ctx.JSON(http.StatusCreated, invitationPayload(invitation))
}

func (server *Server) handleListInvitations(ctx *gin.Context) {
	session, ok := getSession(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	inviterID, err := ledger.NewUserID(session.Snapshot.UserID)
	if err != nil {
		server.internalError(ctx, "session user id", err)
		return
	}
	invitations, err := server.service.ListInvitations(ctx.Request.Context(), inviterID)
	if err != nil {
		server.internalError(ctx, "list invitations", err)
		return
	}
	payloads := make([]gin.H, 0, len(invitations))
	for _, invitation := range invitations {
		payloads = append(payloads, invitationPayload(invitation))
	}
	ctx.JSON(http.StatusOK, gin.H{"invitations": payloads})
}

func (server *Server) handleAcceptInvitation(ctx *gin.Context) {
	session, ok := getSession(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request acceptInvitationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.Token == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "token is required"))
		return
	}
	inviteeID, err := ledger.NewUserID(session.Snapshot.UserID)
	if err != nil {
		server.internalError(ctx, "session user id", err)
		return
	}
	settings, err := server.service.LoadSettings(ctx.Request.Context())
	if err != nil {
		server.internalError(ctx, "load settings", err)
		return
	}
	err = server.service.AcceptInvitation(ctx.Request.Context(), request.Token, inviteeID, settings)
	switch {
	case errors.Is(err, ledger.ErrInvitationNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "invalid invitation token"))
	case errors.Is(err, ledger.ErrInvitationNotPending):
		ctx.JSON(http.StatusPreconditionFailed, errorResponse("already_used", "invitation has already been used"))
	case errors.Is(err, ledger.ErrInvitationExpired):
		ctx.JSON(http.StatusPreconditionFailed, errorResponse("expired", "invitation has expired"))
	case err != nil:
		server.internalError(ctx, "accept invitation", err)
	default:
		ctx.JSON(http.StatusOK, gin.H{"status": "accepted"})
	}
}

func (server *Server) handleMarketplace(ctx *gin.Context) {
	session, ok := getSession(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	userID, err := ledger.NewUserID(session.Snapshot.UserID)
	if err != nil {
		server.internalError(ctx, "session user id", err)
		return
	}
	owned, err := server.service.PurchasedItems(ctx.Request.Context(), userID)
	if err != nil {
		server.internalError(ctx, "list purchased items", err)
		return
	}
	ownedIDs := make(map[string]bool, len(owned))
	for _, item := range owned {
		if item.ItemType == itemTypeComponent {
			ownedIDs[item.ItemID] = true
		}
	}
	components := make([]gin.H, 0, len(marketplaceComponents))
	for _, component := range marketplaceComponents {
		components = append(components, gin.H{
			"id":          component.ID,
			"name":        component.Name,
			"description": component.Description,
			"credits":     component.Credits,
			"owned":       ownedIDs[component.ID],
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"components": components})
}

func (server *Server) handleMarketplacePurchase(ctx *gin.Context) {
	session, ok := getSession(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request struct {
		ItemID string `json:"item_id"`
	}
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	component, found := findMarketplaceComponent(request.ItemID)
	if !found {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "item not found"))
		return
	}
	userID, err := ledger.NewUserID(session.Snapshot.UserID)
	if err != nil {
		server.internalError(ctx, "session user id", err)
		return
	}
	cost, err := ledger.NewCredits(component.Credits)
	if err != nil {
		server.internalError(ctx, "component cost", err)
		return
	}
	err = server.service.PurchaseItem(ctx.Request.Context(), userID, itemTypeComponent, component.ID, component.Name, cost)
	switch {
	case errors.Is(err, ledger.ErrItemAlreadyOwned):
		ctx.JSON(http.StatusConflict, errorResponse("already_owned", "you already own this item"))
	case errors.Is(err, ledger.ErrInsufficientCredits):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "you do not have enough credits to purchase this item"))
	case err != nil:
		server.internalError(ctx, "marketplace purchase", err)
	default:
		server.respondWithWallet(ctx, session.Snapshot.UserID, http.StatusOK)
	}
}

func (server *Server) handleListSettings(ctx *gin.Context) {
	settings, err := server.service.ListSettings(ctx.Request.Context())
	if err != nil {
		server.internalError(ctx, "list settings", err)
		return
	}
	payload := make([]gin.H, 0, len(settings))
	for _, setting := range settings {
		payload = append(payload, gin.H{"key": setting.Key, "value": setting.Value})
	}
	ctx.JSON(http.StatusOK, gin.H{"settings": payload})
}

func (server *Server) handleUpdateSetting(ctx *gin.Context) {
	var request updateSettingRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	err := server.service.UpdateSetting(ctx.Request.Context(), request.Key, request.Value)
	if errors.Is(err, ledger.ErrInvalidSettingValue) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_setting", "value must be a non-negative integer"))
		return
	}
	if err != nil {
		server.internalError(ctx, "update setting", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (server *Server) respondWithWallet(ctx *gin.Context, userID string, status int) {
	parsedID, err := ledger.NewUserID(userID)
	if err != nil {
		server.internalError(ctx, "wallet user id", err)
		return
	}
	balance, err := server.service.Balance(ctx.Request.Context(), parsedID)
	if err != nil {
		server.internalError(ctx, "wallet balance", err)
		return
	}
	transactions, _, err := server.service.TransactionHistory(ctx.Request.Context(), parsedID, 1, 10)
	if err != nil {
		server.internalError(ctx, "wallet history", err)
		return
	}
	ctx.JSON(status, gin.H{
		"wallet": gin.H{
			"current_credits": balance.CurrentCredits,
			"transactions":    transactionPayloads(transactions),
		},
	})
}

// internalError hides infrastructure details from the client.
func (server *Server) internalError(ctx *gin.Context, where string, err error) {
	server.logger.Error("request failed", zap.String("where", where), zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "something went wrong"))
}

func transactionPayloads(transactions []ledger.Transaction) []gin.H {
	payloads := make([]gin.H, 0, len(transactions))
	for _, transaction := range transactions {
		payload := gin.H{
			"id":          transaction.ID,
			"amount":      transaction.Amount,
			"type":        transaction.Type.String(),
			"description": transaction.Description,
			"created_at":  transaction.CreatedAt.UTC(),
		}
		if transaction.ExpirationDate != nil {
			payload["expiration_date"] = transaction.ExpirationDate.UTC()
		}
		payloads = append(payloads, payload)
	}
	return payloads
}

func invitationPayload(invitation ledger.Invitation) gin.H {
	payload := gin.H{
		"id":              invitation.ID,
		"token":           invitation.Token,
		"invited_email":   invitation.InvitedEmail,
		"status":          invitation.Status.String(),
		"credits_awarded": invitation.CreditsAwarded,
		"created_at":      invitation.CreatedAt.UTC(),
	}
	if invitation.ExpiresAt != nil {
		payload["expires_at"] = invitation.ExpiresAt.UTC()
	}
	return payload
}
