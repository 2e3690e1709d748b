package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SignUp creates a user, grants the configurable signup bonus once, and
// consumes a matching referral invitation when one exists. The invitee only
// ever receives the signup bonus; the referral bonus goes to the inviter.
// referralToken may be empty, in which case the newest PENDING invitation for
// the email (if any) is used.
func (service *Service) SignUp(ctx context.Context, email EmailAddress, displayName string, referralToken string, settings Settings) (User, error) {
	now := service.nowFn()
	user := User{
		ID:          uuid.NewString(),
		Email:       email.String(),
		DisplayName: displayName,
		// The signup bonus covers the first month; the monthly refresh
		// starts counting from registration.
		LastCreditRefreshAt: &now,
		CreatedAt:           now,
	}
	operationError := service.store.CreateUser(ctx, user)
	service.logOperation(ctx, OperationLog{
		Operation: operationSignup,
		UserID:    user.ID,
		Error:     operationError,
	})
	if operationError != nil {
		return User{}, operationError
	}
	userID, err := NewUserID(user.ID)
	if err != nil {
		return User{}, err
	}
	if err := service.GrantSignupBonus(ctx, userID, settings); err != nil && !errors.Is(err, ErrDuplicateIdempotencyKey) {
		return User{}, err
	}
	// A missing or unusable invitation never fails the signup itself.
	if err := service.consumeReferralOnSignup(ctx, userID, email, referralToken, settings); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationAcceptInvitation,
			UserID:    user.ID,
			Status:    operationStatusError,
			Error:     err,
		})
	}
	return service.store.GetUser(ctx, user.ID)
}

// GrantSignupBonus credits the signup bonus exactly once per user, keyed by
// the user id. A zero bonus setting is a no-op.
func (service *Service) GrantSignupBonus(ctx context.Context, userID UserID, settings Settings) error {
	if settings.SignupBonusCredits <= 0 {
		return nil
	}
	amount, err := NewCredits(settings.SignupBonusCredits)
	if err != nil {
		return err
	}
	key, err := NewIdempotencyKey(idempotencyPrefixSignup + userID.String())
	if err != nil {
		return err
	}
	return service.GrantCredits(ctx, GrantInput{
		UserID:         userID,
		Amount:         amount,
		IdempotencyKey: key,
		Description:    descriptionSignupBonus,
	})
}

// CreateInvitation stores a PENDING invitation with a fresh unguessable token
// and emails the invitee. Email delivery is best-effort.
func (service *Service) CreateInvitation(ctx context.Context, inviterID UserID, invitedEmail EmailAddress, settings Settings) (Invitation, error) {
	invitation := Invitation{
		ID:             "rinv_" + uuid.NewString(),
		Token:          uuid.NewString(),
		InviterUserID:  inviterID.String(),
		InvitedEmail:   invitedEmail.String(),
		Status:         InvitationPending,
		CreditsAwarded: settings.ReferralBonusCredits,
		CreatedAt:      service.nowFn(),
	}
	operationError := service.store.CreateInvitation(ctx, invitation)
	service.logOperation(ctx, OperationLog{
		Operation:   operationCreateInvitation,
		UserID:      inviterID.String(),
		Description: invitation.InvitedEmail,
		Error:       operationError,
	})
	if operationError != nil {
		return Invitation{}, operationError
	}
	if service.mailer != nil {
		inviter, err := service.store.GetUser(ctx, inviterID.String())
		inviterName := "Someone"
		if err == nil && inviter.DisplayName != "" {
			inviterName = inviter.DisplayName
		}
		subject := fmt.Sprintf("%s invited you", inviterName)
		body := fmt.Sprintf("<p>%s invited you to join. Use invitation token <b>%s</b> when signing up.</p>", inviterName, invitation.Token)
		if err := service.mailer.Send(ctx, invitation.InvitedEmail, subject, body); err != nil {
			service.logOperation(ctx, OperationLog{
				Operation:   operationCreateInvitation,
				UserID:      inviterID.String(),
				Description: "invitation email failed",
				Status:      operationStatusError,
				Error:       err,
			})
		}
	}
	return invitation, nil
}

// AcceptInvitation resolves a token to a PENDING invitation and accepts it on
// behalf of the invitee: the invitation moves to ACCEPTED, the invitee is
// linked to the inviter, and the inviter is credited the referral bonus
// exactly once. The bonus entry is keyed by the invitation id, so replayed
// accept calls cannot double-grant regardless of interleaving.
func (service *Service) AcceptInvitation(ctx context.Context, token string, inviteeID UserID, settings Settings) error {
	invitation, err := service.store.GetInvitationByToken(ctx, token)
	if err != nil {
		return err
	}
	operationError := service.acceptResolvedInvitation(ctx, invitation, inviteeID, settings)
	service.logOperation(ctx, OperationLog{
		Operation:      operationAcceptInvitation,
		UserID:         inviteeID.String(),
		Amount:         settings.ReferralBonusCredits,
		IdempotencyKey: idempotencyPrefixReferral + invitation.ID,
		Error:          operationError,
	})
	return operationError
}

// ListInvitations returns the invitations a user has sent.
func (service *Service) ListInvitations(ctx context.Context, inviterID UserID) ([]Invitation, error) {
	return service.store.ListInvitationsByInviter(ctx, inviterID.String())
}

// consumeReferralOnSignup looks up the invitation a new signup presented,
// preferring token+email, falling back to the newest PENDING invitation for
// the email. No invitation found is not an error.
func (service *Service) consumeReferralOnSignup(ctx context.Context, inviteeID UserID, email EmailAddress, referralToken string, settings Settings) error {
	var invitation Invitation
	var err error
	if referralToken != "" {
		invitation, err = service.store.GetInvitationByToken(ctx, referralToken)
		if err == nil && invitation.InvitedEmail != email.String() {
			err = ErrInvitationNotFound
		}
	} else {
		invitation, err = service.store.FindPendingInvitationByEmail(ctx, email.String())
	}
	if errors.Is(err, ErrInvitationNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return service.acceptResolvedInvitation(ctx, invitation, inviteeID, settings)
}

func (service *Service) acceptResolvedInvitation(ctx context.Context, invitation Invitation, inviteeID UserID, settings Settings) error {
	if invitation.Status != InvitationPending {
		return ErrInvitationNotPending
	}
	// An expired PENDING invitation is refused but left PENDING; there is no
	// background job moving it to EXPIRED.
	if invitation.ExpiresAt != nil && invitation.ExpiresAt.Before(service.nowFn()) {
		return ErrInvitationExpired
	}
	bonus := settings.ReferralBonusCredits
	grantToInviter := bonus > 0 && invitation.InviterUserID != "" && invitation.InviterUserID != inviteeID.String()
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := txStore.UpdateInvitationStatus(ctx, invitation.ID, InvitationPending, InvitationAccepted, bonus); err != nil {
			return err
		}
		if err := txStore.SetReferralUser(ctx, inviteeID.String(), invitation.InviterUserID); err != nil {
			return err
		}
		if !grantToInviter {
			return nil
		}
		err := txStore.InsertTransaction(ctx, Transaction{
			ID:              idempotencyPrefixReferral + invitation.ID,
			UserID:          invitation.InviterUserID,
			Amount:          bonus,
			RemainingAmount: bonus,
			Type:            EntryPurchase,
			Description:     fmt.Sprintf("Referral bonus for inviting %s", invitation.InvitedEmail),
			CreatedAt:       service.nowFn(),
		})
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			// Bonus already granted by an earlier partial run; keep the
			// status transition without bumping the aggregate again.
			grantToInviter = false
			return nil
		}
		if err != nil {
			return err
		}
		return txStore.AdjustUserCredits(ctx, invitation.InviterUserID, bonus)
	})
	if operationError != nil {
		return operationError
	}
	if grantToInviter {
		service.refreshSessions(ctx, invitation.InviterUserID)
	}
	service.refreshSessions(ctx, inviteeID.String())
	return nil
}
