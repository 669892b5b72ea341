package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LittleKai/alpha-studio-backend/internal/apperrors"
	"github.com/LittleKai/alpha-studio-backend/internal/logger"
	"github.com/LittleKai/alpha-studio-backend/internal/models"
	"github.com/LittleKai/alpha-studio-backend/internal/repository"
	"github.com/LittleKai/alpha-studio-backend/internal/repository/postgres"
	"github.com/LittleKai/alpha-studio-backend/internal/testutil"
)

// cassoPayload builds the provider envelope with the given memo text and
// amount, the way Casso posts it.
func cassoPayload(description string, amount int64) []byte {
	return []byte(fmt.Sprintf(`{
		"error": 0,
		"data": {
			"reference": "FT250938%06d",
			"description": %q,
			"amount": %d,
			"transactionDateTime": "2025-08-14 10:30:00"
		}
	}`, amount%1000000, description, amount))
}

func TestReconcile(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	inTx := func(t *testing.T, fn func(s *Service, storage repository.Storage)) {
		testutil.InTx(pg.Pool, t, func(tx pgx.Tx) {
			storage := postgres.NewStorage(tx)
			s := NewService(Config{}, storage, logger.NewNoOpLogger())

			fn(s, storage)
		})
	}

	createAccount := func(t *testing.T, storage repository.Storage) models.Account {
		t.Helper()

		account, err := storage.Account().CreateAccount(t.Context(), repository.CreateAccountParams{DisplayName: "payer"})
		require.NoError(t, err)
		return account
	}

	createAdmin := func(t *testing.T, storage repository.Storage) models.Account {
		t.Helper()

		admin, err := storage.Account().CreateAccount(t.Context(), repository.CreateAccountParams{
			DisplayName: "admin", Role: models.RoleAdmin,
		})
		require.NoError(t, err)
		return admin
	}

	createPending := func(t *testing.T, storage repository.Storage, accountID uuid.UUID, code string, amount int64) models.Transaction {
		t.Helper()

		expires := time.Now().Add(30 * time.Minute)
		tr, err := storage.Transaction().CreateTransaction(t.Context(), repository.CreateTransactionParams{
			AccountID:     &accountID,
			Kind:          models.KindTopup,
			Amount:        decimal.NewFromInt(amount),
			Credits:       amount / models.FallbackCreditRate,
			PaymentMethod: models.PaymentMethodBankTransfer,
			Description:   "Topup Starter",
			TransferCode:  code,
			ExpiresAt:     &expires,
		})
		require.NoError(t, err)
		return tr
	}

	t.Run("HandleWebhook", func(t *testing.T) {
		t.Run("settles a matching topup", func(t *testing.T) {
			inTx(t, func(s *Service, storage repository.Storage) {
				account := createAccount(t, storage)
				tr := createPending(t, storage, account.ID, "ALPHAX7K2M9", 100000)

				event, err := s.HandleWebhook(t.Context(), HandleWebhookParams{
					Payload:    cassoPayload("MBVCB.123.ALPHAX7K2M9.thanh toan", 100000),
					RemoteAddr: "203.0.113.9",
				})

				require.NoError(t, err)
				assert.Equal(t, models.WebhookMatched, event.Status)
				assert.Equal(t, "casso", event.Source)
				assert.Equal(t, "203.0.113.9", event.RemoteAddr)
				assert.Equal(t, "ALPHAX7K2M9", event.Parsed.Code)
				require.NotNil(t, event.MatchedTransactionID)
				assert.Equal(t, tr.ID, *event.MatchedTransactionID)
				require.NotNil(t, event.MatchedAccountID)
				assert.Equal(t, account.ID, *event.MatchedAccountID)

				settled, err := storage.Transaction().GetTransaction(t.Context(), tr.ID)
				require.NoError(t, err)
				assert.Equal(t, models.TransactionCompleted, settled.Status)
				require.NotNil(t, settled.MatchedEventID)
				assert.Equal(t, event.ID, *settled.MatchedEventID)
				assert.NotEmpty(t, settled.WebhookPayload, "settlement snapshots the raw payload")
				require.NotNil(t, settled.ProcessedAt)
				assert.Nil(t, settled.ProcessedBy, "automatic settlement has no admin")

				credited, err := storage.Account().GetAccount(t.Context(), account.ID)
				require.NoError(t, err)
				assert.Equal(t, tr.Credits, credited.Balance)
			})
		})

		t.Run("replayed delivery leaves the settlement alone", func(t *testing.T) {
			inTx(t, func(s *Service, storage repository.Storage) {
				account := createAccount(t, storage)
				tr := createPending(t, storage, account.ID, "ALPHAREPLAY", 100000)
				payload := cassoPayload("pay ALPHAREPLAY now", 100000)

				first, err := s.HandleWebhook(t.Context(), HandleWebhookParams{Payload: payload})
				require.NoError(t, err)
				require.Equal(t, models.WebhookMatched, first.Status)

				second, err := s.HandleWebhook(t.Context(), HandleWebhookParams{Payload: payload})
				require.NoError(t, err)
				assert.Equal(t, models.WebhookUnmatched, second.Status)
				assert.Contains(t, second.ProcessingNotes, "not pending")

				credited, err := storage.Account().GetAccount(t.Context(), account.ID)
				require.NoError(t, err)
				assert.Equal(t, tr.Credits, credited.Balance, "credits granted exactly once")
			})
		})

		t.Run("amount mismatch fails the transaction", func(t *testing.T) {
			inTx(t, func(s *Service, storage repository.Storage) {
				account := createAccount(t, storage)
				tr := createPending(t, storage, account.ID, "ALPHASHORT1", 100000)

				event, err := s.HandleWebhook(t.Context(), HandleWebhookParams{
					Payload: cassoPayload("pay ALPHASHORT1", 99999),
				})

				require.NoError(t, err)
				assert.Equal(t, models.WebhookError, event.Status)
				assert.Contains(t, event.ErrorMessage, "99999")

				after, err := storage.Transaction().GetTransaction(t.Context(), tr.ID)
				require.NoError(t, err)
				assert.Equal(t, models.TransactionFailed, after.Status, "even an off by one deviation must not auto credit")
				assert.Contains(t, after.FailedReason, "99999")

				unchanged, err := storage.Account().GetAccount(t.Context(), account.ID)
				require.NoError(t, err)
				assert.Zero(t, unchanged.Balance)
			})
		})

		t.Run("no code in description", func(t *testing.T) {
			inTx(t, func(s *Service, storage repository.Storage) {
				event, err := s.HandleWebhook(t.Context(), HandleWebhookParams{
					Payload: cassoPayload("tra lai tien thua", 50000),
				})

				require.NoError(t, err)
				assert.Equal(t, models.WebhookUnmatched, event.Status)
				assert.Contains(t, event.ProcessingNotes, "no transfer code")
			})
		})

		t.Run("code without a transaction", func(t *testing.T) {
			inTx(t, func(s *Service, storage repository.Storage) {
				event, err := s.HandleWebhook(t.Context(), HandleWebhookParams{
					Payload: cassoPayload("pay ALPHAGHOST9", 50000),
				})

				require.NoError(t, err)
				assert.Equal(t, models.WebhookUnmatched, event.Status)
				assert.Contains(t, event.ProcessingNotes, "ALPHAGHOST9")
			})
		})

		t.Run("malformed payload is logged as error", func(t *testing.T) {
			inTx(t, func(s *Service, storage repository.Storage) {
				event, err := s.HandleWebhook(t.Context(), HandleWebhookParams{
					Payload: []byte("not json at all"),
				})

				require.NoError(t, err, "a bad payload is the provider's problem, not ours")
				assert.Equal(t, models.WebhookError, event.Status)
				assert.Contains(t, event.ErrorMessage, "not valid json")
				assert.Equal(t, []byte("not json at all"), event.Payload, "raw body preserved for forensics")
			})
		})

		t.Run("provider error envelope", func(t *testing.T) {
			inTx(t, func(s *Service, storage repository.Storage) {
				event, err := s.HandleWebhook(t.Context(), HandleWebhookParams{
					Payload: []byte(`{"error": 401, "data": null}`),
				})

				require.NoError(t, err)
				assert.Equal(t, models.WebhookError, event.Status)
				assert.Contains(t, event.ErrorMessage, "401")
			})
		})

		t.Run("payload without amount fails the candidate", func(t *testing.T) {
			inTx(t, func(s *Service, storage repository.Storage) {
				account := createAccount(t, storage)
				tr := createPending(t, storage, account.ID, "ALPHANOAMT1", 100000)

				event, err := s.HandleWebhook(t.Context(), HandleWebhookParams{
					Payload: []byte(`{"error": 0, "data": {"description": "pay ALPHANOAMT1"}}`),
				})

				require.NoError(t, err)
				assert.Equal(t, models.WebhookError, event.Status)
				assert.Contains(t, event.ErrorMessage, "no amount")

				after, err := storage.Transaction().GetTransaction(t.Context(), tr.ID)
				require.NoError(t, err)
				assert.Equal(t, models.TransactionFailed, after.Status)

				unchanged, err := storage.Account().GetAccount(t.Context(), account.ID)
				require.NoError(t, err)
				assert.Zero(t, unchanged.Balance)
			})
		})

		t.Run("secure token", func(t *testing.T) {
			withSecret := func(t *testing.T, fn func(s *Service, storage repository.Storage)) {
				testutil.InTx(pg.Pool, t, func(tx pgx.Tx) {
					storage := postgres.NewStorage(tx)
					fn(NewService(Config{WebhookSecret: "casso-secret"}, storage, logger.NewNoOpLogger()), storage)
				})
			}

			t.Run("valid token processes", func(t *testing.T) {
				withSecret(t, func(s *Service, storage repository.Storage) {
					account := createAccount(t, storage)
					createPending(t, storage, account.ID, "ALPHATOKEN1", 100000)

					event, err := s.HandleWebhook(t.Context(), HandleWebhookParams{
						SecureToken: "casso-secret",
						Payload:     cassoPayload("pay ALPHATOKEN1", 100000),
					})

					require.NoError(t, err)
					assert.Equal(t, models.WebhookMatched, event.Status)
				})
			})

			t.Run("forged token is swallowed into the event", func(t *testing.T) {
				withSecret(t, func(s *Service, storage repository.Storage) {
					account := createAccount(t, storage)
					tr := createPending(t, storage, account.ID, "ALPHATOKEN2", 100000)

					event, err := s.HandleWebhook(t.Context(), HandleWebhookParams{
						SecureToken: "wrong",
						Payload:     cassoPayload("pay ALPHATOKEN2", 100000),
					})

					require.NoError(t, err, "the provider must never see the verification failure")
					assert.Equal(t, models.WebhookError, event.Status)
					assert.Equal(t, "invalid secure token", event.ErrorMessage)

					after, err := storage.Transaction().GetTransaction(t.Context(), tr.ID)
					require.NoError(t, err)
					assert.Equal(t, models.TransactionPending, after.Status, "nothing past the token check may run")
				})
			})
		})
	})

	t.Run("ManualAssign", func(t *testing.T) {
		t.Run("creates a completed transaction retroactively", func(t *testing.T) {
			inTx(t, func(s *Service, storage repository.Storage) {
				admin := createAdmin(t, storage)
				account := createAccount(t, storage)

				// Payer garbled the code, nothing to match
				event, err := s.HandleWebhook(t.Context(), HandleWebhookParams{
					Payload: cassoPayload("chuyen tien APLHA typo", 95000),
				})
				require.NoError(t, err)
				require.Equal(t, models.WebhookUnmatched, event.Status)

				assigned, err := s.ManualAssign(t.Context(), ManualAssignParams{
					EventID:   event.ID,
					AccountID: account.ID,
					AdminID:   admin.ID,
					Note:      "typo confirmed per support ticket",
				})

				require.NoError(t, err)
				assert.Equal(t, models.WebhookMatched, assigned.Status)
				assert.Equal(t, "typo confirmed per support ticket", assigned.ProcessingNotes)
				require.NotNil(t, assigned.MatchedTransactionID)
				require.NotNil(t, assigned.MatchedAccountID)
				assert.Equal(t, account.ID, *assigned.MatchedAccountID)

				created, err := storage.Transaction().GetTransaction(t.Context(), *assigned.MatchedTransactionID)
				require.NoError(t, err)
				assert.Equal(t, models.KindTopup, created.Kind)
				assert.Equal(t, models.TransactionCompleted, created.Status)
				assert.True(t, created.Amount.Equal(decimal.NewFromInt(95000)))
				assert.EqualValues(t, 19, created.Credits, "no package costs 95000, the fallback rate prices it")
				assert.Empty(t, created.TransferCode, "retroactive rows carry no matching key")
				assert.Equal(t, event.ID, *created.MatchedEventID)
				require.NotNil(t, created.ProcessedBy)
				assert.Equal(t, admin.ID, *created.ProcessedBy)
				assert.Equal(t, "typo confirmed per support ticket", created.AdminNote)
				assert.NotEmpty(t, created.WebhookPayload)

				credited, err := storage.Account().GetAccount(t.Context(), account.ID)
				require.NoError(t, err)
				assert.EqualValues(t, 19, credited.Balance)
			})
		})

		t.Run("exact package price wins over the rate", func(t *testing.T) {
			inTx(t, func(s *Service, storage repository.Storage) {
				admin := createAdmin(t, storage)
				account := createAccount(t, storage)

				event, err := s.HandleWebhook(t.Context(), HandleWebhookParams{
					Payload: cassoPayload("no code but exactly the plus price", 200000),
				})
				require.NoError(t, err)

				assigned, err := s.ManualAssign(t.Context(), ManualAssignParams{
					EventID:   event.ID,
					AccountID: account.ID,
					AdminID:   admin.ID,
				})

				require.NoError(t, err)
				created, err := storage.Transaction().GetTransaction(t.Context(), *assigned.MatchedTransactionID)
				require.NoError(t, err)
				assert.EqualValues(t, 220, created.Credits, "200000 is the plus package, not 40 rate credits")
			})
		})

		t.Run("refuses already matched event", func(t *testing.T) {
			inTx(t, func(s *Service, storage repository.Storage) {
				admin := createAdmin(t, storage)
				account := createAccount(t, storage)
				createPending(t, storage, account.ID, "ALPHATAKEN1", 100000)

				event, err := s.HandleWebhook(t.Context(), HandleWebhookParams{
					Payload: cassoPayload("pay ALPHATAKEN1", 100000),
				})
				require.NoError(t, err)
				require.Equal(t, models.WebhookMatched, event.Status)

				_, err = s.ManualAssign(t.Context(), ManualAssignParams{
					EventID:   event.ID,
					AccountID: account.ID,
					AdminID:   admin.ID,
				})

				require.ErrorIs(t, err, apperrors.ErrWebhookEventAlreadyMatched)
			})
		})

		t.Run("refuses event without parsed amount", func(t *testing.T) {
			inTx(t, func(s *Service, storage repository.Storage) {
				admin := createAdmin(t, storage)
				account := createAccount(t, storage)

				event, err := s.HandleWebhook(t.Context(), HandleWebhookParams{
					Payload: []byte(`{"error": 0, "data": {"description": "no amount reported"}}`),
				})
				require.NoError(t, err)

				_, err = s.ManualAssign(t.Context(), ManualAssignParams{
					EventID:   event.ID,
					AccountID: account.ID,
					AdminID:   admin.ID,
				})

				require.ErrorIs(t, err, apperrors.ErrNoParsedAmount)
			})
		})

		t.Run("amount too small to price", func(t *testing.T) {
			inTx(t, func(s *Service, storage repository.Storage) {
				admin := createAdmin(t, storage)
				account := createAccount(t, storage)

				event, err := s.HandleWebhook(t.Context(), HandleWebhookParams{
					Payload: cassoPayload("stray 1234 transfer", 1234),
				})
				require.NoError(t, err)

				_, err = s.ManualAssign(t.Context(), ManualAssignParams{
					EventID:   event.ID,
					AccountID: account.ID,
					AdminID:   admin.ID,
				})

				require.ErrorIs(t, err, apperrors.ErrAmountOutOfRange, "1234 rounds down to zero credits")
			})
		})

		t.Run("unknown account", func(t *testing.T) {
			inTx(t, func(s *Service, storage repository.Storage) {
				admin := createAdmin(t, storage)

				event, err := s.HandleWebhook(t.Context(), HandleWebhookParams{
					Payload: cassoPayload("orphan transfer", 100000),
				})
				require.NoError(t, err)

				_, err = s.ManualAssign(t.Context(), ManualAssignParams{
					EventID:   event.ID,
					AccountID: uuid.New(),
					AdminID:   admin.ID,
				})

				require.ErrorIs(t, err, apperrors.ErrAccountNotFound)

				// The rollback must leave no retroactive transaction behind
				list, err := storage.Transaction().ListTransactions(t.Context(), repository.ListTransactionsParams{})
				require.NoError(t, err)
				assert.Empty(t, list)
			})
		})
	})

	t.Run("Reprocess", func(t *testing.T) {
		t.Run("matches after the topup is created late", func(t *testing.T) {
			inTx(t, func(s *Service, storage repository.Storage) {
				event, err := s.HandleWebhook(t.Context(), HandleWebhookParams{
					Payload: cassoPayload("pay ALPHAEARLY1", 100000),
				})
				require.NoError(t, err)
				require.Equal(t, models.WebhookUnmatched, event.Status)

				// Payer created the request after sending the money
				account := createAccount(t, storage)
				tr := createPending(t, storage, account.ID, "ALPHAEARLY1", 100000)

				replayed, err := s.Reprocess(t.Context(), event.ID)

				require.NoError(t, err)
				assert.Equal(t, models.WebhookMatched, replayed.Status)
				require.NotNil(t, replayed.MatchedTransactionID)
				assert.Equal(t, tr.ID, *replayed.MatchedTransactionID)

				credited, err := storage.Account().GetAccount(t.Context(), account.ID)
				require.NoError(t, err)
				assert.Equal(t, tr.Credits, credited.Balance)
			})
		})

		t.Run("refuses matched event", func(t *testing.T) {
			inTx(t, func(s *Service, storage repository.Storage) {
				account := createAccount(t, storage)
				createPending(t, storage, account.ID, "ALPHAFINAL1", 100000)

				event, err := s.HandleWebhook(t.Context(), HandleWebhookParams{
					Payload: cassoPayload("pay ALPHAFINAL1", 100000),
				})
				require.NoError(t, err)
				require.Equal(t, models.WebhookMatched, event.Status)

				_, err = s.Reprocess(t.Context(), event.ID)

				require.ErrorIs(t, err, apperrors.ErrWebhookEventAlreadyMatched)
			})
		})

		t.Run("unknown event", func(t *testing.T) {
			inTx(t, func(s *Service, _ repository.Storage) {
				_, err := s.Reprocess(t.Context(), uuid.New())

				require.ErrorIs(t, err, apperrors.ErrWebhookEventNotFound)
			})
		})
	})

	t.Run("Ignore", func(t *testing.T) {
		t.Run("marks unmatched event ignored", func(t *testing.T) {
			inTx(t, func(s *Service, _ repository.Storage) {
				event, err := s.HandleWebhook(t.Context(), HandleWebhookParams{
					Payload: cassoPayload("monthly interest", 50000),
				})
				require.NoError(t, err)
				require.Equal(t, models.WebhookUnmatched, event.Status)

				ignored, err := s.Ignore(t.Context(), event.ID, "bank interest")

				require.NoError(t, err)
				assert.Equal(t, models.WebhookIgnored, ignored.Status)
				assert.Equal(t, "bank interest", ignored.ProcessingNotes)
			})
		})

		t.Run("default note", func(t *testing.T) {
			inTx(t, func(s *Service, _ repository.Storage) {
				event, err := s.HandleWebhook(t.Context(), HandleWebhookParams{
					Payload: cassoPayload("stray transfer", 40000),
				})
				require.NoError(t, err)

				ignored, err := s.Ignore(t.Context(), event.ID, "")

				require.NoError(t, err)
				assert.Equal(t, "ignored by admin", ignored.ProcessingNotes)
			})
		})

		t.Run("refuses matched event", func(t *testing.T) {
			inTx(t, func(s *Service, storage repository.Storage) {
				account := createAccount(t, storage)
				createPending(t, storage, account.ID, "ALPHAKEEPIT", 100000)

				event, err := s.HandleWebhook(t.Context(), HandleWebhookParams{
					Payload: cassoPayload("pay ALPHAKEEPIT", 100000),
				})
				require.NoError(t, err)
				require.Equal(t, models.WebhookMatched, event.Status)

				_, err = s.Ignore(t.Context(), event.ID, "")

				require.ErrorIs(t, err, apperrors.ErrWebhookEventNotIgnorable)
			})
		})
	})

	t.Run("ManualTopup", func(t *testing.T) {
		t.Run("credits the account", func(t *testing.T) {
			inTx(t, func(s *Service, storage repository.Storage) {
				admin := createAdmin(t, storage)
				account := createAccount(t, storage)

				tr, err := s.ManualTopup(t.Context(), ManualTopupParams{
					AccountID: account.ID,
					Credits:   150,
					AdminID:   admin.ID,
					Note:      "paid in cash at the office",
				})

				require.NoError(t, err)
				assert.Equal(t, models.KindManualTopup, tr.Kind)
				assert.Equal(t, models.TransactionCompleted, tr.Status)
				assert.Equal(t, models.PaymentMethodManual, tr.PaymentMethod)
				assert.EqualValues(t, 150, tr.Credits)
				assert.True(t, tr.Amount.IsZero(), "no money moved through this service")
				assert.Empty(t, tr.TransferCode, "manual topups have no transfer code")
				require.NotNil(t, tr.ProcessedBy)
				assert.Equal(t, admin.ID, *tr.ProcessedBy)
				assert.Equal(t, "paid in cash at the office", tr.AdminNote)
				require.NotNil(t, tr.ProcessedAt)

				credited, err := storage.Account().GetAccount(t.Context(), account.ID)
				require.NoError(t, err)
				assert.EqualValues(t, 150, credited.Balance)
			})
		})

		t.Run("rejects non-positive credits", func(t *testing.T) {
			inTx(t, func(s *Service, storage repository.Storage) {
				account := createAccount(t, storage)

				_, err := s.ManualTopup(t.Context(), ManualTopupParams{
					AccountID: account.ID,
					Credits:   0,
					AdminID:   account.ID,
				})

				require.ErrorIs(t, err, apperrors.ErrCreditsOutOfRange)
			})
		})

		t.Run("unknown account", func(t *testing.T) {
			inTx(t, func(s *Service, storage repository.Storage) {
				admin := createAdmin(t, storage)

				_, err := s.ManualTopup(t.Context(), ManualTopupParams{
					AccountID: uuid.New(),
					Credits:   10,
					AdminID:   admin.ID,
				})

				require.ErrorIs(t, err, apperrors.ErrAccountNotFound)
			})
		})
	})

	t.Run("RunSweeper", func(t *testing.T) {
		t.Run("stops when context cancelled", func(t *testing.T) {
			inTx(t, func(s *Service, _ repository.Storage) {
				ctx, cancel := context.WithCancel(t.Context())

				stopped := s.RunSweeper(ctx, 10*time.Millisecond)
				time.Sleep(30 * time.Millisecond)
				cancel()

				select {
				case <-stopped:
				case <-time.After(time.Second):
					t.Fatal("sweeper did not stop after context cancellation")
				}
			})
		})
	})

	t.Run("SweepTimeouts", func(t *testing.T) {
		confirmedPending := func(t *testing.T, storage repository.Storage, accountID uuid.UUID, code string, confirmedAt time.Time) models.Transaction {
			t.Helper()

			tr, err := storage.Transaction().CreateTransaction(t.Context(), repository.CreateTransactionParams{
				AccountID:     &accountID,
				Kind:          models.KindTopup,
				Amount:        decimal.NewFromInt(100000),
				Credits:       20,
				PaymentMethod: models.PaymentMethodBankTransfer,
				TransferCode:  code,
				ConfirmedAt:   &confirmedAt,
			})
			require.NoError(t, err)
			return tr
		}

		t.Run("times out only stale confirmed topups", func(t *testing.T) {
			inTx(t, func(s *Service, storage repository.Storage) {
				account := createAccount(t, storage)

				stale := confirmedPending(t, storage, account.ID, "ALPHASWEEP1", time.Now().Add(-time.Hour))
				waiting := confirmedPending(t, storage, account.ID, "ALPHASWEEP2", time.Now().Add(-time.Minute))
				unconfirmed := createPending(t, storage, account.ID, "ALPHASWEEP3", 100000)

				count, err := s.SweepTimeouts(t.Context())

				require.NoError(t, err)
				assert.Equal(t, 1, count)

				after, err := storage.Transaction().GetTransaction(t.Context(), stale.ID)
				require.NoError(t, err)
				assert.Equal(t, models.TransactionTimeout, after.Status)
				assert.NotEmpty(t, after.FailedReason)

				after, err = storage.Transaction().GetTransaction(t.Context(), waiting.ID)
				require.NoError(t, err)
				assert.Equal(t, models.TransactionPending, after.Status, "the grace window is still open")

				after, err = storage.Transaction().GetTransaction(t.Context(), unconfirmed.ID)
				require.NoError(t, err)
				assert.Equal(t, models.TransactionPending, after.Status, "unconfirmed requests never time out")

				// Idempotent: the swept row is terminal now
				count, err = s.SweepTimeouts(t.Context())
				require.NoError(t, err)
				assert.Zero(t, count)
			})
		})

		t.Run("swept topup no longer matches", func(t *testing.T) {
			inTx(t, func(s *Service, storage repository.Storage) {
				account := createAccount(t, storage)
				confirmedPending(t, storage, account.ID, "ALPHASWEPT9", time.Now().Add(-time.Hour))

				_, err := s.SweepTimeouts(t.Context())
				require.NoError(t, err)

				event, err := s.HandleWebhook(t.Context(), HandleWebhookParams{
					Payload: cassoPayload("pay ALPHASWEPT9", 100000),
				})

				require.NoError(t, err)
				assert.Equal(t, models.WebhookUnmatched, event.Status)
				assert.Contains(t, event.ProcessingNotes, "timeout")
			})
		})
	})
}

// Concurrent deliveries race for one pending topup over separate pool
// connections, so this test commits real rows instead of rolling back.
// Exactly one delivery may settle and the credits must land once.
func TestReconcile_ConcurrentDeliveries(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	storage := postgres.NewStorage(pg.Pool)
	s := NewService(Config{}, storage, logger.NewNoOpLogger())
	ctx := t.Context()

	account, err := storage.Account().CreateAccount(ctx, repository.CreateAccountParams{DisplayName: "payer"})
	require.NoError(t, err)

	expires := time.Now().Add(30 * time.Minute)
	tr, err := storage.Transaction().CreateTransaction(ctx, repository.CreateTransactionParams{
		AccountID:     &account.ID,
		Kind:          models.KindTopup,
		Amount:        decimal.NewFromInt(100000),
		Credits:       100,
		PaymentMethod: models.PaymentMethodBankTransfer,
		TransferCode:  "ALPHARACE01",
		ExpiresAt:     &expires,
	})
	require.NoError(t, err)

	payload := cassoPayload("pay ALPHARACE01", 100000)

	const deliveries = 16
	events := make([]models.WebhookEvent, deliveries)
	errs := make([]error, deliveries)

	var wg sync.WaitGroup
	wg.Add(deliveries)
	for i := 0; i < deliveries; i++ {
		go func(i int) {
			defer wg.Done()
			events[i], errs[i] = s.HandleWebhook(ctx, HandleWebhookParams{Payload: payload})
		}(i)
	}
	wg.Wait()

	matched := 0
	for i := 0; i < deliveries; i++ {
		require.NoError(t, errs[i], "every delivery must be acknowledged")
		switch events[i].Status {
		case models.WebhookMatched:
			matched++
		default:
			assert.Equal(t, models.WebhookUnmatched, events[i].Status)
		}
	}
	assert.Equal(t, 1, matched, "exactly one delivery may win the settlement")

	settled, err := storage.Transaction().GetTransaction(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionCompleted, settled.Status)

	credited, err := storage.Account().GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 100, credited.Balance, "balance changed exactly once despite the race")
}
