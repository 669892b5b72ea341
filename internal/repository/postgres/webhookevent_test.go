package postgres

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/LittleKai/alpha-studio-backend/internal/apperrors"
	"github.com/LittleKai/alpha-studio-backend/internal/models"
	"github.com/LittleKai/alpha-studio-backend/internal/repository"
	"github.com/LittleKai/alpha-studio-backend/internal/testutil"
)

func TestWebhookEvents(t *testing.T) {
	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	withStorage := func(t *testing.T, tx DBTX, fn func(pgx.Tx, repository.Storage)) {
		testutil.InTx(tx, t, func(ttx pgx.Tx) {
			fn(ttx, NewStorage(ttx))
		})
	}

	createEvent := func(t *testing.T, storage repository.Storage) models.WebhookEvent {
		t.Helper()

		event, err := storage.WebhookEvent().CreateEvent(t.Context(), repository.CreateWebhookEventParams{
			Source:     "casso",
			Payload:    []byte(`{"data":{"description":"CT DEN ALPHA7K2M9P","amount":100000}}`),
			RemoteAddr: "203.0.113.7",
			Headers:    []byte(`{"Secure-Token":["***"]}`),
		})
		require.NoError(t, err)
		return event
	}

	t.Run("CreateEvent", func(t *testing.T) {
		withStorage(t, pg.Pool, func(tx pgx.Tx, storage repository.Storage) {
			event := createEvent(t, storage)

			require.NotZero(t, event.ID)
			require.WithinDuration(t, time.Now(), event.CreatedAt, time.Second)
			require.Equal(t, models.WebhookReceived, event.Status, "every delivery starts as received")
			require.Equal(t, "casso", event.Source)
			require.Equal(t, "203.0.113.7", event.RemoteAddr)
			require.Empty(t, event.Parsed.Code)
			require.Nil(t, event.Parsed.Amount)
		})
	})

	t.Run("CreateEvent keeps malformed payloads", func(t *testing.T) {
		withStorage(t, pg.Pool, func(tx pgx.Tx, storage repository.Storage) {
			event, err := storage.WebhookEvent().CreateEvent(t.Context(), repository.CreateWebhookEventParams{
				Source:     "casso",
				Payload:    []byte("this is not json"),
				RemoteAddr: "203.0.113.7",
			})

			require.NoError(t, err, "the intake log must accept whatever the bank sent")
			require.Equal(t, []byte("this is not json"), event.Payload)
		})
	})

	t.Run("SetParsed", func(t *testing.T) {
		withStorage(t, pg.Pool, func(tx pgx.Tx, storage repository.Storage) {
			event := createEvent(t, storage)

			amount := decimal.NewFromInt(100000)
			paidAt := time.Now().Add(-time.Minute)
			got, err := storage.WebhookEvent().SetParsed(t.Context(), event.ID, models.ParsedData{
				Code:        "ALPHA7K2M9P",
				Amount:      &amount,
				Description: "CT DEN ALPHA7K2M9P",
				ExternalID:  "casso-42",
				PaidAt:      &paidAt,
			})

			require.NoError(t, err)
			require.Equal(t, models.WebhookProcessing, got.Status)
			require.Equal(t, "ALPHA7K2M9P", got.Parsed.Code)
			require.NotNil(t, got.Parsed.Amount)
			require.True(t, got.Parsed.Amount.Equal(amount))
			require.Equal(t, "casso-42", got.Parsed.ExternalID)
		})
	})

	t.Run("MarkMatched", func(t *testing.T) {
		withStorage(t, pg.Pool, func(tx pgx.Tx, storage repository.Storage) {
			event := createEvent(t, storage)
			transactionID := uuid.New()
			accountID := uuid.New()

			got, err := storage.WebhookEvent().MarkMatched(t.Context(), repository.MarkMatchedParams{
				ID:            event.ID,
				TransactionID: transactionID,
				AccountID:     accountID,
				Notes:         "auto matched",
			})

			require.NoError(t, err)
			require.Equal(t, models.WebhookMatched, got.Status)
			require.Equal(t, &transactionID, got.MatchedTransactionID)
			require.Equal(t, &accountID, got.MatchedAccountID)

			t.Run("matched is final", func(t *testing.T) {
				_, err := storage.WebhookEvent().MarkUnmatched(t.Context(), event.ID, "should not happen")
				require.ErrorIs(t, err, apperrors.ErrWebhookEventAlreadyMatched)

				_, err = storage.WebhookEvent().MarkError(t.Context(), event.ID, "should not happen")
				require.ErrorIs(t, err, apperrors.ErrWebhookEventAlreadyMatched)

				_, err = storage.WebhookEvent().SetParsed(t.Context(), event.ID, models.ParsedData{Code: "ALPHAXXXXXX"})
				require.ErrorIs(t, err, apperrors.ErrWebhookEventAlreadyMatched)
			})
		})
	})

	t.Run("MarkUnmatched and MarkError", func(t *testing.T) {
		withStorage(t, pg.Pool, func(tx pgx.Tx, storage repository.Storage) {
			event := createEvent(t, storage)

			got, err := storage.WebhookEvent().MarkUnmatched(t.Context(), event.ID, "no code found in description")
			require.NoError(t, err)
			require.Equal(t, models.WebhookUnmatched, got.Status)
			require.Equal(t, "no code found in description", got.ProcessingNotes)

			got, err = storage.WebhookEvent().MarkError(t.Context(), event.ID, "db error: boom")
			require.NoError(t, err)
			require.Equal(t, models.WebhookError, got.Status)
			require.Equal(t, "db error: boom", got.ErrorMessage)
		})
	})

	t.Run("MarkIgnored", func(t *testing.T) {
		withStorage(t, pg.Pool, func(tx pgx.Tx, storage repository.Storage) {
			t.Run("only unmatched can be ignored", func(t *testing.T) {
				withStorage(t, tx, func(ttx pgx.Tx, storage repository.Storage) {
					event := createEvent(t, storage)

					_, err := storage.WebhookEvent().MarkIgnored(t.Context(), event.ID, "noise")
					require.ErrorIs(t, err, apperrors.ErrWebhookEventNotIgnorable, "received events are not ignorable")

					_, err = storage.WebhookEvent().MarkUnmatched(t.Context(), event.ID, "no code")
					require.NoError(t, err)

					got, err := storage.WebhookEvent().MarkIgnored(t.Context(), event.ID, "interest payment, not a topup")
					require.NoError(t, err)
					require.Equal(t, models.WebhookIgnored, got.Status)
					require.Equal(t, "interest payment, not a topup", got.ProcessingNotes)
				})
			})

			t.Run("unknown event", func(t *testing.T) {
				withStorage(t, tx, func(ttx pgx.Tx, storage repository.Storage) {
					_, err := storage.WebhookEvent().MarkIgnored(t.Context(), uuid.New(), "noise")

					require.ErrorIs(t, err, apperrors.ErrWebhookEventNotFound)
				})
			})
		})
	})

	t.Run("ListEvents", func(t *testing.T) {
		withStorage(t, pg.Pool, func(tx pgx.Tx, storage repository.Storage) {
			createEvent(t, storage)
			second := createEvent(t, storage)

			_, err := storage.WebhookEvent().MarkUnmatched(t.Context(), second.ID, "no code")
			require.NoError(t, err)

			t.Run("all", func(t *testing.T) {
				list, err := storage.WebhookEvent().ListEvents(t.Context(), repository.ListWebhookEventsParams{})

				require.NoError(t, err)
				require.Len(t, list, 2)
			})

			t.Run("by status", func(t *testing.T) {
				list, err := storage.WebhookEvent().ListEvents(t.Context(), repository.ListWebhookEventsParams{Status: models.WebhookUnmatched})

				require.NoError(t, err)
				require.Len(t, list, 1)
				require.Equal(t, second.ID, list[0].ID)
			})
		})
	})
}
