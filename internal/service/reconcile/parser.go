package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/LittleKai/alpha-studio-backend/internal/models"
)

// Payload layout Casso posts to webhook receivers
type cassoRecord struct {
	Reference           string           `json:"reference"`
	Description         string           `json:"description"`
	Amount              *decimal.Decimal `json:"amount"`
	TransactionDateTime string           `json:"transactionDateTime"`
}

type cassoEnvelope struct {
	Error int          `json:"error"`
	Data  *cassoRecord `json:"data"`
}

const cassoTimeLayout = "2006-01-02 15:04:05"

// ParsePayload extracts the provider fields this service cares about.
// The transfer code is not extracted here, that is the matcher's job.
func ParsePayload(payload []byte) (models.ParsedData, error) {
	var envelope cassoEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return models.ParsedData{}, fmt.Errorf("payload is not valid json. Err: %w", err)
	}

	if envelope.Error != 0 {
		return models.ParsedData{}, fmt.Errorf("provider reported error code %d", envelope.Error)
	}

	if envelope.Data == nil {
		return models.ParsedData{}, errors.New("payload has no data")
	}

	parsed := models.ParsedData{
		Amount:      envelope.Data.Amount,
		Description: envelope.Data.Description,
		ExternalID:  envelope.Data.Reference,
	}

	// The timestamp is informational, a malformed one must not fail the event
	if paidAt, err := time.Parse(cassoTimeLayout, envelope.Data.TransactionDateTime); err == nil {
		parsed.PaidAt = &paidAt
	}

	return parsed, nil
}
