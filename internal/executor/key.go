package executor

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// keyNamespace scopes idempotency keys to this engine. Changing it would
// make every in-flight key unrecognisable to the signer.
var keyNamespace = uuid.MustParse("6f1d7c8e-3a52-5b0e-9c4d-2e8a1f7b9d30")

// IdempotencyKey derives the key for one leg of one dispatch attempt. The
// same inputs always give the same key, so a resend is recognised by the
// signer as the same logical order.
func IdempotencyKey(opportunityID string, attempt int, tokenID string) string {
	name := opportunityID + "/" + strconv.Itoa(attempt) + "/" + tokenID
	return uuid.NewSHA1(keyNamespace, []byte(name)).String()
}

// buildIntent creates the order for one leg. Intents are never modified
// after the first send except for the transport attempt counter.
func buildIntent(opp domain.Opportunity, leg domain.OpportunityLeg, size decimal.Decimal, tif domain.TimeInForce) domain.OrderIntent {
	intent := domain.OrderIntent{
		IdempotencyKey: IdempotencyKey(opp.ID, 1, leg.TokenID),
		OpportunityID:  opp.ID,
		MarketID:       opp.MarketID,
		TokenID:        leg.TokenID,
		Side:           opp.Kind.Side(),
		Price:          leg.Price,
		Size:           size,
		TimeInForce:    tif,
	}
	if tif == domain.GoodTillDate {
		intent.Expiration = opp.ExpiresAt
	}
	return intent
}
