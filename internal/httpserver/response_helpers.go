package httpserver

import (
	"net/http"

	"github.com/bundlepay/server/internal/admission"
	"github.com/bundlepay/server/internal/payment"
	"github.com/bundlepay/server/pkg/responders"
	"github.com/bundlepay/server/pkg/x402"
)

// paymentRequiredResponse sends the 402 envelope: the accepts list the
// client must sign against, plus the X-Payment-Required protocol marker.
func paymentRequiredResponse(w http.ResponseWriter, payErr *admission.PaymentRequiredError) {
	quote := payErr.Quote
	if quote.Error == "" && payErr.Code != "" {
		quote.Error = x402.GetUserFriendlyMessage(payErr.Code)
	}
	w.Header().Set(x402.HeaderPaymentRequired, x402.PaymentRequiredValue)
	responders.JSON(w, http.StatusPaymentRequired, quote)
}

// addSettlementHeader attaches the base64 settlement proof per the x402
// spec. Encoding failures drop the header rather than the upload.
func addSettlementHeader(w http.ResponseWriter, settlement *payment.Settlement) {
	if settlement == nil {
		return
	}
	encoded, err := x402.EncodeSettlementHeader(x402.SettlementResponse{
		PaymentID: settlement.PaymentID,
		TxHash:    settlement.TxHash,
		Network:   settlement.Network,
		Mode:      settlement.Mode,
	})
	if err != nil {
		return
	}
	w.Header().Set(x402.HeaderPaymentResponse, encoded)
}
