package payment_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/payment"
)

func TestSigner(t *testing.T) {
	_, err := payment.NewSigner("  ")
	require.Error(t, err)

	signer, err := payment.NewSigner("secret")
	require.NoError(t, err)

	sig := signer.Sign("ext-1", "succeeded")
	require.True(t, signer.Valid(sig, "ext-1", "succeeded"))
	require.False(t, signer.Valid(sig, "ext-1", "failed"))
	require.False(t, signer.Valid(sig, "ext-2", "succeeded"))
	require.False(t, signer.Valid("not-hex", "ext-1", "succeeded"))
	require.False(t, signer.Valid("", "ext-1", "succeeded"))

	other, err := payment.NewSigner("other")
	require.NoError(t, err)
	require.False(t, other.Valid(sig, "ext-1", "succeeded"))
}

func TestHMACIPN(t *testing.T) {
	signer, err := payment.NewSigner("ipn-secret")
	require.NoError(t, err)
	ipn := payment.NewHMACIPN(signer)

	payload := []byte(`{"external_txn_id":"ext-1","status":"SUCCEEDED","payment_ref":"pi_1"}`)
	cb, ok, err := ipn.ParseIPN(payload, ipn.SignPayload(payload))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.PaymentTxnSucceeded, cb.ReportedStatus)
	require.Equal(t, "pi_1", cb.PaymentRef)

	status, err := ipn.Verify(context.Background(), cb, domain.PaymentTransaction{})
	require.NoError(t, err)
	require.Equal(t, domain.PaymentTxnSucceeded, status)

	cb.Proof.Payload = []byte(`{"external_txn_id":"ext-1","status":"succeeded","payment_ref":"pi_2"}`)
	_, err = ipn.Verify(context.Background(), cb, domain.PaymentTransaction{})
	require.ErrorIs(t, err, domain.ErrPaymentVerificationFailed)

	_, _, err = ipn.ParseIPN([]byte(`{"status":"succeeded"}`), "")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestRedirectVerifier_GatewayStatusWins(t *testing.T) {
	signer, err := payment.NewSigner("redirect-secret")
	require.NoError(t, err)
	gateway := payment.NewMockGateway()
	txn := domain.PaymentTransaction{ExternalTxnID: "ext-1", SessionRef: "mock_cs_ext-1"}
	cancel := payment.RedirectCallback("ext-1", signer.Sign("ext-1", "failed"), domain.PaymentTxnFailed)

	testCases := []struct {
		name    string
		session domain.PaymentTxnStatus
		want    domain.PaymentTxnStatus
	}{
		{name: "paid session", session: domain.PaymentTxnSucceeded, want: domain.PaymentTxnSucceeded},
		{name: "open session", session: domain.PaymentTxnPending, want: domain.PaymentTxnPending},
		{name: "expired session", session: domain.PaymentTxnFailed, want: domain.PaymentTxnFailed},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gateway.Configure(func(m *payment.MockGateway) { m.SessionState = tc.session })
			status, err := payment.NewRedirectVerifier(signer, gateway).Verify(context.Background(), cancel, txn)
			require.NoError(t, err)
			require.Equal(t, tc.want, status)
		})
	}

	status, err := payment.NewRedirectVerifier(signer, nil).Verify(context.Background(), cancel, txn)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentTxnFailed, status)
}
