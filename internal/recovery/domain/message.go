package domain

// Message renders result for the end user without exposing internal state names.
func Message(r Result) string {
	switch r.Reason {
	case "activated":
		return "Payment confirmed. Your subscription is now active."
	case "renewed":
		return "Payment confirmed. Your subscription has been renewed."
	case "already_active":
		return "Your subscription is already active. No action is needed."
	case "already_processed":
		return "This payment has already been applied to your subscription."
	case "not_found", ReasonPaymentNotFound:
		return "We could not find a completed payment for this subscription. If you were charged, send us the payment reference."
	case ReasonPaymentNotSuccessful:
		return "This payment has not completed yet. Please try again in a few minutes."
	case "payment_mismatch":
		return "This payment does not match your subscription. Please contact support with the payment reference."
	case "superseded":
		return "This payment was made for a checkout you replaced. Contact support with the payment reference so it can be applied."
	case "invalid_state":
		return "This subscription can no longer be recovered. Please start a new subscription."
	default:
		return "We could not update your subscription right now. Please try again later."
	}
}
