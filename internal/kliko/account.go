package kliko

import "strings"

// AccountID is the identifier of an account on a host; a host/card pair
// can only be configured once.
func AccountID(host, cardNumber string) string {
	return host + "_" + cardNumber
}

// Title builds a display name from the card's address, falling back to the
// card number when the service returned no address.
func Title(cfg AccountConfig, cardNumber string) string {
	addr := cfg.CardDetails.Address
	parts := make([]string, 0, 3)
	for _, p := range []string{addr.Street, addr.StreetNumber, addr.ZipCode} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) > 0 {
		return "Klikomanager (" + strings.Join(parts, ", ") + ")"
	}
	return "Klikomanager kaart " + cardNumber
}

// SetupErrorCode maps a Login error to the short code shown by the setup
// command: invalid_auth, cannot_connect or unknown.
func SetupErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case IsAuth(err):
		return "invalid_auth"
	case isAPI(err):
		return "cannot_connect"
	default:
		return "unknown"
	}
}
