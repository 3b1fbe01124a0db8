package preflight

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"strings"
)

var tlsErrorKeywords = []string{"tls", "ssl", "x509", "certificate", "handshake", "cipher"}

// IsTLSError reports whether err came from TLS negotiation or certificate
// verification rather than plain network reachability.
func IsTLSError(err error) bool {
	if err == nil {
		return false
	}
	var (
		recordErr   tls.RecordHeaderError
		alertErr    tls.AlertError
		verifyErr   *tls.CertificateVerificationError
		authorityEr x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &recordErr),
		errors.As(err, &alertErr),
		errors.As(err, &verifyErr),
		errors.As(err, &authorityEr),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidErr):
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range tlsErrorKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
