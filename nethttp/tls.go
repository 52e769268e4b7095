package nethttp

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net/http"
)

// classifyTLSError reports whether err is a certificate verification
// failure and, if so, the underlying error(s) to surface via
// EventTLSErrors. Anything else (connection refused, DNS failure, timeout)
// is left for the caller to treat as a plain transport error.
func classifyTLSError(err error) ([]error, bool) {
	var hostErr x509.HostnameError
	var unknownAuth x509.UnknownAuthorityError
	var certInvalid x509.CertificateInvalidError
	var certVerify *tls.CertificateVerificationError

	switch {
	case errors.As(err, &hostErr):
		return []error{hostErr}, true
	case errors.As(err, &unknownAuth):
		return []error{unknownAuth}, true
	case errors.As(err, &certInvalid):
		return []error{certInvalid}, true
	case errors.As(err, &certVerify):
		return []error{certVerify}, true
	}
	return nil, false
}

// cloneInsecureTransport derives an http.Transport from base that skips
// certificate verification, for the one retry a connection gets after its
// consumer calls IgnoreTLSErrors. The original base is left untouched so
// every other connection sharing it keeps verifying normally.
func cloneInsecureTransport(base *http.Transport) *http.Transport {
	clone := base.Clone()
	cfg := clone.TLSClientConfig
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	cfg.InsecureSkipVerify = true
	clone.TLSClientConfig = cfg
	return clone
}
