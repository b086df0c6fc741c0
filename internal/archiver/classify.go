package archiver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"

	"github.com/sheetarchiver/api/internal/model"
)

// Cell messages
const (
	MsgInvalidURL     = "Failed - Invalid URL format"
	MsgException      = "Failed - Exception during archiving"
	MsgCancelled      = "Failed - Archiving cancelled"
	MsgRateLimited    = "Failed - Too many requests (429 - rate limit exceeded)"
	MsgProbeNotFound  = "Failed - URL not found (404)"
	MsgProbeForbidden = "Failed - Access forbidden (403)"
	MsgProbeTimeout   = "Failed - Connection timeout during validation"
	MsgProxyError     = "Failed - Proxy error (network proxy configuration issue)"
)

var statusMessages = map[int]string{
	http.StatusNotFound:            "Failed - Page not found (404 - the page does not exist)",
	http.StatusForbidden:           "Failed - Access forbidden (403 - server refuses to grant access)",
	http.StatusUnauthorized:        "Failed - Unauthorized (401 - authentication required)",
	http.StatusMethodNotAllowed:    "Failed - Method not allowed (405 - server doesn't allow this request type)",
	http.StatusInternalServerError: "Failed - Server error (500 - internal server malfunction)",
	http.StatusBadGateway:          "Failed - Bad gateway (502 - upstream server error)",
	http.StatusServiceUnavailable:  "Failed - Service unavailable (503 - server temporarily overloaded)",
	http.StatusGatewayTimeout:      "Failed - Gateway timeout (504 - upstream server took too long)",
	http.StatusRequestTimeout:      "Failed - Request timeout (408 - server gave up waiting)",
	http.StatusTooManyRequests:     MsgRateLimited,
	http.StatusGone:                "Failed - Resource gone (410 - page permanently removed)",
	http.StatusMovedPermanently:    "Failed - Moved permanently (301 - page relocated)",
	http.StatusFound:               "Failed - Redirect (302 - page temporarily moved)",
}

// StatusFailure maps a non-success upstream status to a failure.
func StatusFailure(code int) *model.Failure {
	msg, ok := statusMessages[code]
	if !ok {
		msg = fmt.Sprintf("Failed - HTTP %d (%s)", code, http.StatusText(code))
	}

	kind := model.FailureUpstreamError
	switch code {
	case http.StatusNotFound, http.StatusGone:
		kind = model.FailureNotFound
	case http.StatusForbidden:
		kind = model.FailureForbidden
	case http.StatusTooManyRequests:
		kind = model.FailureRateLimited
	}

	return &model.Failure{Kind: kind, Message: msg, StatusCode: code}
}

// ClassifyNetworkError turns a transport error for target into a descriptive failure.
// Typed errors are checked first, then the error text as a fallback.
func ClassifyNetworkError(err error, target string) *model.Failure {
	domain := hostOf(target)
	f := &model.Failure{Kind: model.FailureNetwork, Detail: err.Error()}

	switch category(err) {
	case "dns":
		f.Message = fmt.Sprintf("Failed - Domain '%s' does not exist (DNS lookup failed)", domain)
	case "refused":
		f.Message = fmt.Sprintf("Failed - Connection refused (server at '%s' is not accepting connections)", domain)
	case "timeout":
		f.Kind = model.FailureTimeout
		f.Message = fmt.Sprintf("Failed - Connection timeout ('%s' took too long to respond)", domain)
	case "unreachable":
		f.Message = fmt.Sprintf("Failed - Network unreachable (cannot route to '%s')", domain)
	case "reset":
		f.Message = fmt.Sprintf("Failed - Connection reset ('%s' closed the connection unexpectedly)", domain)
	case "tls":
		f.Message = fmt.Sprintf("Failed - SSL/TLS error (security certificate issue with '%s')", domain)
	case "proxy":
		f.Message = MsgProxyError
	default:
		f.Message = fmt.Sprintf("Failed - Network error (cannot connect to '%s')", domain)
	}
	return f
}

func category(err error) string {
	var (
		dnsErr      *net.DNSError
		netErr      net.Error
		certErr     *tls.CertificateVerificationError
		authErr     x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
		recordError tls.RecordHeaderError
	)

	switch {
	case errors.As(err, &dnsErr):
		return "dns"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "refused"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return "unreachable"
	case errors.Is(err, syscall.ECONNRESET):
		return "reset"
	case errors.As(err, &certErr), errors.As(err, &authErr), errors.As(err, &hostErr),
		errors.As(err, &invalidErr), errors.As(err, &recordError):
		return "tls"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "name or service not known", "no such host", "nodename nor servname provided", "dns", "name resolution"):
		return "dns"
	case strings.Contains(msg, "refused"):
		return "refused"
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return "timeout"
	case strings.Contains(msg, "unreachable"):
		return "unreachable"
	case strings.Contains(msg, "reset"):
		return "reset"
	case containsAny(msg, "ssl", "tls", "certificate"):
		return "tls"
	case strings.Contains(msg, "proxy"):
		return "proxy"
	}
	return ""
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func hostOf(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return target
	}
	return u.Hostname()
}
