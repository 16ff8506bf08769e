package capture

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/JakeFAU/readlater-archiver/internal/archive"
)

var chromeNetError = regexp.MustCompile(`net::ERR_[A-Z_]+`)

// Classify maps an error raised during stage into a typed capture failure.
// Errors that already carry a kind pass through untouched.
func Classify(stage string, err error) *archive.CaptureError {
	if err == nil {
		return nil
	}
	var ce *archive.CaptureError
	if errors.As(err, &ce) {
		return ce
	}

	if code := chromeNetError.FindString(err.Error()); code != "" {
		return archive.NewCaptureError(kindForChromeCode(code), fmt.Sprintf("%s failed with %s", stage, code), err)
	}

	var (
		dnsErr    *net.DNSError
		unknownCA x509.UnknownAuthorityError
		hostErr   x509.HostnameError
		certErr   x509.CertificateInvalidError
		recordErr tls.RecordHeaderError
		verifyErr *tls.CertificateVerificationError
		netErr    net.Error
		opErr     *net.OpError
		alertErr  tls.AlertError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return archive.NewCaptureError(archive.FailureTimeout, stage+" did not finish in time", err)
	case errors.Is(err, context.Canceled):
		return archive.NewCaptureError(archive.FailureInternal, stage+" canceled", err)
	case errors.As(err, &dnsErr):
		return archive.NewCaptureError(archive.FailureDNS, "could not resolve "+dnsErr.Name, err)
	case errors.As(err, &unknownCA), errors.As(err, &hostErr), errors.As(err, &certErr), errors.As(err, &verifyErr):
		return archive.NewCaptureError(archive.FailureTLS, "certificate rejected", err)
	case errors.As(err, &recordErr), errors.As(err, &alertErr):
		return archive.NewCaptureError(archive.FailureTLS, "handshake failed", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return archive.NewCaptureError(archive.FailureTimeout, stage+" did not finish in time", err)
	case errors.As(err, &opErr):
		return archive.NewCaptureError(archive.FailureNetwork, opErr.Op+" failed", err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "target crashed"), strings.Contains(msg, "target closed"),
		strings.Contains(msg, "inspected target navigated or closed"), strings.Contains(msg, "websocket"):
		return archive.NewCaptureError(archive.FailureRender, "browser crashed during "+stage, err)
	case strings.Contains(msg, "out of memory"):
		return archive.NewCaptureError(archive.FailureResources, "browser ran out of memory during "+stage, err)
	case strings.Contains(msg, "certificate"), strings.Contains(msg, "tls:"):
		return archive.NewCaptureError(archive.FailureTLS, "handshake failed", err)
	case strings.Contains(msg, "no such host"):
		return archive.NewCaptureError(archive.FailureDNS, "could not resolve host", err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return archive.NewCaptureError(archive.FailureTimeout, stage+" did not finish in time", err)
	}
	return archive.NewCaptureError(archive.FailureRender, stage+" failed", err)
}

func kindForChromeCode(code string) archive.FailureKind {
	switch {
	case code == "net::ERR_NAME_NOT_RESOLVED", code == "net::ERR_NAME_RESOLUTION_FAILED":
		return archive.FailureDNS
	case strings.HasPrefix(code, "net::ERR_CERT_"), strings.HasPrefix(code, "net::ERR_SSL_"),
		code == "net::ERR_BAD_SSL_CLIENT_AUTH_CERT":
		return archive.FailureTLS
	case code == "net::ERR_TIMED_OUT", code == "net::ERR_CONNECTION_TIMED_OUT":
		return archive.FailureTimeout
	case code == "net::ERR_OUT_OF_MEMORY", code == "net::ERR_INSUFFICIENT_RESOURCES":
		return archive.FailureResources
	default:
		return archive.FailureNetwork
	}
}
