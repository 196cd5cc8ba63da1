package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/marcus/offsync/internal/syncclient"
)

// Class is the outcome category of a send attempt.
type Class int

const (
	ClassApplied Class = iota
	ClassConflict
	ClassNetwork
	ClassRejected
)

func (c Class) String() string {
	switch c {
	case ClassApplied:
		return "applied"
	case ClassConflict:
		return "conflict"
	case ClassNetwork:
		return "network"
	case ClassRejected:
		return "rejected"
	}
	return "unknown"
}

// Classify maps a send error to a Class. When online is false every failure
// is network-classified without looking at the error.
func Classify(err error, online bool) Class {
	if err == nil {
		return ClassApplied
	}
	if !online {
		return ClassNetwork
	}

	var se *syncclient.StatusError
	if errors.As(err, &se) {
		return classifyStatus(se.Status)
	}
	if isTransient(err) {
		return ClassNetwork
	}
	if matchesNetworkMessage(err.Error()) {
		return ClassNetwork
	}
	return ClassRejected
}

// IsHTTPResponse reports whether err carries a server response, meaning
// the server was reachable.
func IsHTTPResponse(err error) bool {
	var se *syncclient.StatusError
	return errors.As(err, &se)
}

func classifyStatus(status int) Class {
	switch status {
	case http.StatusConflict, http.StatusPreconditionFailed:
		return ClassConflict
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return ClassNetwork
	}
	if status >= 200 && status < 300 {
		return ClassApplied
	}
	return ClassRejected
}

var transientErrnos = []error{
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.EPIPE,
	syscall.ENETUNREACH,
	syscall.EHOSTUNREACH,
	syscall.ETIMEDOUT,
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	for _, target := range transientErrnos {
		if errors.Is(err, target) {
			return true
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial", "read", "write":
			return true
		}
	}
	return false
}

var networkMessages = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"no such host",
	"network is unreachable",
	"broken pipe",
	"unexpected eof",
}

func matchesNetworkMessage(msg string) bool {
	msg = strings.ToLower(msg)
	if msg == "eof" || strings.HasSuffix(msg, ": eof") {
		return true
	}
	for _, pattern := range networkMessages {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
