package remote

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/themadorg/mailboy/internal/faults"
)

// overloadMarkers are substrings of "too many simultaneous connections"
// class replies seen across common IMAP servers.
var overloadMarkers = []string{
	"too many simultaneous connections",
	"too many connections",
	"maximum number of connections",
	"connection limit",
	"[limit]",
}

// authMarkers are substrings of credential-rejection replies.
var authMarkers = []string{
	"authentication failed",
	"authenticationfailed",
	"invalid credentials",
	"login failed",
	"username and password not accepted",
	"[authenticationfailed]",
}

// transientMarkers are transport-level failures that warrant a reconnect
// and a job retry rather than an error surfaced to the user.
var transientMarkers = []string{
	"connection closed",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"use of closed network connection",
	"short write",
}

// Classify maps a raw client error onto a bridge fault kind. Errors that
// already carry a kind pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{faults.RemoteOverloaded, faults.AuthRequired, faults.RemoteTransient, faults.NotFound} {
		if errors.Is(err, kind) {
			return err
		}
	}

	msg := strings.ToLower(err.Error())
	for _, m := range overloadMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", faults.RemoteOverloaded, err)
		}
	}
	for _, m := range authMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", faults.AuthRequired, err)
		}
	}

	var netErr net.Error
	if errors.Is(err, io.EOF) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", faults.RemoteTransient, err)
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", faults.RemoteTransient, err)
		}
	}
	return err
}
