package telegram

import (
	"errors"
	"net"
	"regexp"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	"morilens/internal/dispatch"
)

var (
	retryAfterRx = regexp.MustCompile(`(?i)retry after (\d+)`)
	statusRx     = regexp.MustCompile(`\((\d{3})\)`)
)

// classifyError maps a Bot API failure to a dispatch.ProviderError so the
// queue can tell throttling and server errors from permanent failures.
// Errors that carry no status code are returned unchanged unless they are
// network errors.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	code, desc := 0, err.Error()

	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
		if te.Description != "" {
			desc = te.Description
		}
	}
	if code == 0 {
		if m := statusRx.FindStringSubmatch(err.Error()); m != nil {
			code, _ = strconv.Atoi(m[1])
		}
	}

	var after time.Duration
	if m := retryAfterRx.FindStringSubmatch(err.Error()); m != nil {
		if n, perr := strconv.Atoi(m[1]); perr == nil && n > 0 {
			after = time.Duration(n) * time.Second
			if code == 0 {
				code = 429
			}
		}
	}

	switch {
	case code == 429:
		return &dispatch.ProviderError{Code: code, Description: desc, RetryAfter: after, Transient: after == 0, Err: err}
	case code >= 500 && code <= 599:
		return &dispatch.ProviderError{Code: code, Description: desc, Transient: true, Err: err}
	case code != 0:
		return &dispatch.ProviderError{Code: code, Description: desc, Err: err}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return &dispatch.ProviderError{Description: desc, Transient: true, Err: err}
	}
	return err
}
