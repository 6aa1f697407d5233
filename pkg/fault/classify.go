package fault

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cryptolog/apt-offline/pkg/logctx"
)

type Action int

const (
	// Continue records the failure and moves on to the next job.
	Continue Action = iota
	// Warn is an expected transient condition.
	Warn
	// Fatal terminates the run with the code as exit status.
	Fatal
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case Warn:
		return "warn"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// continuable codes are host-specific or transient; other mirrors and
// records may still succeed.
var continuable = map[int]struct{}{
	CodeResolve:        {},
	CodePermission:     {},
	CodeReset:          {},
	CodeRefused:        {},
	CodeNotFound:       {},
	410:                {},
	500:                {},
	502:                {},
	503:                {},
	CodeGatewayTimeout: {},
	CodeConnectTimeout: {},
	CodeRetryExhausted: {},
}

// Classify maps a code to the action the run takes. Unknown codes are fatal.
func Classify(code int) Action {
	if _, ok := continuable[code]; ok {
		return Continue
	}
	switch code {
	case CodeReadTimeout:
		return Warn
	default:
		return Fatal
	}
}

// FatalError stops the run. Code becomes the process exit status.
type FatalError struct {
	Code int
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error (code %d): %v", e.Code, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Abort wraps err as a fatal resource fault.
func Abort(err error) error {
	return &FatalError{Code: CodeAbort, Err: err}
}

// Handle logs err for subject according to its classification and returns
// the code. The error is non-nil only when the run must terminate.
func Handle(ctx context.Context, subject string, err error) (int, error) {
	log := logctx.LoggerFromContext(ctx).With(slog.String("file", subject))
	code := CodeOf(err)

	switch Classify(code) {
	case Continue:
		log.Error("download failed", slog.Int("code", code), slog.String("error", err.Error()))
		return code, nil
	case Warn:
		log.Warn("socket timeout", slog.Int("code", code), slog.String("error", err.Error()))
		return code, nil
	}

	switch code {
	case CodeAbort, CodeNotExist, CodeProxyAuth:
		log.Error("fatal error, aborting", slog.Int("code", code), slog.String("error", err.Error()))
	default:
		log.Error("unrecognized error code, aborting", slog.Int("code", code), slog.String("error", err.Error()))
	}
	return code, &FatalError{Code: code, Err: err}
}
