package fault

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
	"unicode"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Verdict is the result of classifying a fault.
type Verdict struct {
	Class      Class
	Kind       Kind
	RetryAfter time.Duration
}

// Retryable reports whether any layer may retry the fault.
func (v Verdict) Retryable() bool {
	return v.Class != Permanent
}

func verdict(k Kind) Verdict {
	return Verdict{Class: ClassOf(k), Kind: k}
}

// Classify maps a raw fault to its class and kind. It is pure and safe for
// concurrent use. Faults it cannot recognise are permanent.
func Classify(err error) Verdict {
	if err == nil {
		return Verdict{Class: Permanent, Kind: KindUnknown}
	}

	var fe *Error
	if errors.As(err, &fe) {
		v := verdict(fe.Kind)
		v.RetryAfter = fe.RetryAfter
		return v
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return verdict(KindTimeout)
	case errors.Is(err, context.Canceled):
		return verdict(KindShutdown)
	}

	if v, ok := classifyGRPC(err); ok {
		return v
	}
	if v, ok := classifyOpenAI(err); ok {
		return v
	}
	if v, ok := classifyPostgres(err); ok {
		return v
	}
	if v, ok := classifyNet(err); ok {
		return v
	}
	return classifyMessage(err)
}

func classifyGRPC(err error) (Verdict, bool) {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK || st.Code() == codes.Unknown {
		return Verdict{}, false
	}

	var k Kind
	switch st.Code() {
	case codes.DeadlineExceeded, codes.Canceled:
		k = KindTimeout
	case codes.Unavailable, codes.Aborted, codes.Internal:
		k = KindUnavailable
	case codes.ResourceExhausted:
		k = KindRateLimit
	case codes.NotFound:
		k = KindNotFound
	case codes.Unauthenticated, codes.PermissionDenied:
		k = KindAuth
	default:
		k = KindMalformed
	}

	v := verdict(k)
	for _, d := range st.Details() {
		if ri, ok := d.(*errdetails.RetryInfo); ok && ri.GetRetryDelay() != nil {
			v.RetryAfter = ri.GetRetryDelay().AsDuration()
		}
	}
	return v, true
}

func classifyOpenAI(err error) (Verdict, bool) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return verdict(FromHTTPStatus(apiErr.HTTPStatusCode)), true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return verdict(FromHTTPStatus(reqErr.HTTPStatusCode)), true
	}
	return Verdict{}, false
}

func classifyPostgres(err error) (Verdict, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return verdict(sqlStateKind(string(pqErr.Code))), true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return verdict(sqlStateKind(pgErr.Code)), true
	}
	if pgconn.SafeToRetry(err) || errors.Is(err, driver.ErrBadConn) {
		return verdict(KindDBConnection), true
	}
	return Verdict{}, false
}

// sqlStateKind maps a SQLSTATE code by class.
func sqlStateKind(code string) Kind {
	if len(code) < 2 {
		return KindUnknown
	}
	switch code[:2] {
	case "08", "57":
		// connection exception, operator intervention (admin shutdown)
		return KindDBConnection
	case "40":
		// serialization failure, deadlock
		return KindDBConnection
	case "53":
		return KindOutOfMemory
	case "28":
		return KindAuth
	default:
		return KindMalformed
	}
}

func classifyNet(err error) (Verdict, bool) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return verdict(KindTimeout), true
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF):
		return verdict(KindNetwork), true
	case errors.Is(err, syscall.ENOMEM):
		return verdict(KindOutOfMemory), true
	case errors.Is(err, syscall.ENOSPC):
		return verdict(KindStorageUnavailable), true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return verdict(KindNotFound), true
		}
		return verdict(KindNetwork), true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return verdict(KindNetwork), true
	}
	return Verdict{}, false
}

func classifyMessage(err error) Verdict {
	s := strings.ToLower(err.Error())
	codes := statusTokens(s)

	switch {
	case strings.Contains(s, "out of memory") || strings.Contains(s, "oomkilled"):
		return verdict(KindOutOfMemory)
	case codes["429"] || strings.Contains(s, "too many requests") ||
		strings.Contains(s, "rate limit"):
		return verdict(KindRateLimit)
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline exceeded"):
		return verdict(KindTimeout)
	case strings.Contains(s, "connection refused") || strings.Contains(s, "connection reset") ||
		strings.Contains(s, "broken pipe") || strings.Contains(s, "unexpected eof"):
		return verdict(KindNetwork)
	case codes["503"] || codes["502"] || codes["504"] || strings.Contains(s, "service unavailable"):
		return verdict(KindUnavailable)
	case codes["401"] || codes["403"] ||
		strings.Contains(s, "unauthorized") || strings.Contains(s, "forbidden"):
		return verdict(KindAuth)
	case codes["404"] || strings.Contains(s, "not found"):
		return verdict(KindNotFound)
	}
	return verdict(KindUnknown)
}

// statusTokens collects the standalone three-digit words of a message.
// Digits inside ids, paths and URLs are not status codes.
func statusTokens(s string) map[string]bool {
	words := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(`:,;()[]{}"'=`, r)
	})
	codes := make(map[string]bool)
	for _, w := range words {
		if len(w) == 3 && strings.Trim(w, "0123456789") == "" {
			codes[w] = true
		}
	}
	return codes
}

// FromHTTPStatus maps an HTTP response status to a kind.
func FromHTTPStatus(code int) Kind {
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return KindNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code >= 500:
		return KindUnavailable
	case code >= 400:
		return KindMalformed
	default:
		return KindUnknown
	}
}
