package broker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"tradebridge/internal/errors"
	"tradebridge/internal/logging"
	"tradebridge/internal/security"
	"tradebridge/internal/tracing"
)

// RESTOptions configures an adapter's HTTP session.
type RESTOptions struct {
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 = unlimited
	Client    *http.Client
}

// restSession is the HTTP plumbing shared by the REST adapters.
// It never retries; every failure is surfaced to the caller once.
type restSession struct {
	service string
	client  *resty.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func newRESTSession(service, baseURL string, opts RESTOptions, logger zerolog.Logger) *restSession {
	var client *resty.Client
	if opts.Client != nil {
		client = resty.NewWithClient(opts.Client)
	} else {
		client = resty.New()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client.SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(0)

	s := &restSession{
		service: service,
		client:  client,
		logger:  logging.WithBroker(logger, service),
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return s
}

// R starts a request bound to ctx.
func (s *restSession) R(ctx context.Context) *resty.Request {
	return s.client.R().SetContext(ctx)
}

// setHeader sets a header on every subsequent request.
func (s *restSession) setHeader(key, value string) {
	s.client.SetHeader(key, value)
}

// beforeRequest registers a hook that runs on every outgoing request.
func (s *restSession) beforeRequest(fn func(req *resty.Request)) {
	s.client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		fn(req)
		return nil
	})
}

// afterResponse registers a hook that sees every response, including error statuses.
func (s *restSession) afterResponse(fn func(resp *resty.Response)) {
	s.client.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		fn(resp)
		return nil
	})
}

// do executes req and maps transport and HTTP failures onto the error taxonomy.
func (s *restSession) do(op string, req *resty.Request, method, path string) (*resty.Response, error) {
	ctx := req.Context()
	ctx, span := tracing.Start(ctx, "broker."+op,
		attribute.String("broker", s.service),
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	)
	req.SetContext(ctx)

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			err = s.transportError(op, err)
			tracing.End(span, err)
			return nil, err
		}
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	logging.LogAPICall(s.logger, method, path, time.Since(start), err)
	if ev := s.logger.Debug(); ev.Enabled() {
		ev.Str("path", path).Interface("headers", security.RedactHeaders(flatHeaders(req.Header))).Msg("Request headers")
	}

	if err != nil {
		err = s.transportError(op, err)
		tracing.End(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode()))
	if resp.IsError() {
		err = s.statusError(op, resp)
		tracing.End(span, err)
		return resp, err
	}
	tracing.End(span, nil)
	return resp, nil
}

func flatHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ",")
	}
	return out
}

func (s *restSession) transportError(op string, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewTimeoutError(s.service+"."+op, err)
	}
	return errors.NewConnectionError(s.service, op+" failed", err)
}

func (s *restSession) statusError(op string, resp *resty.Response) error {
	code, msg := extractErrorMessage(resp.Body())
	status := resp.StatusCode()

	switch status {
	case http.StatusUnauthorized:
		return errors.NewConnectionError(s.service, joinMsg("unauthorized", msg), errors.ErrSessionExpired)
	case http.StatusForbidden:
		return errors.NewConnectionError(s.service, joinMsg("forbidden", msg), errors.ErrInvalidCredentials)
	}

	re := errors.NewRequestError(s.service, op, msg, nil)
	re.StatusCode = status
	re.Code = code
	switch status {
	case http.StatusNotFound:
		re.Err = errors.ErrSymbolNotFound
		if strings.Contains(op, "order") {
			re.Err = errors.ErrOrderNotFound
		} else if strings.Contains(op, "position") {
			re.Err = errors.ErrPositionNotFound
		}
	case http.StatusTooManyRequests:
		re.Err = errors.ErrRateLimited
	}
	return re
}

// extractErrorMessage pulls a code and message from the common JSON error shapes.
func extractErrorMessage(body []byte) (code, msg string) {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		text := strings.TrimSpace(string(body))
		if len(text) > 200 {
			text = text[:200]
		}
		return "", text
	}
	for _, k := range []string{"errorCode", "error_code", "code", "stringCode"} {
		if v, ok := payload[k]; ok {
			code = toString(v)
			break
		}
	}
	for _, k := range []string{"message", "error", "msg", "reason"} {
		if v, ok := payload[k]; ok {
			msg = toString(v)
			break
		}
	}
	if msg == "" {
		msg = code
	}
	return code, msg
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		b, _ := json.Marshal(t)
		return string(b)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func joinMsg(a, b string) string {
	if b == "" {
		return a
	}
	return a + ": " + b
}
