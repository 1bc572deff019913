// ABOUTME: Execution sandbox contract and its NATS request/reply client
// ABOUTME: Remote failures come back bounded; nothing here holds store locks

package sandbox

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	DefaultSubject = "scriptgov.exec"
	DefaultTimeout = 30 * time.Second

	// MaxErrorBytes caps remote error text carried back to callers
	MaxErrorBytes = 2 << 10
)

var (
	ErrExecution   = errors.New("sandbox: execution failed")
	ErrTimeout     = errors.New("sandbox: execution timed out")
	ErrUnavailable = errors.New("sandbox: no executor available")
)

// Result is what the sandbox returned for one run
type Result struct {
	Output   json.RawMessage `json:"Output"`
	Duration time.Duration   `json:"Duration"`
}

// Executor runs accepted scripts against a tenant
type Executor interface {
	Execute(ctx context.Context, script ValidatedScript, tenant string, params map[string]any) (Result, error)
}

// Requester is the part of *nats.Conn the executor needs
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// Request is the wire message sent to the sandbox
type Request struct {
	ScriptGuid     string         `json:"ScriptGuid"`
	Version        int            `json:"Version"`
	ScriptContent  string         `json:"ScriptContent"`
	Digest         string         `json:"Digest"`
	PolicyRevision string         `json:"PolicyRevision"`
	TenantFilter   string         `json:"TenantFilter"`
	Parameters     map[string]any `json:"Parameters,omitempty"`
}

// Reply is the sandbox's answer; a non-empty Error means the run failed
type Reply struct {
	Output json.RawMessage `json:"Output,omitempty"`
	Error  string          `json:"Error,omitempty"`
}

type NATSExecutor struct {
	conn    Requester
	subject string
	timeout time.Duration
	logger  zerolog.Logger
}

type Option func(*NATSExecutor)

func WithSubject(subject string) Option {
	return func(e *NATSExecutor) {
		if subject != "" {
			e.subject = subject
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(e *NATSExecutor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *NATSExecutor) { e.logger = logger }
}

func NewNATSExecutor(conn Requester, opts ...Option) *NATSExecutor {
	e := &NATSExecutor{
		conn:    conn,
		subject: DefaultSubject,
		timeout: DefaultTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Connect dials NATS with reconnects enabled
func Connect(url string, logger zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("scriptgov-sandbox"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to NATS at %s", url)
	}
	return nc, nil
}

func (e *NATSExecutor) Execute(ctx context.Context, script ValidatedScript, tenant string, params map[string]any) (Result, error) {
	if !script.valid() {
		return Result{}, ErrNotValidated
	}
	data, err := json.Marshal(Request{
		ScriptGuid:     script.guid,
		Version:        script.version,
		ScriptContent:  script.content,
		Digest:         script.digest,
		PolicyRevision: script.revision,
		TenantFilter:   tenant,
		Parameters:     params,
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "encode sandbox request")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	msg, err := e.conn.RequestWithContext(ctx, e.subject, data)
	elapsed := time.Since(start)
	log := e.logger.With().
		Str("script_guid", script.guid).
		Int("version", script.version).
		Str("tenant", tenant).
		Dur("duration", elapsed).
		Logger()

	if err != nil {
		log.Warn().Err(err).Msg("sandbox request failed")
		switch {
		case errors.Is(err, nats.ErrNoResponders):
			return Result{}, errors.Wrapf(ErrUnavailable, "subject %s", e.subject)
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
			return Result{}, errors.Wrapf(ErrTimeout, "after %s", elapsed.Round(time.Millisecond))
		}
		return Result{}, errors.Wrap(err, "sandbox request")
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		log.Warn().Err(err).Msg("undecodable sandbox reply")
		return Result{}, errors.Wrapf(ErrExecution, "undecodable reply: %s", Truncate(string(msg.Data), MaxErrorBytes))
	}
	if reply.Error != "" {
		log.Info().Msg("script run failed")
		return Result{}, errors.Wrapf(ErrExecution, "%s", Truncate(reply.Error, MaxErrorBytes))
	}

	log.Debug().Msg("script run completed")
	return Result{Output: reply.Output, Duration: elapsed}, nil
}

// Truncate cuts s to at most n bytes without splitting a rune
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
