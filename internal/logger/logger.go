package logger

import (
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

const redacted = "[REDACTED]"

// Logger wraps a sugared zap logger. Key/value pairs passed to any method are
// scrubbed before they reach the encoder: credential-bearing keys are
// replaced and person ids are pseudonymised.
type Logger struct {
	SugaredLogger *zap.SugaredLogger
	salt          string
	redact        bool
}

type Options struct {
	Mode string
	// Salt is mixed into pseudonymised values so they cannot be joined
	// across deployments.
	Salt string
	// DisableRedaction turns scrubbing off, for local debugging only.
	DisableRedaction bool
}

func New(opts Options) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(opts.Mode)) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zapLogger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return &Logger{SugaredLogger: zapLogger.Sugar(), salt: opts.Salt, redact: !opts.DisableRedaction}, nil
}

// Nop discards everything. Used by tests and by callers that did not
// configure logging.
func Nop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar(), redact: true}
}

func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}

func (l *Logger) Debug(msg string, keysAndValues ...any) {
	l.SugaredLogger.Debugw(msg, l.sanitize(keysAndValues)...)
}

func (l *Logger) Info(msg string, keysAndValues ...any) {
	l.SugaredLogger.Infow(msg, l.sanitize(keysAndValues)...)
}

func (l *Logger) Warn(msg string, keysAndValues ...any) {
	l.SugaredLogger.Warnw(msg, l.sanitize(keysAndValues)...)
}

func (l *Logger) Error(msg string, keysAndValues ...any) {
	l.SugaredLogger.Errorw(msg, l.sanitize(keysAndValues)...)
}

func (l *Logger) With(keysAndValues ...any) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(l.sanitize(keysAndValues)...), salt: l.salt, redact: l.redact}
}

func (l *Logger) sanitize(kv []any) []any {
	if len(kv) == 0 || !l.redact {
		return kv
	}
	out := make([]any, 0, len(kv))
	for i := 0; i < len(kv); i += 2 {
		if i == len(kv)-1 {
			out = append(out, kv[i])
			break
		}
		key := toString(kv[i])
		out = append(out, key, l.sanitizeValue(strings.ToLower(strings.TrimSpace(key)), kv[i+1]))
	}
	return out
}

func (l *Logger) sanitizeValue(key string, val any) any {
	switch {
	case isRedactKey(key):
		return redacted
	case isPseudonymKey(key):
		return l.pseudonym(val)
	}
	if m, ok := val.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = l.sanitizeValue(strings.ToLower(strings.TrimSpace(k)), v)
		}
		return out
	}
	return val
}

func isRedactKey(key string) bool {
	for _, marker := range []string{"cookie", "credential", "secret", "password", "authorization", "access_key"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

func isPseudonymKey(key string) bool {
	return key == "ip" || strings.Contains(key, "person_id")
}

func (l *Logger) pseudonym(val any) string {
	raw := toString(val)
	if raw == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(l.salt + raw))
	return "hash:" + hex.EncodeToString(sum[:6])
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
