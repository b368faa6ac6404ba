package logging

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const (
	maxPatternLen = 200
	redacted      = "[REDACTED]"
)

// RedactingEncoder masks sensitive fields before they are encoded. Task
// failure messages and remediation notes are free text from workers and
// fixers, so every string value is also matched against the patterns.
type RedactingEncoder struct {
	zapcore.Encoder
	keys     map[string]struct{}
	patterns []*regexp.Regexp
}

// NewRedactingEncoder wraps base with the rules in r. A disabled r yields
// a pass-through encoder.
func NewRedactingEncoder(base zapcore.Encoder, r Redaction) (*RedactingEncoder, error) {
	enc := &RedactingEncoder{Encoder: base}
	if !r.Enabled {
		return enc, nil
	}

	enc.keys = make(map[string]struct{}, len(r.Keys))
	for _, k := range r.Keys {
		enc.keys[strings.ToLower(k)] = struct{}{}
	}
	for _, p := range r.Patterns {
		if len(p) > maxPatternLen {
			return nil, fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLen, p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		enc.patterns = append(enc.patterns, re)
	}
	return enc, nil
}

func (e *RedactingEncoder) sensitive(key string) bool {
	_, ok := e.keys[strings.ToLower(key)]
	return ok
}

func (e *RedactingEncoder) scrub(val string) string {
	for _, re := range e.patterns {
		val = re.ReplaceAllString(val, redacted)
	}
	return val
}

// EncodeEntry scrubs the message and the per-entry fields.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	clean := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		switch {
		case e.sensitive(f.Key):
			clean[i] = zap.String(f.Key, redacted)
		case f.Type == zapcore.StringType:
			clean[i] = zap.String(f.Key, e.scrub(f.String))
		case f.Type == zapcore.ErrorType:
			if err, ok := f.Interface.(error); ok {
				clean[i] = zap.String(f.Key, e.scrub(err.Error()))
			} else {
				clean[i] = f
			}
		default:
			clean[i] = f
		}
	}
	ent.Message = e.scrub(ent.Message)
	return e.Encoder.EncodeEntry(ent, clean)
}

// AddString covers fields attached with Logger.With.
func (e *RedactingEncoder) AddString(key, val string) {
	if e.sensitive(key) {
		val = redacted
	}
	e.Encoder.AddString(key, e.scrub(val))
}

func (e *RedactingEncoder) AddReflected(key string, val any) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

// Clone keeps the rules on the copy.
func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{Encoder: e.Encoder.Clone(), keys: e.keys, patterns: e.patterns}
}
