package logging

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/cortexd/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const redactedMarker = "[REDACTED]"

// Secret logs a config.Secret as a redaction marker carrying only its length.
func Secret(key string, val config.Secret) zap.Field {
	return RedactedString(key, val.Value())
}

// RedactedString creates a Zap field with redacted value and length.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// RedactingEncoder wraps a zapcore.Encoder and masks sensitive keys and
// string values matching configured patterns.
type RedactingEncoder struct {
	zapcore.Encoder
	keys     map[string]struct{}
	patterns []*regexp.Regexp
}

// NewRedactingEncoder wraps base with the rules in cfg.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	enc := &RedactingEncoder{Encoder: base, keys: map[string]struct{}{}}
	if !cfg.Enabled {
		return enc, nil
	}
	for _, f := range cfg.Fields {
		enc.keys[strings.ToLower(f)] = struct{}{}
	}
	for _, p := range cfg.Patterns {
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

// AddString masks sensitive keys and pattern matches.
func (e *RedactingEncoder) AddString(key, val string) {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redactedMarker)
		return
	}
	for _, re := range e.patterns {
		if re.MatchString(val) {
			e.Encoder.AddString(key, "[REDACTED:pattern]")
			return
		}
	}
	e.Encoder.AddString(key, val)
}

func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	if e.sensitive(key) {
		val = []byte(redactedMarker)
	}
	e.Encoder.AddByteString(key, val)
}

func (e *RedactingEncoder) AddBinary(key string, val []byte) {
	if e.sensitive(key) {
		val = []byte(redactedMarker)
	}
	e.Encoder.AddBinary(key, val)
}

func (e *RedactingEncoder) AddReflected(key string, val interface{}) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redactedMarker)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *RedactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redactedMarker)
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redactedMarker)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

// EncodeEntry routes per-entry fields through the redacting Add* methods.
// The embedded encoder would otherwise add them to its own clone directly.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	c := e.Clone().(*RedactingEncoder)
	for _, f := range fields {
		f.AddTo(c)
	}
	return c.Encoder.EncodeEntry(ent, nil)
}

// Clone creates a copy of the encoder.
func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{
		Encoder:  e.Encoder.Clone(),
		keys:     e.keys,
		patterns: e.patterns,
	}
}
