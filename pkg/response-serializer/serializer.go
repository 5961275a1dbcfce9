// Package serializer converts response records to and from their storable
// byte representation. A Serializer wraps one of several codecs (msgpack,
// JSON, YAML, BSON) with an optional compression stage and an optional
// integrity-signing stage, applied in that order on encode and reversed on
// decode.
package serializer

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	record "github.com/recache/recache/pkg/response-record"
)

var (
	// ErrDecode is returned when stored bytes cannot be decoded into a
	// record. Callers treat the entry as absent, never as valid data.
	ErrDecode = errors.New("serializer: cannot decode record")
	// ErrIntegrity is returned when the signature trailer does not verify.
	// This is a hard failure: tampered bytes are never deserialized.
	ErrIntegrity = errors.New("serializer: signature mismatch")
)

const signatureSize = sha256.Size

// Option configures a Serializer.
type Option func(*Serializer)

// WithCompression gzips the encoded bytes before signing/storage.
func WithCompression() Option {
	return func(s *Serializer) { s.compress = true }
}

// WithSecret enables the HMAC-SHA256 signature trailer using the given key.
func WithSecret(key []byte) Option {
	return func(s *Serializer) { s.secret = append([]byte(nil), key...) }
}

// Serializer encodes records with a fixed codec, compression, and signing
// configuration. The same configuration must be used for encode and decode;
// entries written by a differently configured serializer fail to decode.
type Serializer struct {
	format   Format
	codec    codec
	compress bool
	secret   []byte
}

// New builds a Serializer for the given format.
func New(format Format, opts ...Option) (*Serializer, error) {
	c, ok := codecs[format]
	if !ok {
		return nil, fmt.Errorf("serializer: unknown format %v", format)
	}
	s := &Serializer{format: format, codec: c}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Format returns the configured codec format.
func (s *Serializer) Format() Format {
	return s.format
}

// Encode converts a record into a single storable byte blob.
func (s *Serializer) Encode(rec *record.Record) ([]byte, error) {
	stored := toStored(rec)
	b, err := s.codec.marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("serializer: encode %v: %w", s.format, err)
	}
	if s.compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(b); err != nil {
			return nil, fmt.Errorf("serializer: compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("serializer: compress: %w", err)
		}
		b = buf.Bytes()
	}
	if len(s.secret) > 0 {
		b = append(b, s.sign(b)...)
	}
	return b, nil
}

// Decode converts stored bytes back into a record. A failed signature check
// yields ErrIntegrity; any other malformed input yields ErrDecode.
func (s *Serializer) Decode(b []byte) (*record.Record, error) {
	if len(s.secret) > 0 {
		if len(b) < signatureSize {
			return nil, ErrIntegrity
		}
		payload, sig := b[:len(b)-signatureSize], b[len(b)-signatureSize:]
		if !hmac.Equal(sig, s.sign(payload)) {
			return nil, ErrIntegrity
		}
		b = payload
	}
	if s.compress {
		zr, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		b, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if err := zr.Close(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
	}
	var stored storedRecord
	if err := s.codec.unmarshal(b, &stored); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return stored.toRecord(), nil
}

func (s *Serializer) sign(b []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(b)
	return mac.Sum(nil)
}
