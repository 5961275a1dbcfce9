package serializer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.mongodb.org/mongo-driver/bson"
	"gopkg.in/yaml.v3"

	record "github.com/recache/recache/pkg/response-record"
)

// Format selects the codec used for the stored byte representation.
// It is resolved once when the Serializer is constructed, not per call.
type Format int

const (
	// FormatMsgpack is the binary-native codec (default).
	FormatMsgpack Format = iota
	// FormatJSON is the JSON-compatible codec.
	FormatJSON
	// FormatYAML is the YAML-compatible codec.
	FormatYAML
	// FormatBSON is the document-native codec.
	FormatBSON
)

func (f Format) String() string {
	switch f {
	case FormatMsgpack:
		return "msgpack"
	case FormatJSON:
		return "json"
	case FormatYAML:
		return "yaml"
	case FormatBSON:
		return "bson"
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// ParseFormat resolves a format name from configuration.
func ParseFormat(name string) (Format, error) {
	switch name {
	case "", "msgpack":
		return FormatMsgpack, nil
	case "json":
		return FormatJSON, nil
	case "yaml":
		return FormatYAML, nil
	case "bson":
		return FormatBSON, nil
	}
	return 0, fmt.Errorf("serializer: unknown format %q", name)
}

type codec struct {
	marshal   func(any) ([]byte, error)
	unmarshal func([]byte, any) error
}

var codecs = map[Format]codec{
	FormatMsgpack: {
		marshal:   func(v any) ([]byte, error) { return msgpack.Marshal(v) },
		unmarshal: msgpack.Unmarshal,
	},
	FormatJSON: {
		marshal:   func(v any) ([]byte, error) { return json.Marshal(v) },
		unmarshal: json.Unmarshal,
	},
	FormatYAML: {
		marshal:   func(v any) ([]byte, error) { return yaml.Marshal(v) },
		unmarshal: yaml.Unmarshal,
	},
	FormatBSON: {
		marshal:   func(v any) ([]byte, error) { return bson.Marshal(v) },
		unmarshal: func(b []byte, v any) error { return bson.Unmarshal(b, v) },
	},
}

// storedRecord is the codec-facing envelope for a record.Record.
// Timestamps travel as unix nanoseconds so every codec round-trips them
// exactly (BSON datetimes only carry millisecond precision).
type storedRecord struct {
	StatusCode   int                 `json:"status_code" yaml:"status_code" msgpack:"status_code" bson:"status_code"`
	Status       string              `json:"status,omitempty" yaml:"status,omitempty" msgpack:"status,omitempty" bson:"status,omitempty"`
	Header       map[string][]string `json:"header,omitempty" yaml:"header,omitempty" msgpack:"header,omitempty" bson:"header,omitempty"`
	Body         []byte              `json:"body,omitempty" yaml:"body,omitempty" msgpack:"body,omitempty" bson:"body,omitempty"`
	URL          string              `json:"url" yaml:"url" msgpack:"url" bson:"url"`
	Elapsed      int64               `json:"elapsed_ns" yaml:"elapsed_ns" msgpack:"elapsed_ns" bson:"elapsed_ns"`
	CreatedAt    int64               `json:"created_at_ns" yaml:"created_at_ns" msgpack:"created_at_ns" bson:"created_at_ns"`
	Expires      *int64              `json:"expires_ns,omitempty" yaml:"expires_ns,omitempty" msgpack:"expires_ns,omitempty" bson:"expires_ns,omitempty"`
	ETag         string              `json:"etag,omitempty" yaml:"etag,omitempty" msgpack:"etag,omitempty" bson:"etag,omitempty"`
	LastModified string              `json:"last_modified,omitempty" yaml:"last_modified,omitempty" msgpack:"last_modified,omitempty" bson:"last_modified,omitempty"`
	RedirectTo   string              `json:"redirect_to,omitempty" yaml:"redirect_to,omitempty" msgpack:"redirect_to,omitempty" bson:"redirect_to,omitempty"`
}

func toStored(rec *record.Record) storedRecord {
	s := storedRecord{
		StatusCode:   rec.StatusCode,
		Status:       rec.Status,
		Header:       rec.Header,
		Body:         rec.Body,
		URL:          rec.URL,
		Elapsed:      int64(rec.Elapsed),
		CreatedAt:    rec.CreatedAt.UnixNano(),
		ETag:         rec.ETag,
		LastModified: rec.LastModified,
		RedirectTo:   rec.RedirectTo,
	}
	if rec.Expires != nil {
		nanos := rec.Expires.UnixNano()
		s.Expires = &nanos
	}
	return s
}

func (s *storedRecord) toRecord() *record.Record {
	rec := &record.Record{
		StatusCode:   s.StatusCode,
		Status:       s.Status,
		Header:       http.Header(s.Header),
		Body:         s.Body,
		URL:          s.URL,
		Elapsed:      time.Duration(s.Elapsed),
		CreatedAt:    time.Unix(0, s.CreatedAt).UTC(),
		ETag:         s.ETag,
		LastModified: s.LastModified,
		RedirectTo:   s.RedirectTo,
	}
	if rec.Header == nil {
		rec.Header = make(http.Header)
	}
	if s.Expires != nil {
		expires := time.Unix(0, *s.Expires).UTC()
		rec.Expires = &expires
	}
	return rec
}
