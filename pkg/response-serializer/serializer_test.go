package serializer

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	record "github.com/recache/recache/pkg/response-record"
)

func sampleRecord() *record.Record {
	expires := time.Unix(0, 1700000123456789012).UTC()
	return &record.Record{
		StatusCode: 200,
		Status:     "200 OK",
		Header: http.Header{
			"Content-Type":  {"text/html; charset=utf-8"},
			"Set-Cookie":    {"a=1", "b=2"},
			"Cache-Control": {"max-age=60"},
		},
		Body:         []byte("<html>hello \x00\xff</html>"),
		URL:          "https://example.com/a?x=1",
		Elapsed:      123 * time.Millisecond,
		CreatedAt:    time.Unix(0, 1699999999999999999).UTC(),
		Expires:      &expires,
		ETag:         `"abc123"`,
		LastModified: "Tue, 14 Nov 2023 12:00:00 GMT",
	}
}

func TestRoundTripAllFormats(t *testing.T) {
	for _, format := range []Format{FormatMsgpack, FormatJSON, FormatYAML, FormatBSON} {
		t.Run(format.String(), func(t *testing.T) {
			s, err := New(format)
			require.NoError(t, err)

			rec := sampleRecord()
			b, err := s.Encode(rec)
			require.NoError(t, err)

			got, err := s.Decode(b)
			require.NoError(t, err)
			assert.Equal(t, rec, got)
		})
	}
}

func TestRoundTripRedirectShell(t *testing.T) {
	s, err := New(FormatMsgpack)
	require.NoError(t, err)
	rec := &record.Record{
		StatusCode: 301,
		Header:     http.Header{"Location": {"https://example.com/b"}},
		URL:        "https://example.com/a",
		CreatedAt:  time.Unix(0, 1700000000000000000).UTC(),
		RedirectTo: "deadbeef",
	}
	b, err := s.Encode(rec)
	require.NoError(t, err)
	got, err := s.Decode(b)
	require.NoError(t, err)
	assert.True(t, got.IsRedirect())
	assert.Equal(t, rec, got)
}

func TestRoundTripWithCompression(t *testing.T) {
	s, err := New(FormatJSON, WithCompression())
	require.NoError(t, err)

	rec := sampleRecord()
	b, err := s.Encode(rec)
	require.NoError(t, err)

	got, err := s.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestRoundTripSigned(t *testing.T) {
	s, err := New(FormatMsgpack, WithSecret([]byte("hunter2")), WithCompression())
	require.NoError(t, err)

	rec := sampleRecord()
	b, err := s.Encode(rec)
	require.NoError(t, err)

	got, err := s.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestTamperedBytesFailIntegrity(t *testing.T) {
	s, err := New(FormatMsgpack, WithSecret([]byte("hunter2")))
	require.NoError(t, err)

	b, err := s.Encode(sampleRecord())
	require.NoError(t, err)

	b[0] ^= 0x01
	_, err = s.Decode(b)
	require.ErrorIs(t, err, ErrIntegrity)

	// truncated below signature size
	_, err = s.Decode(b[:8])
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestWrongSecretFailsIntegrity(t *testing.T) {
	enc, err := New(FormatMsgpack, WithSecret([]byte("hunter2")))
	require.NoError(t, err)
	dec, err := New(FormatMsgpack, WithSecret([]byte("other")))
	require.NoError(t, err)

	b, err := enc.Encode(sampleRecord())
	require.NoError(t, err)
	_, err = dec.Decode(b)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestGarbageFailsDecode(t *testing.T) {
	s, err := New(FormatJSON)
	require.NoError(t, err)
	_, err = s.Decode([]byte("{not json"))
	require.ErrorIs(t, err, ErrDecode)
}

func TestNilExpiresSurvives(t *testing.T) {
	s, err := New(FormatBSON)
	require.NoError(t, err)
	rec := sampleRecord()
	rec.Expires = nil
	b, err := s.Encode(rec)
	require.NoError(t, err)
	got, err := s.Decode(b)
	require.NoError(t, err)
	assert.Nil(t, got.Expires)
}

func TestParseFormat(t *testing.T) {
	for name, want := range map[string]Format{
		"":        FormatMsgpack,
		"msgpack": FormatMsgpack,
		"json":    FormatJSON,
		"yaml":    FormatYAML,
		"bson":    FormatBSON,
	} {
		got, err := ParseFormat(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("protobuf")
	assert.Error(t, err)
}
