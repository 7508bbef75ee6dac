package admission

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength caps the formatted submission, in characters.
const MaxMessageLength = 4000

// Control field names. They steer admission and are never stored.
const (
	FieldCSRFToken = "csrfToken"
	FieldCSRFAlias = "_csrf"
	FieldChallenge = "altcha"
)

var controlFields = []string{FieldCSRFToken, FieldCSRFAlias, FieldChallenge}

const (
	mediaJSON       = "application/json"
	mediaMultipart  = "multipart/form-data"
	mediaURLEncoded = "application/x-www-form-urlencoded"
)

var (
	errBodyTooLarge    = errors.New("body exceeds limit")
	errUnsupportedType = errors.New("unsupported content type")
)

// Fields are the decoded submission fields. Values are strings, json.Number,
// bools, nil, []any or map[string]any.
type Fields map[string]any

// String returns the first string value for name.
func (f Fields) String(name string) string {
	switch v := f[name].(type) {
	case string:
		return strings.TrimSpace(v)
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// Data returns the fields with control fields removed.
func (f Fields) Data() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		if slices.Contains(controlFields, k) {
			continue
		}
		out[k] = v
	}
	return out
}

// parseMediaType reports the canonical media type when it is one the
// collector accepts.
func parseMediaType(contentType string) (string, map[string]string, bool) {
	if contentType == "" {
		return "", nil, false
	}
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", nil, false
	}
	switch mt {
	case mediaJSON, mediaMultipart, mediaURLEncoded:
		return mt, params, true
	}
	return "", nil, false
}

// decodeFields reads at most limit bytes of body. Multipart file parts are
// skipped.
func decodeFields(mediaType string, params map[string]string, body io.Reader, limit int64) (Fields, error) {
	if body == nil {
		body = strings.NewReader("")
	}
	r := &cappedReader{r: body, remaining: limit}

	switch mediaType {
	case mediaJSON:
		return decodeJSON(r)
	case mediaURLEncoded:
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		values, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil, fmt.Errorf("parse form body: %w", err)
		}
		return fromValues(values), nil
	case mediaMultipart:
		return decodeMultipart(r, params["boundary"])
	}
	return nil, errUnsupportedType
}

func decodeJSON(r io.Reader) (Fields, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var fields Fields
	if err := dec.Decode(&fields); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return nil, err
		}
		if errors.Is(err, io.EOF) {
			return Fields{}, nil
		}
		return nil, fmt.Errorf("parse json body: %w", err)
	}
	if fields == nil {
		return nil, errors.New("json body must be an object")
	}
	return fields, nil
}

func decodeMultipart(r io.Reader, boundary string) (Fields, error) {
	if boundary == "" {
		return nil, errors.New("multipart body has no boundary")
	}
	mr := multipart.NewReader(r, boundary)
	values := url.Values{}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, errBodyTooLarge) {
				return nil, err
			}
			return nil, fmt.Errorf("parse multipart body: %w", err)
		}
		name := part.FormName()
		if name == "" || part.FileName() != "" {
			_, _ = io.Copy(io.Discard, part)
			continue
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, part); err != nil {
			if errors.Is(err, errBodyTooLarge) {
				return nil, err
			}
			return nil, fmt.Errorf("read multipart field: %w", err)
		}
		values.Add(name, buf.String())
	}
	return fromValues(values), nil
}

func fromValues(values url.Values) Fields {
	fields := make(Fields, len(values))
	for k, vs := range values {
		if len(vs) == 1 {
			fields[k] = vs[0]
			continue
		}
		list := make([]any, len(vs))
		for i, v := range vs {
			list[i] = v
		}
		fields[k] = list
	}
	return fields
}

// FormatMessage renders fields as sorted "key: value" lines, skipping control
// fields and empty values.
func FormatMessage(fields Fields) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if slices.Contains(controlFields, k) {
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := formatValue(fields[k]); v != "" {
			lines = append(lines, k+": "+v)
		}
	}
	return strings.Join(lines, "\n")
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			switch item.(type) {
			case map[string]any, []any:
				return encodeJSON(t)
			}
			if s := formatValue(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		if len(t) == 0 {
			return ""
		}
		return encodeJSON(t)
	default:
		return encodeJSON(t)
	}
}

func encodeJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

func messageTooLong(msg string) bool {
	return utf8.RuneCountInString(msg) > MaxMessageLength
}

// cappedReader fails with errBodyTooLarge once the underlying reader yields
// more than remaining bytes. Bytes past the cap are never handed on.
type cappedReader struct {
	r         io.Reader
	remaining int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.remaining < 0 {
		return 0, errBodyTooLarge
	}
	if int64(len(p)) > c.remaining+1 {
		p = p[:c.remaining+1]
	}
	n, err := c.r.Read(p)
	if int64(n) > c.remaining {
		n = int(c.remaining)
		c.remaining = -1
		return n, errBodyTooLarge
	}
	c.remaining -= int64(n)
	return n, err
}
