// Package form parses inbound submissions and derives canonical content
// digests used for duplicate and flood detection.
package form

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrParse indicates the submission body could not be parsed in any
// supported format. Per policy this is a content-validation failure, scored
// or rejected by the caller, never a crash.
var ErrParse = errors.New("form: unparseable body")

// maxMultipartMemory bounds in-memory buffering of multipart parts.
const maxMultipartMemory = 4 << 20

// Submission is one inbound request's parsed fields. Immutable after parse.
type Submission struct {
	Fields      map[string][]string
	ContentType string
	ClientIP    netip.Addr
	UserAgent   string
	Headers     map[string]string
	ReceivedAt  time.Time
}

// Field returns the first value of the named field, or "".
func (s *Submission) Field(name string) string {
	if vals := s.Fields[name]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// HasField reports whether the named field was submitted at all.
func (s *Submission) HasField(name string) bool {
	_, ok := s.Fields[name]
	return ok
}

// ParseBody parses body according to contentType into a field map.
// Supported: application/x-www-form-urlencoded, multipart/form-data, and
// application/json (one object level; scalar and scalar-array values).
func ParseBody(contentType string, body []byte) (map[string][]string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// Missing or malformed Content-Type: fall back to urlencoded, the
		// most common form encoding.
		mediaType = "application/x-www-form-urlencoded"
	}

	switch {
	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("%w: urlencoded: %v", ErrParse, err)
		}
		return values, nil

	case mediaType == "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("%w: multipart without boundary", ErrParse)
		}
		reader := multipart.NewReader(strings.NewReader(string(body)), boundary)
		multiForm, err := reader.ReadForm(maxMultipartMemory)
		if err != nil {
			return nil, fmt.Errorf("%w: multipart: %v", ErrParse, err)
		}
		defer multiForm.RemoveAll() //nolint:errcheck
		fields := make(map[string][]string, len(multiForm.Value))
		for name, vals := range multiForm.Value {
			fields[name] = append([]string(nil), vals...)
		}
		return fields, nil

	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		return parseJSONForm(body)

	default:
		return nil, fmt.Errorf("%w: unsupported content type %q", ErrParse, mediaType)
	}
}

// parseJSONForm flattens a single-level JSON object into a field map.
// Scalars stringify; arrays keep each scalar element as one value; nested
// objects are re-encoded as compact JSON so their content still participates
// in scoring.
func parseJSONForm(body []byte) (map[string][]string, error) {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrParse, err)
	}
	fields := make(map[string][]string, len(obj))
	for name, raw := range obj {
		switch v := raw.(type) {
		case []any:
			vals := make([]string, 0, len(v))
			for _, el := range v {
				vals = append(vals, jsonScalar(el))
			}
			fields[name] = vals
		default:
			fields[name] = []string{jsonScalar(v)}
		}
	}
	return fields, nil
}

func jsonScalar(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(s)
		if err != nil {
			return fmt.Sprintf("%v", s)
		}
		return string(encoded)
	}
}
