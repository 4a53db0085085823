// Package decode turns captured request payloads into storable values.
//
// Decoders are tried in a fixed order and the first one that succeeds wins:
// JSON, form data, UTF-8 text and finally a binary size placeholder. The
// order decides the shape of stored bodies and must not change.
package decode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"
)

type Kind int

const (
	KindAbsent Kind = iota
	KindJSON
	KindForm
	KindText
	KindBinary
)

func (k Kind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindForm:
		return "form"
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	default:
		return "absent"
	}
}

// Body is the decoded payload. Value holds any for JSON, map[string]string for
// forms and string for text or binary placeholders.
type Body struct {
	Kind  Kind
	Value any
}

// JSON returns the encoding stored in the capture log, or nil when absent.
func (b Body) JSON() (json.RawMessage, error) {
	if b.Kind == KindAbsent {
		return nil, nil
	}
	raw, err := json.Marshal(scrub(b.Value))
	if err != nil {
		return nil, fmt.Errorf("encoding %s body: %w", b.Kind, err)
	}
	return raw, nil
}

var errNotApplicable = errors.New("decoder not applicable")

type decoder func(contentType string, payload []byte) (Body, error)

var decoders = []decoder{
	decodeJSON,
	decodeForm,
	decodeText,
	decodeBinary,
}

// Decode never fails. GET and HEAD requests carry no body.
func Decode(method, contentType string, data []byte) Body {
	if method == http.MethodGet || method == http.MethodHead {
		return Body{}
	}
	for _, d := range decoders {
		if body, err := d(contentType, data); err == nil {
			return body
		}
	}
	return Body{}
}

func decodeJSON(_ string, data []byte) (Body, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Body{}, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Body{}, fmt.Errorf("trailing data after JSON value")
	}
	if v == nil {
		return Body{}, nil
	}
	return Body{Kind: KindJSON, Value: v}, nil
}

func decodeForm(contentType string, data []byte) (Body, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return Body{}, errNotApplicable
	}

	switch mediaType {
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(data))
		if err != nil {
			return Body{}, err
		}
		fields := make(map[string]string, len(values))
		for k, vs := range values {
			fields[k] = vs[len(vs)-1]
		}
		return Body{Kind: KindForm, Value: fields}, nil

	case "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return Body{}, errors.New("multipart body without boundary")
		}
		return decodeMultipart(multipart.NewReader(bytes.NewReader(data), boundary))

	default:
		return Body{}, errNotApplicable
	}
}

func decodeMultipart(mr *multipart.Reader) (Body, error) {
	fields := make(map[string]string)
	for {
		part, err := mr.NextPart()
		// A bare io.EOF marks the closing boundary; a truncated body comes
		// back wrapped and must fail.
		if err == io.EOF {
			break
		}
		if err != nil {
			return Body{}, err
		}
		content, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return Body{}, err
		}

		name := part.FormName()
		if name == "" {
			continue
		}
		if filename := part.FileName(); filename != "" {
			fields[name] = fileMarker(filename, len(content))
			continue
		}
		fields[name] = string(content)
	}
	return Body{Kind: KindForm, Value: fields}, nil
}

func fileMarker(filename string, size int) string {
	return fmt.Sprintf("File: %s (%d bytes)", filename, size)
}

func decodeText(_ string, data []byte) (Body, error) {
	if !utf8.Valid(data) {
		return Body{}, errors.New("payload is not valid UTF-8")
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return Body{}, errors.New("payload contains NUL bytes")
	}
	return Body{Kind: KindText, Value: string(data)}, nil
}

func decodeBinary(_ string, data []byte) (Body, error) {
	return Body{Kind: KindBinary, Value: BinaryPlaceholder(len(data))}, nil
}

func BinaryPlaceholder(n int) string {
	return fmt.Sprintf("Binary data of %d bytes", n)
}

// SanitizeText replaces NUL characters, which jsonb cannot store, with
// U+FFFD.
func SanitizeText(s string) string {
	if strings.IndexByte(s, 0) < 0 {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "\uFFFD")
}

// scrub returns a copy of a decoded value with every key and string passed
// through SanitizeText.
func scrub(v any) any {
	switch v := v.(type) {
	case string:
		return SanitizeText(v)
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, s := range v {
			out[SanitizeText(k)] = SanitizeText(s)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[SanitizeText(k)] = scrub(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = scrub(e)
		}
		return out
	default:
		return v
	}
}
