// Copyright 2025 Harvex Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

// Canonical is the deterministic serialization of a value: key-sorted,
// number-normalized, whitespace-free JSON text plus its UTF-8 bytes.
type Canonical struct {
	JSON  string
	Bytes []byte
}

// Canonicalizer produces stable serializations and hashes for logical
// values. Identical logical input yields identical output across process
// restarts, which is what every signature and idempotency key in the
// engine relies on.
type Canonicalizer interface {
	Normalize(v any) (Canonical, error)
	Hash(v any) (string, error)
}

// Service is the default Canonicalizer implementation.
type Service struct{}

// NewService returns the default canonicalization service.
func NewService() *Service {
	return &Service{}
}

// Normalize serializes v into canonical JSON form.
func (s *Service) Normalize(v any) (Canonical, error) {
	raw, err := sonic.Marshal(v)
	if err != nil {
		return Canonical{}, errors.Wrap(err, "canonical: marshal input")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return Canonical{}, errors.Wrap(err, "canonical: decode intermediate")
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, generic); err != nil {
		return Canonical{}, err
	}
	return Canonical{JSON: buf.String(), Bytes: buf.Bytes()}, nil
}

// Hash computes the hex-encoded SHA-256 of the canonical form of v.
func (s *Service) Hash(v any) (string, error) {
	c, err := s.Normalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(c.Bytes)
	return hex.EncodeToString(sum[:]), nil
}

// FormatInstant renders t in the normalized UTC millisecond form used for
// TIME cursor values and time-slice boundaries.
func FormatInstant(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// ParseInstant parses a normalized instant produced by FormatInstant. It
// also accepts plain RFC 3339 input.
func ParseInstant(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "canonical: parse instant %q", s)
	}
	return t.UTC(), nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return errors.Wrap(err, "canonical: encode string")
		}
		buf.Write(enc)
	case json.Number:
		writeNumber(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return errors.Wrap(err, "canonical: encode key")
			}
			buf.Write(enc)
			buf.WriteByte(':')
			if err := writeValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return errors.Errorf("canonical: unsupported value type %T", v)
	}
	return nil
}

// writeNumber coerces integral floats like 3.0 to 3 so that logically
// equal numbers hash identically regardless of the producer.
func writeNumber(buf *bytes.Buffer, n json.Number) {
	if i, err := n.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return
	}
	if f, err := n.Float64(); err == nil {
		if f == float64(int64(f)) {
			buf.WriteString(strconv.FormatInt(int64(f), 10))
			return
		}
		buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
		return
	}
	buf.WriteString(n.String())
}
