// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package signing implements the outbound HMAC signing protocol used to
// authenticate status callbacks that traverse the notification edge
// function: a canonical JSON encoding of the payload, with keys sorted
// lexicographically at every object level, concatenated with a Unix-seconds
// timestamp and HMAC-SHA256'd under the shared secret.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// ErrNoSecret is returned by Sign when no shared secret has been configured.
// Unlike the reference implementation (which silently returns empty headers
// so callers degrade to unsigned requests), this package treats an unsigned
// signed-callback as a configuration error: the caller must either supply a
// secret or explicitly choose not to sign.
var ErrNoSecret = errors.New("signing: no shared secret configured")

// CanonicalJSON renders v using the canonical form: object keys sorted
// lexicographically at every nesting level, arrays kept in their original
// order, scalars rendered via encoding/json. v must be built from
// map[string]any, []any, string, float64/int, bool, or nil (i.e. the shape
// produced by json.Unmarshal into `any`, or hand-built equivalents).
func CanonicalJSON(v any) (string, error) {
	var buf []byte
	var err error
	buf, err = appendCanonical(buf, v)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func appendCanonical(buf []byte, v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if t {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case string:
		enc, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return append(buf, enc...), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			keyEnc, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, keyEnc...)
			buf = append(buf, ':')
			buf, err = appendCanonical(buf, t[k])
			if err != nil {
				return nil, err
			}
		}
		return append(buf, '}'), nil
	case []any:
		buf = append(buf, '[')
		for i, item := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendCanonical(buf, item)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil
	default:
		// Numbers and anything else json natively renders without key
		// ordering concerns (int, float64, json.Number, ...).
		enc, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("signing: unsupported value of type %T: %w", v, err)
		}
		return append(buf, enc...), nil
	}
}

// Sign computes the HMAC-SHA256 signature and timestamp for payload under
// secret, using the current wall-clock time. It returns ErrNoSecret if
// secret is empty.
func Sign(secret string, payload any) (signature, timestamp string, err error) {
	return signAt(secret, payload, time.Now())
}

func signAt(secret string, payload any, now time.Time) (string, string, error) {
	if secret == "" {
		return "", "", ErrNoSecret
	}
	canon, err := CanonicalJSON(payload)
	if err != nil {
		return "", "", fmt.Errorf("signing: canonicalize payload: %w", err)
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canon + ts))
	return hex.EncodeToString(mac.Sum(nil)), ts, nil
}

// Headers returns the X-Executor-Signature / X-Executor-Timestamp header
// pair for payload, or an error if no secret is configured.
func Headers(secret string, payload any) (map[string]string, error) {
	sig, ts, err := Sign(secret, payload)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"X-Executor-Signature": sig,
		"X-Executor-Timestamp": ts,
	}, nil
}

// Verify checks that signature/timestamp authenticate payload under secret
// and that the timestamp is within maxAge of now. The receiver side of the
// signed-callback interface (spec.md §6) must reject anything older than
// 5 minutes.
func Verify(secret string, payload any, signature, timestamp string, now time.Time, maxAge time.Duration) error {
	if secret == "" {
		return ErrNoSecret
	}
	tsSec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("signing: invalid timestamp %q: %w", timestamp, err)
	}
	age := now.Sub(time.Unix(tsSec, 0))
	if age < 0 {
		age = -age
	}
	if age > maxAge {
		return fmt.Errorf("signing: timestamp %s outside max age %s", timestamp, maxAge)
	}
	wantSig, _, err := signAt(secret, payload, time.Unix(tsSec, 0))
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(wantSig), []byte(signature)) {
		return errors.New("signing: signature mismatch")
	}
	return nil
}
