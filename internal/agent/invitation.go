// SPDX-License-Identifier: MIT

package agent

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// ErrInvalidInvitation marks a malformed or missing invitation payload.
var ErrInvalidInvitation = errors.New("agent: invalid invitation")

// ParseInvitationURL extracts the out-of-band invitation embedded in a
// provider-supplied URL. The invitation rides in a single base64-encoded
// "oob" query parameter.
func ParseInvitationURL(invitationURL string) (json.RawMessage, error) {
	u, err := url.Parse(invitationURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInvitation, err)
	}

	oob := u.Query()["oob"]
	if len(oob) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one oob query parameter, got %d", ErrInvalidInvitation, len(oob))
	}

	decoded, err := decodeBase64(oob[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInvitation, err)
	}

	if !json.Valid(decoded) {
		return nil, fmt.Errorf("%w: decoded payload is not JSON", ErrInvalidInvitation)
	}
	return json.RawMessage(decoded), nil
}

// Invitations in the wild arrive both padded and unpadded, in standard and
// URL-safe alphabets.
func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.URLEncoding, base64.RawURLEncoding,
		base64.StdEncoding, base64.RawStdEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("not base64")
}
