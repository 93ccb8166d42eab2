package client

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

const pairingURIScheme = "wc"

var topicPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
var symKeyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// PairingURI is the parsed form of a "wc:" pairing URI. Unknown query
// params are preserved in Extra so a round-trip through
// BuildPairingURI does not drop caller data it didn't understand.
type PairingURI struct {
	Topic         string
	Version       int
	SymKey        string
	RelayProtocol string
	RelayData     string
	Extra         url.Values
}

// ParsePairingURI parses a "wc:<topic>@<version>?symKey=...&relay-protocol=..."
// URI. Fails with ErrInvalidURI if the scheme, topic shape, or
// required symKey param are malformed. A version other than 2 is
// still accepted and recorded; rejecting on version is left to upper
// layers.
func ParsePairingURI(raw string) (PairingURI, error) {
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok || scheme != pairingURIScheme {
		return PairingURI{}, fmt.Errorf("%w: missing %q scheme", ErrInvalidURI, pairingURIScheme)
	}

	topicAndVersion, query, hasQuery := strings.Cut(rest, "?")
	if !hasQuery {
		return PairingURI{}, fmt.Errorf("%w: missing query", ErrInvalidURI)
	}

	topic, versionStr, ok := strings.Cut(topicAndVersion, "@")
	if !ok {
		return PairingURI{}, fmt.Errorf("%w: missing @version", ErrInvalidURI)
	}
	topic = strings.ToLower(topic)
	if !topicPattern.MatchString(topic) {
		return PairingURI{}, fmt.Errorf("%w: topic must be 64 lowercase hex chars", ErrInvalidURI)
	}
	version, err := strconv.Atoi(versionStr)
	if err != nil {
		return PairingURI{}, fmt.Errorf("%w: non-numeric version: %v", ErrInvalidURI, err)
	}

	params, err := url.ParseQuery(query)
	if err != nil {
		return PairingURI{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}

	symKey := strings.ToLower(params.Get("symKey"))
	if symKey == "" {
		return PairingURI{}, fmt.Errorf("%w: missing symKey", ErrInvalidURI)
	}
	if !symKeyPattern.MatchString(symKey) {
		return PairingURI{}, fmt.Errorf("%w: symKey must be 64 lowercase hex chars", ErrInvalidURI)
	}

	uri := PairingURI{
		Topic:         topic,
		Version:       version,
		SymKey:        symKey,
		RelayProtocol: params.Get("relay-protocol"),
		RelayData:     params.Get("relay-data"),
		Extra:         url.Values{},
	}
	for key, values := range params {
		if key == "symKey" || key == "relay-protocol" || key == "relay-data" {
			continue
		}
		uri.Extra[key] = values
	}
	return uri, nil
}

// BuildPairingURI serializes uri back to its wire form.
func BuildPairingURI(uri PairingURI) string {
	q := url.Values{}
	q.Set("symKey", uri.SymKey)
	if uri.RelayProtocol != "" {
		q.Set("relay-protocol", uri.RelayProtocol)
	}
	if uri.RelayData != "" {
		q.Set("relay-data", uri.RelayData)
	}
	for key, values := range uri.Extra {
		for _, v := range values {
			q.Add(key, v)
		}
	}
	return fmt.Sprintf("%s:%s@%d?%s", pairingURIScheme, uri.Topic, uri.Version, q.Encode())
}
