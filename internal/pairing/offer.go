package pairing

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Offer is the pairing payload a client decodes from the URL fragment.
// Version 2 carries only the relay path; version 1 additionally carries a
// sessionId and direct endpoint hints for LAN-first pairing.
type Offer struct {
	V                  int        `json:"v"`
	ServerID           string     `json:"serverId"`
	DaemonPublicKeyB64 string     `json:"daemonPublicKeyB64"`
	Relay              RelayOffer `json:"relay"`

	// v1 only
	SessionID string   `json:"sessionId,omitempty"`
	Endpoints []string `json:"endpoints,omitempty"`
}

// RelayOffer names the relay the client should tunnel through.
type RelayOffer struct {
	Endpoint string `json:"endpoint"`
}

// NewOfferV2 builds the current-format offer.
func NewOfferV2(id *Identity, relayEndpoint string) Offer {
	return Offer{
		V:                  2,
		ServerID:           id.ServerID,
		DaemonPublicKeyB64: id.PublicKeyB64(),
		Relay:              RelayOffer{Endpoint: relayEndpoint},
	}
}

// NewOfferV1 builds the legacy offer with direct endpoint hints. A fresh
// sessionId is minted per offer.
func NewOfferV1(id *Identity, relayEndpoint string, endpoints []string) Offer {
	return Offer{
		V:                  1,
		ServerID:           id.ServerID,
		DaemonPublicKeyB64: id.PublicKeyB64(),
		Relay:              RelayOffer{Endpoint: relayEndpoint},
		SessionID:          uuid.New().String(),
		Endpoints:          endpoints,
	}
}

// EncodeOffer serializes an offer into its URL fragment form.
func EncodeOffer(offer Offer) (string, error) {
	data, err := json.Marshal(offer)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeOffer reverses EncodeOffer.
func DecodeOffer(encoded string) (Offer, error) {
	var offer Offer
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return offer, fmt.Errorf("malformed offer encoding: %w", err)
	}
	if err := json.Unmarshal(data, &offer); err != nil {
		return offer, fmt.Errorf("malformed offer payload: %w", err)
	}
	if offer.V != 1 && offer.V != 2 {
		return offer, fmt.Errorf("unsupported offer version %d", offer.V)
	}
	if offer.ServerID == "" || offer.DaemonPublicKeyB64 == "" {
		return offer, fmt.Errorf("offer is missing identity fields")
	}
	return offer, nil
}

// PairingURL renders the full URL a client scans or opens.
func PairingURL(appHost string, offer Offer) (string, error) {
	encoded, err := EncodeOffer(offer)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://%s/#offer=%s", appHost, encoded), nil
}

// ParsePairingURL extracts and decodes the offer from a pairing URL.
func ParsePairingURL(raw string) (Offer, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return Offer{}, fmt.Errorf("malformed pairing url: %w", err)
	}
	fragment := parsed.Fragment
	const prefix = "offer="
	if !strings.HasPrefix(fragment, prefix) {
		return Offer{}, fmt.Errorf("pairing url carries no offer")
	}
	return DecodeOffer(strings.TrimPrefix(fragment, prefix))
}
