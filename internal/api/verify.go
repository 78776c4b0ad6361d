package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"marketsync/internal/config"
)

const (
	headerShopifyTopic = "X-Shopify-Topic"
	headerShopifyHmac  = "X-Shopify-Hmac-Sha256"
	headerJoomSig      = "X-Joom-Signature"
	headerEbaySig      = "X-Ebay-Signature"
)

// verifySignature checks the delivery signature for a provider. An empty
// secret disables verification (local development only).
func verifySignature(cfg config.Config, provider string, r *http.Request, body []byte) error {
	switch provider {
	case providerShopify:
		if cfg.ShopifyWebhookSecret == "" {
			return nil
		}
		return checkBase64HMAC(r.Header.Get(headerShopifyHmac), body, cfg.ShopifyWebhookSecret)
	case providerJoom:
		if cfg.JoomWebhookSecret == "" {
			return nil
		}
		return checkHexHMAC(r.Header.Get(headerJoomSig), body, cfg.JoomWebhookSecret)
	case providerEbay:
		if cfg.EbayVerificationToken == "" {
			return nil
		}
		return checkBase64HMAC(r.Header.Get(headerEbaySig), body, cfg.EbayVerificationToken)
	default:
		return fmt.Errorf("unknown provider %q", provider)
	}
}

func checkBase64HMAC(got string, body []byte, secret string) error {
	if got == "" {
		return errors.New("missing signature header")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(got), []byte(want)) {
		return errors.New("signature mismatch")
	}
	return nil
}

func checkHexHMAC(got string, body []byte, secret string) error {
	if got == "" {
		return errors.New("missing signature header")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(got), []byte(want)) {
		return errors.New("signature mismatch")
	}
	return nil
}

// ebayChallengeResponse answers the endpoint validation handshake:
// hex(sha256(challengeCode + verificationToken + endpoint)).
func ebayChallengeResponse(challengeCode, token, endpoint string) string {
	sum := sha256.Sum256([]byte(challengeCode + token + endpoint))
	return hex.EncodeToString(sum[:])
}
