package storage

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/cloudfront/sign"
)

// CloudFrontSigner issues canned-policy signed URLs for a distribution in
// front of the video bucket.
type CloudFrontSigner struct {
	domain string
	signer *sign.URLSigner
	now    func() time.Time
}

// NewCloudFrontSigner reads a PEM RSA key from keyPath.
func NewCloudFrontSigner(domain, keyPairID, keyPath string) (*CloudFrontSigner, error) {
	key, err := sign.LoadPEMPrivKeyFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("load cloudfront key: %w", err)
	}
	return NewCloudFrontSignerWithKey(domain, keyPairID, key), nil
}

// NewCloudFrontSignerWithKey builds a signer from an already loaded key.
func NewCloudFrontSignerWithKey(domain, keyPairID string, key *rsa.PrivateKey) *CloudFrontSigner {
	domain = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(domain, "https://"), "http://"), "/")
	return &CloudFrontSigner{
		domain: domain,
		signer: sign.NewURLSigner(keyPairID, key),
		now:    time.Now,
	}
}

// Sign returns a CloudFront URL for key expiring after ttl.
func (c *CloudFrontSigner) Sign(_ context.Context, key string, ttl time.Duration) (string, error) {
	raw := (&url.URL{Scheme: "https", Host: c.domain, Path: "/" + key}).String()
	signed, err := c.signer.Sign(raw, c.now().Add(ttl))
	if err != nil {
		return "", fmt.Errorf("sign cloudfront url: %w", err)
	}
	return signed, nil
}
