package validate

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"regexp"
	"slices"
	"strings"
)

// URL validation errors
var (
	ErrInvalidURL       = errors.New("invalid URL format")
	ErrDisallowedScheme = errors.New("URL scheme not allowed")
	ErrSSRFRisk         = errors.New("URL poses SSRF risk")
	ErrInvalidAssetKey  = errors.New("invalid asset key")
)

// ImageExtensions are the file types accepted for theme backgrounds and icons.
var ImageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif"}

var assetKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_\-./]+$`)

// URLConstraints defines validation constraints for URLs.
type URLConstraints struct {
	AllowedSchemes []string
	BlockPrivate   bool // reject loopback, private and link-local hosts
	MaxLength      int
}

// AssetURLConstraints apply to absolute asset URLs stored on themes.
var AssetURLConstraints = URLConstraints{
	AllowedSchemes: []string{"https"},
	BlockPrivate:   true,
	MaxLength:      2048,
}

// URL validates urlStr against constraints.
func URL(urlStr string, c URLConstraints) (string, error) {
	urlStr = strings.TrimSpace(urlStr)
	if urlStr == "" {
		return "", ErrEmpty
	}
	if c.MaxLength > 0 && len(urlStr) > c.MaxLength {
		return "", fmt.Errorf("%w: URL exceeds %d characters", ErrStringTooLong, c.MaxLength)
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if len(c.AllowedSchemes) > 0 && !slices.Contains(c.AllowedSchemes, u.Scheme) {
		return "", fmt.Errorf("%w: got %q, allowed: %v", ErrDisallowedScheme, u.Scheme, c.AllowedSchemes)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("%w: missing hostname", ErrInvalidURL)
	}
	if c.BlockPrivate {
		if err := checkSSRF(host); err != nil {
			return "", err
		}
	}
	return urlStr, nil
}

// AssetRef validates a theme background or icon reference. It is either an
// absolute https URL or an object key in the asset bucket ending in an image
// extension. Empty references are allowed.
func AssetRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	if strings.Contains(ref, "://") {
		return URL(ref, AssetURLConstraints)
	}
	return AssetKey(ref)
}

// AssetKey validates a bucket object key.
func AssetKey(key string) (string, error) {
	if len(key) > 512 || !assetKeyPattern.MatchString(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAssetKey, key)
	}
	if strings.HasPrefix(key, "/") || slices.Contains(strings.Split(key, "/"), "..") {
		return "", fmt.Errorf("%w: %q escapes the bucket root", ErrInvalidAssetKey, key)
	}
	if !slices.Contains(ImageExtensions, strings.ToLower(path.Ext(key))) {
		return "", fmt.Errorf("%w: %q is not an image", ErrInvalidAssetKey, key)
	}
	return key, nil
}

// checkSSRF rejects hostnames that resolve to internal addresses.
func checkSSRF(hostname string) error {
	lower := strings.ToLower(hostname)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("%w: localhost not allowed", ErrSSRFRisk)
	}

	if ip := net.ParseIP(hostname); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("%w: private IP address %s", ErrSSRFRisk, ip)
		}
		return nil
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		// Unresolvable hosts are not an SSRF vector for us; the browser fetches assets.
		return nil
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("%w: private IP address %s", ErrSSRFRisk, ip)
		}
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
