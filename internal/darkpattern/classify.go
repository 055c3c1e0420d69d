package darkpattern

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PageType is the coarse classification of the page under scan.
type PageType string

const (
	PageCheckout      PageType = "checkout"
	PageSubscription  PageType = "subscription"
	PageAuth          PageType = "auth"
	PageECommerce     PageType = "e-commerce"
	PageCookieConsent PageType = "cookie-consent"
	PageGeneral       PageType = "general"
)

var (
	checkoutPattern     = regexp.MustCompile(`checkout|cart|payment`)
	subscriptionPattern = regexp.MustCompile(`subscribe|subscription|pricing`)
	authPattern         = regexp.MustCompile(`login|signin|signup|register`)
	ecommercePattern    = regexp.MustCompile(`shop|product|item`)
)

// ClassifyPage categorizes a page by fixed-order keyword match over the URL
// and path; first match wins. Cookie consent is recognized structurally when
// no URL keyword matched.
func ClassifyPage(rawURL string, doc *goquery.Document) PageType {
	lower := strings.ToLower(rawURL)
	path := ""
	if u, err := url.Parse(rawURL); err == nil {
		path = strings.ToLower(u.Path)
	}

	switch {
	case checkoutPattern.MatchString(lower) || checkoutPattern.MatchString(path):
		return PageCheckout
	case subscriptionPattern.MatchString(lower):
		return PageSubscription
	case authPattern.MatchString(lower):
		return PageAuth
	case ecommercePattern.MatchString(lower):
		return PageECommerce
	case doc != nil && doc.Find(`.cookie-banner, [id*="cookie"]`).Length() > 0:
		return PageCookieConsent
	default:
		return PageGeneral
	}
}

// InferIntent maps a page type to the user intent hint sent with
// escalations.
func InferIntent(pt PageType) string {
	switch pt {
	case PageCheckout:
		return "completing_purchase"
	case PageSubscription:
		return "evaluating_service"
	case PageAuth:
		return "creating_account"
	case PageECommerce:
		return "browsing_products"
	case PageCookieConsent:
		return "managing_privacy"
	default:
		return "browsing"
	}
}
