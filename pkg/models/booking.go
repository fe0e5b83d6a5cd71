package models

import (
	"fmt"
	"net/url"
	"time"
)

// SupportedLicenseTypes lists the license categories the booking site
// accepts.
var SupportedLicenseTypes = []string{
	"B", "A1", "A2", "A", "C1", "C", "D1", "D", "BE", "C1E", "CE", "D1E", "DE",
}

// SupportedExamTypes lists the bookable exam kinds.
var SupportedExamTypes = []string{
	"Körprov",
	"Kunskapsprov",
	"Riskutbildning",
	"Introduktionsutbildning",
}

// SupportedBrowserKinds lists the browser engines an automation session may
// run on.
var SupportedBrowserKinds = []string{"chromium", "firefox", "webkit"}

// BookingConfig is the validated configuration for one booking job. All
// required fields are enumerated here; submissions with missing or unknown
// fields are rejected at the API boundary.
type BookingConfig struct {
	UserID      string   `json:"user_id"`
	LicenseType string   `json:"license_type"`
	ExamType    string   `json:"exam_type"`
	Locations   []string `json:"locations"`
	DateFrom    string   `json:"date_from,omitempty"`
	DateTo      string   `json:"date_to,omitempty"`
	Language    string   `json:"language,omitempty"`
	BrowserKind string   `json:"browser_kind,omitempty"`
	WebhookURL  string   `json:"webhook_url,omitempty"`
}

// Validate checks structural requirements. The returned error message is
// user-facing.
func (c *BookingConfig) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if !contains(SupportedLicenseTypes, c.LicenseType) {
		return fmt.Errorf("license_type must be one of %v, got %q", SupportedLicenseTypes, c.LicenseType)
	}
	if !contains(SupportedExamTypes, c.ExamType) {
		return fmt.Errorf("exam_type must be one of %v, got %q", SupportedExamTypes, c.ExamType)
	}
	if len(c.Locations) == 0 {
		return fmt.Errorf("at least one location is required")
	}
	for _, loc := range c.Locations {
		if loc == "" {
			return fmt.Errorf("locations must not contain empty entries")
		}
	}
	if c.DateFrom != "" {
		if _, err := time.Parse("2006-01-02", c.DateFrom); err != nil {
			return fmt.Errorf("date_from must be YYYY-MM-DD, got %q", c.DateFrom)
		}
	}
	if c.DateTo != "" {
		if _, err := time.Parse("2006-01-02", c.DateTo); err != nil {
			return fmt.Errorf("date_to must be YYYY-MM-DD, got %q", c.DateTo)
		}
	}
	if c.BrowserKind == "" {
		c.BrowserKind = "chromium"
	}
	if !contains(SupportedBrowserKinds, c.BrowserKind) {
		return fmt.Errorf("browser_kind must be one of %v, got %q", SupportedBrowserKinds, c.BrowserKind)
	}
	if c.WebhookURL != "" {
		u, err := url.Parse(c.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook_url must be an absolute http(s) URL")
		}
	}
	return nil
}

// BookingResult describes a successfully booked exam slot.
type BookingResult struct {
	BookingID        string `json:"booking_id"`
	Location         string `json:"location"`
	TestDate         string `json:"test_date"`
	TestTime         string `json:"test_time"`
	ConfirmationCode string `json:"confirmation_code,omitempty"`
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
