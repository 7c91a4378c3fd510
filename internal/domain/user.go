// Package domain contains core domain types for the chat backend.
package domain

// ChatUser is the authenticated caller of a request.
type ChatUser struct {
	// Address is the normalized (lowercase, 0x-prefixed) wallet address.
	Address       string `json:"address"`
	City          string `json:"city,omitempty"`
	Country       string `json:"country,omitempty"`
	CountryRegion string `json:"country_region,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
}
