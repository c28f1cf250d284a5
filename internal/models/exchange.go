package models

import "time"

// ExchangeConfig holds credentials and base URL for one external account.
type ExchangeConfig struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name" validate:"required"`
	BaseURL      string    `json:"base_url" validate:"required,url"`
	APIKey       string    `json:"-"`
	APIKeyHeader string    `json:"api_key_header"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Endpoint is the verb and path used for one action against a platform.
type Endpoint struct {
	ID     int64  `json:"id"`
	Action string `json:"action" validate:"required"`
	Method string `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	Path   string `json:"path" validate:"required,startswith=/"`
}
