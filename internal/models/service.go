package models

type Service struct {
	ServiceID       string `json:"service_id"`
	BusinessID      string `json:"business_id"`
	Name            string `json:"name"`
	DurationMinutes int    `json:"duration_minutes"`
	Active          bool   `json:"active"`
}
