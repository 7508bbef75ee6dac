package models

import "strings"

// ResetRequest clears throttle state for one client against one form.
type ResetRequest struct {
	IP     string `json:"ip" validate:"required,clientip"`
	FormID string `json:"form_id" validate:"required,uuid"`
}

func (r *ResetRequest) Normalize() {
	r.IP = strings.TrimSpace(r.IP)
	r.FormID = strings.TrimSpace(r.FormID)
}

// StatsResponse reports how many keys the store is tracking.
type StatsResponse struct {
	Entries int `json:"entries"`
}
